// Package runtime executes agent turns: it appends inbound messages to
// the session log, drives the provider/tool loop, and records the
// response, all inside the session's command queue lane.
//
// Invariants:
// - Turns for one session run strictly one at a time, in arrival order.
// - Every tool invocation is logged as a tool_called/tool_result pair
//   before its outcome reaches the model.
// - A caller always receives either a completed TurnResult or a
//   *TurnFailure; interruption yields a result flagged Interrupted.
// - A session whose log rejects a write is halted until ended; no
//   further turns run against a log of unknown state.
//
// Usage:
//
//	rt, _ := runtime.New(runtime.Config{
//		Log:        lg,
//		Projection: engine,
//		Registry:   registry,
//		Sandbox:    sandboxes,
//		Queue:      queue,
//		Profiles:   []runtime.ProviderProfile{{ID: "main", Provider: "anthropic", APIKey: key}},
//		Agents:     map[string]runtime.AgentProfile{"assistant": {ID: "assistant", Model: "claude-sonnet-4-5"}},
//	})
//	result, err := rt.Deliver(ctx, eventlog.MainKey("assistant"), "hello", nil)
package runtime
