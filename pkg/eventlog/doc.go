// Package eventlog stores session history as durable, append-only JSONL
// partitions, one per session key.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Sequence numbers per session are gap-free, strictly increasing, and
//   assigned only by the log.
// - Event ids are derived from content; appending a duplicate id is a no-op.
// - No event follows a durably recorded SessionEnded event.
// - Appends for the same session are serialized; sessions are independent.
//
// Usage:
//
//	lg, _ := eventlog.New("/tmp/openclaw/sessions", 0)
//	key := eventlog.MainKey("assistant")
//	_, _ = lg.Append(key, "assistant", eventlog.MessageReceived{Content: "hello"})
//	events, _ := lg.Read(key)
//	_ = events
package eventlog
