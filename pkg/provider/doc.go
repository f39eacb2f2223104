// Package provider defines the language-model provider contract and its
// Anthropic and OpenAI adapters.
//
// Invariants:
// - Complete and Stream carry the same request shape; a stream's terminal
//   chunk holds the same assembled Response a Complete call would return.
// - Every response reports a StopReason from the fixed set end_turn,
//   max_tokens, stop_sequence, tool_use.
// - Adapter failures surface as the typed errors in this package;
//   IsRetryable is the single transient/permanent decision point.
// - Context cancellation propagates unwrapped so callers can distinguish
//   a deliberate abort from a provider fault.
//
// Usage:
//
//	p, err := provider.New("anthropic", apiKey, "")
//	if err != nil {
//		return err
//	}
//	resp, err := p.Complete(ctx, provider.Request{
//		Model:     "claude-sonnet-4-5",
//		System:    "You are a helpful assistant.",
//		Messages:  []provider.Message{{Role: provider.RoleUser, Content: "Hello"}},
//		MaxTokens: 1024,
//	})
package provider
