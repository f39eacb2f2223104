package toolregistry

import (
	"context"

	"github.com/neul-labs/openclaw/pkg/eventlog"
)

// Invocation carries the session binding for one tool call. Tools that
// read or write session state resolve it from the context.
type Invocation struct {
	SessionKey eventlog.SessionKey
	AgentID    string
}

type invocationKey struct{}

// ContextWithInvocation attaches the invocation to a context for tool
// executors.
func ContextWithInvocation(ctx context.Context, inv *Invocation) context.Context {
	if ctx == nil {
		return context.Background()
	}
	if inv == nil {
		return ctx
	}
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFromContext extracts the invocation from a context, or nil.
func InvocationFromContext(ctx context.Context) *Invocation {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(invocationKey{}); v != nil {
		if inv, ok := v.(*Invocation); ok {
			return inv
		}
	}
	return nil
}
