package gateway

import "context"

type ctxKey string

const clientIDKey ctxKey = "clientID"

// withClientID tags a request context with the originating websocket
// client, so handlers like subscribe can find the connection. HTTP
// requests carry no client id.
func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

func clientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(clientIDKey).(string); ok {
		return value
	}
	return ""
}
