package observe

import "context"

// SessionKey is the echo.Context key holding the per-request session id.
const SessionKey = "session"

type listenerKey struct{}

// WithListener returns a context carrying the name of the listener that
// accepted the connection.
func WithListener(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, listenerKey{}, name)
}

// Listener returns the listener name stored by WithListener, or "" if none.
func Listener(ctx context.Context) string {
	name, _ := ctx.Value(listenerKey{}).(string)
	return name
}
