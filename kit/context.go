// Package kit carries per-connection values on a context so that log lines,
// ledger rows and metrics emitted for one connection can be correlated.
package kit

import "context"

type contextKey string

const (
	ConnIDKey     contextKey = "kit_conn_id"
	RemoteAddrKey contextKey = "kit_remote_addr"
	TransportKey  contextKey = "kit_transport" // "tcp", "http"
)

func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnIDKey, id)
}
func GetConnID(ctx context.Context) string {
	v, _ := ctx.Value(ConnIDKey).(string)
	return v
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(RemoteAddrKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "tcp"
}

// LogAttrs returns the slog key/value pairs for the connection on ctx.
func LogAttrs(ctx context.Context) []any {
	return []any{"conn_id", GetConnID(ctx), "remote_addr", GetRemoteAddr(ctx)}
}
