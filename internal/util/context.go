package util

import "context"

type contextKey string

const (
	clientContextKey contextKey = "client"
)

func NewContext(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, clientContextKey, client)
}

// GetClientFromContext returns the client id stored in ctx by
// NewContext, or "" if none is set.
func GetClientFromContext(ctx context.Context) string {
	if client := ctx.Value(clientContextKey); client != nil {
		//nolint:errcheck // ignore error
		return client.(string)
	}

	return ""
}
