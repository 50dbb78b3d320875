// Package shield holds the HTTP middleware applied to the admin API.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.AdminStack(logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// AdminStack returns the middleware stack for the admin API, outermost first:
// Recoverer → RequestID → RequestLog → HeadToGet → SecurityHeaders.
func AdminStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		middleware.Recoverer,
		middleware.RequestID,
		RequestLog(logger),
		HeadToGet,
		SecurityHeaders(APIHeaders()),
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
