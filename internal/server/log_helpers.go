package server

import (
	"log/slog"
	"net/http"
)

// loggingWithRequest returns a logger annotated with request-scoped fields.
// The logger is enriched with request and stream IDs from the context
// alongside the HTTP path and remote address so handler logs stay aligned on
// shared keys.
func loggingWithRequest(base *slog.Logger, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}

	logger := loggerWithRequestContext(r.Context(), base)
	if logger == nil {
		return nil
	}

	return logger.With(
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	)
}
