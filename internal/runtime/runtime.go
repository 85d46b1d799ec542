// Package runtime holds process plumbing shared by the dispatcher binary:
// logging, signal handling and the operations HTTP server.
package runtime

import (
	"context"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
)

// NewLogger returns a JSON logger tagged with the service name.
func NewLogger(w io.Writer, service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(h).With("service", service)
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
