package logger

import (
	"context"
	"io"
	"log/slog"
)

// ANSI sequences per level; anything unlisted renders unstyled.
var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // cyan
	slog.LevelInfo:  "\033[32m", // green
	slog.LevelWarn:  "\033[33m", // yellow
	slog.LevelError: "\033[31m", // red
}

const colorReset = "\033[0m"

// ColorHandler decorates a slog.TextHandler with an ANSI-colored level tag in
// front of the message, for interactive console output.
type ColorHandler struct {
	inner *slog.TextHandler
}

func NewColorHandler(w io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	return &ColorHandler{inner: slog.NewTextHandler(w, opts)}
}

func (h *ColorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ColorHandler) Handle(ctx context.Context, r slog.Record) error {
	if c, ok := levelColors[r.Level]; ok {
		r.Message = c + r.Level.String() + colorReset + "  " + r.Message
	}
	return h.inner.Handle(ctx, r)
}

func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorHandler{inner: h.inner.WithAttrs(attrs).(*slog.TextHandler)}
}

func (h *ColorHandler) WithGroup(name string) slog.Handler {
	return &ColorHandler{inner: h.inner.WithGroup(name).(*slog.TextHandler)}
}
