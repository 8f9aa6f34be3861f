package utils

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
)

const logTimeFormat = "2006-01-02T15:04:05.000Z07:00"

type LogOptions struct {
	Level   slog.Level
	Console io.Writer // colored, human readable
	NoColor bool
	File    io.Writer // optional plain text sink
}

// NewLogger builds the process logger: tint on the console and, when set, a text handler on File.
func NewLogger(opts LogOptions) *slog.Logger {
	handlers := []slog.Handler{
		tint.NewHandler(opts.Console, &tint.Options{
			Level:      opts.Level,
			TimeFormat: logTimeFormat,
			NoColor:    opts.NoColor,
		}),
	}
	if opts.File != nil {
		handlers = append(handlers, slog.NewTextHandler(opts.File, &slog.HandlerOptions{Level: opts.Level}))
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(fanoutHandler(handlers))
}

// fanoutHandler forwards each record to every handler that accepts its level.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, handler := range h {
		out[i] = handler.WithAttrs(attrs)
	}
	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, handler := range h {
		out[i] = handler.WithGroup(name)
	}
	return out
}
