// Package logging wires up structured logging the way cmd/amass_engine's
// main() does (slog.New(slog.NewJSONHandler(...))), optionally fanning out
// to a syslog sink via samber/slog-syslog/v2 when configured — mirroring
// the teacher's pattern of attaching alternate slog.Handlers per
// environment.
package logging

import (
	"context"
	"log/slog"
	"log/syslog"
	"os"

	slogsyslog "github.com/samber/slog-syslog/v2"
)

// New builds the process-wide logger. When syslogAddr is empty, logs go to
// stderr as JSON; otherwise a syslog handler is layered in alongside it.
func New(syslogAddr string) (*slog.Logger, error) {
	handlers := []slog.Handler{slog.NewJSONHandler(os.Stderr, nil)}

	if syslogAddr != "" {
		writer, err := syslog.Dial("udp", syslogAddr, syslog.LOG_INFO, "requestrepo-engine")
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slogsyslog.Option{Level: slog.LevelInfo, Writer: writer}.NewSyslogHandler())
	}

	return slog.New(fanoutHandler{handlers: handlers}), nil
}

// fanoutHandler dispatches every record to all wrapped handlers, the
// minimal mechanism needed to let a configured syslog sink run alongside
// the always-on stderr sink without pulling in a third-party mux package.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: out}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: out}
}
