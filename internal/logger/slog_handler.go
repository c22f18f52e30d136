package logger

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// zlHandler bridges slog calls onto a zerolog logger. Request, session, and
// user fields carried in the context are folded into every event, so
// components can log through slog without knowing about the zerolog setup.
type zlHandler struct {
	zl     *zerolog.Logger
	attr   []slog.Attr
	prefix string
}

// NewSlog adapts a zerolog logger into the slog interface components take.
func NewSlog(zl *zerolog.Logger) *slog.Logger {
	return slog.New(&zlHandler{zl: zl})
}

func (h *zlHandler) Enabled(_ context.Context, l slog.Level) bool {
	switch {
	case zerolog.GlobalLevel() <= zerolog.DebugLevel:
		return true
	case zerolog.GlobalLevel() == zerolog.WarnLevel:
		return l >= slog.LevelWarn
	case zerolog.GlobalLevel() >= zerolog.ErrorLevel:
		return l >= slog.LevelError
	default:
		return l >= slog.LevelInfo
	}
}

func (h *zlHandler) Handle(ctx context.Context, r slog.Record) error {
	base := FromContext(ctx, h.zl)

	var ev *zerolog.Event
	switch {
	case r.Level <= slog.LevelDebug:
		ev = base.Debug()
	case r.Level == slog.LevelWarn:
		ev = base.Warn()
	case r.Level >= slog.LevelError:
		ev = base.Error()
	default:
		ev = base.Info()
	}

	// stored attrs were prefixed when WithAttrs captured them
	for _, a := range h.attr {
		ev = addAttr(ev, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		ev = addAttr(ev, h.prefix, a)
		return true
	})

	ev.Msg(r.Message)
	return nil
}

func (h *zlHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attr = cp.attr[:len(cp.attr):len(cp.attr)]
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		cp.attr = append(cp.attr, a)
	}
	return &cp
}

// WithGroup flattens groups into dotted keys; zerolog events are flat.
func (h *zlHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func addAttr(ev *zerolog.Event, prefix string, a slog.Attr) *zerolog.Event {
	a.Value = a.Value.Resolve()
	key := prefix + a.Key
	switch a.Value.Kind() {
	case slog.KindGroup:
		gp := key + "."
		if a.Key == "" {
			gp = prefix
		}
		for _, ga := range a.Value.Group() {
			ev = addAttr(ev, gp, ga)
		}
		return ev
	case slog.KindString:
		return ev.Str(key, a.Value.String())
	case slog.KindInt64:
		return ev.Int64(key, a.Value.Int64())
	case slog.KindUint64:
		return ev.Uint64(key, a.Value.Uint64())
	case slog.KindFloat64:
		return ev.Float64(key, a.Value.Float64())
	case slog.KindBool:
		return ev.Bool(key, a.Value.Bool())
	case slog.KindDuration:
		return ev.Dur(key, a.Value.Duration())
	case slog.KindTime:
		return ev.Time(key, a.Value.Time())
	default:
		if err, ok := a.Value.Any().(error); ok {
			return ev.AnErr(key, err)
		}
		return ev.Interface(key, a.Value.Any())
	}
}
