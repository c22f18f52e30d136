// Package telemetry is the structured event sink for admission decisions.
// Recording is fire-and-forget: sinks must never block or return errors to
// the admission path.
package telemetry

import (
	"github.com/rs/zerolog"
)

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

type Event struct {
	Category  string
	Event     string
	Severity  Severity
	SessionID string
	UserID    string
	Metrics   map[string]any
}

type Recorder interface {
	Record(ev Event)
}

// Log writes events through zerolog with category/event as fields.
type Log struct {
	zl zerolog.Logger
}

func NewLog(zl zerolog.Logger) *Log {
	return &Log{zl: zl}
}

func (l *Log) Record(ev Event) {
	var e *zerolog.Event
	switch ev.Severity {
	case SeverityError:
		e = l.zl.Error()
	case SeverityWarn:
		e = l.zl.Warn()
	default:
		e = l.zl.Info()
	}
	e = e.Str("category", ev.Category).Str("event", ev.Event)
	if ev.SessionID != "" {
		e = e.Str("session_id", ev.SessionID)
	}
	if ev.UserID != "" {
		e = e.Str("user_id", ev.UserID)
	}
	for k, v := range ev.Metrics {
		e = e.Interface(k, v)
	}
	e.Msg("telemetry")
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(Event) {}
