// Package zerolog adapts rs/zerolog to entitlement.Logger.
package zerolog

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

// Logger implements entitlement.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

var _ entitlement.Logger = (*Logger)(nil)

// NewLogger wraps an existing zerolog logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// New builds a timestamped zerolog logger writing to w. format "console"
// selects the human-readable writer; anything else writes JSON lines.
// An unknown level falls back to info.
func New(w io.Writer, level, format string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

func (l *Logger) Debug(msg string, fields ...entitlement.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...entitlement.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...entitlement.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...entitlement.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []entitlement.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			event = event.Str(f.Key, v)
		case error:
			event = event.AnErr(f.Key, v)
		case time.Time:
			event = event.Time(f.Key, v)
		case *time.Time:
			if v == nil {
				event = event.Interface(f.Key, nil)
			} else {
				event = event.Time(f.Key, *v)
			}
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}
