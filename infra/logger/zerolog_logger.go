package logger

import (
	"github.com/rs/zerolog"
)

// ZerologLogger implements Logger on top of a zerolog.Logger.
type ZerologLogger struct {
	log zerolog.Logger
}

// With returns a child logger that adds key=value to every line, e.g. a
// vehicle or bin id.
func (l *ZerologLogger) With(key, value string) Logger {
	return &ZerologLogger{log: l.log.With().Str(key, value).Logger()}
}

func (l *ZerologLogger) Debugf(format string, args ...any) { msgf(l.log.Debug(), format, args) }
func (l *ZerologLogger) Infof(format string, args ...any)  { msgf(l.log.Info(), format, args) }
func (l *ZerologLogger) Warnf(format string, args ...any)  { msgf(l.log.Warn(), format, args) }
func (l *ZerologLogger) Errorf(format string, args ...any) { msgf(l.log.Error(), format, args) }

// Debugw logs msg with structured fields.
func (l *ZerologLogger) Debugw(msg string, fields map[string]any) {
	l.log.Debug().Fields(fields).Msg(msg)
}

// msgf attaches the last error argument as the "error" field so it stays
// queryable in json output.
func msgf(ev *zerolog.Event, format string, args []any) {
	if ev == nil {
		return
	}
	for i := len(args) - 1; i >= 0; i-- {
		if err, ok := args[i].(error); ok {
			ev = ev.Err(err)
			break
		}
	}
	ev.Msgf(format, args...)
}
