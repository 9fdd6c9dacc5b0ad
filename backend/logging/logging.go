package logging

import (
	"io"
	"os"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// New creates the root logger. An unknown level falls back to debug and is
// reported through the returned error.
func New(w io.Writer, level string) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stdout
	}
	logger := zerolog.New(w).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return logger.Level(zerolog.DebugLevel), err
	}
	return logger.Level(lvl), nil
}

// PionFactory routes pion's internal logs into zerolog. pion is chatty, so
// its messages are shifted one level down (info becomes debug and so on).
type PionFactory struct {
	Logger zerolog.Logger
}

func (f PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{l: f.Logger.With().Str("component", "pion").Str("scope", scope).Logger()}
}

type pionLogger struct {
	l zerolog.Logger
}

func (p pionLogger) Trace(msg string)                  { p.l.Trace().Msg(msg) }
func (p pionLogger) Tracef(format string, args ...any) { p.l.Trace().Msgf(format, args...) }
func (p pionLogger) Debug(msg string)                  { p.l.Trace().Msg(msg) }
func (p pionLogger) Debugf(format string, args ...any) { p.l.Trace().Msgf(format, args...) }
func (p pionLogger) Info(msg string)                   { p.l.Debug().Msg(msg) }
func (p pionLogger) Infof(format string, args ...any)  { p.l.Debug().Msgf(format, args...) }
func (p pionLogger) Warn(msg string)                   { p.l.Warn().Msg(msg) }
func (p pionLogger) Warnf(format string, args ...any)  { p.l.Warn().Msgf(format, args...) }
func (p pionLogger) Error(msg string)                  { p.l.Error().Msg(msg) }
func (p pionLogger) Errorf(format string, args ...any) { p.l.Error().Msgf(format, args...) }
