package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerFactory routes pion's internal logging into the global zerolog
// logger, one sub-logger per pion scope.
type LoggerFactory struct {
	Level zerolog.Level
}

func NewLoggerFactory(level zerolog.Level) *LoggerFactory {
	return &LoggerFactory{Level: level}
}

func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{
		l: log.With().Str("module", "pion").Str("scope", scope).Logger().Level(f.Level),
	}
}

type leveledLogger struct {
	l zerolog.Logger
}

func (z *leveledLogger) Trace(msg string)                          { z.l.Trace().Msg(msg) }
func (z *leveledLogger) Tracef(format string, args ...interface{}) { z.l.Trace().Msg(fmt.Sprintf(format, args...)) }
func (z *leveledLogger) Debug(msg string)                          { z.l.Debug().Msg(msg) }
func (z *leveledLogger) Debugf(format string, args ...interface{}) { z.l.Debug().Msg(fmt.Sprintf(format, args...)) }
func (z *leveledLogger) Info(msg string)                           { z.l.Info().Msg(msg) }
func (z *leveledLogger) Infof(format string, args ...interface{})  { z.l.Info().Msg(fmt.Sprintf(format, args...)) }
func (z *leveledLogger) Warn(msg string)                           { z.l.Warn().Msg(msg) }
func (z *leveledLogger) Warnf(format string, args ...interface{})  { z.l.Warn().Msg(fmt.Sprintf(format, args...)) }
func (z *leveledLogger) Error(msg string)                          { z.l.Error().Msg(msg) }
func (z *leveledLogger) Errorf(format string, args ...interface{}) { z.l.Error().Msg(fmt.Sprintf(format, args...)) }
