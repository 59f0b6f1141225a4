package serverlogger

import (
	"fmt"
	"strings"

	"github.com/pion/logging"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"
)

// implements webrtc.LoggerFactory
type loggerFactory struct {
	logger logger.Logger
	level  zapcore.Level
}

// NewLoggerFactory bridges pion's leveled logging into l. Pion is chatty, so its
// info output is treated as debug and nothing below level is forwarded.
func NewLoggerFactory(l logger.Logger, level string) logging.LoggerFactory {
	lvl := zapcore.WarnLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			lvl = zapcore.WarnLevel
		}
	}
	return &loggerFactory{
		logger: l,
		level:  lvl,
	}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &logAdapter{
		logger: f.logger.WithName("pion." + scope),
		level:  f.level,
	}
}

// implements webrtc.LeveledLogger
type logAdapter struct {
	logger logger.Logger
	level  zapcore.Level
}

func (l *logAdapter) Trace(msg string) {
	// ignore trace
}

func (l *logAdapter) Tracef(format string, args ...interface{}) {
	// ignore trace
}

func (l *logAdapter) Debug(msg string) {
	if l.level > zapcore.DebugLevel {
		return
	}
	l.logger.Debugw(msg)
}

func (l *logAdapter) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l *logAdapter) Info(msg string) {
	l.Debug(msg)
}

func (l *logAdapter) Infof(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l *logAdapter) Warn(msg string) {
	if l.level > zapcore.WarnLevel {
		return
	}
	l.logger.Infow(msg)
}

func (l *logAdapter) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *logAdapter) Error(msg string) {
	if l.level > zapcore.ErrorLevel {
		return
	}
	l.logger.Warnw(msg, nil)
}

func (l *logAdapter) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}
