package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin wrapper around a sugared zap logger so that Named and
// With keep returning *Logger.
type Logger struct {
	*zap.SugaredLogger
}

var global = newDefault()

// Init replaces the global logger with one configured from the given level
// and format ("text" or "json").
func Init(level, format string) {
	var config zap.Config
	if format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	parsedLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		parsedLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(parsedLevel)

	logger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to the default logger rather than booting without one.
		return
	}
	global = &Logger{logger.Sugar()}
}

// Get returns the global logger.
func Get() *Logger {
	return global
}

func (l *Logger) Named(name string) *Logger {
	return &Logger{l.SugaredLogger.Named(name)}
}

func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{l.SugaredLogger.With(args...)}
}

func newDefault() *Logger {
	logger, _ := zap.NewDevelopmentConfig().Build()
	return &Logger{logger.Sugar()}
}
