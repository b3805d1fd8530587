package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger
)

func init() {
	// Default logger so packages can log before InitFromEnv runs.
	logger = newLogger(zapcore.InfoLevel).Sugar()
}

func newLogger(level zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap.NewProductionConfig never fails to build with a valid level,
		// but fall back to a no-op logger rather than panic at init.
		return zap.NewNop()
	}
	return l
}

// InitFromEnv configures the global logger from the LOG_LEVEL environment
// variable (debug, info, warn, error). Unset or unrecognized values mean info.
func InitFromEnv() (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(level).Sugar()
	return logger, nil
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...interface{}) {
	get().Debugf(format, args...)
}

// Infof logs a formatted message at info level.
func Infof(format string, args ...interface{}) {
	get().Infof(format, args...)
}

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...interface{}) {
	get().Warnf(format, args...)
}

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...interface{}) {
	get().Errorf(format, args...)
}

// Fatalf logs a formatted message and exits.
func Fatalf(format string, args ...interface{}) {
	get().Fatalf(format, args...)
}

// Sync flushes any buffered log entries. Call on shutdown.
func Sync() {
	_ = get().Sync()
}
