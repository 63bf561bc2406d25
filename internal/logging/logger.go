package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu            sync.RWMutex
	defaultLogger *zap.Logger
)

// InitLogger initializes the process-wide logger.
// LOG_LEVEL=debug enables debug output, LOG_FORMAT=console switches to the human readable encoder.
func InitLogger() error {
	config := zap.NewProductionConfig()
	if os.Getenv("LOG_FORMAT") == "console" {
		config = zap.NewDevelopmentConfig()
	}

	if os.Getenv("LOG_LEVEL") == "debug" {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.LevelKey = "level"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := config.Build()
	if err != nil {
		return err
	}

	SetLogger(logger)
	return nil
}

// SetLogger replaces the process-wide logger. Tests use it to install zaptest or observer loggers.
func SetLogger(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
	zap.ReplaceGlobals(logger)
}

// Logger returns the default logger instance
func Logger() *zap.Logger {
	mu.RLock()
	logger := defaultLogger
	mu.RUnlock()
	if logger != nil {
		return logger
	}

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		fallback, err := zap.NewProduction()
		if err != nil {
			fallback, err = zap.NewDevelopment()
			if err != nil {
				fallback = zap.NewNop()
			}
		}
		defaultLogger = fallback
	}
	return defaultLogger
}

// Sync flushes any buffered log entries
func Sync() error {
	mu.RLock()
	logger := defaultLogger
	mu.RUnlock()
	if logger == nil {
		return nil
	}
	if err := logger.Sync(); err != nil {
		// Sync on a terminal stdout returns EINVAL on Linux
		logger.Debug("failed to sync logger", zap.Error(err))
		return err
	}
	return nil
}
