package obs

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerOnce sync.Once
	logger     *zap.SugaredLogger
)

// Logger returns the shared structured logger used across the service.
func Logger() *zap.SugaredLogger {
	loggerOnce.Do(func() {
		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.TimeKey = "ts"
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig = encoderCfg
		l, err := cfg.Build()
		if err != nil {
			// Production config only fails on bad sink paths; fall back to a no-op
			// logger rather than crashing observability consumers.
			l = zap.NewNop()
		}
		logger = l.Sugar()
	})
	return logger
}

// ReplaceLogger swaps the process logger. Tests use it to capture output.
func ReplaceLogger(l *zap.SugaredLogger) {
	loggerOnce.Do(func() {})
	logger = l
}
