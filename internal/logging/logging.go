package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process-wide zap logger at the given level.
// Unknown level strings fall back to info rather than failing startup.
func NewLogger(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.Set(levelString); err != nil {
		logLevel = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.SecondsDurationEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stdout),
		zap.NewAtomicLevelAt(logLevel),
	)
	return zap.New(core,
		zap.AddCaller(),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	), nil
}

// ForItem returns a child logger carrying the entity kind and id fields that
// every per-item log line should include.
func ForItem(logger *zap.Logger, kind, id string) *zap.Logger {
	return logger.With(zap.String("kind", kind), zap.String("item_id", id))
}

// Nop returns a no-op logger for tests and optional call sites.
func Nop() *zap.Logger {
	return zap.NewNop()
}
