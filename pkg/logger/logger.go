package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a named production logger writing to stderr. Sampling is
// disabled: the ingester's per-file warnings are exactly the lines an
// operator greps for when a spool backs up.
func New(name string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := cfg.Build()
	if err != nil {
		// zap.NewProductionConfig only fails on an invalid level, which a
		// stock config cannot have.
		panic(err)
	}
	return log.Named(name).Sugar()
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
