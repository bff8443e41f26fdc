package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. APP_ENV=development switches to the
// human-readable console encoder.
func New() *zap.Logger {
	var cfg zap.Config
	if os.Getenv("APP_ENV") == "development" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(v)); err == nil {
			cfg.Level.SetLevel(level)
		}
	}

	log, err := cfg.Build()
	if err != nil {
		panic("logger init: " + err.Error())
	}
	return log
}
