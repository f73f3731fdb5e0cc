package logger

import (
	"github.com/kiryu-dev/steam-cm/internal/config"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	formatJSON = "json"
	timeLayout = "2006-01-02 15:04:05"
)

// New builds the application logger. The json format uses the production encoder,
// anything else gets the colored development console.
func New(cfg config.Logger) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.WithMessage(err, "parse log level")
	}

	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if cfg.Format == formatJSON {
		logConfig = zap.NewProductionConfig()
		logConfig.EncoderConfig = zap.NewProductionEncoderConfig()
	}
	logConfig.Level = zap.NewAtomicLevelAt(level)
	logConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	if cfg.Output != "" {
		logConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := logConfig.Build()
	if err != nil {
		return nil, errors.WithMessage(err, "build logger")
	}
	return logger, nil
}
