package logger

import (
	"strings"
	"sync"

	"github.com/cristianortiz/biddingEngine/internal/shared/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// GetLogger returns zap.Logger instance, but using singleton pattern creates only one reusable instace.
// APP_ENV=production switches to the JSON production config, LOG_LEVEL overrides the level;
// both are resolved by the config package.
func GetLogger() *zap.Logger {
	once.Do(func() {
		appEnv, logLevel := config.Logging()

		var cfg zap.Config
		if strings.EqualFold(appEnv, "production") {
			cfg = zap.NewProductionConfig()
		} else {
			cfg = zap.NewDevelopmentConfig()
		}
		if logLevel != "" {
			level, err := zapcore.ParseLevel(logLevel)
			if err == nil {
				cfg.Level = zap.NewAtomicLevelAt(level)
			}
		}

		var err error
		logger, err = cfg.Build()
		if err != nil {
			panic("failed logger setup : " + err.Error())
		}
	})
	return logger
}
