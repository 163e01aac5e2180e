package serverlogger

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voxmesh/voxmesh-server/pkg/buffer"
	"github.com/voxmesh/voxmesh-server/pkg/ice"
	"github.com/voxmesh/voxmesh-server/pkg/mixer"
	"github.com/voxmesh/voxmesh-server/pkg/sfu"
	"github.com/voxmesh/voxmesh-server/pkg/sfu/pacer"
)

var rootLogger logr.Logger = logr.Discard()

func InitProduction(logLevel string) {
	initLogger(zap.NewProductionConfig(), logLevel)
}

func InitDevelopment(logLevel string) {
	initLogger(zap.NewDevelopmentConfig(), logLevel)
}

// valid levels: debug, info, warn, error, fatal, panic
func initLogger(config zap.Config, level string) {
	if level != "" {
		lvl := zapcore.Level(0)
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	l, _ := config.Build()
	zapLogger := zapr.NewLogger(l)
	rootLogger = zapLogger.WithName("voxmesh")

	sfu.Logger = rootLogger.WithName("sfu")
	buffer.Logger = rootLogger.WithName("buffer")
	mixer.Logger = rootLogger.WithName("mixer")
	ice.Logger = rootLogger.WithName("ice")
	pacer.Logger = rootLogger.WithName("pacer")
}

// GetLogger returns the process root logger.
func GetLogger() logr.Logger {
	return rootLogger
}
