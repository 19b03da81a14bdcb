package snapqr

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/snapqr/snapqr/pkg/snapqr/util"
)

const (
	BuildTypeNone    = ""
	BuildTypeDev     = "dev"
	BuildTypeRelease = "release"

	LogDirectory = "logs"
	LogFilename  = "snapqr-latest-run.log"

	logMaxSizeMB   = 10
	logMaxBackups  = 3
	logMaxAgeDays  = 14
	logNameColumns = 27
)

// NewLogger initializes and returns a new logger instance based on the build type.
// - For release builds, logs to a rotated file with info level and above.
// - For development builds, logs to stderr with debug level and colorful output.
// Verbose lowers release builds to debug level as well.
func NewLogger(buildType string, verbose bool) (*zap.SugaredLogger, error) {
	if buildType != BuildTypeRelease {
		loggerConfig := zap.NewDevelopmentConfig()
		loggerConfig.EncoderConfig = encoderConfig(loggerConfig.EncoderConfig)
		loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

		logger, err := loggerConfig.Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		return logger.Sugar(), nil
	}

	if err := util.EnsureDirExists(LogDirectory); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", LogDirectory, err)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(LogDirectory, LogFilename),
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     logMaxAgeDays,
	}

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig(zap.NewProductionEncoderConfig())),
		zapcore.AddSync(rotator),
		zap.NewAtomicLevelAt(level),
	)

	return zap.New(core).Sugar(), nil
}

// encoderConfig applies human-readable timestamps and aligned names.
func encoderConfig(cfg zapcore.EncoderConfig) zapcore.EncoderConfig {
	cfg.EncodeCaller = nil
	cfg.CallerKey = zapcore.OmitKey
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
	}
	cfg.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(fmt.Sprintf("%-*s", logNameColumns, name))
	}
	return cfg
}
