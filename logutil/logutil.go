// Package logutil builds the zap loggers used by every process of a run.
package logutil

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var DefaultLogLevel = "info"

// ConvertToZapLevel converts log level string to zapcore.Level.
func ConvertToZapLevel(lvl string) (zapcore.Level, error) {
	switch lvl {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	case "dpanic":
		return zap.DPanicLevel, nil
	case "panic":
		return zap.PanicLevel, nil
	case "fatal":
		return zap.FatalLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown level %q", lvl)
	}
}

// GetDefaultZapLoggerConfig returns the console configuration shared by all
// binaries, writing to stderr.
func GetDefaultZapLoggerConfig() zap.Config {
	return zap.Config{
		Level:       zap.NewAtomicLevelAt(zap.InfoLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},

		// 'json' or 'console'
		Encoding: "console",

		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     iso8601UTCTimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// New creates a logger at the given level. outputs default to stderr.
func New(level string, outputs []string) (*zap.Logger, error) {
	lvl, err := ConvertToZapLevel(level)
	if err != nil {
		return nil, err
	}
	lcfg := GetDefaultZapLoggerConfig()
	lcfg.Level = zap.NewAtomicLevelAt(lvl)
	if len(outputs) > 0 {
		lcfg.OutputPaths = outputs
		lcfg.ErrorOutputPaths = outputs
	}
	return lcfg.Build()
}

// ForRank tags lg with the process rank. Only the primary keeps the
// configured level; every other rank logs warnings and above.
func ForRank(lg *zap.Logger, rank int) *zap.Logger {
	lg = lg.With(zap.Int("rank", rank))
	if rank != 0 {
		lg = lg.WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	}
	return lg
}

func iso8601UTCTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z0700"))
}
