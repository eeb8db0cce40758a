// Package logging builds the zap logger used across the service.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zaqqye/seb_integrity/internal/config"
)

// New returns a logger writing JSON to rotating files (app.log from info, error.log from
// error) and a colored console stream.
func New(cfg *config.Config) (*zap.Logger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create log directory: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		MessageKey:   "message",
		LevelKey:     "level",
		TimeKey:      "time",
		CallerKey:    "caller",
		EncodeLevel:  zapcore.CapitalLevelEncoder,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewTee(
		fileCore(cfg, "app", encoderConfig, func(l zapcore.Level) bool { return l >= zapcore.InfoLevel }),
		fileCore(cfg, "error", encoderConfig, func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel }),
		consoleCore(),
	)
	return zap.New(core, zap.AddCaller()), nil
}

func fileCore(cfg *config.Config, name string, enc zapcore.EncoderConfig, enabled zap.LevelEnablerFunc) zapcore.Core {
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, name+".log"),
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
	return zapcore.NewCore(zapcore.NewJSONEncoder(enc), writer, enabled)
}

func consoleCore() zapcore.Core {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewCore(
		zapcore.NewConsoleEncoder(enc),
		zapcore.AddSync(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.DebugLevel }),
	)
}
