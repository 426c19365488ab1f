package log

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"Bulwark/internal/conf"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ServiceName is attached to every log line.
const ServiceName = "Bulwark"

const (
	envDevelopment = "development"
	envProduction  = "production"
)

// NewZapLogger builds the process logger from cfg.
//
// stdout carries entries below ERROR, stderr carries ERROR and above, and when
// OutputFile is set every enabled entry is also written to a rotated file.
func NewZapLogger(cfg *conf.Log) (*zap.Logger, error) {
	if cfg == nil {
		return nil, errors.New("log config is nil")
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	env := resolveEnv(cfg.Env)
	enc := newEncoder(strings.ToLower(cfg.Format) == "console" || env == envDevelopment)

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= level && l < zapcore.ErrorLevel
		})),
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zapcore.ErrorLevel),
	}
	if cfg.OutputFile != "" {
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotatingFile(cfg)), level))
	}

	return zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", ServiceName), zap.String("env", env)),
	), nil
}

// resolveEnv 优先使用配置，其次 BULWARK_ENV，默认 production
func resolveEnv(env string) string {
	if env != "" {
		return env
	}
	if env = os.Getenv("BULWARK_ENV"); env != "" {
		return env
	}
	return envProduction
}

func newEncoder(console bool) zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if !console {
		return zapcore.NewJSONEncoder(cfg)
	}

	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(t.Format("15:04:05.000"))
	}
	return NewEmojiConsoleEncoder(cfg)
}

// rotatingFile 安全事件日志需要保留更久，便于事后审计
func rotatingFile(cfg *conf.Log) *lumberjack.Logger {
	w := &lumberjack.Logger{
		Filename:   cfg.OutputFile,
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 14,
		Compress:   true,
	}
	if cfg.MaxSizeMB > 0 {
		w.MaxSize = cfg.MaxSizeMB
	}
	if cfg.MaxAgeDays > 0 {
		w.MaxAge = cfg.MaxAgeDays
	}
	if cfg.MaxBackups > 0 {
		w.MaxBackups = cfg.MaxBackups
	}
	return w
}
