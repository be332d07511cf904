package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config describes the logger of one research binary.
type Config struct {
	// Service is attached to every entry as "service". It defaults to "research".
	Service   string
	CommitSHA string
	Debug     bool
	Fields    []zap.Field

	// Cores receive every entry next to the stdout JSON core and keep their own level.
	Cores []zapcore.Core
}

const defaultService = "research"

// New builds the JSON logger shared by the API server and the CLIs. Entries at error
// level and above carry a stack trace.
func New(config Config) *zap.Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if config.Debug {
		level.SetLevel(zap.DebugLevel)
	}

	stdout := zapcore.NewCore(
		zapcore.NewJSONEncoder(EncoderConfig()),
		zapcore.Lock(os.Stdout),
		level,
	)

	core := zapcore.NewTee(append([]zapcore.Core{stdout}, config.Cores...)...)

	service := config.Service
	if service == "" {
		service = defaultService
	}

	fields := []zap.Field{
		zap.String("service", service),
		zap.Int("pid", os.Getpid()),
	}
	if config.CommitSHA != "" {
		fields = append(fields, zap.String("commit_sha", config.CommitSHA))
	}

	return zap.New(core,
		zap.AddStacktrace(zap.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.Fields(fields...),
		zap.Fields(config.Fields...),
	)
}

func EncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "message",
		LevelKey:       "level",
		NameKey:        "logger",
		StacktraceKey:  "stacktrace",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	}
}
