// Package logx builds the zap logger every command threads through its run.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Options struct {
	Format string
	Level  string
	// Writer defaults to stderr; stdout carries command output.
	Writer io.Writer
}

func New(options Options) (*zap.Logger, error) {
	level, err := ParseLevel(options.Level)
	if err != nil {
		return nil, err
	}
	writer := options.Writer
	if writer == nil {
		writer = os.Stderr
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(options.Format)) {
	case "", FormatConsole:
		config := zap.NewDevelopmentEncoderConfig()
		config.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		config.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(config)
	case FormatJSON:
		config := zap.NewProductionEncoderConfig()
		config.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(config)
	default:
		return nil, fmt.Errorf("unsupported log format %q", options.Format)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(writer)), level)
	return zap.New(core, zap.ErrorOutput(zapcore.Lock(zapcore.AddSync(writer)))), nil
}

func ParseLevel(value string) (zapcore.Level, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(trimmed)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unsupported log level %q", value)
	}
	return level, nil
}
