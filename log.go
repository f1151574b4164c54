package main

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func parseLogLevel(level string) (zapcore.Level, error) {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("unknown log level [debug,info,warn,error,silent]: %q", level)
	}
}

func logEncoder(format string) (zapcore.Encoder, error) {
	switch strings.TrimSpace(strings.ToLower(format)) {
	case "text":
		return zapcore.NewConsoleEncoder(textEncoderConfig(zapcore.CapitalLevelEncoder)), nil
	case "color", "":
		return zapcore.NewConsoleEncoder(textEncoderConfig(zapcore.CapitalColorLevelEncoder)), nil
	case "json":
		return zapcore.NewJSONEncoder(jsonEncoderConfig), nil
	default:
		return nil, fmt.Errorf("unknown log format [text,color,json]: %q", format)
	}
}

func textEncoderConfig(level zapcore.LevelEncoder) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:     "M",
		LevelKey:       "L",
		TimeKey:        "T",
		NameKey:        "N",
		CallerKey:      "C",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    level,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

var jsonEncoderConfig = zapcore.EncoderConfig{
	MessageKey:     "message",
	LevelKey:       "level",
	TimeKey:        "time",
	NameKey:        "logger",
	CallerKey:      "caller",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.LowercaseLevelEncoder,
	EncodeTime:     zapcore.RFC3339TimeEncoder,
	EncodeDuration: zapcore.SecondsDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
	EncodeName:     zapcore.FullNameEncoder,
}

// newLogger builds the process logger. Level "silent" discards everything.
func newLogger(out io.Writer, level, format string) (*zap.Logger, error) {
	if strings.EqualFold(strings.TrimSpace(level), "silent") {
		return zap.NewNop(), nil
	}

	zapLevel, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	encoder, err := logEncoder(format)
	if err != nil {
		return nil, err
	}
	return zap.New(
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), zap.NewAtomicLevelAt(zapLevel)),
	), nil
}
