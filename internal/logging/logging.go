// Package logging builds the zap loggers used by the CLI and the HTTP server.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"turnline/internal/config"
)

type Config struct {
	Level    string // debug, info, warn, error
	Encoding string // json or console
	// OutputPath is stdout, stderr or a file path. Files rotate by size.
	OutputPath string
	MaxSizeMB  int
	MaxBackups int
}

// FromConfig maps the workspace logging section onto Config.
func FromConfig(c config.LoggingConfig) Config {
	return Config{
		Level:      c.Level,
		Encoding:   c.Encoding,
		OutputPath: c.OutputPath,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
	}
}

// New creates a zap.Logger from cfg. Unknown levels fall back to info and
// unknown encodings to json.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	name := strings.ToLower(cfg.Level)
	if name == "" {
		name = "info"
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Encoding) == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink, err := writer(cfg)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddStacktrace(zap.ErrorLevel)).Named("turnline"), nil
}

func writer(cfg Config) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(cfg.OutputPath) {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	}
	if cfg.MaxSizeMB < 0 || cfg.MaxBackups < 0 {
		return nil, fmt.Errorf("logging: rotation values must not be negative")
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.OutputPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}), nil
}
