package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config defines logging configuration
type Config struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Encoding    string `mapstructure:"encoding" yaml:"encoding"` // json or console
	Development bool   `mapstructure:"development" yaml:"development"`

	// OutputPath is "stderr", "stdout" or a file rotated by lumberjack.
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`

	// Rotation settings
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`

	DisableCaller bool `mapstructure:"disable_caller" yaml:"disable_caller"`
	Sampling      bool `mapstructure:"sampling" yaml:"sampling"`
}

// DefaultConfig returns default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Encoding:   "console",
		OutputPath: "stderr",
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// NewLogger builds the root logger. The returned level can be changed at
// runtime and affects every logger derived from the root.
func NewLogger(config Config) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zap.ParseAtomicLevel(config.Level)
	if err != nil {
		return nil, level, fmt.Errorf("invalid log level: %w", err)
	}

	writer, err := buildWriter(config)
	if err != nil {
		return nil, level, err
	}

	encoderConfig := buildEncoderConfig(config)
	var encoder zapcore.Encoder
	if config.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, writer, level)
	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(
			core,
			time.Second,
			100, // first 100 messages per second
			10,  // thereafter 10 messages per second
		)
	}

	return zap.New(core, buildOptions(config)...), level, nil
}

// SetLevel parses text and applies it to level.
func SetLevel(level zap.AtomicLevel, text string) error {
	l, err := zapcore.ParseLevel(text)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	level.SetLevel(l)
	return nil
}

func buildEncoderConfig(config Config) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
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
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if config.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeCaller = zapcore.FullCallerEncoder
	}
	if config.DisableCaller {
		encoderConfig.CallerKey = zapcore.OmitKey
	}
	return encoderConfig
}

func buildWriter(config Config) (zapcore.WriteSyncer, error) {
	switch config.OutputPath {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	}

	if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   config.OutputPath,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
	}), nil
}

func buildOptions(config Config) []zap.Option {
	options := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}

	if !config.DisableCaller {
		options = append(options, zap.AddCaller())
	}
	if config.Development {
		options = append(options, zap.Development())
	}
	if hostname, err := os.Hostname(); err == nil {
		options = append(options, zap.Fields(zap.String("host", hostname)))
	}
	return options
}
