// Package logging builds the process logger: a zap core tee of a console
// encoder and an optional rotated JSON file, exposed as *slog.Logger.
package logging

import (
	"io"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Console receives human-readable lines. Nil disables the console core.
	Console io.Writer
	// Verbose lowers both cores to debug.
	Verbose bool
	// File is the JSON log path. Empty disables file logging.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger owns the zap core behind a slog.Logger.
type Logger struct {
	*slog.Logger
	zap    *zap.Logger
	rotate *lumberjack.Logger
}

// New builds a Logger from opts.
func New(opts Options) *Logger {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	var cores []zapcore.Core
	if opts.Console != nil {
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
		enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(enc),
			zapcore.Lock(zapcore.AddSync(opts.Console)),
			level,
		))
	}

	var rotate *lumberjack.Logger
	if opts.File != "" {
		rotate = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		enc := zap.NewProductionEncoderConfig()
		enc.TimeKey = "timestamp"
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(enc),
			zapcore.AddSync(rotate),
			level,
		))
	}

	core := zapcore.NewTee(cores...)
	z := zap.New(core, zap.AddCaller())
	return &Logger{
		Logger: slog.New(zapslog.NewHandler(core, zapslog.WithCaller(true))),
		zap:    z,
		rotate: rotate,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(Options{})
}

// Sync flushes buffered entries and closes the rotated file.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	if l.rotate != nil {
		if cerr := l.rotate.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
