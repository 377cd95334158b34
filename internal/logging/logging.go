// Package logging builds the structured slog logger used across the core:
// logfmt or JSON handlers, leveled, writing to stderr and/or a rotating
// file sink.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Format selects the log line encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatLogfmt Format = "logfmt"
)

var (
	// ErrUnknownLevel indicates an unrecognized log level string.
	ErrUnknownLevel = errors.New("logging: unknown log level")
	// ErrUnknownFormat indicates an unrecognized log format string.
	ErrUnknownFormat = errors.New("logging: unknown log format")
)

// Options configures New.
type Options struct {
	Level    string // error | warn | info | debug (default info)
	Format   Format // default logfmt
	FilePath string // when set, a rotating file sink is attached
	Console  io.Writer
	MaxSize  int // megabytes per rotated file, default 10
	MaxFiles int // rotated files kept, default 5
}

// New constructs a logger per opts. With both FilePath and Console set,
// lines go to both sinks.
func New(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	format := opts.Format
	if format == "" {
		format = FormatLogfmt
	}

	var sinks []io.Writer
	if opts.Console != nil {
		sinks = append(sinks, opts.Console)
	}
	if opts.FilePath != "" {
		maxSize := opts.MaxSize
		if maxSize <= 0 {
			maxSize = 10
		}
		maxFiles := opts.MaxFiles
		if maxFiles <= 0 {
			maxFiles = 5
		}
		sinks = append(sinks, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxFiles,
			Compress:   true,
		})
	}
	if len(sinks) == 0 {
		sinks = append(sinks, io.Discard)
	}

	var w io.Writer
	if len(sinks) == 1 {
		w = sinks[0]
	} else {
		w = io.MultiWriter(sinks...)
	}

	handler, err := newHandler(w, level, format)
	if err != nil {
		return nil, err
	}
	return slog.New(handler), nil
}

func newHandler(w io.Writer, level slog.Level, format Format) (slog.Handler, error) {
	switch format {
	case FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}), nil
	case FormatLogfmt:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// ParseLevel maps a level string onto slog.Level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "error":
		return slog.LevelError, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "debug":
		return slog.LevelDebug, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, level)
}
