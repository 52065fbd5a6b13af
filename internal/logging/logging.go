// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package logging builds the process slog logger from configuration.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sigil-dev/afina/internal/config"
)

// Options selects where and how records are written.
type Options struct {
	Config  config.LoggingConfig
	Verbose bool
	// FilePath overrides Config.File. The terminal UI passes a file path so
	// log output never interleaves with the screen.
	FilePath string
	// Stderr receives records when no file is configured.
	Stderr io.Writer
}

// Setup builds a logger from opts and installs it as the slog default.
// The returned closer releases the file sink, if any.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	w, closer, err := sink(opts)
	if err != nil {
		return nil, nil, err
	}

	level := ParseLevel(opts.Config.Level)
	if opts.Verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if opts.Config.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

// ParseLevel maps a config level name to a slog level. Unknown names yield Info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func sink(opts Options) (io.Writer, io.Closer, error) {
	path := opts.FilePath
	if path == "" {
		path = opts.Config.File
	}

	if path == "" {
		w := opts.Stderr
		if w == nil {
			w = os.Stderr
		}
		return w, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.Config.MaxSizeMB,
		MaxBackups: opts.Config.MaxBackups,
		MaxAge:     opts.Config.MaxAgeDays,
		Compress:   true,
	}
	return rotator, rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
