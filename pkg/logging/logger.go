// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the slog loggers used by beaconspace processes.
//
// Records go to stderr (text, or JSON when asked) and optionally to a
// daily JSON file "{service}_{YYYY-MM-DD}.log" under LogDir.
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.ParseLevel(cfg.Log.Level),
//	    LogDir:  cfg.Log.Dir,
//	    Service: "beacons",
//	})
//	defer logger.Close()
//
//	cache := cache.New(fetcher, cache.WithLogger(logger.Slog()))
//
// Library packages never build loggers themselves. They take a
// *slog.Logger and fall back to slog.Default through OrDefault.
//
// # Thread Safety
//
// Logger is safe for concurrent use. SetLevel may be called at any time.
package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

var slogLevels = [...]slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

func (l Level) slog() slog.Level {
	if l < LevelDebug || l > LevelError {
		return slog.LevelInfo
	}
	return slogLevels[l]
}

// ParseLevel reads a config value. Anything unrecognized is LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// Config configures New. The zero value logs Info and above to stderr as
// text.
type Config struct {
	Level Level

	// LogDir turns on the daily JSON file. "~" is expanded. A directory
	// that cannot be created only disables the file.
	LogDir string

	// Service is added to every record and names the log file.
	Service string

	// JSON writes stderr records as JSON.
	JSON bool

	// Quiet silences stderr.
	Quiet bool
}

// Logger owns a slog.Logger and the log file behind it.
type Logger struct {
	slog  *slog.Logger
	level *slog.LevelVar
	sink  *fileSink
}

// New builds a Logger for cfg.
func New(cfg Config) *Logger {
	level := new(slog.LevelVar)
	level.Set(cfg.Level.slog())
	opts := &slog.HandlerOptions{Level: level}

	var outputs []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			outputs = append(outputs, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			outputs = append(outputs, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	var sink *fileSink
	if cfg.LogDir != "" {
		service := cfg.Service
		if service == "" {
			service = "beaconspace"
		}
		if s, err := openSink(ExpandPath(cfg.LogDir), service, time.Now()); err == nil {
			sink = s
			outputs = append(outputs, slog.NewJSONHandler(s.f, opts))
		}
	}

	var h slog.Handler
	switch len(outputs) {
	case 0:
		h = discardHandler{}
	case 1:
		h = outputs[0]
	default:
		h = tee(outputs)
	}
	if cfg.Service != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	return &Logger{slog: slog.New(h), level: level, sink: sink}
}

// Default returns an Info-level stderr logger for "beaconspace".
func Default() *Logger {
	return New(Config{Service: "beaconspace", Level: LevelInfo})
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// SetLevel changes the minimum level of l and every logger derived from it.
func (l *Logger) SetLevel(level Level) { l.level.Set(level.slog()) }

// With returns a child that adds args to every record. Children share
// the parent's file; close only the parent.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), level: l.level, sink: l.sink}
}

// Slog returns the logger to hand to library packages.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Close flushes and closes the log file. Further calls return nil.
func (l *Logger) Close() error {
	if l.sink == nil {
		return nil
	}
	return l.sink.close()
}

// OrDefault returns logger, or slog.Default() when it is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// ExpandPath replaces a leading "~" with the home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// fileSink is the daily JSON log file.
type fileSink struct {
	f    *os.File
	once sync.Once
	err  error
}

func openSink(dir, service string, now time.Time) (*fileSink, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s_%s.log", service, now.Format(time.DateOnly))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f}, nil
}

func (s *fileSink) close() error {
	s.once.Do(func() {
		s.err = errors.Join(s.f.Sync(), s.f.Close())
	})
	return s.err
}

// teeHandler sends each record to every handler that accepts its level.
type teeHandler []slog.Handler

func tee(hs []slog.Handler) teeHandler { return teeHandler(hs) }

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (t teeHandler) each(fn func(slog.Handler) slog.Handler) teeHandler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = fn(h)
	}
	return out
}

// discardHandler drops everything; used when Quiet leaves no output.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
