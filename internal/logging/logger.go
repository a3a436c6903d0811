// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured logger used by every part of
// npfw outside the packet path. Dataplane workers (§5 of the spec) never
// block and so never log from inside a burst; only the master goroutine,
// the G/C worker and the configuration boundary hold a *Logger.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog with the With/Sub idiom npfw's components expect.
type Logger struct {
	base *slog.Logger
}

// New creates a Logger writing leveled text to os.Stderr.
func New(level slog.Level) *Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &Logger{base: slog.New(h)}
}

// Noop returns a Logger that discards everything, for tests.
func Noop() *Logger {
	h := slog.NewTextHandler(noopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return &Logger{base: slog.New(h)}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// With returns a child logger that always includes the given key-value
// pairs, e.g. log = parent.With("worker", id).
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{base: l.base.With(kv...)}
}

// Sub is With("component", name) — the idiom used to scope a logger to
// one subsystem (e.g. "conndb", "pptp").
func (l *Logger) Sub(name string) *Logger {
	return l.With("component", name)
}

func (l *Logger) Debug(msg string, kv ...any) { l.base.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.base.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.base.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.base.Error(msg, kv...) }

// InfoContext and ErrorContext are provided for callers that carry a
// context (config-protocol handlers, the worker's scheduled callbacks).
func (l *Logger) InfoContext(ctx context.Context, msg string, kv ...any) {
	l.base.InfoContext(ctx, msg, kv...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, kv ...any) {
	l.base.ErrorContext(ctx, msg, kv...)
}
