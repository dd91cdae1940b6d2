// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides structured, leveled logging for all warden
// components, backed by charmbracelet/log. Components obtain a scoped logger
// via WithComponent and log with key-value pairs:
//
//	logger := logging.WithComponent("enforcement")
//	logger.Info("Blacklist entry admitted", "address", addr, "ttl", ttl)
package logging

import (
	"io"
	"os"
	"sync"

	charmlog "github.com/charmbracelet/log"
)

// Level controls the minimum severity that is emitted.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls logger construction.
type Config struct {
	Level      Level
	Output     io.Writer // defaults to stderr
	JSONFormat bool      // logfmt when false
	NoColor    bool
}

// DefaultConfig returns the standard daemon logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Logger is the structured logger handed to components.
type Logger struct {
	l *charmlog.Logger
}

// New creates a logger from the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	formatter := charmlog.TextFormatter
	if cfg.JSONFormat {
		formatter = charmlog.JSONFormatter
	}

	l := charmlog.NewWithOptions(out, charmlog.Options{
		ReportTimestamp: true,
		Formatter:       formatter,
	})
	l.SetLevel(parseLevel(cfg.Level))
	return &Logger{l: l}
}

func parseLevel(lvl Level) charmlog.Level {
	switch lvl {
	case LevelDebug:
		return charmlog.DebugLevel
	case LevelWarn:
		return charmlog.WarnLevel
	case LevelError:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// With returns a logger with the given key-value pairs attached to every entry.
func (lg *Logger) With(keyvals ...any) *Logger {
	return &Logger{l: lg.l.With(keyvals...)}
}

// Debug logs at debug level.
func (lg *Logger) Debug(msg string, keyvals ...any) { lg.l.Debug(msg, keyvals...) }

// Info logs at info level.
func (lg *Logger) Info(msg string, keyvals ...any) { lg.l.Info(msg, keyvals...) }

// Warn logs at warn level.
func (lg *Logger) Warn(msg string, keyvals ...any) { lg.l.Warn(msg, keyvals...) }

// Error logs at error level.
func (lg *Logger) Error(msg string, keyvals ...any) { lg.l.Error(msg, keyvals...) }

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(DefaultConfig())
)

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger. Called once at startup after
// the configuration has been loaded.
func SetDefault(lg *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = lg
}

// WithComponent returns the default logger scoped to a named component.
func WithComponent(name string) *Logger {
	return Default().With("component", name)
}

// Package-level helpers for call sites without a scoped logger.

func Debug(msg string, keyvals ...any) { Default().Debug(msg, keyvals...) }
func Info(msg string, keyvals ...any)  { Default().Info(msg, keyvals...) }
func Warn(msg string, keyvals ...any)  { Default().Warn(msg, keyvals...) }
func Error(msg string, keyvals ...any) { Default().Error(msg, keyvals...) }
