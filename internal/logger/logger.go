// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide structured logger used by every
// silofs component: the indexer, the content server, and the mounted
// filesystem client.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity ranks log verbosity, lowest (most verbose) to highest.
type Severity string

const (
	LevelTrace Severity = "TRACE"
	LevelDebug Severity = "DEBUG"
	LevelInfo  Severity = "INFO"
	LevelWarn  Severity = "WARNING"
	LevelError Severity = "ERROR"
	LevelOff   Severity = "OFF"
)

var severityRank = map[Severity]int{
	LevelTrace: 0,
	LevelDebug: 1,
	LevelInfo:  2,
	LevelWarn:  3,
	LevelError: 4,
	LevelOff:   5,
}

// traceLevel and debugLevel extend slog's built-in levels downward, since
// slog has no native TRACE level.
const (
	traceLevel = slog.Level(-8)
	debugLevel = slog.LevelDebug
	// offLevel sits above every level the package logs at, so nothing passes.
	offLevel = slog.LevelError + 4
)

func (s Severity) slogLevel() slog.Level {
	switch s {
	case LevelTrace:
		return traceLevel
	case LevelDebug:
		return debugLevel
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelOff:
		return offLevel
	default:
		return slog.LevelError
	}
}

// Format selects the on-disk/stderr log encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config configures the default logger, matching the Logging section of
// cfg.Config.
type Config struct {
	Severity Severity
	Format   Format
	// LogFile, if non-empty, rotates through lumberjack instead of writing
	// to stderr.
	LogFile    string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu            sync.Mutex
	levelVar      = new(slog.LevelVar)
	defaultWriter io.Writer = os.Stderr
	defaultFormat           = FormatText
	defaultLogger *slog.Logger
)

func init() {
	levelVar.Set(slog.LevelInfo)
	defaultLogger = slog.New(newHandler(defaultWriter, defaultFormat, levelVar))
}

func newHandler(w io.Writer, format Format, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Init configures the default logger per cfg, rotating to a file when
// cfg.LogFile is set.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	levelVar.Set(cfg.Severity.slogLevel())
	defaultFormat = cfg.Format

	if cfg.LogFile != "" {
		defaultWriter = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
	} else {
		defaultWriter = os.Stderr
	}

	defaultLogger = slog.New(newHandler(defaultWriter, defaultFormat, levelVar))
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// AddWriterAndRefresh adds w as an additional log destination alongside the
// current one, used by callers that want logs mirrored to both a file and,
// say, a pipe driving an external tool.
func AddWriterAndRefresh(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	defaultWriter = io.MultiWriter(defaultWriter, w)
	defaultLogger = slog.New(newHandler(defaultWriter, defaultFormat, levelVar))
}

func log_(level slog.Level, format string, args ...any) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...any) { log_(traceLevel, format, args...) }
func Debugf(format string, args ...any) { log_(debugLevel, format, args...) }
func Infof(format string, args ...any)  { log_(slog.LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { log_(slog.LevelWarn, format, args...) }
func Errorf(format string, args ...any) { log_(slog.LevelError, format, args...) }

// legacyWriter adapts the package logger to io.Writer so it can back a
// standard-library *log.Logger, for handing to APIs (like fuse.MountConfig)
// that expect one.
type legacyWriter struct {
	level  slog.Level
	prefix string
}

func (w legacyWriter) Write(p []byte) (int, error) {
	log_(w.level, "%s%s", w.prefix, string(p))
	return len(p), nil
}

// NewLegacyLogger returns a *log.Logger that forwards everything written to
// it into the structured logger at the given severity, prefixed with
// prefix. Used to satisfy library APIs that want a *log.Logger, such as
// fuse.MountConfig's ErrorLogger and DebugLogger.
func NewLegacyLogger(severity Severity, prefix string) *log.Logger {
	return log.New(legacyWriter{level: severity.slogLevel(), prefix: prefix}, "", 0)
}

// Enabled reports whether a message at severity would currently be emitted.
func Enabled(severity Severity) bool {
	return severityRank[severity] >= severityRank[currentSeverity()]
}

func currentSeverity() Severity {
	switch {
	case levelVar.Level() <= traceLevel:
		return LevelTrace
	case levelVar.Level() <= debugLevel:
		return LevelDebug
	case levelVar.Level() <= slog.LevelInfo:
		return LevelInfo
	case levelVar.Level() <= slog.LevelWarn:
		return LevelWarn
	case levelVar.Level() <= slog.LevelError:
		return LevelError
	default:
		return LevelOff
	}
}
