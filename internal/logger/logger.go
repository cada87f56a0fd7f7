// Copyright 2025 Team Saoirse
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

// Package logger provides the process logger: slog severity handling over
// stderr, an optional rotating file, and pluggable line hooks; the host
// notification channel is the hook the system attaches.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelTrace sits below slog's own levels, matching the drive-by verbosity
// the services emit per request.
const LevelTrace = slog.Level(-8)

var (
	mu sync.Mutex

	// GUARDED_BY(mu)
	programLevel = new(slog.LevelVar)

	// GUARDED_BY(mu)
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: programLevel,
	}))

	// GUARDED_BY(mu)
	lineHooks []func(line string)

	// GUARDED_BY(mu)
	fileSink *lumberjack.Logger
)

// SetLogFormat rebuilds the stderr handler. format is "text" or "json".
func SetLogFormat(format string) {
	mu.Lock()
	defer mu.Unlock()
	var w io.Writer = os.Stderr
	if fileSink != nil {
		w = io.MultiWriter(os.Stderr, fileSink)
	}
	defaultLogger = slog.New(newHandler(w, format))
}

func newHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: programLevel}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetLogFile routes a copy of every line to a rotating file, for hosted
// runs.
func SetLogFile(path string, maxSizeMB, maxBackups int) {
	mu.Lock()
	fileSink = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	mu.Unlock()
	SetLogFormat("text")
}

// SetLogLevel adjusts the severity floor: one of "trace", "debug", "info",
// "warning", "error", "off".
func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "trace":
		programLevel.Set(LevelTrace)
	case "debug":
		programLevel.Set(slog.LevelDebug)
	case "info":
		programLevel.Set(slog.LevelInfo)
	case "warning", "warn":
		programLevel.Set(slog.LevelWarn)
	case "error":
		programLevel.Set(slog.LevelError)
	case "off":
		programLevel.Set(slog.Level(100))
	}
}

// AddLineHook registers a sink that receives every rendered log line. The
// notification channel hooks here; the device manager's on-card log file is
// not attached as a hook. Hooks must not log.
func AddLineHook(fn func(line string)) {
	mu.Lock()
	defer mu.Unlock()
	lineHooks = append(lineHooks, fn)
}

func logf(level slog.Level, format string, v ...any) {
	mu.Lock()
	l := defaultLogger
	hooks := lineHooks
	mu.Unlock()

	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	line := fmt.Sprintf(format, v...)
	l.Log(ctx, level, line)
	for _, fn := range hooks {
		fn(line)
	}
}

// Tracef logs at trace severity.
func Tracef(format string, v ...any) {
	logf(LevelTrace, format, v...)
}

// Debugf logs at debug severity.
func Debugf(format string, v ...any) {
	logf(slog.LevelDebug, format, v...)
}

// Infof logs at info severity.
func Infof(format string, v ...any) {
	logf(slog.LevelInfo, format, v...)
}

// Warnf logs at warning severity.
func Warnf(format string, v ...any) {
	logf(slog.LevelWarn, format, v...)
}

// Errorf logs at error severity.
func Errorf(format string, v ...any) {
	logf(slog.LevelError, format, v...)
}
