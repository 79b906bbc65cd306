// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Panicf(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string

	// SlogHandler returns a log/slog handler emitting through this Logger.
	SlogHandler() slog.Handler
}

// logging tracks the state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	rules   debugRules
	prefix  bool
	loggers map[string]logger
	debug   map[string]bool
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

var (
	log = &logging{
		level:   DefaultLevel,
		loggers: make(map[string]logger),
		debug:   make(map[string]bool),
	}
	deflog = log.get("default")
)

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// SetLevel sets the lowest severity level of messages to emit.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables or disables debugging for the given sources.
func EnableDebug(sources ...string) {
	log.Lock()
	defer log.Unlock()
	for _, src := range sources {
		log.debug[src] = true
	}
}

func (l *logging) get(source string) logger {
	l.Lock()
	defer l.Unlock()

	if lg, ok := l.loggers[source]; ok {
		return lg
	}

	lg := logger{source: source}
	l.loggers[source] = lg
	l.debug[source] = l.rules.enabled(source)

	return lg
}

func (l *logging) setRules(rules debugRules) {
	l.rules = rules
	for source := range l.loggers {
		l.debug[source] = rules.enabled(source)
	}
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()
	return l.debug[source] || l.level <= LevelDebug
}

func (l *logging) passes(level Level) bool {
	l.RLock()
	defer l.RUnlock()
	return level >= l.level
}

func (l *logging) format(source, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)

	l.RLock()
	prefix := l.prefix
	l.RUnlock()

	if prefix {
		return "[" + source + "] " + msg
	}
	return msg
}

func (lg logger) Debug(format string, args ...interface{}) {
	if !log.debugEnabled(lg.source) {
		return
	}
	klog.InfoDepth(1, log.format(lg.source, "D: "+format, args...))
}

func (lg logger) Info(format string, args ...interface{}) {
	if !log.passes(LevelInfo) {
		return
	}
	klog.InfoDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Warn(format string, args ...interface{}) {
	if !log.passes(LevelWarn) {
		return
	}
	klog.WarningDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(lg.source, format, args...))
	klog.Flush()
	os.Exit(1)
}

func (lg logger) Panic(format string, args ...interface{}) {
	msg := log.format(lg.source, format, args...)
	klog.ErrorDepth(1, msg)
	klog.Flush()
	panic(msg)
}

func (lg logger) Debugf(format string, args ...interface{}) { lg.Debug(format, args...) }
func (lg logger) Infof(format string, args ...interface{})  { lg.Info(format, args...) }
func (lg logger) Warnf(format string, args ...interface{})  { lg.Warn(format, args...) }
func (lg logger) Errorf(format string, args ...interface{}) { lg.Error(format, args...) }
func (lg logger) Fatalf(format string, args ...interface{}) { lg.Fatal(format, args...) }
func (lg logger) Panicf(format string, args ...interface{}) { lg.Panic(format, args...) }

func (lg logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !log.debugEnabled(lg.source) {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		lg.Debug("%s%s", prefix, line)
	}
}

func (lg logger) InfoBlock(prefix string, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		lg.Info("%s%s", prefix, line)
	}
}

func (lg logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()
	old := log.debug[lg.source]
	log.debug[lg.source] = state
	return old
}

func (lg logger) DebugEnabled() bool {
	return log.debugEnabled(lg.source)
}

func (lg logger) Source() string {
	return lg.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}

// parseEnabled parses an on/off style boolean.
func parseEnabled(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "yes", "enable", "enabled", "1":
		return true, nil
	case "off", "false", "no", "disable", "disabled", "0":
		return false, nil
	}
	return false, loggerError("invalid boolean value %q", value)
}
