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
	"os"
	"path"
	"strings"

	cfgapi "github.com/containers/hsa-runtime/pkg/apis/config/v1alpha1/log"
	"github.com/containers/hsa-runtime/pkg/log/klogcontrol"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo

	// Environment variables seeding the initial configuration.
	envDebug  = "HSA_LOG_DEBUG"
	envLevel  = "HSA_LOG_LEVEL"
	envSource = "HSA_LOG_SOURCE"
)

var klogctl = klogcontrol.Get()

// debugRule turns debugging on or off for sources matching a glob.
type debugRule struct {
	pattern string
	enabled bool
}

// debugRules is an ordered set of rules, later rules take precedence.
type debugRules []debugRule

// parse appends the rules of a spec like "on:runtime,memory*,off:async".
// A state applies to all following sources until the next state.
func (r *debugRules) parse(spec string) error {
	state := true
	for _, entry := range strings.Split(spec, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}

		src := entry
		if i := strings.IndexByte(entry, ':'); i >= 0 {
			enabled, err := parseEnabled(entry[:i])
			if err != nil {
				return loggerError("invalid state in debug rule %q", entry)
			}
			state, src = enabled, strings.TrimSpace(entry[i+1:])
		}

		switch {
		case src == "" || strings.Contains(src, ":"):
			return loggerError("invalid debug rule %q", entry)
		case src == "all":
			src = "*"
		}
		if _, err := path.Match(src, ""); err != nil {
			return loggerError("invalid source pattern %q: %v", src, err)
		}

		*r = append(*r, debugRule{pattern: src, enabled: state})
	}

	return nil
}

// enabled returns the state of the last rule matching source.
func (r debugRules) enabled(source string) bool {
	for i := len(r) - 1; i >= 0; i-- {
		if ok, _ := path.Match(r[i].pattern, source); ok {
			return r[i].enabled
		}
	}
	return false
}

// String returns the rules in parseable form.
func (r debugRules) String() string {
	var (
		b     strings.Builder
		state *bool
	)
	for i, rule := range r {
		if i > 0 {
			b.WriteByte(',')
		}
		if state == nil || *state != rule.enabled {
			enabled := rule.enabled
			state = &enabled
			if enabled {
				b.WriteString("on:")
			} else {
				b.WriteString("off:")
			}
		}
		b.WriteString(rule.pattern)
	}
	return b.String()
}

// ParseLevel parses a severity level name.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return DefaultLevel, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return DefaultLevel, loggerError("unknown log level %q", name)
}

// String returns the name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Configure updates the logging configuration. Nothing is changed if
// the configuration is invalid.
func Configure(cfg *cfgapi.Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	var rules debugRules
	for _, spec := range cfg.Debug {
		if err := rules.parse(spec); err != nil {
			return fmt.Errorf("failed to parse debug setting %q: %w", spec, err)
		}
	}

	// without klog headers the source is the only hint of the origin
	prefix := cfg.LogSource
	if cfg.Klog.Logtostderr != nil && *cfg.Klog.Logtostderr &&
		cfg.Klog.SkipHeaders != nil && *cfg.Klog.SkipHeaders {
		prefix = true
	}

	log.Lock()
	log.level = level
	log.setRules(rules)
	log.setPrefix(prefix)
	log.Unlock()

	deflog.Info("logging configured: level %s, debug %q, source prefix %v", level, rules, prefix)

	return klogctl.Configure(&cfg.Klog)
}

// configFromEnv returns the logging configuration seeded from the
// environment.
func configFromEnv() *cfgapi.Config {
	cfg := &cfgapi.Config{
		Level: os.Getenv(envLevel),
	}
	if value, ok := os.LookupEnv(envSource); ok {
		enabled, err := parseEnabled(value)
		if err != nil {
			deflog.Warn("ignoring $%s: %v", envSource, err)
		}
		cfg.LogSource = enabled
	}
	if value := os.Getenv(envDebug); value != "" {
		cfg.Debug = []string{value}
	}
	return cfg
}

func init() {
	if err := Configure(configFromEnv()); err != nil {
		deflog.Error("invalid logging configuration in environment: %v", err)
	}
}
