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
package klogcontrol

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	cfgapi "github.com/containers/hsa-runtime/pkg/apis/config/v1alpha1/log/klogcontrol"
)

const (
	// EnvPrefix is the prefix of environment variables seeding klog flags.
	EnvPrefix = "HSA_KLOG_"
	// journalEnvVar is set by systemd when our output goes to the journal.
	journalEnvVar = "JOURNAL_STREAM"
)

// Control manages klog flags at runtime. Flags left out of a configuration
// revert to their initial value, which is either the klog default or the
// value seeded from the environment.
type Control struct {
	sync.Mutex
	*flag.FlagSet
	initial map[string]string
}

var ctl = newControl()

// Get returns the klog Control instance.
func Get() *Control {
	return ctl
}

func newControl() *Control {
	c := &Control{
		FlagSet: flag.NewFlagSet("klog", flag.ContinueOnError),
		initial: map[string]string{},
	}
	c.SetOutput(io.Discard)
	klog.InitFlags(c.FlagSet)
	return c
}

// Configure klog according to the given configuration.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	c.Lock()
	defer c.Unlock()

	var errs []error
	c.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			value = c.initial[f.Name]
		}
		if value == f.Value.String() {
			return
		}
		if err := c.Set(f.Name, value); err != nil {
			errs = append(errs, klogError("failed to set klog flag %s to %q: %w",
				f.Name, value, err))
		}
	})
	return errors.Join(errs...)
}

// Value returns the current value of the named klog flag.
func (c *Control) Value(name string) (string, bool) {
	c.Lock()
	defer c.Unlock()

	f := c.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

// Flags returns the sorted names of all controlled klog flags.
func (c *Control) Flags() []string {
	var names []string
	c.VisitAll(func(f *flag.Flag) {
		names = append(names, f.Name)
	})
	sort.Strings(names)
	return names
}

// EnvVar returns the environment variable seeding the given flag.
func EnvVar(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// seed sets flags from the environment and records the initial values.
func (c *Control) seed(lookup func(string) (string, bool)) {
	c.VisitAll(func(f *flag.Flag) {
		name := EnvVar(f.Name)
		if value, ok := lookup(name); ok {
			if err := c.Set(f.Name, value); err != nil {
				klog.Errorf("klog flag %q: invalid environment default %s=%q: %v",
					f.Name, name, value, err)
			}
		} else if f.Name == "skip_headers" {
			// the journal has its own timestamps
			if value, _ := lookup(journalEnvVar); value != "" {
				klog.Infof("logging to journald, turning klog headers off")
				_ = c.Set(f.Name, "true")
			}
		}
		c.initial[f.Name] = f.Value.String()
	})
}

func klogError(format string, args ...interface{}) error {
	return fmt.Errorf("klogcontrol: "+format, args...)
}

func init() {
	ctl.seed(os.LookupEnv)
}
