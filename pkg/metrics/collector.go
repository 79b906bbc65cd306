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
package metrics

import (
	"path"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/containers/hsa-runtime/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

// State is the configuration of a collector or a group of collectors.
type State int

const (
	// Enabled marks a collector as enabled.
	Enabled State = (1 << iota)
	// Polled marks a collector as polled. Polled collectors serve the
	// samples collected during the last polling cycle.
	Polled
	// NamespacePrefix prefixes the metrics of a collector with the common
	// namespace of the gatherer.
	NamespacePrefix
	// SubsystemPrefix prefixes the metrics of a collector with the name of
	// its group.
	SubsystemPrefix
)

// IsEnabled returns true if the state is enabled.
func (s State) IsEnabled() bool {
	return s&Enabled != 0
}

// IsPolled returns true if the state is polled.
func (s State) IsPolled() bool {
	return s&Polled != 0
}

// NeedsNamespace returns true if the state calls for a namespace prefix.
func (s State) NeedsNamespace() bool {
	return s&NamespacePrefix != 0
}

// NeedsSubsystem returns true if the state calls for a group prefix.
func (s State) NeedsSubsystem() bool {
	return s&SubsystemPrefix != 0
}

// String returns a string representation of the state.
func (s State) String() string {
	flags := []string{"disabled"}
	if s.IsEnabled() {
		flags[0] = "enabled"
	}
	if s.IsPolled() {
		flags = append(flags, "polled")
	}
	if s.NeedsNamespace() {
		flags = append(flags, "namespace-prefixed")
	}
	if s.NeedsSubsystem() {
		flags = append(flags, "subsystem-prefixed")
	}
	return strings.Join(flags, ",")
}

// Collector is a registered prometheus.Collector.
type Collector struct {
	sync.RWMutex
	collector prometheus.Collector
	name      string
	group     string
	state     State
	cached    []prometheus.Metric
	// polledByDefault is set for collectors registered as polled
	polledByDefault bool
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

// WithoutNamespace disables namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.state &^= NamespacePrefix
	}
}

// WithoutSubsystem disables group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.state &^= SubsystemPrefix
	}
}

// WithPolled marks a collector polled.
func WithPolled() CollectorOption {
	return func(c *Collector) {
		c.state |= Polled
	}
}

// NewCollector wraps the given prometheus collector.
func NewCollector(name string, collector prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		name:      name,
		collector: collector,
		state:     Enabled | NamespacePrefix | SubsystemPrefix,
	}
	for _, o := range options {
		o(c)
	}
	c.polledByDefault = c.state.IsPolled()
	return c
}

// Name returns the fully qualified name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// State returns the current state of the collector.
func (c *Collector) State() State {
	c.RLock()
	defer c.RUnlock()
	return c.state
}

// Matches returns true if the glob matches the group, the name or the
// fully qualified name of the collector.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		if glob == name {
			return true
		}
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.RLock()
	state, cached := c.state, c.cached
	c.RUnlock()

	switch {
	case !state.IsEnabled():
	case state.IsPolled():
		clog.Debug("serving polled samples of %s", c.Name())
		for _, m := range cached {
			ch <- m
		}
	default:
		clog.Debug("collecting %s", c.Name())
		c.collector.Collect(ch)
	}
}

// Poll refreshes the cached samples of a polled collector.
func (c *Collector) Poll() {
	if state := c.State(); !state.IsEnabled() || !state.IsPolled() {
		return
	}

	clog.Debug("polling %s", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	var samples []prometheus.Metric
	for m := range ch {
		samples = append(samples, m)
	}

	c.Lock()
	c.cached = samples
	c.Unlock()
}

// Enable enables or disables the collector.
func (c *Collector) Enable(state bool) {
	c.setFlag(Enabled, state)
}

// Polled puts the collector in or out of polled mode.
func (c *Collector) Polled(state bool) {
	c.setFlag(Polled, state)
}

func (c *Collector) setFlag(flag State, state bool) {
	c.Lock()
	defer c.Unlock()
	if state {
		c.state |= flag
	} else {
		c.state &^= flag
		if flag == Polled {
			c.cached = nil
		}
	}
}
