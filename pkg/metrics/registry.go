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
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultGroup is the group of collectors registered without one.
const DefaultGroup = "default"

// group is a named collection of collectors.
type group struct {
	name       string
	collectors []*Collector
}

func (g *group) state() State {
	var state State
	for _, c := range g.collectors {
		state |= c.State()
	}
	return state
}

// register registers the collectors of the group with the registerer
// matching the prefixing needs of each collector.
func (g *group) register(plain, ns prometheus.Registerer) error {
	for _, c := range g.collectors {
		var reg prometheus.Registerer
		state := c.State()

		switch {
		case state.NeedsNamespace() && state.NeedsSubsystem():
			reg = prefixedRegisterer(g.name, ns)
		case state.NeedsNamespace():
			reg = ns
		case state.NeedsSubsystem():
			reg = prefixedRegisterer(g.name, plain)
		default:
			reg = plain
		}

		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register collector %s: %w", c.Name(), err)
		}
	}
	return nil
}

// Registry is a collection of collector groups.
type Registry struct {
	sync.Mutex
	groups map[string]*group
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	group   string
	options []CollectorOption
}

// WithGroup registers a collector in the given group.
func WithGroup(name string) RegisterOption {
	return func(o *registerOptions) {
		if name == "" {
			name = DefaultGroup
		}
		o.group = name
	}
}

// WithCollectorOptions registers a collector with the given options.
func WithCollectorOptions(options ...CollectorOption) RegisterOption {
	return func(o *registerOptions) {
		o.options = append(o.options, options...)
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string]*group),
	}
}

// Register registers a collector with the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, options ...RegisterOption) error {
	o := &registerOptions{group: DefaultGroup}
	for _, opt := range options {
		opt(o)
	}

	r.Lock()
	defer r.Unlock()

	g, ok := r.groups[o.group]
	if !ok {
		g = &group{name: o.group}
		r.groups[g.name] = g
	}

	for _, c := range g.collectors {
		if c.name == name {
			return fmt.Errorf("collector %s/%s already registered", o.group, name)
		}
	}

	c := NewCollector(name, collector, o.options...)
	c.group = g.name
	g.collectors = append(g.collectors, c)

	log.Info("registered collector %s", c.Name())

	return nil
}

// sortedGroups returns the groups sorted by name. The registry must be locked.
func (r *Registry) sortedGroups() []*group {
	groups := make([]*group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].name < groups[j].name
	})
	return groups
}

// Configure enables the collectors matching any of the enabled globs and
// puts the ones matching any of the polled globs into polled mode. All
// other collectors are disabled. Globs matching no collector are reported
// as an error, after configuring all collectors.
func (r *Registry) Configure(enabled, polled []string) (State, error) {
	log.Info("configuring collectors, enabled=[%s], polled=[%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	r.Lock()
	defer r.Unlock()

	matched := make(map[string]bool)
	match := func(c *Collector, globs []string) bool {
		found := false
		for _, glob := range globs {
			if c.Matches(glob) {
				matched[glob] = true
				found = true
			}
		}
		return found
	}

	var state State
	for _, g := range r.sortedGroups() {
		for _, c := range g.collectors {
			isEnabled := match(c, enabled)
			isPolled := match(c, polled)
			c.Enable(isEnabled || isPolled)
			c.Polled(c.polledByDefault || isPolled)
			state |= c.State()
			log.Debug("collector %s now %s", c.Name(), c.State())
		}
	}

	var unmatched []string
	for _, glob := range append(append([]string{}, enabled...), polled...) {
		if !matched[glob] {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return state, fmt.Errorf("no collectors match globs %s", strings.Join(unmatched, ", "))
	}

	return state, nil
}

// Poll polls all enabled collectors in polled mode.
func (r *Registry) Poll() {
	r.Lock()
	var polled []*Collector
	for _, g := range r.groups {
		for _, c := range g.collectors {
			if s := c.State(); s.IsEnabled() && s.IsPolled() {
				polled = append(polled, c)
			}
		}
	}
	r.Unlock()

	var wg sync.WaitGroup
	for _, c := range polled {
		wg.Add(1)
		go func(c *Collector) {
			defer wg.Done()
			c.Poll()
		}(c)
	}
	wg.Wait()
}

// State returns the combined state of all collectors.
func (r *Registry) State() State {
	r.Lock()
	defer r.Unlock()

	var state State
	for _, g := range r.groups {
		state |= g.state()
	}
	return state
}

func prefixedRegisterer(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix == "" {
		return reg
	}
	return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the default registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, options ...RegisterOption) error {
	return Default().Register(name, collector, options...)
}

// MustRegister registers a collector with the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, options ...RegisterOption) {
	if err := Register(name, collector, options...); err != nil {
		panic(err)
	}
}
