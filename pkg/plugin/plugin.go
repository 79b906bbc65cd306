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
package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/containers/hsa-runtime/pkg/core"
	logger "github.com/containers/hsa-runtime/pkg/log"
)

const (
	// APIVersion is the version of the plugin API offered by the runtime.
	APIVersion = "1.1.0"
	// APIConstraint is the range of plugin API versions we can load.
	APIConstraint = ">= 1.0.0, < 2.0.0"
	// Symbol is the entry point looked up in plugin shared objects. It
	// must be either a Factory or a variable of type Plugin.
	Symbol = "HsaPlugin"
)

// Host is the interface plugins use to reach the runtime.
type Host interface {
	// Agents returns all agents of the runtime in registration order.
	Agents() []core.Agent
	// Regions returns all memory regions of the runtime.
	Regions() []core.Region
}

// Plugin is an extension or tool loaded into the runtime.
type Plugin interface {
	// Name returns the name of the plugin.
	Name() string
	// Version returns the plugin API version the plugin was built against.
	Version() string
	// OnLoad is called once the plugin has been loaded.
	OnLoad(Host) error
	// OnUnload is called before the runtime is torn down.
	OnUnload() error
}

// Factory creates an instance of a plugin.
type Factory func() Plugin

var (
	log = logger.Get("plugin")

	registry = struct {
		sync.RWMutex
		factories map[string]Factory
	}{
		factories: make(map[string]Factory),
	}

	apiVersion = semver.MustParse(APIVersion)
	compatible = mustConstraint(APIConstraint)
)

// Register registers a statically linked plugin.
func Register(name string, factory Factory) {
	registry.Lock()
	defer registry.Unlock()

	if _, ok := registry.factories[name]; ok {
		log.Panic("plugin %q already registered", name)
	}
	registry.factories[name] = factory
}

// Unregister removes a statically linked plugin.
func Unregister(name string) {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.factories, name)
}

// Registered returns the names of all statically linked plugins.
func Registered() []string {
	registry.RLock()
	defer registry.RUnlock()

	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func lookupFactory(name string) (Factory, bool) {
	registry.RLock()
	defer registry.RUnlock()
	f, ok := registry.factories[name]
	return f, ok
}

// checkVersion checks if the plugin was built against a compatible API.
func checkVersion(p Plugin) error {
	v, err := semver.NewVersion(p.Version())
	if err != nil {
		return fmt.Errorf("%w: plugin %s: invalid API version %q: %w", core.ErrIncompatible,
			p.Name(), p.Version(), err)
	}
	if ok, errs := compatible.Validate(v); !ok {
		return fmt.Errorf("%w: plugin %s: API version %s not in %q (runtime %s): %v",
			core.ErrIncompatible, p.Name(), v, APIConstraint, apiVersion, errs)
	}
	return nil
}

func mustConstraint(expr string) *semver.Constraints {
	c, err := semver.NewConstraint(expr)
	if err != nil {
		panic(fmt.Errorf("invalid plugin API constraint %q: %w", expr, err))
	}
	return c
}
