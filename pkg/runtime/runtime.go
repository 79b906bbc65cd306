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
package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	cfgapi "github.com/containers/hsa-runtime/pkg/apis/config/v1alpha1"
	"github.com/containers/hsa-runtime/pkg/core"
	"github.com/containers/hsa-runtime/pkg/driver"
	"github.com/containers/hsa-runtime/pkg/driver/sim"
	logger "github.com/containers/hsa-runtime/pkg/log"
	"github.com/containers/hsa-runtime/pkg/plugin"
	"github.com/containers/hsa-runtime/pkg/runtime/async"
)

// Runtime is the resource manager of a heterogeneous compute platform.
// It is loaded by the first Acquire and torn down by the last Release.
type Runtime struct {
	// bootstrap serializes Acquire and Release.
	bootstrap sync.Mutex
	refCount  int
	loaded    atomic.Bool

	cfg    *cfgapi.RuntimeConfig
	driver driver.Driver

	// registry is the published view of the loaded platform. It is
	// never modified once published and is nil while not loaded.
	registry atomic.Pointer[registry]
	// regLock protects pending, the registry being enumerated.
	regLock sync.Mutex
	pending *registry

	queueID atomic.Uint32

	// memLock serializes all access to allocations.
	memLock     sync.Mutex
	allocations *btree.BTreeG[*allocation]

	monitor atomic.Pointer[async.Monitor]

	loader      interface{}
	codeManager interface{}

	stats *copyStats
}

// registry is the set of agents and regions of a loaded runtime.
type registry struct {
	agents       []core.Agent
	regions      []core.Region
	system       core.Region
	systemCoarse core.Region
	hostAgent    core.Agent
	blitAgent    core.Agent
	props        driver.Properties
	started      time.Time
	extensions   *plugin.Loader
	tools        *plugin.Loader
}

// Option is an opaque option for a Runtime.
type Option func(*Runtime)

// WithDriver sets the driver the runtime connects to.
func WithDriver(d driver.Driver) Option {
	return func(r *Runtime) {
		r.driver = d
	}
}

// WithConfig sets the configuration of the runtime.
func WithConfig(cfg *cfgapi.RuntimeConfig) Option {
	return func(r *Runtime) {
		if cfg != nil {
			r.cfg = cfg
		}
	}
}

// WithLoader sets the opaque code object loader handle.
func WithLoader(loader interface{}) Option {
	return func(r *Runtime) {
		r.loader = loader
	}
}

// WithCodeManager sets the opaque code manager handle.
func WithCodeManager(codeManager interface{}) Option {
	return func(r *Runtime) {
		r.codeManager = codeManager
	}
}

var log = logger.Get("runtime")

// New creates an unloaded runtime. Without an explicit driver the
// runtime uses a simulated one built from the configured topology.
func New(options ...Option) *Runtime {
	r := &Runtime{
		cfg:   cfgapi.NewRuntimeConfig(),
		stats: &copyStats{},
	}
	for _, o := range options {
		o(r)
	}
	r.cfg.SetDefaults()

	if r.driver == nil {
		r.driver = sim.New(
			sim.WithTopology(r.cfg.Topology),
			sim.WithCopyQueue(r.cfg.CopyQueue),
		)
	}

	return r
}

var (
	defaultRuntime     *Runtime
	defaultRuntimeOnce sync.Once
)

// Default returns the process-wide runtime instance.
func Default() *Runtime {
	defaultRuntimeOnce.Do(func() {
		defaultRuntime = New()
	})
	return defaultRuntime
}

// current returns the registry of the loaded runtime.
func (r *Runtime) current() (*registry, error) {
	reg := r.registry.Load()
	if reg == nil || !r.IsOpen() {
		return nil, core.ErrNotInitialized
	}
	return reg, nil
}

// Config returns the configuration of the runtime.
func (r *Runtime) Config() *cfgapi.RuntimeConfig {
	return r.cfg
}
