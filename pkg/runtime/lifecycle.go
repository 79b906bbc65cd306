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
	"errors"
	"fmt"
	"time"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"

	"github.com/containers/hsa-runtime/pkg/core"
	"github.com/containers/hsa-runtime/pkg/plugin"
	"github.com/containers/hsa-runtime/pkg/runtime/async"
	"github.com/containers/hsa-runtime/pkg/signal"
)

// Acquire loads the runtime unless it is already loaded and takes a
// reference to it. It returns whether the driver connection is open. If
// loading fails the runtime is left unloaded and the error is returned.
func (r *Runtime) Acquire() (bool, error) {
	r.bootstrap.Lock()
	defer r.bootstrap.Unlock()

	if r.refCount == 0 {
		if err := r.load(); err != nil {
			return false, err
		}
	}

	r.refCount++
	log.Debug("acquired runtime, %d references", r.refCount)

	return r.IsOpen(), nil
}

// Release drops a reference to the runtime, tearing it down when the last
// reference is gone. It returns true if the runtime stays loaded.
func (r *Runtime) Release() bool {
	r.bootstrap.Lock()
	defer r.bootstrap.Unlock()

	if r.refCount == 0 {
		return false
	}

	r.refCount--
	if r.refCount > 0 {
		log.Debug("released runtime, %d references", r.refCount)
		return true
	}

	if err := r.teardown(r.registry.Load()); err != nil {
		log.Error("runtime teardown finished with errors: %v", err)
	}

	return false
}

// IsOpen returns true if the runtime is loaded and the driver is open.
func (r *Runtime) IsOpen() bool {
	return r.loaded.Load()
}

// RefCount returns the number of references to the runtime.
func (r *Runtime) RefCount() int {
	r.bootstrap.Lock()
	defer r.bootstrap.Unlock()
	return r.refCount
}

func (r *Runtime) load() error {
	log.Info("loading runtime using %s driver...", r.driver.Name())

	if err := r.driver.Open(); err != nil {
		if !errors.Is(err, core.ErrDriver) {
			err = fmt.Errorf("%w: %w", core.ErrDriver, err)
		}
		log.Error("failed to open driver %s: %v", r.driver.Name(), err)
		return err
	}

	r.memLock.Lock()
	r.allocations = btree.NewG(allocationIndexDegree, lessAllocation)
	r.memLock.Unlock()

	r.regLock.Lock()
	r.pending = &registry{}
	r.regLock.Unlock()

	err := r.driver.Discover(r)

	r.regLock.Lock()
	reg := r.pending
	r.pending = nil
	r.regLock.Unlock()

	if err == nil {
		err = reg.selectDefaults()
	}
	if err == nil {
		err = r.startMonitor()
	}
	if err != nil {
		log.Error("failed to load runtime: %v", err)
		r.rollback(reg)
		return err
	}

	searchPath := r.cfg.Plugins.SearchPath
	reg.props = r.driver.Properties()
	reg.started = time.Now()
	reg.extensions = plugin.NewLoader(plugin.Extension, searchPath)
	reg.tools = plugin.NewLoader(plugin.Tool, searchPath)

	r.registry.Store(reg)
	r.loaded.Store(true)

	if err := reg.extensions.Load(r, r.cfg.Plugins.Extensions); err != nil {
		r.rollback(reg)
		return err
	}
	if err := reg.tools.Load(r, r.cfg.Plugins.Tools); err != nil {
		log.Warn("failed to load tools: %v", err)
	}

	r.Dump("loaded ")

	return nil
}

// selectDefaults picks the system regions, the host and the blit agent.
func (reg *registry) selectDefaults() error {
	for _, region := range reg.regions {
		switch region.Kind() {
		case core.KindSystemFineGrain:
			if reg.system == nil {
				reg.system = region
			}
		case core.KindSystemCoarseGrain:
			if reg.systemCoarse == nil {
				reg.systemCoarse = region
			}
		}
	}

	if reg.system == nil {
		return fmt.Errorf("%w: no fine-grain system region discovered", core.ErrDriver)
	}
	if reg.systemCoarse == nil {
		log.Warn("no coarse-grain system region, using fine-grain one for staging")
		reg.systemCoarse = reg.system
	}

	for _, a := range reg.agents {
		switch a.Type() {
		case core.DeviceCPU:
			if reg.hostAgent == nil {
				reg.hostAgent = a
			}
		case core.DeviceGPU:
			if reg.blitAgent == nil {
				reg.blitAgent = a
			}
		}
	}

	if reg.hostAgent == nil {
		return fmt.Errorf("%w: no host agent discovered", core.ErrDriver)
	}
	if reg.blitAgent == nil {
		reg.blitAgent = reg.hostAgent
	}

	log.Info("host agent %s, blit agent %s", reg.hostAgent.Name(), reg.blitAgent.Name())

	return nil
}

func (r *Runtime) startMonitor() error {
	policy, err := signal.ParseWaitPolicy(string(r.cfg.Monitor.WaitPolicy))
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrInvalidArgument, err)
	}

	m := async.New(
		async.WithWaitPolicy(policy),
		async.WithFaultLogInterval(r.cfg.Monitor.FaultLogInterval.Duration),
	)
	r.monitor.Store(m)

	return m.Start()
}

// rollback tears down a partially loaded runtime.
func (r *Runtime) rollback(reg *registry) {
	if err := r.teardown(reg); err != nil {
		log.Error("rollback of partially loaded runtime failed: %v", err)
	}
}

// teardown unloads the runtime. Failing steps are collected and do not
// prevent the remaining ones from running.
func (r *Runtime) teardown(reg *registry) error {
	var result *multierror.Error

	if reg == nil {
		reg = &registry{}
	}

	log.Info("tearing down runtime...")

	if m := r.monitor.Swap(nil); m != nil {
		m.Stop()
	}

	// no copy queue may touch memory once allocations are released
	for _, a := range reg.agents {
		a.Abort()
	}

	if reg.tools != nil {
		if err := reg.tools.Unload(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if reg.extensions != nil {
		if err := reg.extensions.Unload(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	r.loaded.Store(false)
	r.registry.Store(nil)

	if err := r.freeAllocations(); err != nil {
		result = multierror.Append(result, err)
	}

	for _, region := range reg.regions {
		if err := region.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("region %s: %w", region.Name(), err))
		}
	}
	for _, a := range reg.agents {
		if err := a.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := r.driver.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("driver %s: %w", r.driver.Name(), err))
	}

	log.Info("runtime torn down")

	return result.ErrorOrNil()
}

// RegisterAgent registers an agent. It is only allowed while the driver
// enumerates agents during load.
func (r *Runtime) RegisterAgent(a core.Agent) error {
	r.regLock.Lock()
	defer r.regLock.Unlock()

	if r.pending == nil {
		return fmt.Errorf("%w: agent registration outside of enumeration", core.ErrInvalidArgument)
	}
	if a == nil {
		return fmt.Errorf("%w: nil agent", core.ErrInvalidArgument)
	}

	r.pending.agents = append(r.pending.agents, a)
	log.Debug("registered %s agent %s", a.Type(), a.Name())

	return nil
}

// RegisterMemoryRegion registers a memory region. It is only allowed
// while the driver enumerates regions during load.
func (r *Runtime) RegisterMemoryRegion(region core.Region) error {
	r.regLock.Lock()
	defer r.regLock.Unlock()

	if r.pending == nil {
		return fmt.Errorf("%w: region registration outside of enumeration", core.ErrInvalidArgument)
	}
	if region == nil {
		return fmt.Errorf("%w: nil region", core.ErrInvalidArgument)
	}

	r.pending.regions = append(r.pending.regions, region)
	log.Debug("registered %s region %s", region.Kind(), region.Name())

	return nil
}

// IterateAgent calls fn for every agent in registration order. It stops
// at and returns the first error returned by fn.
func (r *Runtime) IterateAgent(fn func(core.Agent, interface{}) error, data interface{}) error {
	reg, err := r.current()
	if err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%w: nil agent callback", core.ErrInvalidArgument)
	}

	for _, a := range reg.agents {
		if err := fn(a, data); err != nil {
			return err
		}
	}

	return nil
}

// IterateRegion calls fn for every region in registration order. It stops
// at and returns the first error returned by fn.
func (r *Runtime) IterateRegion(fn func(core.Region, interface{}) error, data interface{}) error {
	reg, err := r.current()
	if err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%w: nil region callback", core.ErrInvalidArgument)
	}

	for _, region := range reg.regions {
		if err := fn(region, data); err != nil {
			return err
		}
	}

	return nil
}

// Agents returns the registered agents.
func (r *Runtime) Agents() []core.Agent {
	if reg := r.registry.Load(); reg != nil {
		return append([]core.Agent(nil), reg.agents...)
	}
	return nil
}

// Regions returns the registered memory regions.
func (r *Runtime) Regions() []core.Region {
	if reg := r.registry.Load(); reg != nil {
		return append([]core.Region(nil), reg.regions...)
	}
	return nil
}

// HostAgent returns the agent of the host CPU.
func (r *Runtime) HostAgent() core.Agent {
	if reg := r.registry.Load(); reg != nil {
		return reg.hostAgent
	}
	return nil
}

// BlitAgent returns the agent used for DMA transfers.
func (r *Runtime) BlitAgent() core.Agent {
	if reg := r.registry.Load(); reg != nil {
		return reg.blitAgent
	}
	return nil
}

// SystemRegion returns the fine-grain system memory region.
func (r *Runtime) SystemRegion() core.Region {
	if reg := r.registry.Load(); reg != nil {
		return reg.system
	}
	return nil
}

// SystemRegionCoarse returns the coarse-grain system memory region.
func (r *Runtime) SystemRegionCoarse() core.Region {
	if reg := r.registry.Load(); reg != nil {
		return reg.systemCoarse
	}
	return nil
}

// Loader returns the opaque code object loader handle.
func (r *Runtime) Loader() interface{} {
	return r.loader
}

// CodeManager returns the opaque code manager handle.
func (r *Runtime) CodeManager() interface{} {
	return r.codeManager
}

// Allocator allocates system memory.
type Allocator func(size uint64) (core.Address, error)

// Deallocator frees memory returned by an Allocator.
type Deallocator func(core.Address) error

// SystemAllocator returns an allocator for fine-grain system memory.
func (r *Runtime) SystemAllocator() Allocator {
	return func(size uint64) (core.Address, error) {
		return r.AllocateMemory(r.SystemRegion(), size, false)
	}
}

// SystemDeallocator returns the deallocator for SystemAllocator.
func (r *Runtime) SystemDeallocator() Deallocator {
	return r.FreeMemory
}

// Extensions returns the names of the loaded extensions.
func (r *Runtime) Extensions() []string {
	if reg := r.registry.Load(); reg != nil && reg.extensions != nil {
		return reg.extensions.Loaded()
	}
	return nil
}

// Tools returns the names of the loaded tools.
func (r *Runtime) Tools() []string {
	if reg := r.registry.Load(); reg != nil && reg.tools != nil {
		return reg.tools.Loaded()
	}
	return nil
}

// SetAsyncSignalHandler registers a handler to be called from the async
// signal monitor once the condition holds for the signal value.
func (r *Runtime) SetAsyncSignalHandler(s *signal.Signal, cond signal.Condition, threshold signal.Value,
	handler async.Handler, arg interface{}) error {
	m := r.monitor.Load()
	if m == nil || !r.IsOpen() {
		return core.ErrNotInitialized
	}
	return m.Register(s, cond, threshold, handler, arg)
}
