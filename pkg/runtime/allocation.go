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
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/hsa-runtime/pkg/core"
)

// allocation is the record of a live allocation.
type allocation struct {
	base   core.Address
	size   uint64
	region core.Region
	// owner is the agent a restricted allocation is private to, if any.
	owner core.Agent
	// pins counts the copies using the allocation. A pinned allocation
	// is only returned to its region once the last pin is released.
	pins  int
	freed bool
}

// AllocationInfo describes a live allocation.
type AllocationInfo struct {
	Base   core.Address
	Size   uint64
	Region core.Region
	Owner  core.Agent
}

const allocationIndexDegree = 32

func lessAllocation(a, b *allocation) bool {
	return a.base < b.base
}

func (a *allocation) contains(addr core.Address) bool {
	return a.base <= addr && uint64(addr-a.base) < a.size
}

// lookup finds the allocation containing addr. memLock must be held.
func (r *Runtime) lookup(addr core.Address) (*allocation, bool) {
	if r.allocations == nil {
		return nil, false
	}

	var found *allocation
	r.allocations.DescendLessOrEqual(&allocation{base: addr}, func(a *allocation) bool {
		found = a
		return false
	})

	if found == nil || !found.contains(addr) {
		return nil, false
	}
	return found, true
}

// unpin releases the pins of the given endpoints, returning the memory
// of freed allocations to their regions.
func (r *Runtime) unpin(endpoints ...*endpoint) {
	r.memLock.Lock()
	defer r.memLock.Unlock()

	for _, e := range endpoints {
		a := e.alloc
		if a == nil {
			continue
		}
		e.alloc = nil
		if a.pins--; a.pins > 0 || !a.freed {
			continue
		}
		if err := a.region.Free(a.base); err != nil {
			log.Error("deferred free of %s in %s failed: %v", a.base, a.region.Name(), err)
			continue
		}
		log.Debug("freed %d bytes at %s in %s after last copy", a.size, a.base, a.region.Name())
	}
}

// isRegistered checks if region belongs to this runtime.
func (reg *registry) isRegistered(region core.Region) bool {
	for _, known := range reg.regions {
		if known == region {
			return true
		}
	}
	return false
}

// AllocateMemory allocates size bytes from the region. A restricted
// allocation is accessible only to the owner of the region until access
// is extended with AllowAccess.
func (r *Runtime) AllocateMemory(region core.Region, size uint64, restrict bool) (core.Address, error) {
	reg, err := r.current()
	if err != nil {
		return 0, err
	}
	if region == nil {
		return 0, fmt.Errorf("%w: nil region", core.ErrInvalidArgument)
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-sized allocation", core.ErrInvalidArgument)
	}
	if !reg.isRegistered(region) {
		return 0, fmt.Errorf("%w: unknown region %s", core.ErrInvalidArgument, region.Name())
	}

	addr, err := region.Allocate(size, restrict)
	if err != nil {
		log.Debug("failed to allocate %d bytes from %s: %v", size, region.Name(), err)
		return 0, err
	}

	a := &allocation{
		base:   addr,
		size:   size,
		region: region,
	}
	if restrict {
		a.owner = region.Owner()
	}

	r.memLock.Lock()
	r.allocations.ReplaceOrInsert(a)
	r.memLock.Unlock()

	log.Debug("allocated %d bytes at %s from %s", size, addr, region.Name())

	return addr, nil
}

// FreeMemory frees the allocation at addr. The address is released
// at once, but the memory of an allocation used by a pending copy is
// returned to its region only when the copy is done or abandoned.
func (r *Runtime) FreeMemory(addr core.Address) error {
	if !r.IsOpen() {
		return core.ErrNotInitialized
	}

	r.memLock.Lock()
	defer r.memLock.Unlock()

	a, ok := r.allocations.Get(&allocation{base: addr})
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrInvalidAllocation, addr)
	}

	if a.pins > 0 {
		a.freed = true
		r.allocations.Delete(a)
		log.Debug("deferring free of %d bytes at %s in %s, %d copies pending", a.size, addr,
			a.region.Name(), a.pins)
		return nil
	}

	if err := a.region.Free(addr); err != nil {
		return err
	}
	r.allocations.Delete(a)

	log.Debug("freed %d bytes at %s in %s", a.size, addr, a.region.Name())

	return nil
}

// AllowAccess extends access to the allocation containing addr to the
// given agents.
func (r *Runtime) AllowAccess(agents []core.Agent, addr core.Address) error {
	if !r.IsOpen() {
		return core.ErrNotInitialized
	}
	if len(agents) == 0 {
		return fmt.Errorf("%w: no agents", core.ErrInvalidArgument)
	}
	for _, agent := range agents {
		if agent == nil {
			return fmt.Errorf("%w: nil agent", core.ErrInvalidArgument)
		}
	}

	r.memLock.Lock()
	a, ok := r.lookup(addr)
	r.memLock.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", core.ErrInvalidAllocation, addr)
	}

	return a.region.AllowAccess(agents, a.base)
}

// AllocationInfo returns the live allocation containing addr.
func (r *Runtime) AllocationInfo(addr core.Address) (AllocationInfo, error) {
	if !r.IsOpen() {
		return AllocationInfo{}, core.ErrNotInitialized
	}

	r.memLock.Lock()
	defer r.memLock.Unlock()

	a, ok := r.lookup(addr)
	if !ok {
		return AllocationInfo{}, fmt.Errorf("%w: %s", core.ErrInvalidAllocation, addr)
	}

	return AllocationInfo{
		Base:   a.base,
		Size:   a.size,
		Region: a.region,
		Owner:  a.owner,
	}, nil
}

// LiveAllocations returns the number of live allocations.
func (r *Runtime) LiveAllocations() int {
	r.memLock.Lock()
	defer r.memLock.Unlock()

	if r.allocations == nil {
		return 0
	}
	return r.allocations.Len()
}

// freeAllocations frees all outstanding allocations.
func (r *Runtime) freeAllocations() error {
	r.memLock.Lock()
	defer r.memLock.Unlock()

	if r.allocations == nil {
		return nil
	}

	var result *multierror.Error
	if n := r.allocations.Len(); n > 0 {
		log.Warn("freeing %d outstanding allocations", n)
	}
	r.allocations.Ascend(func(a *allocation) bool {
		if a.pins > 0 {
			log.Warn("freeing %s in %s with %d copies in progress", a.base, a.region.Name(), a.pins)
		}
		if err := a.region.Free(a.base); err != nil {
			result = multierror.Append(result, err)
		}
		return true
	})
	r.allocations.Clear(false)

	return result.ErrorOrNil()
}
