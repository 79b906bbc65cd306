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
package memory

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/hsa-runtime/pkg/core"
)

const (
	// DefaultDeviceGranule is the allocation granularity of device-local memory.
	DefaultDeviceGranule = 4096
)

// Region implements core.Region for all region kinds.
type Region struct {
	lock     sync.RWMutex
	name     string
	kind     core.RegionKind
	owner    core.Agent
	capacity uint64
	granule  uint64
	used     uint64
	backend  backend
	blocks   *blockIndex
	access   map[core.Address]*accessList
	closed   bool
}

// accessList tracks which agents may access an allocation.
type accessList struct {
	restricted bool
	allowed    map[core.Agent]struct{}
}

var _ core.Region = &Region{}

// Option is an opaque option for a Region.
type Option func(*Region)

// WithName sets the name of a region.
func WithName(name string) Option {
	return func(r *Region) {
		r.name = name
	}
}

// WithGranule sets the allocation granularity of a device-local region.
func WithGranule(granule uint64) Option {
	return func(r *Region) {
		if granule > 0 {
			r.granule = granule
		}
	}
}

// NewSystemRegion creates a host memory region of the given system kind.
func NewSystemRegion(kind core.RegionKind, capacity uint64, options ...Option) (*Region, error) {
	if !kind.IsSystem() {
		return nil, fmt.Errorf("%w: %s is not a system region kind", core.ErrInvalidArgument, kind)
	}
	if capacity == 0 {
		return nil, fmt.Errorf("%w: system region with no capacity", core.ErrInvalidArgument)
	}

	pages := newPageBackend()
	r := newRegion(kind, nil, capacity, pages.pageSize, pages)
	for _, o := range options {
		o(r)
	}

	log.Info("created %s region %s with %s capacity", kind, r.name, prettySize(capacity))

	return r, nil
}

// NewDeviceRegion creates a device-local region owned by the given agent.
func NewDeviceRegion(owner core.Agent, capacity uint64, options ...Option) (*Region, error) {
	if owner == nil {
		return nil, fmt.Errorf("%w: device region without owner", core.ErrInvalidArgument)
	}
	if capacity == 0 {
		return nil, fmt.Errorf("%w: device region with no capacity", core.ErrInvalidArgument)
	}

	r := newRegion(core.KindDeviceLocal, owner, capacity, DefaultDeviceGranule, nil)
	for _, o := range options {
		o(r)
	}

	arena, err := newArenaBackend(capacity, r.granule)
	if err != nil {
		return nil, fmt.Errorf("failed to set up device memory for %s: %w", owner.Name(), err)
	}
	r.backend = arena

	log.Info("created %s region %s with %s capacity (owner %s)", r.kind, r.name,
		prettySize(capacity), owner.Name())

	return r, nil
}

func newRegion(kind core.RegionKind, owner core.Agent, capacity, granule uint64, b backend) *Region {
	name := kind.String()
	if owner != nil {
		name = owner.Name() + "/" + name
	}
	return &Region{
		name:     name,
		kind:     kind,
		owner:    owner,
		capacity: capacity,
		granule:  granule,
		backend:  b,
		blocks:   newBlockIndex(),
		access:   make(map[core.Address]*accessList),
	}
}

// Name returns the name of the region.
func (r *Region) Name() string {
	return r.name
}

// Kind returns the kind of the region.
func (r *Region) Kind() core.RegionKind {
	return r.kind
}

// Owner returns the owner of the region, nil for system regions.
func (r *Region) Owner() core.Agent {
	return r.owner
}

// Capacity returns the capacity of the region in bytes.
func (r *Region) Capacity() uint64 {
	return r.capacity
}

// Used returns the number of bytes allocated from the region.
func (r *Region) Used() uint64 {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.used
}

// Granule returns the allocation granularity of the region.
func (r *Region) Granule() uint64 {
	return r.granule
}

// Allocations returns the number of live allocations in the region.
func (r *Region) Allocations() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.blocks.len()
}

// HostAccessible returns true for regions the host can access directly.
func (r *Region) HostAccessible() bool {
	return r.kind.IsSystem()
}

// Allocate allocates memory from the region.
func (r *Region) Allocate(size uint64, restrict bool) (core.Address, error) {
	if size == 0 {
		return 0, ErrZeroSize
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return 0, ErrRegionClosed
	}

	if need := roundUp(size, r.granule); r.used+need > r.capacity || need < size {
		return 0, fmt.Errorf("%w: %s requested from %s, %s available", ErrNoMem,
			prettySize(size), r.name, prettySize(r.capacity-r.used))
	}

	b, err := r.backend.alloc(size)
	if err != nil {
		return 0, err
	}

	r.blocks.insert(b)
	r.used += b.size
	r.access[b.base] = &accessList{restricted: restrict}

	log.Debug("%s: allocated %s at %s (restricted: %v)", r.name, prettySize(b.size), b.base, restrict)

	return b.base, nil
}

// Free releases the allocation at addr.
func (r *Region) Free(addr core.Address) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	b, ok := r.blocks.get(addr)
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrUnknownBlock, addr, r.name)
	}

	if err := r.backend.free(b); err != nil {
		return err
	}

	r.blocks.remove(addr)
	r.used -= b.size
	delete(r.access, addr)

	log.Debug("%s: freed %s at %s", r.name, prettySize(b.size), addr)

	return nil
}

// AllowAccess extends access to the allocation containing addr.
func (r *Region) AllowAccess(agents []core.Agent, addr core.Address) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	b, ok := r.blocks.find(addr)
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrUnknownBlock, addr, r.name)
	}

	for _, a := range agents {
		if a == nil {
			return fmt.Errorf("%w: nil agent", core.ErrInvalidArgument)
		}
	}

	acl := r.access[b.base]
	if acl.allowed == nil {
		acl.allowed = make(map[core.Agent]struct{})
	}
	for _, a := range agents {
		acl.allowed[a] = struct{}{}
		log.Debug("%s: allowed %s access to %s", r.name, a.Name(), b.base)
	}

	return nil
}

// CanAccess checks if the agent can access the allocation containing addr.
func (r *Region) CanAccess(agent core.Agent, addr core.Address) bool {
	if agent == nil {
		return false
	}

	r.lock.RLock()
	defer r.lock.RUnlock()

	b, ok := r.blocks.find(addr)
	if !ok {
		return false
	}

	acl := r.access[b.base]
	if _, ok := acl.allowed[agent]; ok {
		return true
	}

	if r.owner != nil && agent == r.owner {
		return true
	}

	if acl.restricted {
		return r.owner == nil && agent.Type() == core.DeviceCPU
	}

	if r.kind.IsSystem() {
		return true
	}

	// peer accelerators can reach unrestricted device memory
	return agent.Type() == core.DeviceGPU
}

// Contains returns true if addr lies inside a live allocation.
func (r *Region) Contains(addr core.Address) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.blocks.find(addr)
	return ok
}

// Spans returns true if addr lies in the address span of the region.
func (r *Region) Spans(addr core.Address) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if r.backend != nil && r.backend.spans(addr) {
		return true
	}
	_, ok := r.blocks.find(addr)
	return ok
}

// Bytes returns the backing memory of [addr, addr+size).
func (r *Region) Bytes(addr core.Address, size uint64) ([]byte, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	b, ok := r.blocks.find(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownBlock, addr, r.name)
	}

	return b.slice(addr, size)
}

// Close releases all allocations and the memory of the region.
func (r *Region) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var result *multierror.Error
	if n := r.blocks.len(); n > 0 {
		log.Warn("%s: releasing %d outstanding allocations", r.name, n)
	}
	r.blocks.foreach(func(b *block) bool {
		if err := r.backend.free(b); err != nil {
			result = multierror.Append(result, err)
		}
		return true
	})
	r.blocks.clear()
	r.access = map[core.Address]*accessList{}
	r.used = 0

	if err := r.backend.close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("%s: %w", r.name, err))
	}

	return result.ErrorOrNil()
}

// String returns a string representation of the region.
func (r *Region) String() string {
	return fmt.Sprintf("%s region %s (%s/%s used)", r.kind, r.name,
		prettySize(r.Used()), prettySize(r.capacity))
}
