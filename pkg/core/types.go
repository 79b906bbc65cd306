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
package core

import (
	"fmt"
	"strings"

	"github.com/containers/hsa-runtime/pkg/signal"
)

// Address is a location in the unified address space shared by agents.
type Address uintptr

// String returns the address in hexadecimal.
func (a Address) String() string {
	return fmt.Sprintf("0x%x", uintptr(a))
}

// Add returns the address offset by the given number of bytes.
func (a Address) Add(offset uint64) Address {
	return a + Address(offset)
}

// DeviceType is the type of an agent.
type DeviceType int

const (
	DeviceCPU DeviceType = iota // host processor
	DeviceGPU                   // accelerator
)

var deviceTypeToString = map[DeviceType]string{
	DeviceCPU: "CPU",
	DeviceGPU: "GPU",
}

// String returns a string representation of the device type.
func (t DeviceType) String() string {
	if str, ok := deviceTypeToString[t]; ok {
		return str
	}
	return fmt.Sprintf("%%!(hsa:Bad-DeviceType %d)", t)
}

// RegionKind is the visibility class of a memory region.
type RegionKind int

const (
	KindSystemFineGrain   RegionKind = iota // coherent host memory, visible to all agents
	KindSystemCoarseGrain                   // host memory, coherent only at synchronization points
	KindDeviceLocal                         // memory local to an accelerator
)

var (
	regionKindToString = map[RegionKind]string{
		KindSystemFineGrain:   "system-fine-grain",
		KindSystemCoarseGrain: "system-coarse-grain",
		KindDeviceLocal:       "device-local",
	}
	stringToRegionKind = map[string]RegionKind{
		"system-fine-grain":   KindSystemFineGrain,
		"system-coarse-grain": KindSystemCoarseGrain,
		"device-local":        KindDeviceLocal,
	}
)

// String returns a string representation of the region kind.
func (k RegionKind) String() string {
	if str, ok := regionKindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("%%!(hsa:Bad-RegionKind %d)", k)
}

// ParseRegionKind parses the given string into a region kind.
func ParseRegionKind(str string) (RegionKind, error) {
	if k, ok := stringToRegionKind[strings.ToLower(str)]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("%w: unknown region kind %q", ErrInvalidArgument, str)
}

// IsSystem returns true for host memory kinds.
func (k RegionKind) IsSystem() bool {
	return k == KindSystemFineGrain || k == KindSystemCoarseGrain
}

// Agent is a compute device capable of executing or issuing work.
type Agent interface {
	// Name returns the marketing or configured name of the agent.
	Name() string
	// UUID returns a stable unique identifier of the agent.
	UUID() string
	// Type returns the device type of the agent.
	Type() DeviceType
	// NodeID returns the id of the NUMA node closest to the agent.
	NodeID() int
	// Regions returns the memory regions owned by or attached to the agent.
	Regions() []Region
	// Submit queues a transfer on the agent's copy queue. It returns once
	// the transfer has been accepted, never waiting for its completion.
	Submit(t *Transfer) error
	// Abort abandons transfers still waiting for their dependencies and
	// waits for the ones already executing. Later submissions fail.
	Abort()
	// Close stops the agent's copy queue and releases its resources.
	Close() error
}

// Region is an allocatable memory pool with a visibility class.
type Region interface {
	// Name returns a descriptive name of the region.
	Name() string
	// Kind returns the visibility class of the region.
	Kind() RegionKind
	// Owner returns the agent owning the region, nil for system regions.
	Owner() Agent
	// Capacity returns the size of the region in bytes.
	Capacity() uint64
	// Used returns the number of bytes currently allocated.
	Used() uint64
	// Granule returns the allocation granularity of the region.
	Granule() uint64
	// HostAccessible returns true if the host can access the memory directly.
	HostAccessible() bool
	// Allocate allocates size bytes. A restricted allocation is accessible
	// only to the owner of the region until access is explicitly allowed.
	Allocate(size uint64, restrict bool) (Address, error)
	// Free releases an allocation made by Allocate.
	Free(addr Address) error
	// AllowAccess extends access to an allocation to the given agents.
	AllowAccess(agents []Agent, addr Address) error
	// CanAccess checks if agent can access the allocation containing addr.
	CanAccess(agent Agent, addr Address) bool
	// Contains returns true if addr lies inside a live allocation of the region.
	Contains(addr Address) bool
	// Spans returns true if addr lies inside the address span of the region.
	Spans(addr Address) bool
	// Bytes returns the backing memory for the given range.
	Bytes(addr Address, size uint64) ([]byte, error)
	// Close releases all memory of the region.
	Close() error
}

// Transfer is a copy or fill request for an agent's copy queue.
type Transfer struct {
	// Dst is the destination memory.
	Dst []byte
	// Src is the source memory. A nil Src requests a fill with Pattern.
	Src []byte
	// Pattern is the 32-bit fill pattern.
	Pattern uint32
	// Deps must all read zero before the transfer starts.
	Deps []*signal.Signal
	// Completion is decremented once when the transfer finishes.
	Completion *signal.Signal
	// Release, if set, is called once the queue no longer references Dst
	// or Src, whether the transfer completed or was abandoned. It runs
	// before Completion is decremented.
	Release func()
}

// IsFill returns true if the transfer is a fill.
func (t *Transfer) IsFill() bool {
	return t.Src == nil
}
