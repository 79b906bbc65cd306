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
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/containers/hsa-runtime/pkg/core"
)

// backend provides raw memory for a region. Every region kind selects
// the backend matching its visibility class.
type backend interface {
	alloc(size uint64) (*block, error)
	free(b *block) error
	spans(addr core.Address) bool
	close() error
}

func roundUp(size, granule uint64) uint64 {
	if granule == 0 {
		return size
	}
	return (size + granule - 1) / granule * granule
}

func mmap(size uint64) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap of %d bytes failed: %w", ErrNoMem, size, err)
	}
	return buf, nil
}

// addressOf returns the address of a mapping. Mappings are never moved
// by the Go runtime, so the address stays valid until they are unmapped.
func addressOf(mem []byte) core.Address {
	return core.Address(uintptr(unsafe.Pointer(unsafe.SliceData(mem))))
}

// pageBackend maps fresh anonymous pages for every allocation.
type pageBackend struct {
	pageSize uint64
}

func newPageBackend() *pageBackend {
	return &pageBackend{pageSize: uint64(unix.Getpagesize())}
}

func (p *pageBackend) alloc(size uint64) (*block, error) {
	buf, err := mmap(roundUp(size, p.pageSize))
	if err != nil {
		return nil, err
	}
	return &block{base: addressOf(buf), size: uint64(len(buf)), buf: buf}, nil
}

func (p *pageBackend) free(b *block) error {
	if err := unix.Munmap(b.buf); err != nil {
		return fmt.Errorf("munmap of %s failed: %w", b.base, err)
	}
	b.buf = nil
	return nil
}

func (p *pageBackend) spans(core.Address) bool {
	return false
}

func (p *pageBackend) close() error {
	return nil
}

// extent is a free range of an arena, relative to its start.
type extent struct {
	off  uint64
	size uint64
}

// arenaBackend carves allocations out of a single mapping using a
// first-fit free list with coalescing.
type arenaBackend struct {
	mem     []byte
	base    core.Address
	granule uint64
	holes   []extent // sorted by offset, never adjacent
}

func newArenaBackend(capacity, granule uint64) (*arenaBackend, error) {
	mem, err := mmap(roundUp(capacity, granule))
	if err != nil {
		return nil, err
	}
	return &arenaBackend{
		mem:     mem,
		base:    addressOf(mem),
		granule: granule,
		holes:   []extent{{off: 0, size: uint64(len(mem))}},
	}, nil
}

func (a *arenaBackend) alloc(size uint64) (*block, error) {
	size = roundUp(size, a.granule)
	for i, h := range a.holes {
		if h.size < size {
			continue
		}
		if h.size == size {
			a.holes = append(a.holes[:i], a.holes[i+1:]...)
		} else {
			a.holes[i] = extent{off: h.off + size, size: h.size - size}
		}
		return &block{
			base: a.base.Add(h.off),
			size: size,
			buf:  a.mem[h.off : h.off+size : h.off+size],
		}, nil
	}
	return nil, fmt.Errorf("%w: no free extent of %d bytes", ErrNoMem, size)
}

func (a *arenaBackend) free(b *block) error {
	if !a.spans(b.base) {
		return fmt.Errorf("%w: %s outside of arena", ErrInternalError, b.base)
	}

	e := extent{off: uint64(b.base - a.base), size: b.size}
	i := sort.Search(len(a.holes), func(i int) bool {
		return a.holes[i].off > e.off
	})

	a.holes = append(a.holes, extent{})
	copy(a.holes[i+1:], a.holes[i:])
	a.holes[i] = e

	if i+1 < len(a.holes) && a.holes[i].off+a.holes[i].size == a.holes[i+1].off {
		a.holes[i].size += a.holes[i+1].size
		a.holes = append(a.holes[:i+1], a.holes[i+2:]...)
	}
	if i > 0 && a.holes[i-1].off+a.holes[i-1].size == a.holes[i].off {
		a.holes[i-1].size += a.holes[i].size
		a.holes = append(a.holes[:i], a.holes[i+1:]...)
	}

	b.buf = nil
	return nil
}

func (a *arenaBackend) spans(addr core.Address) bool {
	return a.base <= addr && addr < a.base.Add(uint64(len(a.mem)))
}

func (a *arenaBackend) close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	a.holes = nil
	return err
}
