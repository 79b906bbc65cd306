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
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/containers/hsa-runtime/pkg/core"
	"github.com/containers/hsa-runtime/pkg/signal"
)

// endpoint is one side of a copy. Endpoints in runtime allocations hold
// a pin on the allocation until they are released.
type endpoint struct {
	addr  core.Address
	buf   []byte
	alloc *allocation // nil for application memory
}

// hostAccessible returns true if the host can access the endpoint directly.
func (e *endpoint) hostAccessible() bool {
	return e.alloc == nil || e.alloc.region.HostAccessible()
}

// tracked returns true if the endpoint lies in an allocation of ours.
func (e *endpoint) tracked() bool {
	return e.alloc != nil
}

// copyStats are the counters of memory operations.
type copyStats struct {
	direct  atomic.Uint64
	dma     atomic.Uint64
	staged  atomic.Uint64
	async   atomic.Uint64
	fills   atomic.Uint64
	dmaFill atomic.Uint64
}

// resolve finds the allocation backing [addr, addr+size) and pins it. The
// endpoint must be released with unpin. Addresses outside any allocation
// fail with missing.
func (r *Runtime) resolve(addr core.Address, size uint64, missing error) (*endpoint, error) {
	if addr == 0 {
		return nil, fmt.Errorf("%w: null address", core.ErrInvalidArgument)
	}

	r.memLock.Lock()
	defer r.memLock.Unlock()

	a, ok := r.lookup(addr)
	if !ok {
		if reg := r.registry.Load(); reg != nil {
			for _, region := range reg.regions {
				if region.Spans(addr) {
					return nil, fmt.Errorf("%w: %s not allocated in %s", missing, addr, region.Name())
				}
			}
		}
		return nil, fmt.Errorf("%w: %s is not allocated memory", missing, addr)
	}
	if end := uint64(addr-a.base) + size; end > a.size || end < size {
		return nil, fmt.Errorf("%w: %d bytes at %s overrun allocation of %d bytes at %s",
			core.ErrInvalidArgument, size, addr, a.size, a.base)
	}

	buf, err := a.region.Bytes(addr, size)
	if err != nil {
		return nil, err
	}

	a.pins++

	return &endpoint{addr: addr, buf: buf, alloc: a}, nil
}

// hostEndpoint wraps application host memory.
func hostEndpoint(buf []byte) *endpoint {
	return &endpoint{buf: buf}
}

// CopyMemory copies size bytes from src to dst, blocking until the copy
// is done. Memory the host cannot access is copied by the blit agent.
func (r *Runtime) CopyMemory(dst, src core.Address, size uint64) error {
	return r.CopyMemoryContext(context.Background(), dst, src, size)
}

// CopyMemoryContext is CopyMemory with a context bounding the wait for
// the blit agent.
func (r *Runtime) CopyMemoryContext(ctx context.Context, dst, src core.Address, size uint64) error {
	reg, err := r.current()
	if err != nil {
		return err
	}
	if size == 0 {
		return fmt.Errorf("%w: zero-sized copy", core.ErrInvalidArgument)
	}

	d, err := r.resolve(dst, size, core.ErrInvalidArgument)
	if err != nil {
		return err
	}
	s, err := r.resolve(src, size, core.ErrInvalidArgument)
	if err != nil {
		r.unpin(d)
		return err
	}

	return r.copyEndpoints(ctx, reg, d, s)
}

// CopyFromHost copies application memory src to the allocation at dst.
func (r *Runtime) CopyFromHost(dst core.Address, src []byte) error {
	return r.CopyFromHostContext(context.Background(), dst, src)
}

// CopyFromHostContext is CopyFromHost with a context bounding the wait
// for the blit agent.
func (r *Runtime) CopyFromHostContext(ctx context.Context, dst core.Address, src []byte) error {
	reg, err := r.current()
	if err != nil {
		return err
	}
	if len(src) == 0 {
		return fmt.Errorf("%w: zero-sized copy", core.ErrInvalidArgument)
	}

	d, err := r.resolve(dst, uint64(len(src)), core.ErrInvalidArgument)
	if err != nil {
		return err
	}

	return r.copyEndpoints(ctx, reg, d, hostEndpoint(src))
}

// CopyToHost copies len(dst) bytes from the allocation at src to
// application memory dst.
func (r *Runtime) CopyToHost(dst []byte, src core.Address) error {
	return r.CopyToHostContext(context.Background(), dst, src)
}

// CopyToHostContext is CopyToHost with a context bounding the wait for
// the blit agent.
func (r *Runtime) CopyToHostContext(ctx context.Context, dst []byte, src core.Address) error {
	reg, err := r.current()
	if err != nil {
		return err
	}
	if len(dst) == 0 {
		return fmt.Errorf("%w: zero-sized copy", core.ErrInvalidArgument)
	}

	s, err := r.resolve(src, uint64(len(dst)), core.ErrInvalidArgument)
	if err != nil {
		return err
	}

	return r.copyEndpoints(ctx, reg, hostEndpoint(dst), s)
}

// copyEndpoints copies s to d and releases both endpoints.
func (r *Runtime) copyEndpoints(ctx context.Context, reg *registry, d, s *endpoint) error {
	if d.hostAccessible() && s.hostAccessible() {
		copy(d.buf, s.buf)
		r.unpin(d, s)
		r.stats.direct.Add(1)
		return nil
	}

	// the copy engine only reaches memory we have allocated
	switch {
	case !s.tracked():
		return r.stagedCopy(ctx, reg, d, s, true)
	case !d.tracked():
		return r.stagedCopy(ctx, reg, d, s, false)
	}

	r.stats.dma.Add(1)
	return r.blit(ctx, reg, &core.Transfer{Dst: d.buf, Src: s.buf}, d, s)
}

// stagedCopy copies between application memory and memory the host can't
// access through a bounce buffer in coarse-grain system memory.
func (r *Runtime) stagedCopy(ctx context.Context, reg *registry, d, s *endpoint, toDevice bool) error {
	device := s
	if toDevice {
		device = d
	}

	size := uint64(len(d.buf))
	staging, err := r.AllocateMemory(reg.systemCoarse, size, false)
	if err != nil {
		r.unpin(device)
		return fmt.Errorf("failed to allocate staging buffer: %w", err)
	}
	defer func() {
		if err := r.FreeMemory(staging); err != nil {
			log.Warn("failed to free staging buffer %s: %v", staging, err)
		}
	}()

	bounce, err := r.resolve(staging, size, core.ErrInvalidAllocation)
	if err != nil {
		r.unpin(device)
		return err
	}

	r.stats.staged.Add(1)

	if toDevice {
		copy(bounce.buf, s.buf)
		return r.blit(ctx, reg, &core.Transfer{Dst: d.buf, Src: bounce.buf}, d, bounce)
	}

	if err := r.blit(ctx, reg, &core.Transfer{Dst: bounce.buf, Src: s.buf}, bounce, s); err != nil {
		return err
	}
	// the bounce buffer stays mapped until the deferred free
	copy(d.buf, bounce.buf)

	return nil
}

// blit runs a transfer on the blit agent and waits for its completion.
// The pinned endpoints are released once the copy queue is done with
// them, even if the wait is cut short by ctx.
func (r *Runtime) blit(ctx context.Context, reg *registry, t *core.Transfer, pinned ...*endpoint) error {
	done := signal.New(1)
	t.Completion = done
	t.Release = func() { r.unpin(pinned...) }

	if err := reg.blitAgent.Submit(t); err != nil {
		r.unpin(pinned...)
		return err
	}

	if _, err := done.Wait(ctx, signal.Equal, 0); err != nil {
		return fmt.Errorf("waiting for transfer on %s: %w", reg.blitAgent.Name(), err)
	}

	return nil
}

// canAccess checks if agent can access the endpoint.
func canAccess(agent core.Agent, e *endpoint) bool {
	if !e.tracked() {
		return agent.Type() == core.DeviceCPU
	}
	return e.alloc.region.CanAccess(agent, e.addr)
}

// CopyMemoryAsync queues a copy of size bytes from src to dst on the copy
// queue of dstAgent and returns once the copy has been accepted. The copy
// starts once all deps read zero and completion is decremented once the
// copy is done. Both allocations stay backed until the copy is done or
// abandoned, even if they are freed earlier.
func (r *Runtime) CopyMemoryAsync(dst core.Address, dstAgent core.Agent, src core.Address, srcAgent core.Agent,
	size uint64, deps []*signal.Signal, completion *signal.Signal) error {
	if !r.IsOpen() {
		return core.ErrNotInitialized
	}
	if dstAgent == nil || srcAgent == nil {
		return fmt.Errorf("%w: async copy needs source and destination agents", core.ErrInvalidArgument)
	}
	if size == 0 {
		return fmt.Errorf("%w: zero-sized copy", core.ErrInvalidArgument)
	}
	if completion == nil {
		return fmt.Errorf("%w: async copy without completion signal", core.ErrInvalidArgument)
	}

	d, err := r.resolve(dst, size, core.ErrInvalidArgument)
	if err != nil {
		return err
	}
	s, err := r.resolve(src, size, core.ErrInvalidArgument)
	if err != nil {
		r.unpin(d)
		return err
	}

	if !canAccess(dstAgent, d) {
		r.unpin(d, s)
		return fmt.Errorf("%w: agent %s can't access destination %s", core.ErrInvalidArgument,
			dstAgent.Name(), dst)
	}
	if !canAccess(srcAgent, s) {
		r.unpin(d, s)
		return fmt.Errorf("%w: agent %s can't access source %s", core.ErrInvalidArgument,
			srcAgent.Name(), src)
	}

	if err := dstAgent.Submit(&core.Transfer{
		Dst:        d.buf,
		Src:        s.buf,
		Deps:       append([]*signal.Signal(nil), deps...),
		Completion: completion,
		Release:    func() { r.unpin(d, s) },
	}); err != nil {
		r.unpin(d, s)
		return err
	}

	r.stats.async.Add(1)

	return nil
}

// FillMemory writes count repetitions of the 32-bit value to the
// allocation at ptr.
func (r *Runtime) FillMemory(ptr core.Address, value uint32, count uint64) error {
	return r.FillMemoryContext(context.Background(), ptr, value, count)
}

// FillMemoryContext is FillMemory with a context bounding the wait for
// the blit agent.
func (r *Runtime) FillMemoryContext(ctx context.Context, ptr core.Address, value uint32, count uint64) error {
	reg, err := r.current()
	if err != nil {
		return err
	}
	if ptr == 0 {
		return fmt.Errorf("%w: null address", core.ErrInvalidArgument)
	}
	if count == 0 {
		return nil
	}
	if count > math.MaxUint64/4 {
		return fmt.Errorf("%w: fill count %d too large", core.ErrInvalidArgument, count)
	}

	e, err := r.resolve(ptr, count*4, core.ErrInvalidAllocation)
	if err != nil {
		return err
	}

	if e.hostAccessible() {
		core.Fill(e.buf, value)
		r.unpin(e)
		r.stats.fills.Add(1)
		return nil
	}

	r.stats.dmaFill.Add(1)
	return r.blit(ctx, reg, &core.Transfer{Dst: e.buf, Pattern: value}, e)
}
