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
package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/hsa-runtime/pkg/agent"
	cfgapi "github.com/containers/hsa-runtime/pkg/apis/config/v1alpha1"
	"github.com/containers/hsa-runtime/pkg/core"
	"github.com/containers/hsa-runtime/pkg/driver/sim"
	"github.com/containers/hsa-runtime/pkg/plugin"
	"github.com/containers/hsa-runtime/pkg/runtime"
	"github.com/containers/hsa-runtime/pkg/signal"
)

const (
	timeout = 5 * time.Second
	tick    = time.Millisecond
)

func testConfig() *cfgapi.RuntimeConfig {
	cfg := cfgapi.NewRuntimeConfig()
	cfg.Topology.HostMemory = 64 << 20
	cfg.Topology.GPUs = []cfgapi.GPUConfig{
		{Name: "gpu0", LocalMemory: 4 << 20},
		{Name: "gpu1", LocalMemory: 4 << 20, NodeID: 1},
	}
	return cfg
}

// countingDriver counts how many times the driver gets opened and closed.
type countingDriver struct {
	*sim.Driver
	opened atomic.Int32
	closed atomic.Int32
}

func (d *countingDriver) Open() error {
	d.opened.Add(1)
	return d.Driver.Open()
}

func (d *countingDriver) Close() error {
	d.closed.Add(1)
	return d.Driver.Close()
}

func newCountingDriver(cfg *cfgapi.RuntimeConfig) *countingDriver {
	return &countingDriver{Driver: sim.New(sim.WithTopology(cfg.Topology))}
}

func acquire(t *testing.T, options ...runtime.Option) *runtime.Runtime {
	rt := runtime.New(append([]runtime.Option{runtime.WithConfig(testConfig())}, options...)...)
	open, err := rt.Acquire()
	require.NoError(t, err)
	require.True(t, open)
	t.Cleanup(func() { rt.Release() })
	return rt
}

func agentByName(t *testing.T, rt *runtime.Runtime, name string) core.Agent {
	for _, a := range rt.Agents() {
		if a.Name() == name {
			return a
		}
	}
	require.FailNow(t, "agent not found", name)
	return nil
}

func localRegion(t *testing.T, a core.Agent) core.Region {
	for _, r := range a.Regions() {
		if r.Kind() == core.KindDeviceLocal {
			return r
		}
	}
	require.FailNow(t, "no device-local region", a.Name())
	return nil
}

func bytesAt(t *testing.T, rt *runtime.Runtime, addr core.Address, size uint64) []byte {
	info, err := rt.AllocationInfo(addr)
	require.NoError(t, err)
	buf, err := info.Region.Bytes(addr, size)
	require.NoError(t, err)
	return buf
}

func TestAcquireReleaseBalanced(t *testing.T) {
	cfg := testConfig()
	drv := newCountingDriver(cfg)
	rt := runtime.New(runtime.WithConfig(cfg), runtime.WithDriver(drv))

	require.False(t, rt.IsOpen())
	require.False(t, rt.Release(), "release of unloaded runtime")

	for i := 0; i < 3; i++ {
		open, err := rt.Acquire()
		require.NoError(t, err)
		require.True(t, open)
	}
	require.Equal(t, 3, rt.RefCount())
	require.Equal(t, int32(1), drv.opened.Load())

	require.True(t, rt.Release())
	require.True(t, rt.Release())
	require.True(t, rt.IsOpen())
	require.Zero(t, drv.closed.Load())

	require.False(t, rt.Release())
	require.False(t, rt.IsOpen())
	require.Equal(t, int32(1), drv.closed.Load())

	require.False(t, rt.Release())
	require.Equal(t, int32(1), drv.closed.Load())

	// reloadable after teardown
	open, err := rt.Acquire()
	require.NoError(t, err)
	require.True(t, open)
	require.Equal(t, int32(2), drv.opened.Load())
	require.False(t, rt.Release())
}

func TestConcurrentAcquire(t *testing.T) {
	cfg := testConfig()
	drv := newCountingDriver(cfg)
	rt := runtime.New(runtime.WithConfig(cfg), runtime.WithDriver(drv))

	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rt.Acquire(); err != nil {
				t.Errorf("acquire failed: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), drv.opened.Load())
	require.Equal(t, callers, rt.RefCount())

	for i := 0; i < callers-1; i++ {
		require.True(t, rt.Release())
	}
	require.False(t, rt.Release())
	require.Equal(t, int32(1), drv.closed.Load())
}

func TestNotInitialized(t *testing.T) {
	rt := runtime.New(runtime.WithConfig(testConfig()))

	_, err := rt.AllocateMemory(nil, 16, false)
	require.True(t, errors.Is(err, core.ErrNotInitialized))
	require.True(t, errors.Is(rt.FreeMemory(0x1000), core.ErrNotInitialized))
	require.True(t, errors.Is(rt.CopyMemory(0x1000, 0x2000, 4), core.ErrNotInitialized))
	require.True(t, errors.Is(rt.FillMemory(0x1000, 0, 4), core.ErrNotInitialized))
	_, err = rt.GetSystemInfo(runtime.SystemAgentCount)
	require.True(t, errors.Is(err, core.ErrNotInitialized))
	err = rt.IterateAgent(func(core.Agent, interface{}) error { return nil }, nil)
	require.True(t, errors.Is(err, core.ErrNotInitialized))
	err = rt.SetAsyncSignalHandler(signal.New(0), signal.Equal, 0,
		func(signal.Value, interface{}) bool { return false }, nil)
	require.True(t, errors.Is(err, core.ErrNotInitialized))
}

func TestDriverOpenFailure(t *testing.T) {
	rt := runtime.New(runtime.WithConfig(testConfig()), runtime.WithDriver(sim.New(sim.WithOpenError(errors.New("no device")))))

	open, err := rt.Acquire()
	require.False(t, open)
	require.True(t, errors.Is(err, core.ErrDriver))
	require.False(t, rt.IsOpen())
	require.Zero(t, rt.RefCount())

	_, err = rt.AllocateMemory(nil, 16, false)
	require.True(t, errors.Is(err, core.ErrNotInitialized))
}

func TestSelectedDefaults(t *testing.T) {
	rt := acquire(t)

	require.Len(t, rt.Agents(), 3)
	require.Len(t, rt.Regions(), 4)
	require.Equal(t, core.DeviceCPU, rt.HostAgent().Type())
	require.Equal(t, "gpu0", rt.BlitAgent().Name())
	require.Equal(t, core.KindSystemFineGrain, rt.SystemRegion().Kind())
	require.Equal(t, core.KindSystemCoarseGrain, rt.SystemRegionCoarse().Kind())
}

func TestRegistrationOutsideEnumeration(t *testing.T) {
	rt := acquire(t)

	err := rt.RegisterAgent(rt.HostAgent())
	require.True(t, errors.Is(err, core.ErrInvalidArgument))
	err = rt.RegisterMemoryRegion(rt.SystemRegion())
	require.True(t, errors.Is(err, core.ErrInvalidArgument))
	require.Len(t, rt.Agents(), 3)
}

func TestIterateAgentStopsAtFirstFailure(t *testing.T) {
	rt := acquire(t)
	require.Len(t, rt.Agents(), 3)

	failure := errors.New("second agent rejected")
	var visited []string
	err := rt.IterateAgent(func(a core.Agent, data interface{}) error {
		require.Equal(t, "data", data)
		visited = append(visited, a.Name())
		if len(visited) == 2 {
			return failure
		}
		return nil
	}, "data")

	require.Equal(t, failure, err)
	require.Equal(t, []string{rt.Agents()[0].Name(), rt.Agents()[1].Name()}, visited)

	count := 0
	require.NoError(t, rt.IterateRegion(func(core.Region, interface{}) error {
		count++
		return nil
	}, nil))
	require.Equal(t, 4, count)

	require.True(t, errors.Is(rt.IterateAgent(nil, nil), core.ErrInvalidArgument))
}

func TestAllocateFree(t *testing.T) {
	rt := acquire(t)
	sys := rt.SystemRegion()

	seen := map[core.Address]bool{}
	var addrs []core.Address
	for i := 0; i < 32; i++ {
		addr, err := rt.AllocateMemory(sys, 100, false)
		require.NoError(t, err)
		require.False(t, seen[addr], "duplicate live address %s", addr)
		seen[addr] = true
		addrs = append(addrs, addr)
	}
	require.Equal(t, 32, rt.LiveAllocations())

	info, err := rt.AllocationInfo(addrs[3].Add(50))
	require.NoError(t, err)
	require.Equal(t, addrs[3], info.Base)
	require.Equal(t, uint64(100), info.Size)
	require.Equal(t, sys, info.Region)

	for _, addr := range addrs {
		require.NoError(t, rt.FreeMemory(addr))
		err := rt.FreeMemory(addr)
		require.True(t, errors.Is(err, core.ErrInvalidAllocation))
	}
	require.Zero(t, rt.LiveAllocations())

	_, err = rt.AllocateMemory(nil, 16, false)
	require.True(t, errors.Is(err, core.ErrInvalidArgument))
	_, err = rt.AllocateMemory(sys, 0, false)
	require.True(t, errors.Is(err, core.ErrInvalidArgument))

	gpu := agentByName(t, rt, "gpu0")
	_, err = rt.AllocateMemory(localRegion(t, gpu), 8<<20, false)
	require.True(t, errors.Is(err, core.ErrOutOfResources))
	require.Zero(t, rt.LiveAllocations())

	require.True(t, errors.Is(rt.FreeMemory(0xdead000), core.ErrInvalidAllocation))
}

func TestConcurrentAllocateFree(t *testing.T) {
	rt := acquire(t)
	sys := rt.SystemRegion()
	local := localRegion(t, agentByName(t, rt, "gpu1"))

	const workers, rounds = 8, 50
	var (
		wg          sync.WaitGroup
		outstanding atomic.Int64
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			region := sys
			if w%2 == 1 {
				region = local
			}
			var mine []core.Address
			for i := 0; i < rounds; i++ {
				addr, err := rt.AllocateMemory(region, 64, w%3 == 0)
				if err != nil {
					t.Errorf("allocation failed: %v", err)
					return
				}
				outstanding.Add(1)
				mine = append(mine, addr)
				if i%3 == 2 {
					if err := rt.FreeMemory(mine[0]); err != nil {
						t.Errorf("free failed: %v", err)
						return
					}
					outstanding.Add(-1)
					mine = mine[1:]
				}
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, int(outstanding.Load()), rt.LiveAllocations())
}

func TestAsyncSignalHandler(t *testing.T) {
	rt := acquire(t)
	s := signal.New(0)

	var (
		fired atomic.Int32
		arg   atomic.Value
	)
	require.NoError(t, rt.SetAsyncSignalHandler(s, signal.GreaterEqual, 5,
		func(v signal.Value, a interface{}) bool {
			fired.Add(1)
			arg.Store(a)
			return false
		}, "stored-argument"))

	s.Store(5)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, timeout, tick)
	require.Equal(t, "stored-argument", arg.Load())

	s.Store(0)
	s.Store(5)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load())
}

func TestAsyncCopyWaitsForDependencies(t *testing.T) {
	rt := acquire(t)
	gpu := agentByName(t, rt, "gpu0")
	local := localRegion(t, gpu)

	src, err := rt.AllocateMemory(local, 256, false)
	require.NoError(t, err)
	dst, err := rt.AllocateMemory(local, 256, false)
	require.NoError(t, err)

	srcBuf := bytesAt(t, rt, src, 256)
	for i := range srcBuf {
		srcBuf[i] = byte(i)
	}

	for _, first := range []int{0, 1} {
		deps := []*signal.Signal{signal.New(1), signal.New(1)}
		done := signal.New(1)
		clear(bytesAt(t, rt, dst, 256))

		require.NoError(t, rt.CopyMemoryAsync(dst, gpu, src, gpu, 256, deps, done))

		deps[first].Store(0)
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, int64(1), done.Load())

		deps[1-first].Store(0)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_, err := done.Wait(ctx, signal.Equal, 0)
		cancel()
		require.NoError(t, err)
		require.Equal(t, srcBuf, bytesAt(t, rt, dst, 256))
	}
}

func TestAsyncCopyAccessChecks(t *testing.T) {
	rt := acquire(t)
	gpu0 := agentByName(t, rt, "gpu0")
	gpu1 := agentByName(t, rt, "gpu1")

	private, err := rt.AllocateMemory(localRegion(t, gpu0), 64, true)
	require.NoError(t, err)
	other, err := rt.AllocateMemory(localRegion(t, gpu1), 64, false)
	require.NoError(t, err)

	info, err := rt.AllocationInfo(private)
	require.NoError(t, err)
	require.Equal(t, gpu0, info.Owner)

	done := signal.New(1)
	err = rt.CopyMemoryAsync(private, gpu1, other, gpu1, 64, nil, done)
	require.True(t, errors.Is(err, core.ErrInvalidArgument))

	err = rt.AllowAccess([]core.Agent{gpu1}, 0x10)
	require.True(t, errors.Is(err, core.ErrInvalidAllocation))

	require.NoError(t, rt.AllowAccess([]core.Agent{gpu1}, private))
	require.NoError(t, rt.CopyMemoryAsync(private, gpu1, other, gpu1, 64, nil, done))
	require.Eventually(t, func() bool { return done.Load() == 0 }, timeout, tick)

	err = rt.CopyMemoryAsync(private, nil, other, gpu1, 64, nil, done)
	require.True(t, errors.Is(err, core.ErrInvalidArgument))
	err = rt.CopyMemoryAsync(private, gpu1, other, gpu1, 64, nil, nil)
	require.True(t, errors.Is(err, core.ErrInvalidArgument))
}

func TestFillHostMemory(t *testing.T) {
	rt := acquire(t)

	addr, err := rt.AllocateMemory(rt.SystemRegion(), 16, false)
	require.NoError(t, err)
	require.NoError(t, rt.FillMemory(addr, 0x04030201, 4))

	require.Equal(t, []byte{1, 2, 3, 4, 1, 2, 3, 4, 1, 2, 3, 4, 1, 2, 3, 4}, bytesAt(t, rt, addr, 16))

	err = rt.FillMemory(addr, 0, 5)
	require.True(t, errors.Is(err, core.ErrInvalidArgument))

	require.NoError(t, rt.FreeMemory(addr))
	err = rt.FillMemory(addr, 0, 4)
	require.True(t, errors.Is(err, core.ErrInvalidAllocation))
}

func TestFillDeviceMemory(t *testing.T) {
	rt := acquire(t)
	local := localRegion(t, agentByName(t, rt, "gpu1"))

	addr, err := rt.AllocateMemory(local, 64, false)
	require.NoError(t, err)
	require.NoError(t, rt.FillMemory(addr.Add(16), 0xffffffff, 8))

	buf := bytesAt(t, rt, addr, 64)
	for i, b := range buf {
		if i >= 16 && i < 48 {
			require.Equal(t, byte(0xff), b, "byte #%d", i)
		} else {
			require.Equal(t, byte(0), b, "byte #%d", i)
		}
	}

	// freed device memory is still inside the arena
	require.NoError(t, rt.FreeMemory(addr))
	err = rt.FillMemory(addr, 0, 1)
	require.True(t, errors.Is(err, core.ErrInvalidAllocation))
	err = rt.CopyMemory(addr, addr, 4)
	require.True(t, errors.Is(err, core.ErrInvalidArgument))
}

func TestCopyMemory(t *testing.T) {
	rt := acquire(t)
	local := localRegion(t, agentByName(t, rt, "gpu0"))

	user := []byte("a user buffer the runtime never allocated..")
	size := uint64(len(user))

	dev, err := rt.AllocateMemory(local, size, false)
	require.NoError(t, err)
	host, err := rt.AllocateMemory(rt.SystemRegion(), size, false)
	require.NoError(t, err)

	// user memory to device goes through a staging buffer
	require.NoError(t, rt.CopyFromHost(dev, user))
	require.Equal(t, user, bytesAt(t, rt, dev, size))

	// device to system memory is a DMA transfer
	require.NoError(t, rt.CopyMemory(host, dev, size))
	require.Equal(t, user, bytesAt(t, rt, host, size))

	// device back to user memory is staged again
	back := make([]byte, size)
	require.NoError(t, rt.CopyToHost(back, dev))
	require.Equal(t, user, back)

	// host to host is a direct copy
	direct := make([]byte, size)
	require.NoError(t, rt.CopyToHost(direct, host))
	require.Equal(t, user, direct)

	require.Equal(t, 2, rt.LiveAllocations(), "staging buffers released")

	err = rt.CopyMemory(0, host, size)
	require.True(t, errors.Is(err, core.ErrInvalidArgument))
	err = rt.CopyMemory(host, dev, 0)
	require.True(t, errors.Is(err, core.ErrInvalidArgument))
	err = rt.CopyMemory(host.Add(1), dev, size)
	require.True(t, errors.Is(err, core.ErrInvalidArgument))
	err = rt.CopyToHost(make([]byte, size+1), host)
	require.True(t, errors.Is(err, core.ErrInvalidArgument))
	err = rt.CopyFromHost(dev, nil)
	require.True(t, errors.Is(err, core.ErrInvalidArgument))
}

func TestCopyRejectsUnallocatedAddresses(t *testing.T) {
	rt := acquire(t)

	host, err := rt.AllocateMemory(rt.SystemRegion(), 64, false)
	require.NoError(t, err)

	// raw addresses are never dereferenced unless we allocated them
	for _, addr := range []core.Address{0x1000, 0xdead0000, core.Address(^uint64(0) &^ 0xfff)} {
		require.True(t, errors.Is(rt.CopyMemory(host, addr, 64), core.ErrInvalidArgument), "src %s", addr)
		require.True(t, errors.Is(rt.CopyMemory(addr, host, 64), core.ErrInvalidArgument), "dst %s", addr)
		require.True(t, errors.Is(rt.CopyToHost(make([]byte, 64), addr), core.ErrInvalidArgument))
		require.True(t, errors.Is(rt.CopyFromHost(addr, make([]byte, 64)), core.ErrInvalidArgument))
	}
}

func TestFreeDuringAsyncCopy(t *testing.T) {
	const size = 64 << 10

	type testCase struct {
		name    string
		freeSrc bool
		freeDst bool
	}
	for _, tc := range []*testCase{
		{name: "free destination", freeDst: true},
		{name: "free source", freeSrc: true},
		{name: "free both", freeSrc: true, freeDst: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rt := acquire(t)
			sys := rt.SystemRegion()
			cpu := rt.HostAgent()

			src, err := rt.AllocateMemory(sys, size, false)
			require.NoError(t, err)
			dst, err := rt.AllocateMemory(sys, size, false)
			require.NoError(t, err)
			used := sys.Used()

			dep := signal.New(1)
			done := signal.New(1)
			require.NoError(t, rt.CopyMemoryAsync(dst, cpu, src, cpu, size,
				[]*signal.Signal{dep}, done))

			if tc.freeDst {
				require.NoError(t, rt.FreeMemory(dst))
				require.True(t, errors.Is(rt.FreeMemory(dst), core.ErrInvalidAllocation))
				_, err := rt.AllocationInfo(dst)
				require.True(t, errors.Is(err, core.ErrInvalidAllocation))
			}
			if tc.freeSrc {
				require.NoError(t, rt.FreeMemory(src))
			}

			// the memory stays mapped while the copy is pending
			require.Equal(t, used, sys.Used())

			dep.Store(0)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			_, err = done.Wait(ctx, signal.Equal, 0)
			require.NoError(t, err)

			require.Eventually(t, func() bool { return sys.Used() < used }, timeout, tick,
				"freed memory returned once the copy is done")

			live := 2
			if tc.freeSrc {
				live--
			}
			if tc.freeDst {
				live--
			}
			require.Equal(t, live, rt.LiveAllocations())
		})
	}
}

func TestFreeWhileDeviceCopyPending(t *testing.T) {
	rt := acquire(t)
	gpu := agentByName(t, rt, "gpu0")
	local := localRegion(t, gpu)

	src, err := rt.AllocateMemory(local, 4096, false)
	require.NoError(t, err)
	dst, err := rt.AllocateMemory(local, 4096, false)
	require.NoError(t, err)
	require.NoError(t, rt.FillMemory(src, 0x5a5a5a5a, 1024))
	used := local.Used()

	gate := signal.New(1)
	done := signal.New(1)
	require.NoError(t, rt.CopyMemoryAsync(dst, gpu, src, gpu, 4096, []*signal.Signal{gate}, done))

	require.NoError(t, rt.FreeMemory(src))
	require.NoError(t, rt.FreeMemory(dst))
	require.Zero(t, rt.LiveAllocations())

	// arena space of a pending copy can't be handed out again
	require.Equal(t, used, local.Used())
	again, err := rt.AllocateMemory(local, 4096, false)
	require.NoError(t, err)
	require.NotEqual(t, src, again)
	require.NotEqual(t, dst, again)
	require.NoError(t, rt.FreeMemory(again))

	gate.Store(0)
	require.Eventually(t, func() bool { return done.Load() == 0 }, timeout, tick)
	require.Eventually(t, func() bool { return local.Used() == 0 }, timeout, tick)
}

func TestReleaseWithPendingAsyncCopy(t *testing.T) {
	const size = 64 << 10

	rt := runtime.New(runtime.WithConfig(testConfig()))
	_, err := rt.Acquire()
	require.NoError(t, err)

	cpu := rt.HostAgent()
	src, err := rt.AllocateMemory(rt.SystemRegion(), size, false)
	require.NoError(t, err)
	dst, err := rt.AllocateMemory(rt.SystemRegion(), size, false)
	require.NoError(t, err)

	dep := signal.New(1)
	done := signal.New(1)
	require.NoError(t, rt.CopyMemoryAsync(dst, cpu, src, cpu, size, []*signal.Signal{dep}, done))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(300 * time.Millisecond)
		dep.Store(0)
	}()

	stats := cpu.(interface{ QueueStats() agent.QueueStats })
	require.False(t, rt.Release())
	wg.Wait()

	// the gated copy was abandoned before its memory was released
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(1), done.Load())
	require.Equal(t, uint64(1), stats.QueueStats().Abandoned)
	require.Zero(t, stats.QueueStats().Completed)
	require.Zero(t, rt.LiveAllocations())
}

func TestConcurrentQueriesDuringRelease(t *testing.T) {
	for i := 0; i < 5; i++ {
		rt := runtime.New(runtime.WithConfig(testConfig()))
		_, err := rt.Acquire()
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			stop atomic.Bool
		)
		check := func(err error) {
			if err != nil && !errors.Is(err, core.ErrNotInitialized) && !errors.Is(err, core.ErrShutdown) {
				t.Errorf("unexpected error: %v", err)
			}
		}
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for !stop.Load() {
					check(rt.SetAsyncSignalHandler(signal.New(1), signal.Equal, 0,
						func(signal.Value, interface{}) bool { return false }, nil))
					_, err := rt.GetSystemInfo(runtime.SystemAgentCount)
					check(err)
					check(rt.IterateAgent(func(core.Agent, interface{}) error { return nil }, nil))
					check(rt.IterateRegion(func(core.Region, interface{}) error { return nil }, nil))
					_ = rt.Agents()
					_ = rt.HostAgent()
				}
			}()
		}

		time.Sleep(10 * time.Millisecond)
		require.False(t, rt.Release())
		stop.Store(true)
		wg.Wait()
	}
}

func TestSystemInfo(t *testing.T) {
	rt := acquire(t)

	for attr, expected := range map[runtime.SystemAttribute]interface{}{
		runtime.SystemVersionMajor:       runtime.VersionMajor,
		runtime.SystemVersionMinor:       runtime.VersionMinor,
		runtime.SystemAgentCount:         uint32(3),
		runtime.SystemTimestampFrequency: cfgapi.DefaultClockFrequency,
		runtime.SystemMachineModel:       runtime.LargeModel,
		runtime.SystemExtensions:         []string{},
	} {
		value, err := rt.GetSystemInfo(attr)
		require.NoError(t, err, "attribute %s", attr)
		require.EqualValues(t, expected, value, "attribute %s", attr)
	}

	for _, attr := range runtime.SystemAttributes() {
		_, err := rt.GetSystemInfo(attr)
		require.NoError(t, err, "attribute %s", attr)
	}

	start, _ := rt.GetSystemInfo(runtime.SystemSVMStart)
	end, _ := rt.GetSystemInfo(runtime.SystemSVMEnd)
	require.Less(t, uint64(start.(core.Address)), uint64(end.(core.Address)))

	t0, _ := rt.GetSystemInfo(runtime.SystemTimestamp)
	time.Sleep(2 * time.Millisecond)
	t1, _ := rt.GetSystemInfo(runtime.SystemTimestamp)
	require.Greater(t, t1.(uint64), t0.(uint64))

	_, err := rt.GetSystemInfo(runtime.SystemAttribute(1000))
	require.True(t, errors.Is(err, core.ErrInvalidArgument))

	first := rt.GetQueueID()
	require.Equal(t, first+1, rt.GetQueueID())
	require.Equal(t, first+2, rt.GetQueueID())
}

func TestSystemAllocator(t *testing.T) {
	rt := acquire(t)

	addr, err := rt.SystemAllocator()(128)
	require.NoError(t, err)
	info, err := rt.AllocationInfo(addr)
	require.NoError(t, err)
	require.Equal(t, rt.SystemRegion(), info.Region)
	require.NoError(t, rt.SystemDeallocator()(addr))
}

type journalPlugin struct {
	name    string
	fail    error
	journal *[]string
	lock    *sync.Mutex
	rt      *runtime.Runtime
	addr    core.Address
}

func (p *journalPlugin) Name() string    { return p.name }
func (p *journalPlugin) Version() string { return plugin.APIVersion }

func (p *journalPlugin) OnLoad(h plugin.Host) error {
	if p.fail != nil {
		return p.fail
	}
	p.lock.Lock()
	*p.journal = append(*p.journal, "load "+p.name)
	p.lock.Unlock()
	if p.rt != nil {
		addr, err := p.rt.AllocateMemory(h.Regions()[0], 64, false)
		if err != nil {
			return err
		}
		p.addr = addr
	}
	return nil
}

func (p *journalPlugin) OnUnload() error {
	p.lock.Lock()
	*p.journal = append(*p.journal, "unload "+p.name)
	p.lock.Unlock()
	return nil
}

func registerPlugin(t *testing.T, p *journalPlugin) {
	plugin.Register(p.name, func() plugin.Plugin { return p })
	t.Cleanup(func() { plugin.Unregister(p.name) })
}

func TestPlugins(t *testing.T) {
	var (
		journal []string
		lock    sync.Mutex
	)
	prefix := t.Name()
	names := func(suffix string) string { return fmt.Sprintf("%s-%s", prefix, suffix) }

	for _, p := range []*journalPlugin{
		{name: names("ext"), journal: &journal, lock: &lock},
		{name: names("tool"), journal: &journal, lock: &lock},
		{name: names("broken-tool"), fail: errors.New("no counters"), journal: &journal, lock: &lock},
	} {
		registerPlugin(t, p)
	}

	cfg := testConfig()
	cfg.Plugins.Extensions = []string{names("ext")}
	cfg.Plugins.Tools = []string{names("broken-tool"), names("tool"), names("missing-tool")}

	rt := runtime.New(runtime.WithConfig(cfg))
	_, err := rt.Acquire()
	require.NoError(t, err)

	require.Equal(t, []string{names("ext")}, rt.Extensions())
	require.Equal(t, []string{names("tool")}, rt.Tools())
	extensions, err := rt.GetSystemInfo(runtime.SystemExtensions)
	require.NoError(t, err)
	require.Equal(t, []string{names("ext")}, extensions)

	require.False(t, rt.Release())
	require.Equal(t, []string{
		"load " + names("ext"), "load " + names("tool"),
		"unload " + names("tool"), "unload " + names("ext"),
	}, journal)
}

func TestMandatoryExtensionFailure(t *testing.T) {
	var (
		journal []string
		lock    sync.Mutex
	)
	good := &journalPlugin{name: t.Name() + "-good", journal: &journal, lock: &lock}
	bad := &journalPlugin{name: t.Name() + "-bad", fail: errors.New("no ISA"), journal: &journal, lock: &lock}
	registerPlugin(t, good)
	registerPlugin(t, bad)

	cfg := testConfig()
	cfg.Plugins.Extensions = []string{good.name, bad.name}
	drv := newCountingDriver(cfg)
	rt := runtime.New(runtime.WithConfig(cfg), runtime.WithDriver(drv))

	open, err := rt.Acquire()
	require.Error(t, err)
	require.False(t, open)
	require.False(t, rt.IsOpen())
	require.Zero(t, rt.RefCount())
	require.Equal(t, int32(1), drv.closed.Load(), "driver closed on rollback")
	require.Equal(t, []string{"load " + good.name, "unload " + good.name}, journal)

	_, err = rt.AllocateMemory(nil, 16, false)
	require.True(t, errors.Is(err, core.ErrNotInitialized))
}

func TestTeardownFreesAllocations(t *testing.T) {
	var (
		journal []string
		lock    sync.Mutex
	)
	cfg := testConfig()
	rt := runtime.New(runtime.WithConfig(cfg))

	// an extension leaking memory it allocated while loading
	leaky := &journalPlugin{name: t.Name() + "-leaky", journal: &journal, lock: &lock, rt: rt}
	registerPlugin(t, leaky)
	cfg.Plugins.Extensions = []string{leaky.name}

	_, err := rt.Acquire()
	require.NoError(t, err)
	require.Equal(t, 1, rt.LiveAllocations())

	for _, a := range rt.Agents() {
		local := a.Regions()
		_, err := rt.AllocateMemory(local[0], 1024, true)
		require.NoError(t, err)
	}
	require.Equal(t, 4, rt.LiveAllocations())

	require.False(t, rt.Release())
	require.Zero(t, rt.LiveAllocations())
	require.Empty(t, rt.Regions())
	require.Empty(t, rt.Agents())

	_, err = rt.Acquire()
	require.NoError(t, err)
	require.Equal(t, 1, rt.LiveAllocations())
	for _, region := range rt.Regions() {
		if region.Kind() == core.KindDeviceLocal {
			require.Zero(t, region.Used())
		}
	}
	require.False(t, rt.Release())
}

func TestDefault(t *testing.T) {
	require.Same(t, runtime.Default(), runtime.Default())
	require.False(t, runtime.Default().IsOpen())
}
