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
package sim

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/containers/hsa-runtime/pkg/agent"
	cfgapi "github.com/containers/hsa-runtime/pkg/apis/config/v1alpha1"
	"github.com/containers/hsa-runtime/pkg/core"
	"github.com/containers/hsa-runtime/pkg/driver"
	logger "github.com/containers/hsa-runtime/pkg/log"
	"github.com/containers/hsa-runtime/pkg/memory"
	"github.com/containers/hsa-runtime/pkg/utils/cpuset"
)

const (
	// DriverName is the name of the simulated driver.
	DriverName = "sim"
	// svmStart is the lowest address of the simulated SVM aperture.
	svmStart = core.Address(0x1000)
)

var (
	log = logger.Get("sim")

	// namespace for agent UUIDs, derived from the driver name
	uuidSpace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("hsa-runtime/"+DriverName))

	// ErrClosed is returned when using a driver which is not open.
	ErrClosed = errors.New("sim: driver not open")
)

// Driver is a simulated compute driver. It exposes the host as a CPU
// agent with real memory and the configured accelerators as software
// agents with device-local arenas.
type Driver struct {
	sync.Mutex
	topology cfgapi.TopologyConfig
	queue    cfgapi.CopyQueueConfig
	open     bool
	failOpen error
}

var _ driver.Driver = &Driver{}

// Option is an opaque option for the simulated driver.
type Option func(*Driver)

// WithTopology sets the simulated platform topology.
func WithTopology(topology cfgapi.TopologyConfig) Option {
	return func(d *Driver) {
		d.topology = topology
	}
}

// WithCopyQueue sets the copy queue configuration of all agents.
func WithCopyQueue(queue cfgapi.CopyQueueConfig) Option {
	return func(d *Driver) {
		d.queue = queue
	}
}

// WithOpenError makes opening the driver fail with the given error.
func WithOpenError(err error) Option {
	return func(d *Driver) {
		d.failOpen = err
	}
}

// New creates a simulated driver.
func New(options ...Option) *Driver {
	d := &Driver{}
	for _, o := range options {
		o(d)
	}
	if d.topology.ClockFrequency == 0 {
		d.topology.ClockFrequency = cfgapi.DefaultClockFrequency
	}
	return d
}

// Name returns the name of the driver.
func (d *Driver) Name() string {
	return DriverName
}

// Open opens the simulated driver.
func (d *Driver) Open() error {
	d.Lock()
	defer d.Unlock()

	if d.failOpen != nil {
		return fmt.Errorf("%w: failed to open %s driver: %w", core.ErrDriver, DriverName, d.failOpen)
	}
	if d.open {
		return fmt.Errorf("%w: %s driver already open", core.ErrDriver, DriverName)
	}
	d.open = true

	log.Info("opened %s driver (%d simulated accelerators)", DriverName, len(d.topology.GPUs))

	return nil
}

// Close closes the simulated driver.
func (d *Driver) Close() error {
	d.Lock()
	defer d.Unlock()

	if !d.open {
		return fmt.Errorf("%w: %w", core.ErrDriver, ErrClosed)
	}
	d.open = false

	log.Info("closed %s driver", DriverName)

	return nil
}

// Properties returns the properties of the simulated platform.
func (d *Driver) Properties() driver.Properties {
	return driver.Properties{
		ClockFrequency: d.topology.ClockFrequency,
		SVMStart:       svmStart,
		SVMEnd:         core.Address(1<<47 - 1),
		MachineModel:   strconv.IntSize,
	}
}

// Discover registers the host agent, the system regions and the
// configured accelerators with their device-local regions.
func (d *Driver) Discover(r driver.Registrar) error {
	d.Lock()
	defer d.Unlock()

	if !d.open {
		return fmt.Errorf("%w: %w", core.ErrDriver, ErrClosed)
	}

	host, err := d.discoverHost()
	if err != nil {
		return err
	}

	if err := r.RegisterAgent(host); err != nil {
		_ = host.Close()
		return err
	}

	memSize, err := hostMemory(d.topology.HostMemory)
	if err != nil {
		return err
	}

	for _, kind := range []core.RegionKind{core.KindSystemFineGrain, core.KindSystemCoarseGrain} {
		region, err := memory.NewSystemRegion(kind, memSize)
		if err != nil {
			return err
		}
		if err := r.RegisterMemoryRegion(region); err != nil {
			_ = region.Close()
			return err
		}
		host.AttachRegion(region)
	}

	for idx, gpu := range d.topology.GPUs {
		if err := d.discoverGPU(r, idx, gpu, host.Regions()); err != nil {
			return err
		}
	}

	return nil
}

func (d *Driver) discoverHost() (*agent.Agent, error) {
	allowed, err := cpuset.Allowed()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrDriver, err)
	}
	cpus, err := cpuset.Restrict(allowed, d.topology.HostCPUs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidArgument, err)
	}

	var uname unix.Utsname
	name := "host"
	if err := unix.Uname(&uname); err == nil {
		name = unix.ByteSliceToString(uname.Machine[:])
	}

	log.Info("host CPUs: %s", cpus.String())

	return agent.NewCPU(name, agentUUID("CPU", 0),
		agent.WithCPUs(cpus),
		agent.WithQueue(d.queue.Depth, d.queue.DrainTimeout.Duration),
	), nil
}

func (d *Driver) discoverGPU(r driver.Registrar, idx int, cfg cfgapi.GPUConfig, system []core.Region) error {
	if cfg.LocalMemory == 0 {
		return fmt.Errorf("%w: GPU #%d (%s) has no local memory", core.ErrInvalidArgument, idx, cfg.Name)
	}

	name := cfg.Name
	if name == "" {
		name = "gpu" + strconv.Itoa(idx)
	}

	gpu := agent.NewGPU(name, agentUUID("GPU", idx),
		agent.WithNode(cfg.NodeID),
		agent.WithQueue(d.queue.Depth, d.queue.DrainTimeout.Duration),
	)
	if err := r.RegisterAgent(gpu); err != nil {
		_ = gpu.Close()
		return err
	}

	local, err := memory.NewDeviceRegion(gpu, cfg.LocalMemory)
	if err != nil {
		return err
	}
	if err := r.RegisterMemoryRegion(local); err != nil {
		_ = local.Close()
		return err
	}

	gpu.AttachRegion(local)
	for _, region := range system {
		gpu.AttachRegion(region)
	}

	return nil
}

// agentUUID returns a stable UUID for the given agent.
func agentUUID(kind string, idx int) string {
	return kind + "-" + uuid.NewSHA1(uuidSpace, []byte(kind+strconv.Itoa(idx))).String()
}

// hostMemory returns the size of the system regions.
func hostMemory(limit uint64) (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("%w: sysinfo failed: %w", core.ErrDriver, err)
	}

	total := uint64(info.Totalram) * uint64(info.Unit)
	if total == 0 {
		total = math.MaxUint32
	}
	if limit == 0 || limit > total {
		return total, nil
	}

	return limit, nil
}
