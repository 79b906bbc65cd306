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
package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/containers/hsa-runtime/pkg/core"
	logger "github.com/containers/hsa-runtime/pkg/log"
	"github.com/containers/hsa-runtime/pkg/utils/cpuset"
)

var log = logger.Get("agent")

// Agent is an agent with a copy queue and a set of attached regions.
type Agent struct {
	sync.RWMutex
	name    string
	uuid    string
	kind    core.DeviceType
	node    int
	cpus    cpuset.CPUSet
	regions []core.Region
	queue   *CopyQueue
	depth   int
	drain   time.Duration
}

var _ core.Agent = &Agent{}

// Option is an opaque option for an Agent.
type Option func(*Agent)

// WithNode sets the NUMA node closest to the agent.
func WithNode(node int) Option {
	return func(a *Agent) {
		a.node = node
	}
}

// WithCPUs sets the CPUs of a host agent.
func WithCPUs(cpus cpuset.CPUSet) Option {
	return func(a *Agent) {
		a.cpus = cpus
	}
}

// WithQueue sets the depth and drain timeout of the agent's copy queue.
func WithQueue(depth int, drain time.Duration) Option {
	return func(a *Agent) {
		a.depth = depth
		a.drain = drain
	}
}

// NewCPU creates a host CPU agent.
func NewCPU(name, uuid string, options ...Option) *Agent {
	return newAgent(core.DeviceCPU, name, uuid, options...)
}

// NewGPU creates an accelerator agent.
func NewGPU(name, uuid string, options ...Option) *Agent {
	return newAgent(core.DeviceGPU, name, uuid, options...)
}

func newAgent(kind core.DeviceType, name, uuid string, options ...Option) *Agent {
	a := &Agent{
		name: name,
		uuid: uuid,
		kind: kind,
	}
	for _, o := range options {
		o(a)
	}
	a.queue = NewCopyQueue(name+"/copy", a.depth, a.drain)

	log.Info("created %s agent %s (uuid %s, node #%d)", kind, name, uuid, a.node)

	return a
}

// Name returns the name of the agent.
func (a *Agent) Name() string {
	return a.name
}

// UUID returns the UUID of the agent.
func (a *Agent) UUID() string {
	return a.uuid
}

// Type returns the device type of the agent.
func (a *Agent) Type() core.DeviceType {
	return a.kind
}

// NodeID returns the NUMA node closest to the agent.
func (a *Agent) NodeID() int {
	return a.node
}

// CPUs returns the CPUs of a host agent.
func (a *Agent) CPUs() cpuset.CPUSet {
	return a.cpus
}

// AttachRegion attaches a region to the agent.
func (a *Agent) AttachRegion(r core.Region) {
	a.Lock()
	defer a.Unlock()
	a.regions = append(a.regions, r)
}

// Regions returns the regions attached to the agent.
func (a *Agent) Regions() []core.Region {
	a.RLock()
	defer a.RUnlock()
	return append([]core.Region(nil), a.regions...)
}

// Submit queues a transfer on the copy queue of the agent.
func (a *Agent) Submit(t *core.Transfer) error {
	return a.queue.Submit(t)
}

// QueueStats returns the counters of the agent's copy queue.
func (a *Agent) QueueStats() QueueStats {
	return a.queue.Stats()
}

// Abort abandons the gated transfers of the agent's copy queue.
func (a *Agent) Abort() {
	a.queue.Abort()
}

// Close stops the copy queue of the agent.
func (a *Agent) Close() error {
	if err := a.queue.Close(); err != nil {
		return fmt.Errorf("agent %s: %w", a.name, err)
	}
	log.Debug("closed agent %s", a.name)
	return nil
}

// String returns a string representation of the agent.
func (a *Agent) String() string {
	return fmt.Sprintf("%s agent %s", a.kind, a.name)
}
