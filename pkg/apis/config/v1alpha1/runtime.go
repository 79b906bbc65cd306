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

package v1alpha1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/hsa-runtime/pkg/apis/config/v1alpha1/log"
)

const (
	// RuntimeConfigKind is the kind of a runtime configuration document.
	RuntimeConfigKind = "RuntimeConfig"
	// GroupVersion is the API group and version of our configuration.
	GroupVersion = "config.hsa-runtime.io/v1alpha1"
)

// WaitPolicy is the strategy the async signal monitor uses for waiting.
type WaitPolicy string

const (
	// WaitInterrupt makes the monitor block until a signal changes.
	WaitInterrupt WaitPolicy = "interrupt"
	// WaitSpin makes the monitor busy-poll signal values.
	WaitSpin WaitPolicy = "spin"
)

// RuntimeConfig is the configuration of the runtime and its tooling.
type RuntimeConfig struct {
	metav1.TypeMeta `json:",inline"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Monitor MonitorConfig `json:"monitor,omitempty"`
	// +optional
	Plugins PluginConfig `json:"plugins,omitempty"`
	// +optional
	CopyQueue CopyQueueConfig `json:"copyQueue,omitempty"`
	// +optional
	Topology TopologyConfig `json:"topology,omitempty"`
	// +optional
	Instrumentation InstrumentationConfig `json:"instrumentation,omitempty"`
}

// MonitorConfig configures the async signal monitor.
type MonitorConfig struct {
	// WaitPolicy selects between blocking and busy-spinning waits.
	// +kubebuilder:validation:Enum=interrupt;spin
	// +kubebuilder:default="interrupt"
	WaitPolicy WaitPolicy `json:"waitPolicy,omitempty"`
	// FaultLogInterval limits how often handler faults are logged per signal.
	// +kubebuilder:default="10s"
	FaultLogInterval metav1.Duration `json:"faultLogInterval,omitempty"`
}

// PluginConfig configures extension and tool plugins.
type PluginConfig struct {
	// Extensions are mandatory plugins. Failing to load any is fatal.
	// +optional
	Extensions []string `json:"extensions,omitempty"`
	// Tools are optional plugins. Failing to load one is logged and ignored.
	// +optional
	Tools []string `json:"tools,omitempty"`
	// SearchPath lists directories searched for plugin shared objects.
	// +optional
	SearchPath []string `json:"searchPath,omitempty"`
}

// CopyQueueConfig configures agent copy queues.
type CopyQueueConfig struct {
	// Depth is the number of copy requests an agent queue buffers.
	// +kubebuilder:default=64
	Depth int `json:"depth,omitempty"`
	// DrainTimeout bounds waiting for queued copies at shutdown.
	// +kubebuilder:default="5s"
	DrainTimeout metav1.Duration `json:"drainTimeout,omitempty"`
}

// TopologyConfig describes the platform exposed by the simulated driver.
type TopologyConfig struct {
	// HostMemory caps the system memory regions in bytes. 0 uses all RAM.
	// +optional
	HostMemory uint64 `json:"hostMemory,omitempty"`
	// HostCPUs is the CPU set of the host agent, defaulting to all CPUs.
	// +optional
	HostCPUs string `json:"hostCPUs,omitempty"`
	// GPUs lists the simulated accelerators.
	// +optional
	GPUs []GPUConfig `json:"gpus,omitempty"`
	// ClockFrequency is the system timestamp frequency in Hz.
	// +kubebuilder:default=1000000000
	ClockFrequency uint64 `json:"clockFrequency,omitempty"`
}

// GPUConfig describes a single simulated accelerator.
type GPUConfig struct {
	// Name of the accelerator.
	Name string `json:"name"`
	// LocalMemory is the size of device-local memory in bytes.
	LocalMemory uint64 `json:"localMemory"`
	// NodeID is the NUMA node closest to the device.
	// +optional
	NodeID int `json:"nodeId,omitempty"`
}

// InstrumentationConfig configures metrics and the HTTP endpoint.
type InstrumentationConfig struct {
	// HTTPEndpoint is the address our HTTP server listens on.
	// +kubebuilder:default=":8891"
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
	// Metrics lists globs of metrics collectors to enable.
	// +kubebuilder:default={"*"}
	Metrics []string `json:"metrics,omitempty"`
	// Polled lists globs of metrics collectors to poll.
	// +optional
	Polled []string `json:"polled,omitempty"`
}

// Default values for unset configuration.
const (
	DefaultCopyQueueDepth   = 64
	DefaultDrainTimeout     = 5 * time.Second
	DefaultFaultLogInterval = 10 * time.Second
	DefaultClockFrequency   = uint64(1000000000)
	DefaultHTTPEndpoint     = ":8891"
)

// NewRuntimeConfig returns a configuration with all defaults filled in.
func NewRuntimeConfig() *RuntimeConfig {
	c := &RuntimeConfig{}
	c.SetDefaults()
	return c
}

// SetDefaults fills in defaults for all unset fields.
func (c *RuntimeConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = RuntimeConfigKind
	}
	if c.APIVersion == "" {
		c.APIVersion = GroupVersion
	}
	if c.Monitor.WaitPolicy == "" {
		c.Monitor.WaitPolicy = WaitInterrupt
	}
	if c.Monitor.FaultLogInterval.Duration == 0 {
		c.Monitor.FaultLogInterval.Duration = DefaultFaultLogInterval
	}
	if c.CopyQueue.Depth <= 0 {
		c.CopyQueue.Depth = DefaultCopyQueueDepth
	}
	if c.CopyQueue.DrainTimeout.Duration == 0 {
		c.CopyQueue.DrainTimeout.Duration = DefaultDrainTimeout
	}
	if c.Topology.ClockFrequency == 0 {
		c.Topology.ClockFrequency = DefaultClockFrequency
	}
	if c.Instrumentation.HTTPEndpoint == "" {
		c.Instrumentation.HTTPEndpoint = DefaultHTTPEndpoint
	}
	if len(c.Instrumentation.Metrics) == 0 {
		c.Instrumentation.Metrics = []string{"*"}
	}
}
