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
package driver

import (
	"github.com/containers/hsa-runtime/pkg/core"
)

// Properties are the platform properties reported by a driver.
type Properties struct {
	// ClockFrequency is the frequency of the system timestamp in Hz.
	ClockFrequency uint64
	// SVMStart is the first address of the shared virtual memory range.
	SVMStart core.Address
	// SVMEnd is the last address of the shared virtual memory range.
	SVMEnd core.Address
	// MachineModel is the pointer size of the platform in bits.
	MachineModel int
}

// Registrar collects the agents and regions discovered by a driver.
type Registrar interface {
	RegisterAgent(core.Agent) error
	RegisterMemoryRegion(core.Region) error
}

// Driver is the connection to the underlying compute driver.
type Driver interface {
	// Name returns the name of the driver.
	Name() string
	// Open opens the connection to the driver.
	Open() error
	// Discover enumerates agents and regions into the registrar. Agents
	// are registered before the regions attached to them.
	Discover(Registrar) error
	// Properties returns the platform properties.
	Properties() Properties
	// Close closes the connection to the driver.
	Close() error
}
