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
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/containers/hsa-runtime/pkg/core"
)

// SystemAttribute identifies a piece of system information.
type SystemAttribute int

const (
	// SystemVersionMajor is the major version of the runtime (uint16).
	SystemVersionMajor SystemAttribute = iota
	// SystemVersionMinor is the minor version of the runtime (uint16).
	SystemVersionMinor
	// SystemTimestamp is the current system timestamp (uint64).
	SystemTimestamp
	// SystemTimestampFrequency is the frequency of the timestamp in Hz (uint64).
	SystemTimestampFrequency
	// SystemSignalMaxWait is the longest supported signal wait in timestamp ticks (uint64).
	SystemSignalMaxWait
	// SystemEndianness is the byte order of the platform (Endianness).
	SystemEndianness
	// SystemMachineModel is the machine model of the platform (MachineModel).
	SystemMachineModel
	// SystemAgentCount is the number of agents (uint32).
	SystemAgentCount
	// SystemSVMStart is the start of the shared virtual memory range (core.Address).
	SystemSVMStart
	// SystemSVMEnd is the end of the shared virtual memory range (core.Address).
	SystemSVMEnd
	// SystemExtensions lists the loaded extensions ([]string).
	SystemExtensions
)

var systemAttributeNames = map[SystemAttribute]string{
	SystemVersionMajor:       "version-major",
	SystemVersionMinor:       "version-minor",
	SystemTimestamp:          "timestamp",
	SystemTimestampFrequency: "timestamp-frequency",
	SystemSignalMaxWait:      "signal-max-wait",
	SystemEndianness:         "endianness",
	SystemMachineModel:       "machine-model",
	SystemAgentCount:         "agent-count",
	SystemSVMStart:           "svm-start",
	SystemSVMEnd:             "svm-end",
	SystemExtensions:         "extensions",
}

// String returns the name of the attribute.
func (a SystemAttribute) String() string {
	if name, ok := systemAttributeNames[a]; ok {
		return name
	}
	return fmt.Sprintf("%%!(runtime:Bad-SystemAttribute %d)", int(a))
}

// SystemAttributes returns all known system attributes.
func SystemAttributes() []SystemAttribute {
	attrs := make([]SystemAttribute, 0, len(systemAttributeNames))
	for a := SystemVersionMajor; a <= SystemExtensions; a++ {
		attrs = append(attrs, a)
	}
	return attrs
}

// Endianness is the byte order of the platform.
type Endianness string

// MachineModel is the pointer size class of the platform.
type MachineModel string

const (
	LittleEndian Endianness = "little"
	BigEndian    Endianness = "big"

	SmallModel MachineModel = "small" // 32-bit
	LargeModel MachineModel = "large" // 64-bit
)

const (
	// VersionMajor is the major version of the runtime interface.
	VersionMajor uint16 = 1
	// VersionMinor is the minor version of the runtime interface.
	VersionMinor uint16 = 1
)

// GetSystemInfo returns the value of the given system attribute.
func (r *Runtime) GetSystemInfo(attr SystemAttribute) (interface{}, error) {
	reg, err := r.current()
	if err != nil {
		return nil, err
	}

	switch attr {
	case SystemVersionMajor:
		return VersionMajor, nil
	case SystemVersionMinor:
		return VersionMinor, nil
	case SystemTimestamp:
		return reg.timestamp(), nil
	case SystemTimestampFrequency:
		return reg.props.ClockFrequency, nil
	case SystemSignalMaxWait:
		return uint64(math.MaxUint64), nil
	case SystemEndianness:
		return endianness(), nil
	case SystemMachineModel:
		if reg.props.MachineModel == 32 {
			return SmallModel, nil
		}
		return LargeModel, nil
	case SystemAgentCount:
		return uint32(len(reg.agents)), nil
	case SystemSVMStart:
		return reg.props.SVMStart, nil
	case SystemSVMEnd:
		return reg.props.SVMEnd, nil
	case SystemExtensions:
		if reg.extensions == nil {
			return []string(nil), nil
		}
		return reg.extensions.Loaded(), nil
	}

	return nil, fmt.Errorf("%w: unknown system attribute %s", core.ErrInvalidArgument, attr)
}

// timestamp returns the ticks of the system clock since load.
func (reg *registry) timestamp() uint64 {
	elapsed := uint64(time.Since(reg.started))
	hi, lo := bits.Mul64(elapsed, reg.props.ClockFrequency)
	if hi >= uint64(time.Second) {
		return math.MaxUint64
	}
	ticks, _ := bits.Div64(hi, lo, uint64(time.Second))
	return ticks
}

func endianness() Endianness {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return LittleEndian
	}
	return BigEndian
}

// GetQueueID returns a new unique queue id.
func (r *Runtime) GetQueueID() uint32 {
	return r.queueID.Add(1) - 1
}
