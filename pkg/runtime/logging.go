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
	"fmt"
	"strings"

	"github.com/containers/hsa-runtime/pkg/core"
	logger "github.com/containers/hsa-runtime/pkg/log"
	"github.com/containers/hsa-runtime/pkg/memory"
)

var details = logger.Get("runtime-details")

// Dump logs the agents and regions of the runtime.
func (r *Runtime) Dump(prefix string) {
	reg := r.registry.Load()
	if reg == nil {
		log.Info("%sruntime: not loaded, driver %s", prefix, r.driver.Name())
		return
	}

	log.Info("%sruntime: %d agents, %d regions, driver %s", prefix, len(reg.agents),
		len(reg.regions), r.driver.Name())

	if !details.DebugEnabled() {
		return
	}

	details.DebugBlock("  ", "%s", reg.describe())
}

// describe returns a multiline description of the agents and regions.
func (reg *registry) describe() string {
	var b strings.Builder

	for _, a := range reg.agents {
		fmt.Fprintf(&b, "%s agent %s (uuid %s, node #%d)\n", a.Type(), a.Name(), a.UUID(), a.NodeID())
		for _, region := range a.Regions() {
			fmt.Fprintf(&b, "  - %s\n", describeRegion(region))
		}
	}
	for _, region := range reg.regions {
		if region.Owner() == nil {
			fmt.Fprintf(&b, "system: %s\n", describeRegion(region))
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func describeRegion(r core.Region) string {
	return fmt.Sprintf("%s region %s: %s/%s used, granule %s, host accessible %v",
		r.Kind(), r.Name(), memory.HumanReadableSize(r.Used()),
		memory.HumanReadableSize(r.Capacity()), memory.HumanReadableSize(r.Granule()),
		r.HostAccessible())
}
