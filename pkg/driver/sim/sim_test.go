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
package sim_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/hsa-runtime/pkg/apis/config/v1alpha1"
	"github.com/containers/hsa-runtime/pkg/core"
	. "github.com/containers/hsa-runtime/pkg/driver/sim"
)

type registrar struct {
	agents  []core.Agent
	regions []core.Region
	fail    int
}

func (r *registrar) RegisterAgent(a core.Agent) error {
	if r.fail > 0 && len(r.agents)+1 == r.fail {
		return fmt.Errorf("%w: refused agent %s", core.ErrInvalidArgument, a.Name())
	}
	r.agents = append(r.agents, a)
	return nil
}

func (r *registrar) RegisterMemoryRegion(region core.Region) error {
	r.regions = append(r.regions, region)
	return nil
}

func (r *registrar) close(t *testing.T) {
	for _, region := range r.regions {
		require.NoError(t, region.Close())
	}
	for _, a := range r.agents {
		require.NoError(t, a.Close())
	}
}

var topology = cfgapi.TopologyConfig{
	HostMemory: 64 << 20,
	GPUs: []cfgapi.GPUConfig{
		{Name: "sim-gpu-a", LocalMemory: 1 << 20, NodeID: 0},
		{LocalMemory: 2 << 20, NodeID: 1},
	},
}

func TestDiscover(t *testing.T) {
	drv := New(WithTopology(topology))
	require.Equal(t, DriverName, drv.Name())

	r := &registrar{}
	require.Error(t, drv.Discover(r), "discovery on a closed driver")

	require.NoError(t, drv.Open())
	require.NoError(t, drv.Discover(r))
	defer r.close(t)

	require.Len(t, r.agents, 3)
	require.Len(t, r.regions, 4)

	host := r.agents[0]
	require.Equal(t, core.DeviceCPU, host.Type())
	require.Len(t, host.Regions(), 2)

	require.Equal(t, "sim-gpu-a", r.agents[1].Name())
	require.Equal(t, "gpu1", r.agents[2].Name())
	require.Equal(t, 1, r.agents[2].NodeID())
	require.Len(t, r.agents[2].Regions(), 3)

	require.Equal(t, core.KindSystemFineGrain, r.regions[0].Kind())
	require.Equal(t, core.KindSystemCoarseGrain, r.regions[1].Kind())
	require.Equal(t, uint64(64<<20), r.regions[0].Capacity())
	require.Equal(t, core.KindDeviceLocal, r.regions[3].Kind())
	require.Equal(t, r.agents[2], r.regions[3].Owner())
	require.Equal(t, uint64(2<<20), r.regions[3].Capacity())

	props := drv.Properties()
	require.Equal(t, cfgapi.DefaultClockFrequency, props.ClockFrequency)
	require.True(t, props.SVMStart < props.SVMEnd)

	require.NoError(t, drv.Close())
	require.Error(t, drv.Close())
}

func TestStableUUIDs(t *testing.T) {
	var uuids [2][]string
	for i := range uuids {
		drv := New(WithTopology(topology))
		r := &registrar{}
		require.NoError(t, drv.Open())
		require.NoError(t, drv.Discover(r))
		for _, a := range r.agents {
			uuids[i] = append(uuids[i], a.UUID())
		}
		r.close(t)
		require.NoError(t, drv.Close())
	}
	require.Equal(t, uuids[0], uuids[1])
	require.NotEqual(t, uuids[0][1], uuids[0][2])
}

func TestOpenFailure(t *testing.T) {
	drv := New(WithOpenError(errors.New("no such device")))
	err := drv.Open()
	require.True(t, errors.Is(err, core.ErrDriver))
}

func TestInvalidTopology(t *testing.T) {
	for name, topo := range map[string]cfgapi.TopologyConfig{
		"no local memory": {GPUs: []cfgapi.GPUConfig{{Name: "broken"}}},
		"bad host CPUs":   {HostCPUs: "not-a-cpuset"},
	} {
		t.Run(name, func(t *testing.T) {
			drv := New(WithTopology(topo))
			require.NoError(t, drv.Open())
			r := &registrar{}
			err := drv.Discover(r)
			require.True(t, errors.Is(err, core.ErrInvalidArgument))
			r.close(t)
			require.NoError(t, drv.Close())
		})
	}
}

func TestRegistrationFailure(t *testing.T) {
	drv := New(WithTopology(topology))
	require.NoError(t, drv.Open())
	r := &registrar{fail: 2}
	err := drv.Discover(r)
	require.True(t, errors.Is(err, core.ErrInvalidArgument))
	require.Len(t, r.agents, 1)
	r.close(t)
	require.NoError(t, drv.Close())
}
