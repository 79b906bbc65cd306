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
package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/hsa-runtime/pkg/apis/config/v1alpha1"
	"github.com/containers/hsa-runtime/pkg/metrics"
	"github.com/containers/hsa-runtime/pkg/runtime"
)

func TestCollectInfo(t *testing.T) {
	cfg := cfgapi.NewRuntimeConfig()
	cfg.Topology.HostMemory = 16 << 20
	cfg.Topology.GPUs = []cfgapi.GPUConfig{{Name: "gfx0", LocalMemory: 1 << 20}}

	rt := runtime.New(runtime.WithConfig(cfg))
	_, err := rt.Acquire()
	require.NoError(t, err)
	defer rt.Release()

	info, err := collectInfo(rt)
	require.NoError(t, err)

	require.Len(t, info.Agents, 2)
	require.Len(t, info.Regions, 3)
	require.Equal(t, "gfx0", info.Agents[1].Name)
	require.NotEmpty(t, info.Agents[0].CPUs)
	require.Empty(t, info.Agents[1].CPUs)
	require.Equal(t, "gfx0", info.Regions[2].Owner)
	require.EqualValues(t, 2, info.System["agent-count"])
	require.EqualValues(t, "large", info.System["machine-model"])

	var buf bytes.Buffer
	printText(&buf, info)
	require.Contains(t, buf.String(), "gfx0 (GPU")
	require.Contains(t, buf.String(), "1M")

	data, err := yaml.Marshal(info)
	require.NoError(t, err)
	require.Contains(t, string(data), "name: gfx0")
}

func TestReconfigure(t *testing.T) {
	reg := metrics.NewRegistry()
	require.NoError(t, reg.RegisterStandard("test", "test"))

	cfg := cfgapi.NewRuntimeConfig()
	cfg.Instrumentation.Metrics = []string{"standard/golang"}
	reconfigure(reg, cfg)
	require.True(t, reg.State().IsEnabled())
}
