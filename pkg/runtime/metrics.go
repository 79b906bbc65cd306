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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/hsa-runtime/pkg/agent"
	"github.com/containers/hsa-runtime/pkg/metrics"
)

// MetricsGroup is the metrics group of runtime collectors.
const MetricsGroup = "runtime"

var (
	allocationsDesc = prometheus.NewDesc(
		"live_allocations",
		"Number of live memory allocations.",
		nil, nil,
	)
	regionUsedDesc = prometheus.NewDesc(
		"region_used_bytes",
		"Bytes allocated from a memory region.",
		[]string{"region", "kind"}, nil,
	)
	regionCapacityDesc = prometheus.NewDesc(
		"region_capacity_bytes",
		"Capacity of a memory region in bytes.",
		[]string{"region", "kind"}, nil,
	)
	handlersDesc = prometheus.NewDesc(
		"async_handlers",
		"Number of registered async signal handlers.",
		[]string{"queue"}, nil,
	)
	dispatchedDesc = prometheus.NewDesc(
		"async_dispatched_total",
		"Number of async signal handler invocations.",
		nil, nil,
	)
	faultsDesc = prometheus.NewDesc(
		"async_faults_total",
		"Number of async signal handlers which panicked.",
		nil, nil,
	)
	copiesDesc = prometheus.NewDesc(
		"memory_operations_total",
		"Number of memory copy and fill operations by path.",
		[]string{"path"}, nil,
	)
	transfersDesc = prometheus.NewDesc(
		"agent_transfers_total",
		"Number of copy queue transfers of an agent.",
		[]string{"agent", "state"}, nil,
	)
)

// collector exports the state of a runtime.
type collector struct {
	r *Runtime
}

// RegisterMetrics registers the collectors of the runtime.
func (r *Runtime) RegisterMetrics(reg *metrics.Registry) error {
	return reg.Register("core", &collector{r: r}, metrics.WithGroup(MetricsGroup))
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		allocationsDesc, regionUsedDesc, regionCapacityDesc, handlersDesc,
		dispatchedDesc, faultsDesc, copiesDesc, transfersDesc,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	r := c.r

	ch <- prometheus.MustNewConstMetric(allocationsDesc, prometheus.GaugeValue,
		float64(r.LiveAllocations()))

	for path, cnt := range map[string]uint64{
		"direct":   r.stats.direct.Load(),
		"dma":      r.stats.dma.Load(),
		"staged":   r.stats.staged.Load(),
		"async":    r.stats.async.Load(),
		"fill":     r.stats.fills.Load(),
		"dma-fill": r.stats.dmaFill.Load(),
	} {
		ch <- prometheus.MustNewConstMetric(copiesDesc, prometheus.CounterValue, float64(cnt), path)
	}

	if !r.IsOpen() {
		return
	}

	for _, region := range r.Regions() {
		kind := region.Kind().String()
		ch <- prometheus.MustNewConstMetric(regionUsedDesc, prometheus.GaugeValue,
			float64(region.Used()), region.Name(), kind)
		ch <- prometheus.MustNewConstMetric(regionCapacityDesc, prometheus.GaugeValue,
			float64(region.Capacity()), region.Name(), kind)
	}

	if m := r.monitor.Load(); m != nil {
		stats := m.Stats()
		ch <- prometheus.MustNewConstMetric(handlersDesc, prometheus.GaugeValue,
			float64(stats.Active), "active")
		ch <- prometheus.MustNewConstMetric(handlersDesc, prometheus.GaugeValue,
			float64(stats.Staged), "staged")
		ch <- prometheus.MustNewConstMetric(dispatchedDesc, prometheus.CounterValue,
			float64(stats.Dispatched))
		ch <- prometheus.MustNewConstMetric(faultsDesc, prometheus.CounterValue,
			float64(stats.Faults))
	}

	for _, a := range r.Agents() {
		q, ok := a.(interface{ QueueStats() agent.QueueStats })
		if !ok {
			continue
		}
		stats := q.QueueStats()
		for state, cnt := range map[string]uint64{
			"submitted": stats.Submitted,
			"completed": stats.Completed,
			"abandoned": stats.Abandoned,
		} {
			ch <- prometheus.MustNewConstMetric(transfersDesc, prometheus.CounterValue,
				float64(cnt), a.Name(), state)
		}
	}
}
