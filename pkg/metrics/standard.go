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
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// StandardGroup is the group of the process-level collectors.
const StandardGroup = "standard"

// NewVersionInfoCollector returns a constant gauge labeled with version info.
func NewVersionInfoCollector(version, build string) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "version_info",
			Help: "A metric with constant '1' value labeled by version and build info.",
			ConstLabels: prometheus.Labels{
				"version": version,
				"build":   build,
			},
		},
		func() float64 { return 1 },
	)
}

// RegisterStandard registers the Go runtime, process, build and version
// info collectors, unprefixed, with the registry.
func (r *Registry) RegisterStandard(version, build string) error {
	standard := []struct {
		name      string
		collector prometheus.Collector
	}{
		{"buildinfo", collectors.NewBuildInfoCollector()},
		{"golang", collectors.NewGoCollector()},
		{"process", collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})},
		{"versioninfo", NewVersionInfoCollector(version, build)},
	}

	for _, s := range standard {
		err := r.Register(s.name, s.collector,
			WithGroup(StandardGroup),
			WithCollectorOptions(WithoutNamespace(), WithoutSubsystem()),
		)
		if err != nil {
			return err
		}
	}

	return nil
}
