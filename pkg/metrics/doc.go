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
// Package metrics wraps prometheus collectors into named groups which can
// be enabled, disabled or switched to polled mode at runtime using glob
// patterns. Polled collectors are collected periodically in the background
// and serve cached samples when scraped, which suits metrics that are
// expensive to compute.
//
// Collectors are registered with a Registry, typically the default one:
//
//	metrics.MustRegister("allocations", collector, metrics.WithGroup("runtime"))
//
// and exposed through a Gatherer, which can be passed to promhttp:
//
//	g, err := metrics.NewGatherer(metrics.WithNamespace("hsa"),
//	    metrics.WithMetrics([]string{"*"}, nil))
//	...
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
