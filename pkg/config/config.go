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
package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/hsa-runtime/pkg/apis/config/v1alpha1"
	logger "github.com/containers/hsa-runtime/pkg/log"
	"github.com/containers/hsa-runtime/pkg/signal"
	"github.com/containers/hsa-runtime/pkg/utils/cpuset"
)

var log = logger.Get("config")

// Load reads, validates and defaults the configuration in the given file.
func Load(path string) (*cfgapi.RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log.Info("loaded configuration from %s", path)

	return cfg, nil
}

// Parse parses, validates and defaults the given YAML configuration.
func Parse(data []byte) (*cfgapi.RuntimeConfig, error) {
	cfg := &cfgapi.RuntimeConfig{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Kind != "" && cfg.Kind != cfgapi.RuntimeConfigKind {
		return nil, fmt.Errorf("invalid configuration kind %q, expected %q",
			cfg.Kind, cfgapi.RuntimeConfigKind)
	}
	if cfg.APIVersion != "" && cfg.APIVersion != cfgapi.GroupVersion {
		return nil, fmt.Errorf("unsupported configuration version %q, expected %q",
			cfg.APIVersion, cfgapi.GroupVersion)
	}

	cfg.SetDefaults()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for semantic errors.
func Validate(cfg *cfgapi.RuntimeConfig) error {
	var result *multierror.Error

	if _, err := signal.ParseWaitPolicy(string(cfg.Monitor.WaitPolicy)); err != nil {
		result = multierror.Append(result, err)
	}
	if cfg.Monitor.FaultLogInterval.Duration < 0 {
		result = multierror.Append(result, fmt.Errorf("negative fault log interval %s",
			cfg.Monitor.FaultLogInterval.Duration))
	}
	if cfg.CopyQueue.DrainTimeout.Duration < 0 {
		result = multierror.Append(result, fmt.Errorf("negative copy queue drain timeout %s",
			cfg.CopyQueue.DrainTimeout.Duration))
	}

	if cfg.Topology.HostCPUs != "" {
		if _, err := cpuset.Parse(cfg.Topology.HostCPUs); err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid host CPUs %q: %w",
				cfg.Topology.HostCPUs, err))
		}
	}

	names := map[string]struct{}{}
	for idx, gpu := range cfg.Topology.GPUs {
		name := gpu.Name
		if name == "" {
			name = fmt.Sprintf("gpu%d", idx)
		}
		if _, ok := names[name]; ok {
			result = multierror.Append(result, fmt.Errorf("duplicate GPU name %q", name))
		}
		names[name] = struct{}{}
		if gpu.LocalMemory == 0 {
			result = multierror.Append(result, fmt.Errorf("GPU %s without local memory", name))
		}
	}

	for _, lists := range [][]string{cfg.Plugins.Extensions, cfg.Plugins.Tools} {
		for _, name := range lists {
			if name == "" {
				result = multierror.Append(result, fmt.Errorf("empty plugin name"))
			}
		}
	}

	return result.ErrorOrNil()
}

// Marshal returns the YAML representation of the configuration.
func Marshal(cfg *cfgapi.RuntimeConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}
