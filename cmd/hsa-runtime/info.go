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
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/containers/hsa-runtime/pkg/core"
	"github.com/containers/hsa-runtime/pkg/memory"
	"github.com/containers/hsa-runtime/pkg/runtime"
	"github.com/containers/hsa-runtime/pkg/utils/cpuset"
)

type agentInfo struct {
	Name    string   `json:"name"`
	UUID    string   `json:"uuid"`
	Type    string   `json:"type"`
	Node    int      `json:"node"`
	CPUs    string   `json:"cpus,omitempty"`
	Regions []string `json:"regions"`
}

type regionInfo struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Owner    string `json:"owner,omitempty"`
	Capacity uint64 `json:"capacity"`
	Granule  uint64 `json:"granule"`
}

type systemInfo struct {
	System  map[string]interface{} `json:"system"`
	Agents  []agentInfo            `json:"agents"`
	Regions []regionInfo           `json:"regions"`
}

func collectInfo(rt *runtime.Runtime) (*systemInfo, error) {
	info := &systemInfo{
		System: map[string]interface{}{},
	}

	for _, attr := range runtime.SystemAttributes() {
		value, err := rt.GetSystemInfo(attr)
		if err != nil {
			return nil, err
		}
		if s, ok := value.(fmt.Stringer); ok {
			value = s.String()
		}
		info.System[attr.String()] = value
	}

	err := rt.IterateAgent(func(a core.Agent, _ interface{}) error {
		ai := agentInfo{
			Name: a.Name(),
			UUID: a.UUID(),
			Type: a.Type().String(),
			Node: a.NodeID(),
		}
		if c, ok := a.(interface{ CPUs() cpuset.CPUSet }); ok {
			ai.CPUs = c.CPUs().String()
		}
		for _, r := range a.Regions() {
			ai.Regions = append(ai.Regions, r.Name())
		}
		info.Agents = append(info.Agents, ai)
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}

	err = rt.IterateRegion(func(r core.Region, _ interface{}) error {
		ri := regionInfo{
			Name:     r.Name(),
			Kind:     r.Kind().String(),
			Capacity: r.Capacity(),
			Granule:  r.Granule(),
		}
		if owner := r.Owner(); owner != nil {
			ri.Owner = owner.Name()
		}
		info.Regions = append(info.Regions, ri)
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}

	return info, nil
}

func printText(w io.Writer, info *systemInfo) {
	fmt.Fprintf(w, "System:\n")
	for _, attr := range runtime.SystemAttributes() {
		fmt.Fprintf(w, "  %-22s %v\n", attr.String()+":", info.System[attr.String()])
	}

	fmt.Fprintf(w, "Agents:\n")
	for _, a := range info.Agents {
		fmt.Fprintf(w, "  %s (%s, %s, node %d)\n", a.Name, a.Type, a.UUID, a.Node)
		if a.CPUs != "" {
			fmt.Fprintf(w, "    cpus:    %s\n", a.CPUs)
		}
		fmt.Fprintf(w, "    regions: %s\n", strings.Join(a.Regions, ", "))
	}

	fmt.Fprintf(w, "Regions:\n")
	for _, r := range info.Regions {
		owner := r.Owner
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(w, "  %s (%s, owner %s): %s, granule %s\n", r.Name, r.Kind, owner,
			memory.HumanReadableSize(r.Capacity), memory.HumanReadableSize(r.Granule))
	}
}

func runInfo(args []string) error {
	flags := flag.NewFlagSet("info", flag.ContinueOnError)
	cfgPath := flags.String("config", "", "runtime configuration file")
	output := flags.String("o", "text", "output format (text or yaml)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	rt := runtime.New(runtime.WithConfig(cfg))
	if _, err := rt.Acquire(); err != nil {
		return err
	}
	defer rt.Release()

	info, err := collectInfo(rt)
	if err != nil {
		return err
	}

	switch *output {
	case "text":
		printText(os.Stdout, info)
	case "yaml":
		data, err := yaml.Marshal(info)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	default:
		return fmt.Errorf("unknown output format %q", *output)
	}

	return nil
}
