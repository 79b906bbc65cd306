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
	"os"

	cfgapi "github.com/containers/hsa-runtime/pkg/apis/config/v1alpha1"
	"github.com/containers/hsa-runtime/pkg/config"
	logger "github.com/containers/hsa-runtime/pkg/log"
)

var (
	// version and build are set at link time.
	version = "unknown"
	build   = "unknown"

	log = logger.Get("hsa-runtime")
)

type command struct {
	name  string
	usage string
	run   func(args []string) error
}

var commands = []*command{
	{"info", "dump agents, memory regions and system attributes", runInfo},
	{"serve", "load the runtime and serve metrics and health checks", runServe},
	{"version", "print version information", runVersion},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <command> [options]\n\ncommands:\n", os.Args[0])
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
}

// loadConfig loads the configuration file, or returns defaults if none is given.
func loadConfig(path string) (*cfgapi.RuntimeConfig, error) {
	if path == "" {
		return cfgapi.NewRuntimeConfig(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if err := logger.Configure(&cfg.Log); err != nil {
		return nil, err
	}

	return cfg, nil
}

func runVersion([]string) error {
	fmt.Printf("hsa-runtime version %s (build %s)\n", version, build)
	return nil
}

func main() {
	defer logger.Flush()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	name, args := os.Args[1], os.Args[2:]
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(args); err != nil {
			if err == flag.ErrHelp {
				os.Exit(2)
			}
			log.Fatal("%s failed: %v", name, err)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
	usage()
	os.Exit(2)
}
