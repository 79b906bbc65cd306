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
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/hsa-runtime/pkg/apis/config/v1alpha1"
	"github.com/containers/hsa-runtime/pkg/config"
	"github.com/containers/hsa-runtime/pkg/healthz"
	logger "github.com/containers/hsa-runtime/pkg/log"
	"github.com/containers/hsa-runtime/pkg/metrics"
	"github.com/containers/hsa-runtime/pkg/runtime"
)

const shutdownTimeout = 5 * time.Second

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgPath := flags.String("config", "", "runtime configuration file, watched for changes")
	listen := flags.String("listen", "", "HTTP endpoint, overrides the configured one")
	pollInterval := flags.Duration("poll-interval", metrics.DefaultPollInterval,
		"interval for polling polled metrics collectors")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Instrumentation.HTTPEndpoint = *listen
	}

	logger.SetSlogLogger("hsa-runtime")

	rt := runtime.New(runtime.WithConfig(cfg))
	if _, err := rt.Acquire(); err != nil {
		return fmt.Errorf("failed to load runtime: %w", err)
	}
	defer rt.Release()

	reg := metrics.NewRegistry()
	if err := reg.RegisterStandard(version, build); err != nil {
		return err
	}
	if err := rt.RegisterMetrics(reg); err != nil {
		return err
	}

	gatherer, err := reg.NewGatherer(
		metrics.WithNamespace("hsa"),
		metrics.WithPollInterval(*pollInterval),
		metrics.WithMetrics(cfg.Instrumentation.Metrics, cfg.Instrumentation.Polled),
	)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	defer gatherer.Stop()

	healthz.RegisterHealthChecker("runtime", func() (healthz.Status, error) {
		if !rt.IsOpen() {
			return healthz.NonFunctional, errors.New("runtime is not loaded")
		}
		return healthz.Healthy, nil
	})
	defer healthz.UnregisterHealthChecker("runtime")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	healthz.Setup(mux)

	if *cfgPath != "" {
		w, err := config.Watch(*cfgPath, func(update *cfgapi.RuntimeConfig) {
			reconfigure(reg, update)
		})
		if err != nil {
			return fmt.Errorf("failed to watch configuration: %w", err)
		}
		defer w.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.Instrumentation.HTTPEndpoint,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errC := make(chan error, 1)
	go func() {
		log.Info("serving metrics and health checks on %s", srv.Addr)
		errC <- srv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
		log.Info("shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// reconfigure applies the parts of an updated configuration which can
// change without reloading the runtime.
func reconfigure(reg *metrics.Registry, cfg *cfgapi.RuntimeConfig) {
	if err := logger.Configure(&cfg.Log); err != nil {
		log.Error("failed to apply logging configuration: %v", err)
	}

	if _, err := reg.Configure(cfg.Instrumentation.Metrics, cfg.Instrumentation.Polled); err != nil {
		log.Error("failed to apply metrics configuration: %v", err)
	}

	log.Info("configuration updated, changes to other than logging and metrics need a restart")
}
