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
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
)

const (
	// MinPollInterval is the shortest allowed polling interval.
	MinPollInterval = 5 * time.Second
	// DefaultPollInterval is the default polling interval.
	DefaultPollInterval = 30 * time.Second
)

// Gatherer gathers the metrics of the collectors in a registry.
type Gatherer struct {
	*prometheus.Registry
	r            *Registry
	namespace    string
	pollInterval time.Duration
	enabled      []string
	polled       []string
	lock         sync.Mutex
	stop         context.CancelFunc
	done         chan struct{}
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the namespace prefix of gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval sets the interval for polling polled collectors.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = max(interval, MinPollInterval)
	}
}

// WithoutPolling disables periodic polling. Polled collectors are then
// only refreshed by explicit calls to Poll.
func WithoutPolling() GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = 0
	}
}

// WithMetrics sets the globs of enabled and polled collectors.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer creates a gatherer for the registry.
func (r *Registry) NewGatherer(options ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry:     prometheus.NewPedanticRegistry(),
		r:            r,
		pollInterval: DefaultPollInterval,
	}
	for _, o := range options {
		o(g)
	}

	if _, err := r.Configure(g.enabled, g.polled); err != nil {
		return nil, err
	}

	ns := prefixedRegisterer(g.namespace, g.Registry)

	r.Lock()
	for _, grp := range r.sortedGroups() {
		if err := grp.register(g.Registry, ns); err != nil {
			r.Unlock()
			return nil, err
		}
	}
	r.Unlock()

	g.start()

	return g, nil
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(options ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(options...)
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.Registry.Gather()
}

// Poll refreshes all polled collectors.
func (g *Gatherer) Poll() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.r.Poll()
}

func (g *Gatherer) start() {
	if !g.r.State().IsPolled() {
		log.Info("no collectors in polled mode")
		return
	}

	g.Poll()

	if g.pollInterval == 0 {
		log.Info("periodic polling disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.stop = cancel
	g.done = make(chan struct{})

	log.Info("polling collectors every %s", g.pollInterval)

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Poll()
			}
		}
	}()
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	if g.stop == nil {
		return
	}
	g.stop()
	<-g.done
	g.stop = nil
}
