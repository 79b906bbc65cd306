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
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/containers/hsa-runtime/pkg/core"
	logger "github.com/containers/hsa-runtime/pkg/log"
	"github.com/containers/hsa-runtime/pkg/signal"
)

// Handler is called with the observed signal value and the argument given
// at registration once the condition of a registered entry holds. It
// returns true to stay registered and false to be removed.
type Handler func(value signal.Value, arg interface{}) bool

// entry is a registered handler with the condition triggering it.
type entry struct {
	signal    *signal.Signal
	condition signal.Condition
	threshold signal.Value
	handler   Handler
	arg       interface{}
}

// Stats are the counters of a monitor.
type Stats struct {
	Registered uint64
	Dispatched uint64
	Faults     uint64
	Active     int64
	Staged     int64
}

// Monitor dispatches handlers for signal conditions from a single
// goroutine. Newly registered entries are staged and merged into the
// active set by the monitor goroutine itself, so registration never
// waits for an ongoing wait to finish.
type Monitor struct {
	stagedLock sync.Mutex
	staged     []*entry
	exit       atomic.Bool

	wake   *signal.Signal
	active []*entry

	policy  signal.WaitPolicy
	limiter *catrate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool

	registered atomic.Uint64
	dispatched atomic.Uint64
	faults     atomic.Uint64
	nActive    atomic.Int64
	nStaged    atomic.Int64
}

var log = logger.Get("async")

// Option is an opaque option for a Monitor.
type Option func(*Monitor)

// WithWaitPolicy sets the policy used for waiting on signals.
func WithWaitPolicy(policy signal.WaitPolicy) Option {
	return func(m *Monitor) {
		m.policy = policy
	}
}

// WithFaultLogInterval limits handler fault logging to once per interval
// for each signal.
func WithFaultLogInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.limiter = catrate.NewLimiter(map[time.Duration]int{interval: 1})
		}
	}
}

// DefaultFaultLogInterval is the default fault logging interval.
const DefaultFaultLogInterval = 10 * time.Second

// New creates a monitor. It needs to be started with Start.
func New(options ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		wake:    signal.New(0),
		policy:  signal.Block,
		limiter: catrate.NewLimiter(map[time.Duration]int{DefaultFaultLogInterval: 1}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Start starts the monitor goroutine.
func (m *Monitor) Start() error {
	if m.exit.Load() {
		return fmt.Errorf("%w: async monitor stopped", core.ErrShutdown)
	}
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	go m.run()
	log.Info("started async signal monitor (wait policy %s)", m.policy)

	return nil
}

// Register stages a handler for the given signal condition.
func (m *Monitor) Register(s *signal.Signal, cond signal.Condition, threshold signal.Value,
	handler Handler, arg interface{}) error {
	if s == nil || handler == nil {
		return fmt.Errorf("%w: async handler needs a signal and a handler", core.ErrInvalidArgument)
	}
	if !cond.IsValid() {
		return fmt.Errorf("%w: invalid condition %s", core.ErrInvalidArgument, cond)
	}

	m.stagedLock.Lock()
	if m.exit.Load() {
		m.stagedLock.Unlock()
		return fmt.Errorf("%w: async monitor stopped", core.ErrShutdown)
	}
	m.staged = append(m.staged, &entry{
		signal:    s,
		condition: cond,
		threshold: threshold,
		handler:   handler,
		arg:       arg,
	})
	m.nStaged.Add(1)
	m.stagedLock.Unlock()

	m.registered.Add(1)
	m.wake.Store(1)

	log.Debug("registered handler for %s %s %d", s, cond, threshold)

	return nil
}

// Stop stops the monitor and waits for its goroutine to exit. Once Stop
// returns no handler is running and none will be started.
func (m *Monitor) Stop() {
	m.stagedLock.Lock()
	m.exit.Store(true)
	m.stagedLock.Unlock()

	m.wake.Store(1)
	m.cancel()

	if m.started.Load() {
		<-m.done
		log.Info("stopped async signal monitor")
	}
}

// Stats returns the counters of the monitor.
func (m *Monitor) Stats() Stats {
	return Stats{
		Registered: m.registered.Load(),
		Dispatched: m.dispatched.Load(),
		Faults:     m.faults.Load(),
		Active:     m.nActive.Load(),
		Staged:     m.nStaged.Load(),
	}
}

func (m *Monitor) run() {
	defer close(m.done)

	for {
		// reset before merging, so a registration racing with the
		// merge wakes up the next wait
		m.wake.Store(0)

		if !m.merge() {
			return
		}

		if _, _, err := signal.WaitAny(m.ctx, m.policy, m.waitSet()); err != nil {
			if !m.exit.Load() {
				log.Error("async signal wait failed: %v", err)
			}
			return
		}

		if m.exit.Load() {
			return
		}

		m.dispatch()
	}
}

// merge moves staged entries to the active set. It returns false once
// the monitor is stopping.
func (m *Monitor) merge() bool {
	m.stagedLock.Lock()
	defer m.stagedLock.Unlock()

	if m.exit.Load() {
		return false
	}

	if len(m.staged) > 0 {
		m.active = append(m.active, m.staged...)
		m.nActive.Add(int64(len(m.staged)))
		m.nStaged.Store(0)
		for i := range m.staged {
			m.staged[i] = nil
		}
		m.staged = m.staged[:0]
	}

	return true
}

// waitSet builds the wait set from the wake signal and the active entries.
func (m *Monitor) waitSet() []signal.Waiter {
	waiters := make([]signal.Waiter, 0, len(m.active)+1)
	waiters = append(waiters, signal.Waiter{
		Signal:    m.wake,
		Condition: signal.NotEqual,
		Threshold: 0,
	})
	for _, e := range m.active {
		waiters = append(waiters, signal.Waiter{
			Signal:    e.signal,
			Condition: e.condition,
			Threshold: e.threshold,
		})
	}
	return waiters
}

// dispatch invokes the handler of every active entry whose condition holds,
// removing entries which are done.
func (m *Monitor) dispatch() {
	for i := 0; i < len(m.active); {
		e := m.active[i]
		value, ok := e.signal.Satisfied(e.condition, e.threshold)
		if !ok {
			i++
			continue
		}

		if m.exit.Load() {
			return
		}

		if m.invoke(e, value) {
			i++
			continue
		}

		last := len(m.active) - 1
		m.active[i] = m.active[last]
		m.active[last] = nil
		m.active = m.active[:last]
		m.nActive.Add(-1)
	}
}

// invoke calls the handler of an entry, isolating any panic.
func (m *Monitor) invoke(e *entry, value signal.Value) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			m.faults.Add(1)
			if _, ok := m.limiter.Allow(e.signal.ID()); ok {
				log.Error("handler for %s %s %d panicked, removing it: %v", e.signal,
					e.condition, e.threshold, r)
			}
			keep = false
		}
	}()

	m.dispatched.Add(1)
	return e.handler(value, e.arg)
}
