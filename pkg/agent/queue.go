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
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/containers/hsa-runtime/pkg/core"
	"github.com/containers/hsa-runtime/pkg/signal"
)

const (
	// DefaultQueueDepth is the default number of buffered copy requests.
	DefaultQueueDepth = 64
	// DefaultDrainTimeout is how long Close waits for queued transfers.
	DefaultDrainTimeout = 5 * time.Second
)

// CopyQueue is the copy engine of an agent. Transfers are accepted in
// submission order, each waits for its dependencies to read zero, then
// its memory is copied or filled and its completion signal decremented.
// Transfers with disjoint dependencies proceed independently.
type CopyQueue struct {
	sync.RWMutex
	name      string
	requests  chan *core.Transfer
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	done      chan struct{}
	finished  chan struct{}
	drain     time.Duration
	closed    bool
	submitted atomic.Uint64
	completed atomic.Uint64
	abandoned atomic.Uint64
}

// QueueStats are the counters of a copy queue.
type QueueStats struct {
	Submitted uint64
	Completed uint64
	Abandoned uint64
	Pending   int
}

// NewCopyQueue creates and starts a copy queue.
func NewCopyQueue(name string, depth int, drain time.Duration) *CopyQueue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &CopyQueue{
		name:     name,
		requests: make(chan *core.Transfer, depth),
		ctx:      ctx,
		cancel:   cancel,
		group:    &errgroup.Group{},
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		drain:    drain,
	}
	q.group.SetLimit(depth)

	go q.run()

	return q
}

// Submit queues a transfer. It never waits for the transfer to complete.
// The Release callback of a rejected transfer is not called.
func (q *CopyQueue) Submit(t *core.Transfer) error {
	if t == nil || len(t.Dst) == 0 {
		return fmt.Errorf("%w: empty transfer", core.ErrInvalidArgument)
	}
	if !t.IsFill() && len(t.Src) != len(t.Dst) {
		return fmt.Errorf("%w: transfer size mismatch (%d != %d)", core.ErrInvalidArgument,
			len(t.Src), len(t.Dst))
	}

	q.RLock()
	defer q.RUnlock()

	if q.closed {
		return fmt.Errorf("%w: copy queue %s closed", core.ErrShutdown, q.name)
	}

	select {
	case q.requests <- t:
		q.submitted.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: copy queue %s full", core.ErrOutOfResources, q.name)
	}
}

// run accepts queued transfers until the queue is closed.
func (q *CopyQueue) run() {
	defer close(q.done)

	for t := range q.requests {
		t := t
		q.group.Go(func() error {
			q.execute(t)
			return nil
		})
	}
}

func (q *CopyQueue) execute(t *core.Transfer) {
	if waiters := signal.AllZero(t.Deps); len(waiters) > 0 {
		if err := signal.WaitAll(q.ctx, waiters); err != nil {
			q.release(t)
			q.abandoned.Add(1)
			log.Warn("%s: abandoned transfer of %d bytes: %v", q.name, len(t.Dst), err)
			return
		}
	}

	if t.IsFill() {
		core.Fill(t.Dst, t.Pattern)
		log.Debug("%s: filled %d bytes with 0x%08x", q.name, len(t.Dst), t.Pattern)
	} else {
		copy(t.Dst, t.Src)
		log.Debug("%s: copied %d bytes", q.name, len(t.Dst))
	}

	q.release(t)
	q.completed.Add(1)
	if t.Completion != nil {
		t.Completion.Subtract(1)
	}
}

func (q *CopyQueue) release(t *core.Transfer) {
	if t.Release != nil {
		t.Release()
	}
}

// Stats returns the counters of the queue.
func (q *CopyQueue) Stats() QueueStats {
	return QueueStats{
		Submitted: q.submitted.Load(),
		Completed: q.completed.Load(),
		Abandoned: q.abandoned.Load(),
		Pending:   len(q.requests),
	}
}

// stop stops accepting transfers. It returns false if the queue was
// already stopped.
func (q *CopyQueue) stop() bool {
	q.Lock()
	defer q.Unlock()

	if q.closed {
		return false
	}
	q.closed = true
	close(q.requests)

	go func() {
		<-q.done
		_ = q.group.Wait()
		close(q.finished)
	}()

	return true
}

// Abort stops accepting transfers, abandons the ones still waiting for
// their dependencies and waits for the ones being copied to finish. Once
// Abort returns the queue holds no references to transfer memory.
func (q *CopyQueue) Abort() {
	if q.stop() {
		log.Debug("%s: aborting", q.name)
	}
	q.cancel()
	<-q.finished
}

// Close stops accepting transfers and waits for queued ones to finish.
// Transfers still gated on their dependencies after the drain timeout
// are abandoned without touching their completion signal.
func (q *CopyQueue) Close() error {
	if !q.stop() {
		q.cancel()
		<-q.finished
		return nil
	}

	var err error
	select {
	case <-q.finished:
	case <-time.After(q.drain):
		err = fmt.Errorf("%w: copy queue %s not drained in %s", core.ErrShutdown, q.name, q.drain)
		q.cancel()
		<-q.finished
	}
	q.cancel()

	return err
}
