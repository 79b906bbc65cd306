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
package signal

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
)

// WaitPolicy selects how multi-signal waits are performed.
type WaitPolicy int

const (
	// Block parks the waiting goroutine until one of the signals changes.
	Block WaitPolicy = iota
	// Spin busy-polls the signal values, trading CPU for wake-up latency.
	Spin
)

// String returns a string representation of the wait policy.
func (p WaitPolicy) String() string {
	switch p {
	case Block:
		return "interrupt"
	case Spin:
		return "spin"
	}
	return fmt.Sprintf("%%!(signal:Bad-WaitPolicy %d)", int(p))
}

// ParseWaitPolicy parses a wait policy name.
func ParseWaitPolicy(str string) (WaitPolicy, error) {
	switch str {
	case "", "interrupt", "block":
		return Block, nil
	case "spin":
		return Spin, nil
	}
	return Block, fmt.Errorf("signal: invalid wait policy %q", str)
}

// Waiter is a single member of a multi-signal wait set.
type Waiter struct {
	Signal    *Signal
	Condition Condition
	Threshold Value
}

// satisfied checks the condition of the waiter.
func (w *Waiter) satisfied() (Value, bool) {
	return w.Signal.Satisfied(w.Condition, w.Threshold)
}

// spinYieldInterval is the number of polling rounds between context checks.
const spinYieldInterval = 64

// WaitAny blocks until the condition of any member of the wait set holds,
// or the context is done. It returns the index of the first satisfied
// member and its observed value.
func WaitAny(ctx context.Context, policy WaitPolicy, waiters []Waiter) (int, Value, error) {
	if len(waiters) == 0 {
		return -1, 0, fmt.Errorf("signal: empty wait set")
	}

	if policy == Spin {
		return spinAny(ctx, waiters)
	}
	return blockAny(ctx, waiters)
}

func spinAny(ctx context.Context, waiters []Waiter) (int, Value, error) {
	for round := 0; ; round++ {
		for i := range waiters {
			if v, ok := waiters[i].satisfied(); ok {
				return i, v, nil
			}
		}
		if round%spinYieldInterval == 0 {
			if err := ctx.Err(); err != nil {
				return -1, 0, err
			}
		}
		runtime.Gosched()
	}
}

func blockAny(ctx context.Context, waiters []Waiter) (int, Value, error) {
	cases := make([]reflect.SelectCase, len(waiters)+1)
	cases[len(waiters)] = reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(ctx.Done()),
	}

	for {
		for i := range waiters {
			cases[i] = reflect.SelectCase{
				Dir:  reflect.SelectRecv,
				Chan: reflect.ValueOf(waiters[i].Signal.Changed()),
			}
		}
		for i := range waiters {
			if v, ok := waiters[i].satisfied(); ok {
				return i, v, nil
			}
		}

		chosen, _, _ := reflect.Select(cases)
		if chosen == len(waiters) {
			return -1, 0, ctx.Err()
		}
	}
}

// WaitAll blocks until the condition holds for every member of the wait
// set, or the context is done. Members are checked in order, but since
// each condition is re-checked on wake-up the order has no effect on the
// outcome.
func WaitAll(ctx context.Context, waiters []Waiter) error {
	for {
		pending := -1
		var changed <-chan struct{}
		for i := range waiters {
			changed = waiters[i].Signal.Changed()
			if _, ok := waiters[i].satisfied(); !ok {
				pending = i
				break
			}
		}
		if pending < 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AllZero returns a wait set waiting for every signal to read zero.
func AllZero(signals []*Signal) []Waiter {
	waiters := make([]Waiter, 0, len(signals))
	for _, s := range signals {
		if s == nil {
			continue
		}
		waiters = append(waiters, Waiter{Signal: s, Condition: Equal, Threshold: 0})
	}
	return waiters
}
