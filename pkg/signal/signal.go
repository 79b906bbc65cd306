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
	"strings"
	"sync"
	"sync/atomic"
)

// Value is the value held by a signal.
type Value = int64

// Condition is a comparison between a signal value and a threshold.
type Condition int

const (
	Equal        Condition = iota // value == threshold
	NotEqual                      // value != threshold
	Less                          // value < threshold
	GreaterEqual                  // value >= threshold
	LessEqual                     // value <= threshold
)

var (
	conditionToString = map[Condition]string{
		Equal:        "eq",
		NotEqual:     "ne",
		Less:         "lt",
		GreaterEqual: "gte",
		LessEqual:    "lte",
	}
	stringToCondition = map[string]Condition{
		"eq":  Equal,
		"ne":  NotEqual,
		"lt":  Less,
		"gte": GreaterEqual,
		"lte": LessEqual,
	}
)

// String returns a string representation of the condition.
func (c Condition) String() string {
	if str, ok := conditionToString[c]; ok {
		return str
	}
	return fmt.Sprintf("%%!(signal:Bad-Condition %d)", c)
}

// IsValid returns true if the condition is known.
func (c Condition) IsValid() bool {
	_, ok := conditionToString[c]
	return ok
}

// ParseCondition parses the given string into a condition.
func ParseCondition(str string) (Condition, error) {
	if c, ok := stringToCondition[strings.ToLower(str)]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("signal: invalid condition %q", str)
}

// Holds evaluates the condition for the given value and threshold.
func (c Condition) Holds(value, threshold Value) bool {
	switch c {
	case Equal:
		return value == threshold
	case NotEqual:
		return value != threshold
	case Less:
		return value < threshold
	case GreaterEqual:
		return value >= threshold
	case LessEqual:
		return value <= threshold
	}
	return false
}

var nextID atomic.Uint64

// Signal is a waitable synchronization primitive holding an integer value.
// Every update of the value wakes up all goroutines waiting on the signal.
type Signal struct {
	id      uint64
	value   atomic.Int64
	lock    sync.Mutex
	changed chan struct{}
}

// New creates a signal with the given initial value.
func New(initial Value) *Signal {
	s := &Signal{
		id:      nextID.Add(1),
		changed: make(chan struct{}),
	}
	s.value.Store(initial)
	return s
}

// ID returns the unique id of the signal.
func (s *Signal) ID() uint64 {
	return s.id
}

// String returns a string representation of the signal.
func (s *Signal) String() string {
	return fmt.Sprintf("signal #%d (value %d)", s.id, s.Load())
}

// Load returns the current value of the signal.
func (s *Signal) Load() Value {
	return s.value.Load()
}

// Store sets the value of the signal.
func (s *Signal) Store(v Value) {
	s.value.Store(v)
	s.notify()
}

// Add atomically adds delta to the value and returns the new value.
func (s *Signal) Add(delta Value) Value {
	v := s.value.Add(delta)
	s.notify()
	return v
}

// Subtract atomically subtracts delta from the value and returns the new value.
func (s *Signal) Subtract(delta Value) Value {
	return s.Add(-delta)
}

// Exchange atomically sets the value and returns the previous one.
func (s *Signal) Exchange(v Value) Value {
	old := s.value.Swap(v)
	s.notify()
	return old
}

// CompareAndSwap sets the value to v if it currently equals expected.
func (s *Signal) CompareAndSwap(expected, v Value) bool {
	if !s.value.CompareAndSwap(expected, v) {
		return false
	}
	s.notify()
	return true
}

// Changed returns a channel which is closed by the next update of the
// signal. The channel must be obtained before reading the value which
// is checked, otherwise an update in between could be missed.
func (s *Signal) Changed() <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.changed
}

func (s *Signal) notify() {
	s.lock.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.lock.Unlock()
}

// Satisfied checks the condition against the current value.
func (s *Signal) Satisfied(cond Condition, threshold Value) (Value, bool) {
	v := s.Load()
	return v, cond.Holds(v, threshold)
}

// Wait blocks until the condition holds for the signal value, or the
// context is done. It returns the observed value.
func (s *Signal) Wait(ctx context.Context, cond Condition, threshold Value) (Value, error) {
	for {
		changed := s.Changed()
		if v, ok := s.Satisfied(cond, threshold); ok {
			return v, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return s.Load(), ctx.Err()
		}
	}
}
