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
package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	logger "github.com/containers/hsa-runtime/pkg/log"
)

var (
	lock     sync.Mutex
	checkers = map[string]CheckFn{}
	sorted   []string
	log      = logger.Get("health-check")
)

// CheckFn reports the health of a single component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("%%!(healthz:Bad-Status %d)", int(s))
}

// Setup registers the health check handler with the given multiplexer.
func Setup(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", serve)
}

func serve(w http.ResponseWriter, _ *http.Request) {
	status, details := Check()
	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Error("failed to write response: %v", err)
		}
		return
	}

	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", status)
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %v\n", name, details[name])
	}

	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write([]byte(b.String())); err != nil {
		log.Error("failed to write response: %v", err)
	}
}

// RegisterHealthChecker registers the given health checker function.
func RegisterHealthChecker(name string, fn CheckFn) {
	lock.Lock()
	defer lock.Unlock()

	if _, conflict := checkers[name]; conflict {
		panic(fmt.Sprintf("checker %q already registered", name))
	}

	checkers[name] = fn
	sorted = append(sorted, name)
	sort.Strings(sorted)
}

// UnregisterHealthChecker removes a health checker function.
func UnregisterHealthChecker(name string) {
	lock.Lock()
	defer lock.Unlock()

	if _, ok := checkers[name]; !ok {
		return
	}

	delete(checkers, name)
	for i, n := range sorted {
		if n == name {
			sorted = append(sorted[:i], sorted[i+1:]...)
			break
		}
	}
}

// Check runs all registered checkers and returns the worst status with
// the details reported by unhealthy components.
func Check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	lock.Lock()
	defer lock.Unlock()

	for _, name := range sorted {
		s, err := checkers[name]()
		if s == Healthy {
			continue
		}
		if s > status {
			status = s
		}
		if err == nil {
			err = fmt.Errorf("%s", s)
		}
		details[name] = err
		log.Error("component %s reported %s: %v", name, s, err)
	}

	return status, details
}
