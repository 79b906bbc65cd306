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
package healthz_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/hsa-runtime/pkg/healthz"
)

func get(t *testing.T, mux *http.ServeMux) (int, string) {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	return rec.Code, rec.Body.String()
}

func TestHealthz(t *testing.T) {
	mux := http.NewServeMux()
	healthz.Setup(mux)

	var (
		runtime = healthz.Healthy
		queues  = healthz.Healthy
	)
	healthz.RegisterHealthChecker("test-runtime", func() (healthz.Status, error) {
		if runtime != healthz.Healthy {
			return runtime, errors.New("runtime not loaded")
		}
		return runtime, nil
	})
	healthz.RegisterHealthChecker("test-queues", func() (healthz.Status, error) {
		return queues, nil
	})
	defer healthz.UnregisterHealthChecker("test-runtime")
	defer healthz.UnregisterHealthChecker("test-queues")

	code, body := get(t, mux)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	queues = healthz.Degraded
	code, body = get(t, mux)
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "degraded\ntest-queues: degraded\n", body)

	runtime = healthz.NonFunctional
	status, details := healthz.Check()
	require.Equal(t, healthz.NonFunctional, status)
	require.Len(t, details, 2)
	require.EqualError(t, details["test-runtime"], "runtime not loaded")

	require.Panics(t, func() {
		healthz.RegisterHealthChecker("test-queues", nil)
	})

	healthz.UnregisterHealthChecker("test-queues")
	healthz.UnregisterHealthChecker("test-runtime")
	code, _ = get(t, mux)
	require.Equal(t, http.StatusOK, code)
}
