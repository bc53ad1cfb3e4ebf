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
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	logger "github.com/containers/memshare/pkg/log"
)

var (
	lock     sync.Mutex
	checkers = map[string]CheckFn{}
	sorted   []string
	log      = logger.Get("health-check")
)

// CheckFn checks the health of a single component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("<unknown status %d>", int(s))
}

// Setup registers the healthz handler in the given HTTP request multiplexer.
func Setup(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", serve)
}

// serve serves a single HTTP request. Degraded components are reported
// but do not fail the check.
func serve(w http.ResponseWriter, _ *http.Request) {
	status, details := Check()

	var (
		code = http.StatusOK
		body = "ok"
	)
	if status == NonFunctional {
		code = http.StatusInternalServerError
	}
	if len(details) > 0 {
		lines := []string{}
		for _, name := range slices.Sorted(maps.Keys(details)) {
			lines = append(lines, fmt.Sprintf("%s: %v", name, details[name]))
		}
		body = status.String() + "\n" + strings.Join(lines, "\n")
	}

	w.WriteHeader(code)
	if _, err := w.Write([]byte(body + "\n")); err != nil {
		log.Errorf("failed to write response: %v", err)
	}
}

// RegisterHealthChecker registers the given health checker function.
func RegisterHealthChecker(name string, fn CheckFn) error {
	lock.Lock()
	defer lock.Unlock()

	if _, conflict := checkers[name]; conflict {
		return fmt.Errorf("health checker %q already registered", name)
	}

	checkers[name] = fn
	sorted = append(sorted, name)
	slices.Sort(sorted)

	return nil
}

// UnregisterHealthChecker removes the health checker with the given name.
func UnregisterHealthChecker(name string) {
	lock.Lock()
	defer lock.Unlock()

	delete(checkers, name)
	sorted = slices.DeleteFunc(sorted, func(n string) bool { return n == name })
}

// Check runs all registered checkers and returns the worst status with
// details of the unhealthy components.
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
		status = max(status, s)
		if err == nil {
			err = fmt.Errorf("%s", s)
		}
		details[name] = err
		log.Errorf("component %s reported %s: %v", name, s, err)
	}

	return status, details
}
