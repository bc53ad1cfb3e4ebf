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

package log

import (
	"fmt"
	"strings"

	"github.com/containers/memshare/pkg/apis/config/v1alpha1/log/klogcontrol"
	"github.com/containers/memshare/pkg/utils"
)

// Logger sources of the daemon which can be named in debug settings.
const (
	SourceCore        = "memshare"
	SourceDetails     = "memshare-details"
	SourceHeaps       = "heaps"
	SourceSystemHeap  = "system-heap"
	SourceCarveout    = "carveout-heap"
	SourceMetrics     = "metrics"
	SourceCollector   = "collector"
	SourceHealth      = "health-check"
	SourceInstrument  = "instrumentation"
	SourceAllWildcard = "*"
)

// SourceGroups are aliases which expand to a set of logger sources.
var SourceGroups = map[string][]string{
	"all":      {SourceAllWildcard},
	"core":     {SourceCore, SourceDetails},
	"backends": {SourceHeaps, SourceSystemHeap, SourceCarveout},
	"service":  {SourceMetrics, SourceCollector, SourceHealth, SourceInstrument},
}

// +k8s:deepcopy-gen=true
type Config struct {
	// Debug turns on debug messages for the listed logger sources. Entries
	// are comma-separated [on|off:]source lists, for instance
	// "on:core,off:memshare-details". Groups core, backends and service
	// expand to the sources of the allocator, its heap backends and the
	// HTTP service.
	// +optional
	Debug []string `json:"debug,omitempty"`
	// Source controls whether messages are prefixed with their logger source.
	// +optional
	LogSource bool `json:"source,omitempty"`
	// Klog configures the klog backend.
	// +optional
	Klog klogcontrol.Config `json:"klog,omitempty"`
}

// Validate checks the debug settings of the configuration.
func (c *Config) Validate() error {
	_, err := c.DebugSources()
	return err
}

// DebugSources returns the combined debug state of all sources named in
// the configuration.
func (c *Config) DebugSources() (map[string]bool, error) {
	sources := map[string]bool{}
	for _, value := range c.Debug {
		m, err := ParseDebug(value)
		if err != nil {
			return nil, err
		}
		for src, state := range m {
			sources[src] = state
		}
	}
	return sources, nil
}

// ParseDebug parses a comma-separated list of [on|off:]source entries. A
// state carries over to subsequent entries without one and defaults to on.
func ParseDebug(value string) (map[string]bool, error) {
	sources := map[string]bool{}

	prev := "on"
	for _, entry := range strings.Split(value, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}

		state, src := prev, entry
		if before, after, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(after, ":") {
				return nil, fmt.Errorf("invalid debug setting %q", entry)
			}
			state, src = strings.TrimSpace(before), strings.TrimSpace(after)
			prev = state
		}

		enabled, err := utils.ParseEnabled(state)
		if err != nil {
			return nil, fmt.Errorf("invalid state %q in debug setting %q", state, entry)
		}
		if src == "" {
			return nil, fmt.Errorf("missing source in debug setting %q", entry)
		}

		if group, ok := SourceGroups[src]; ok {
			for _, s := range group {
				sources[s] = enabled
			}
		} else {
			sources[src] = enabled
		}
	}

	return sources, nil
}
