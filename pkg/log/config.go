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
	"os"
	"slices"
	"strings"

	cfgapi "github.com/containers/memshare/pkg/apis/config/v1alpha1/log"
	"github.com/containers/memshare/pkg/log/klogcontrol"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// DebugEnvVar seeds debug settings, in the same format as Config.Debug.
	DebugEnvVar = "MEMSHARE_LOG_DEBUG"
	// SourceEnvVar turns on source prefixes if set to a non-empty value.
	SourceEnvVar = "MEMSHARE_LOG_SOURCE"
)

// srcmap tracks debugging settings for sources.
type srcmap map[string]bool

var (
	klogctl = klogcontrol.Get()
)

// parse updates the srcmap with the given debug setting.
func (m *srcmap) parse(value string) error {
	if *m == nil {
		*m = make(srcmap)
	}

	sources, err := cfgapi.ParseDebug(value)
	if err != nil {
		return loggerError("%v", err)
	}
	for src, state := range sources {
		(*m)[src] = state
	}

	return nil
}

// String returns the srcmap in a form accepted by parse.
func (m *srcmap) String() string {
	var on, off []string
	for src, state := range *m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	slices.Sort(on)
	slices.Sort(off)

	var entries []string
	if len(on) > 0 {
		entries = append(entries, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		entries = append(entries, "off:"+strings.Join(off, ","))
	}
	return strings.Join(entries, ",")
}

// Configure updates the logging configuration.
func Configure(cfg *cfgapi.Config) error {
	deflog.Info("logger configuration update %+v", cfg)

	sources, err := cfg.DebugSources()
	if err != nil {
		Default().Error("failed to parse debug settings %q: %v", cfg.Debug, err)
		return fmt.Errorf("failed to parse debug settings: %w", err)
	}

	prefix := cfg.LogSource
	if toStderr := cfg.Klog.Logtostderr; toStderr != nil && *toStderr {
		if skipHeaders := cfg.Klog.Skip_headers; skipHeaders != nil && *skipHeaders {
			prefix = true
		}
	}

	log.Lock()
	log.setDbgMap(srcmap(sources))
	log.setPrefix(prefix)
	log.Unlock()

	if err := klogctl.Configure(&cfg.Klog); err != nil {
		return err
	}
	if settings := klogctl.String(); settings != "" {
		deflog.Info("klog settings: %s", settings)
	}

	return nil
}

// configFromEnv returns the logging configuration seeded from the
// environment.
func configFromEnv() (*cfgapi.Config, error) {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(SourceEnvVar) != "",
	}

	if value, ok := os.LookupEnv(DebugEnvVar); ok {
		m := make(srcmap)
		if err := m.parse(value); err != nil {
			return cfg, fmt.Errorf("invalid $%s %q: %w", DebugEnvVar, value, err)
		}
		cfg.Debug = []string{m.String()}
	}

	return cfg, nil
}

func init() {
	cfg, err := configFromEnv()
	if err != nil {
		Default().Error("%v", err)
	} else if len(cfg.Debug) > 0 {
		Default().Info("seeded debug settings ($%s): %s", DebugEnvVar, cfg.Debug[0])
	}

	if err := Configure(cfg); err != nil {
		Default().Error("initial logging configuration failed: %v", err)
	}
}
