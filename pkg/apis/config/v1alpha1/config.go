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

package v1alpha1

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/containers/memshare/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/memshare/pkg/apis/config/v1alpha1/metrics"
)

// Parse parses the given YAML data into a configuration. Unknown fields
// are rejected. Defaults are filled in for unset optional fields and the
// resulting configuration is validated.
func Parse(data []byte) (*MemshareConfig, error) {
	cfg := &MemshareConfig{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Load reads and parses the configuration in the given file.
func Load(path string) (*MemshareConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if cfg.Name == "" {
		cfg.Name = path
	}

	return cfg, nil
}

// SetDefaults fills in defaults for unset optional fields.
func (c *MemshareConfig) SetDefaults() {
	instr := &c.Spec.Instrumentation
	if instr.ReportPeriod.Duration == 0 {
		d, _ := time.ParseDuration(instrumentation.DefaultReportPeriod)
		instr.ReportPeriod = metav1.Duration{Duration: d}
	}
	if instr.Metrics == nil {
		instr.Metrics = &metrics.Config{
			Enabled: []string{"memshare", "buildinfo"},
		}
	}
}

// Validate checks the configuration for errors.
func (c *MemshareConfig) Validate() error {
	var errs *multierror.Error
	if err := c.Spec.Config.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.Spec.Log.Validate(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("log: %w", err))
	}
	return errs.ErrorOrNil()
}
