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

package klogcontrol

import (
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	cfgapi "github.com/containers/memshare/pkg/apis/config/v1alpha1/log/klogcontrol"
)

// EnvPrefix prefixes the environment variables which set klog flag
// defaults, for instance MEMSHARE_KLOG_V=4.
const EnvPrefix = "MEMSHARE_KLOG_"

// Control is the runtime control of klog flags.
type Control struct {
	*flag.FlagSet
}

var ctl = &Control{FlagSet: flag.NewFlagSet("klog flags", flag.ContinueOnError)}

// Get returns the klog Control.
func Get() *Control {
	return ctl
}

// Configure sets every klog flag present in the configuration.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs *multierror.Error
	c.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			return
		}
		if err := c.Set(f.Name, value); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("klogcontrol: klog flag %s=%q: %w",
				f.Name, value, err))
		}
	})
	return errs.ErrorOrNil()
}

// Values returns the klog flags which differ from their defaults.
func (c *Control) Values() map[string]string {
	values := map[string]string{}
	c.VisitAll(func(f *flag.Flag) {
		if v := f.Value.String(); v != f.DefValue {
			values[f.Name] = v
		}
	})
	return values
}

// String returns the non-default klog flags as name=value pairs.
func (c *Control) String() string {
	values := c.Values()
	pairs := make([]string, 0, len(values))
	for _, name := range slices.Sorted(maps.Keys(values)) {
		pairs = append(pairs, name+"="+values[name])
	}
	return strings.Join(pairs, " ")
}

// envName returns the environment variable for the given klog flag.
func envName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// setFromEnv seeds klog flags from the environment. Without an explicit
// setting headers are turned off when logging to journald.
func (c *Control) setFromEnv() {
	c.VisitAll(func(f *flag.Flag) {
		name := envName(f.Name)
		if value, ok := os.LookupEnv(name); ok {
			if err := c.Set(f.Name, value); err != nil {
				klog.Errorf("klog flag %s: invalid $%s=%q: %v", f.Name, name, value, err)
			}
			return
		}
		if f.Name == "skip_headers" && os.Getenv("JOURNAL_STREAM") != "" {
			_ = c.Set(f.Name, "true")
		}
	})
}

func init() {
	ctl.SetOutput(io.Discard)
	klog.InitFlags(ctl.FlagSet)
	ctl.setFromEnv()
}
