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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	cfgapi "github.com/containers/memshare/pkg/apis/config/v1alpha1"
	logger "github.com/containers/memshare/pkg/log"
	"github.com/containers/memshare/pkg/log/klogcontrol"
	"github.com/containers/memshare/pkg/version"
)

const (
	defaultConfigFile = "/etc/memshare/config.yaml"
)

var (
	log = logger.Default()
)

type options struct {
	configFile string
	metrics    bool
	sizes      []string
}

func main() {
	opt := &options{}

	flags := pflag.NewFlagSet("memshared", pflag.ContinueOnError)
	flags.StringVarP(&opt.configFile, "config", "c", defaultConfigFile,
		"Configuration file to use.")
	flags.BoolVar(&opt.metrics, "dump-metrics", false,
		"Dump collected metrics in text format after selftest.")
	flags.StringSliceVar(&opt.sizes, "sizes", []string{"4Ki", "1Mi"},
		"Allocation sizes to exercise in selftest.")
	flags.AddGoFlagSet(klogcontrol.Get().FlagSet)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options] [run|selftest|validate|version]\n", os.Args[0])
		flags.PrintDefaults()
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	logger.Flush()
	logger.SetSlogLogger("slog")

	cmd := "run"
	if args := flags.Args(); len(args) > 0 {
		cmd = args[0]
		if len(args) > 1 {
			log.Error("unexpected command line arguments: %s", strings.Join(args[1:], " "))
			flags.Usage()
			os.Exit(2)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "run":
		err = run(ctx, opt)
	case "selftest":
		err = selftest(ctx, opt, os.Stdout)
	case "validate":
		_, err = cfgapi.Load(opt.configFile)
		if err == nil {
			fmt.Printf("%s: ok\n", opt.configFile)
		}
	case "version":
		fmt.Printf("version: %s\n", version.Version)
		fmt.Printf("build: %s\n", version.Build)
	default:
		log.Error("unknown command %q", cmd)
		flags.Usage()
		os.Exit(2)
	}

	logger.Flush()

	if err != nil {
		log.Error("%s failed: %v", cmd, err)
		logger.Flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, opt *options) error {
	log.Info("starting memshared version %s/build %s...", version.Version, version.Build)

	d, err := newDaemon(opt.configFile)
	if err != nil {
		return err
	}

	return d.run(ctx)
}
