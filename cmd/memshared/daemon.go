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
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/memshare/pkg/apis/config/v1alpha1"
	"github.com/containers/memshare/pkg/healthz"
	"github.com/containers/memshare/pkg/instrumentation"
	logger "github.com/containers/memshare/pkg/log"
	"github.com/containers/memshare/pkg/memshare"
	"github.com/containers/memshare/pkg/memshare/heaps"
	"github.com/containers/memshare/pkg/metrics"
	"github.com/containers/memshare/pkg/metrics/collectors"
)

const (
	healthCheckName = "memshare"
)

// daemon hosts a device built from a configuration file and serves its
// instrumentation, reloading the configuration when the file changes.
type daemon struct {
	path     string
	lock     sync.Mutex
	cfg      *cfgapi.MemshareConfig
	status   cfgapi.ConfigStatus
	gen      int64
	heaps    *heaps.Set
	dev      *memshare.Device
	registry *metrics.Registry
	svc      *instrumentation.Service
	health   *freeListCheck
}

func newDaemon(path string) (*daemon, error) {
	cfg, err := cfgapi.Load(path)
	if err != nil {
		return nil, err
	}
	return newDaemonWithConfig(path, cfg)
}

func newDaemonWithConfig(path string, cfg *cfgapi.MemshareConfig) (*daemon, error) {
	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	set, err := heaps.Build(&cfg.Spec.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to create heaps: %w", err)
	}

	dev, err := memshare.NewDevice(
		memshare.WithHeaps(set.Heaps()...),
		memshare.WithReclaimPolicy(cfg.Spec.Reclaim.Policy()),
	)
	if err != nil {
		if cerr := set.Close(); cerr != nil {
			log.Error("failed to release heaps: %v", cerr)
		}
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	d := &daemon{
		path:     path,
		cfg:      cfg,
		gen:      1,
		heaps:    set,
		dev:      dev,
		registry: metrics.NewRegistry(),
		health:   &freeListCheck{dev: dev, last: make(map[memshare.HeapID]int)},
	}
	d.status = cfgapi.NewConfigStatus(nil, d.gen)

	if err := d.setupInstrumentation(); err != nil {
		d.close()
		return nil, err
	}

	return d, nil
}

func (d *daemon) setupInstrumentation() error {
	if err := collectors.Register(d.registry); err != nil {
		return fmt.Errorf("failed to register standard collectors: %w", err)
	}

	err := d.registry.Register("device", memshare.NewCollector(d.dev), metrics.WithGroup("memshare"))
	if err != nil {
		return fmt.Errorf("failed to register device collector: %w", err)
	}

	if err := healthz.RegisterHealthChecker(healthCheckName, d.health.check); err != nil {
		return err
	}

	d.svc = instrumentation.NewService(d.registry)
	d.svc.Handle("GET /memshare/heaps", http.HandlerFunc(d.serveHeapReports))
	d.svc.Handle("GET /memshare/config", http.HandlerFunc(d.serveConfig))

	return nil
}

// run serves instrumentation and watches the configuration file until
// the context is done.
func (d *daemon) run(ctx context.Context) error {
	defer d.close()

	d.lock.Lock()
	err := d.svc.Start(&d.cfg.Spec.Instrumentation)
	d.lock.Unlock()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory to survive the file being replaced.
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", d.path, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.watch(ctx, watcher) })
	g.Go(func() error { return d.dumpOnSignal(ctx) })

	log.Info("memshared running with %d heaps", len(d.dev.Heaps()))

	return g.Wait()
}

func (d *daemon) watch(ctx context.Context, w *fsnotify.Watcher) error {
	path := filepath.Clean(d.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case e, ok := <-w.Events:
			if !ok {
				return errors.New("config file watcher closed")
			}
			if filepath.Clean(e.Name) != path || !e.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			log.Info("configuration file %s changed (%s)", e.Name, e.Op)
			if err := d.reload(); err != nil {
				log.Error("failed to reload configuration: %v", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config file watcher closed")
			}
			log.Warn("config file watcher: %v", err)
		}
	}
}

func (d *daemon) dumpOnSignal(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			d.dev.DumpHeapStatus(memshare.HeapMaskAll, "SIGUSR1")
			d.dev.DumpClients("SIGUSR1")
			d.dev.DumpBuffers("SIGUSR1")
		}
	}
}

// reload loads the configuration file and takes it into use.
func (d *daemon) reload() error {
	cfg, err := cfgapi.Load(d.path)
	if err != nil {
		d.lock.Lock()
		d.gen++
		d.status = cfgapi.NewConfigStatus(err, d.gen)
		d.lock.Unlock()
		return err
	}
	return d.apply(cfg)
}

var quantityComparer = cmp.Comparer(func(a, b resource.Quantity) bool {
	return a.Cmp(b) == 0
})

// apply takes a new configuration into use. Changes to heaps need a
// restart, everything else is applied on the fly.
func (d *daemon) apply(cfg *cfgapi.MemshareConfig) error {
	d.lock.Lock()
	old := d.cfg
	d.lock.Unlock()

	if diff := cmp.Diff(old.Spec.Heaps, cfg.Spec.Heaps, quantityComparer); diff != "" {
		log.Warn("heap configuration changes need a restart (-old +new):\n%s", diff)
	}

	var errs *multierror.Error

	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("logging: %w", err))
	}

	d.dev.SetReclaimPolicy(cfg.Spec.Reclaim.Policy())

	if err := d.svc.Reconfigure(&cfg.Spec.Instrumentation); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("instrumentation: %w", err))
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	d.cfg = cfg
	d.gen++
	d.status = cfgapi.NewConfigStatus(errs.ErrorOrNil(), d.gen)

	return errs.ErrorOrNil()
}

// Status returns the status of the last configuration update.
func (d *daemon) Status() cfgapi.ConfigStatus {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.status
}

func (d *daemon) close() {
	if d.svc != nil {
		d.svc.Stop()
	}
	healthz.UnregisterHealthChecker(healthCheckName)

	if err := d.dev.Close(); err != nil {
		log.Error("failed to close device: %v", err)
	}
	if err := d.heaps.Close(); err != nil {
		log.Error("failed to release heaps: %v", err)
	}
}

// serveHeapReports writes the usage reports of the heaps selected by the
// optional "heaps" query parameter, all heaps by default.
func (d *daemon) serveHeapReports(w http.ResponseWriter, req *http.Request) {
	mask := memshare.HeapMaskAll
	if q := req.URL.Query().Get("heaps"); q != "" {
		m, err := memshare.ParseHeapMask(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mask = m
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	d.dev.ForeachHeap(mask, func(h *memshare.Heap) bool {
		r, err := d.dev.HeapReport(h.ID())
		if err != nil {
			log.Error("failed to report %s: %v", h, err)
			return memshare.ForeachMore
		}
		if _, err := r.WriteTo(w); err != nil {
			log.Error("failed to write report of %s: %v", h, err)
			return memshare.ForeachDone
		}
		fmt.Fprintln(w)
		return memshare.ForeachMore
	})
}

// serveConfig writes the active configuration and its status as YAML.
func (d *daemon) serveConfig(w http.ResponseWriter, _ *http.Request) {
	d.lock.Lock()
	cfg := *d.cfg
	cfg.Status = d.status
	d.lock.Unlock()

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}

// freeListCheck reports heaps with a stopped deferred free worker as
// non-functional, and heaps whose free list does not shrink between two
// checks as degraded.
type freeListCheck struct {
	lock sync.Mutex
	dev  *memshare.Device
	last map[memshare.HeapID]int
}

func (c *freeListCheck) check() (healthz.Status, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var (
		status = healthz.Healthy
		errs   *multierror.Error
	)

	for _, h := range c.dev.Heaps() {
		if !h.DeferFree() {
			continue
		}

		if !h.WorkerRunning() {
			status = healthz.NonFunctional
			errs = multierror.Append(errs, fmt.Errorf("%s: deferred free worker not running", h))
			continue
		}

		n, last := h.FreeListLen(), c.last[h.ID()]
		if n > 0 && last > 0 && n >= last {
			status = max(status, healthz.Degraded)
			errs = multierror.Append(errs, fmt.Errorf("%s: %d buffers pending on free list", h, n))
		}
		c.last[h.ID()] = n
	}

	return status, errs.ErrorOrNil()
}
