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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/prometheus/common/expfmt"
	"k8s.io/apimachinery/pkg/api/resource"

	cfgapi "github.com/containers/memshare/pkg/apis/config/v1alpha1"
	"github.com/containers/memshare/pkg/memshare"
	"github.com/containers/memshare/pkg/metrics"
)

// defaultSelftestConfig is used by selftest when no configuration file
// exists.
const defaultSelftestConfig = `
metadata:
  name: selftest
spec:
  heaps:
    - id: 0
      name: system
      type: system
      size: 16Mi
      deferredFree: true
    - id: 4
      name: carveout
      type: carveout
      size: 8Mi
`

func selftest(ctx context.Context, opt *options, w io.Writer) error {
	cfg, err := cfgapi.Load(opt.configFile)
	if errors.Is(err, fs.ErrNotExist) {
		log.Info("%s not found, using built-in selftest configuration", opt.configFile)
		cfg, err = cfgapi.Parse([]byte(defaultSelftestConfig))
	}
	if err != nil {
		return err
	}

	var sizes []int64
	for _, s := range opt.sizes {
		q, err := resource.ParseQuantity(s)
		if err != nil {
			return fmt.Errorf("invalid selftest size %q: %w", s, err)
		}
		sizes = append(sizes, q.Value())
	}

	d, err := newDaemonWithConfig(opt.configFile, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.selftest(ctx, sizes, w); err != nil {
		return err
	}

	if opt.metrics {
		return d.dumpMetrics(w)
	}

	return nil
}

// selftest allocates buffers of the given sizes from every heap, shares
// them between two sessions and checks that both see the same memory.
func (d *daemon) selftest(ctx context.Context, sizes []int64, w io.Writer) error {
	owner := newLocalProcess(ctx, os.Getpid(), "selftest-owner", 0)
	peer := newLocalProcess(ctx, os.Getpid(), "selftest-peer", 0)

	s1, err := d.dev.Open(owner)
	if err != nil {
		return err
	}
	defer s1.Close()

	s2, err := d.dev.Open(peer)
	if err != nil {
		return err
	}
	defer s2.Close()

	for _, h := range d.dev.Heaps() {
		for _, size := range sizes {
			if err := selftestBuffer(owner.ctx, s1, s2, h, size); err != nil {
				return fmt.Errorf("%s, size %s: %w", h, memshare.HumanReadableSize(size), err)
			}
			fmt.Fprintf(w, "%s: %s buffer ok\n", h, memshare.HumanReadableSize(size))
		}
	}

	if err := d.settle(time.Second); err != nil {
		return err
	}

	for _, h := range d.dev.Heaps() {
		r, err := d.dev.HeapReport(h.ID())
		if err != nil {
			return err
		}
		if _, err := r.WriteTo(w); err != nil {
			return err
		}
	}

	return nil
}

func selftestBuffer(ctx context.Context, s1, s2 *memshare.Session, h *memshare.Heap, size int64) error {
	id, err := s1.Allocate(ctx, size, 0, h.ID().Mask(), memshare.FlagCached)
	if err != nil {
		return err
	}
	defer func() {
		if err := s1.Free(id); err != nil {
			log.Error("failed to free selftest buffer: %v", err)
		}
	}()

	mem, err := s1.MapKernel(id)
	if err != nil {
		return err
	}
	defer s1.UnmapKernel(id)

	for i := range mem {
		mem[i] = byte(i * 7)
	}

	desc, err := s1.Share(id)
	if err != nil {
		return err
	}
	defer s1.CloseDescriptor(desc)

	peerID, err := s2.Import(desc)
	if err != nil {
		return err
	}
	defer s2.Free(peerID)

	peerMem, err := s2.MapKernel(peerID)
	if err != nil {
		return err
	}
	defer s2.UnmapKernel(peerID)

	if !bytes.Equal(mem, peerMem) {
		return errors.New("imported buffer content differs")
	}

	return s2.SyncForDevice(desc)
}

// settle waits for deferred teardown to finish and checks that no heap
// memory is left allocated.
func (d *daemon) settle(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for _, h := range d.dev.Heaps() {
		h.Drain()
		for h.Used() != 0 {
			if time.Now().After(deadline) {
				return fmt.Errorf("%s: %s still in use", h, memshare.HumanReadableSize(h.Used()))
			}
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

// dumpMetrics writes all collected metrics in text exposition format.
func (d *daemon) dumpMetrics(w io.Writer) error {
	g, err := d.registry.NewGatherer(
		metrics.WithMetrics([]string{"*"}, nil),
		metrics.WithoutPolling(),
	)
	if err != nil {
		return err
	}
	defer g.Stop()

	families, err := g.Gather()
	if err != nil {
		return err
	}

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}

	return nil
}
