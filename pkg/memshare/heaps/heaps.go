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

//go:build unix

// Package heaps creates heaps with reference backends from configuration.
package heaps

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"

	cfgapi "github.com/containers/memshare/pkg/apis/config/v1alpha1/memshare"
	logger "github.com/containers/memshare/pkg/log"
	"github.com/containers/memshare/pkg/memshare"
	"github.com/containers/memshare/pkg/memshare/heaps/carveout"
	"github.com/containers/memshare/pkg/memshare/heaps/system"
)

var (
	log = logger.Get("heaps")
)

// Set is a set of heaps created from configuration, together with the
// resources held by their backends.
type Set struct {
	heaps   []*memshare.Heap
	closers []io.Closer
}

// Build creates the heaps of the given configuration. On failure the
// resources of any heaps already created are released.
func Build(cfg *cfgapi.Config) (*Set, error) {
	s := &Set{}
	for i := range cfg.Heaps {
		if err := s.add(&cfg.Heaps[i]); err != nil {
			if cerr := s.Close(); cerr != nil {
				log.Error("failed to release heaps: %v", cerr)
			}
			return nil, err
		}
	}
	return s, nil
}

func (s *Set) add(hc *cfgapi.HeapConfig) error {
	if err := hc.Validate(); err != nil {
		return err
	}

	var (
		backend memshare.Backend
		kind, _ = hc.HeapType()
	)

	switch kind {
	case memshare.HeapTypeSystem:
		opts := []system.Option{system.WithLimit(hc.SizeBytes())}
		if hc.LockedPages {
			opts = append(opts, system.WithLockedPages())
		}
		if hc.MemoryPolicy != nil {
			p, err := hc.MemoryPolicy.Policy()
			if err != nil {
				return fmt.Errorf("heap %s: %w", hc.HeapName(), err)
			}
			opts = append(opts, system.WithMemoryPolicy(p))
		}
		b, err := system.New(opts...)
		if err != nil {
			return fmt.Errorf("heap %s: %w", hc.HeapName(), err)
		}
		backend = b

	case memshare.HeapTypeCarveout:
		var opts []carveout.Option
		if base, _ := hc.BaseAddress(); base != 0 {
			opts = append(opts, carveout.WithBase(base))
		}
		if lm := hc.LowMemory; lm != nil {
			opts = append(opts, carveout.WithLowMemory(lm.MinFree.Value(), lm.MinPriority))
		}
		b, err := carveout.New(hc.SizeBytes(), opts...)
		if err != nil {
			return fmt.Errorf("heap %s: %w", hc.HeapName(), err)
		}
		s.closers = append(s.closers, b)
		backend = b

	default:
		return fmt.Errorf("heap %s: unsupported heap type %s", hc.HeapName(), kind)
	}

	h, err := memshare.NewHeap(hc.HeapID(), hc.HeapName(), backend, hc.HeapOptions()...)
	if err != nil {
		return err
	}

	log.Info("created %s, size %s", h, memshare.HumanReadableSize(hc.SizeBytes()))
	s.heaps = append(s.heaps, h)

	return nil
}

// Heaps returns the heaps of the set.
func (s *Set) Heaps() []*memshare.Heap {
	return s.heaps
}

// Close releases the resources held by the backends of the heaps. The
// heaps must not be used any more.
func (s *Set) Close() error {
	var errs *multierror.Error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.closers = nil
	return errs.ErrorOrNil()
}
