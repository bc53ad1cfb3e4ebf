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

// Package carveout implements a heap backend which allocates physically
// contiguous buffers from a single reserved region.
package carveout

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	logger "github.com/containers/memshare/pkg/log"
	"github.com/containers/memshare/pkg/memshare"
)

const (
	// DefaultBase is the default device address of the reserved region.
	DefaultBase uint64 = 0x80000000
)

var (
	log = logger.Get("carveout-heap")
)

// Backend is a carveout heap backend. Every buffer is a single extent of
// the region, so it has a physical address and a one segment table.
type Backend struct {
	lock        sync.Mutex
	base        uint64
	size        int64
	arena       []byte
	ext         *extents
	allocs      int
	minFree     int64
	minPriority int
}

type allocation struct {
	off    int64
	length int64
}

// Option is an opaque option for a Backend.
type Option func(*Backend) error

// WithBase is an option to set the device address of the region.
func WithBase(base uint64) Option {
	return func(b *Backend) error {
		if base%memshare.PageSize != 0 {
			return fmt.Errorf("%w: carveout base %#x not page aligned", memshare.ErrInvalidArgument, base)
		}
		b.base = base
		return nil
	}
}

// WithLowMemory is an option to request reclaim of clients with at least
// the given priority whenever less than minFree bytes remain free.
func WithLowMemory(minFree int64, minPriority int) Option {
	return func(b *Backend) error {
		if minFree < 0 {
			return fmt.Errorf("%w: negative low memory threshold %d", memshare.ErrInvalidArgument, minFree)
		}
		b.minFree = minFree
		b.minPriority = minPriority
		return nil
	}
}

// New reserves a region of the given size and creates a backend for it.
func New(size int64, options ...Option) (*Backend, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid carveout size %d", memshare.ErrInvalidArgument, size)
	}

	b := &Backend{
		base: DefaultBase,
		size: memshare.PageAlign(size),
	}

	for _, o := range options {
		if err := o(b); err != nil {
			return nil, fmt.Errorf("%w: %w", memshare.ErrFailedOption, err)
		}
	}

	arena, err := unix.Mmap(-1, 0, int(b.size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %s carveout: %w",
			memshare.HumanReadableSize(b.size), err)
	}

	b.arena = arena
	b.ext = newExtents(b.size)

	log.Info("reserved %s carveout at %#x", memshare.HumanReadableSize(b.size), b.base)

	return b, nil
}

// Close releases the reserved region. All buffers must be freed by then.
func (b *Backend) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.arena == nil {
		return nil
	}
	if b.allocs > 0 {
		log.Warn("releasing carveout with %d live allocations", b.allocs)
	}

	err := unix.Munmap(b.arena)
	b.arena = nil

	return err
}

// Allocate reserves a contiguous extent for the buffer.
func (b *Backend) Allocate(buf *memshare.Buffer, length, align int64, flags memshare.Flags) error {
	align = max(align, memshare.PageSize)

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.arena == nil {
		return fmt.Errorf("%w: carveout released", memshare.ErrNoDevice)
	}

	off, ok := b.ext.alloc(length, align)
	if !ok {
		return fmt.Errorf("%w: carveout exhausted (free %s, largest extent %s)", memshare.ErrOutOfMemory,
			memshare.HumanReadableSize(b.ext.available()), memshare.HumanReadableSize(b.ext.largest()))
	}

	buf.SetPrivate(&allocation{off: off, length: length})
	b.allocs++

	return nil
}

// Free clears the memory of the buffer and returns its extent.
func (b *Backend) Free(buf *memshare.Buffer) {
	a, ok := buf.Private().(*allocation)
	if !ok {
		log.Error("internal error: %s has no carveout allocation", buf)
		return
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.arena != nil {
		clear(b.arena[a.off : a.off+a.length])
	}
	if err := b.ext.release(a.off, a.length); err != nil {
		log.Error("internal error: failed to free %s: %v", buf, err)
		return
	}
	b.allocs--
}

// MapDMA returns the single segment of the buffer.
func (b *Backend) MapDMA(buf *memshare.Buffer) (memshare.SGTable, error) {
	a, ok := buf.Private().(*allocation)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no carveout allocation", memshare.ErrInvalidArgument, buf)
	}
	return memshare.SGTable{{Addr: b.base + uint64(a.off), Length: a.length}}, nil
}

// UnmapDMA is a no-op.
func (b *Backend) UnmapDMA(*memshare.Buffer) {}

// MapKernel returns the part of the region backing the buffer.
func (b *Backend) MapKernel(buf *memshare.Buffer) ([]byte, error) {
	a, ok := buf.Private().(*allocation)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no carveout allocation", memshare.ErrInvalidArgument, buf)
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.arena == nil {
		return nil, fmt.Errorf("%w: carveout released", memshare.ErrNoDevice)
	}

	end := a.off + a.length
	return b.arena[a.off:end:end], nil
}

// UnmapKernel is a no-op.
func (b *Backend) UnmapKernel(*memshare.Buffer) {}

// MapUser inserts the pages of the buffer covered by the region.
func (b *Backend) MapUser(buf *memshare.Buffer, vma memshare.VMA) error {
	a, ok := buf.Private().(*allocation)
	if !ok {
		return fmt.Errorf("%w: %s has no carveout allocation", memshare.ErrInvalidArgument, buf)
	}

	pages := int(min(a.length, memshare.PageAlign(vma.Len())) / memshare.PageSize)
	addr := b.base + uint64(a.off)
	for i := 0; i < pages; i++ {
		if err := vma.InsertPage(i, addr+uint64(i*memshare.PageSize)); err != nil {
			return fmt.Errorf("failed to map page %d of %s: %w", i, buf, err)
		}
	}

	return nil
}

// Phys returns the device address and length of the buffer.
func (b *Backend) Phys(buf *memshare.Buffer) (uint64, int64, error) {
	a, ok := buf.Private().(*allocation)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s has no carveout allocation", memshare.ErrInvalidArgument, buf)
	}
	return b.base + uint64(a.off), a.length, nil
}

// ShrinkInfo reports whether the free space of the region is below the
// low memory threshold.
func (b *Backend) ShrinkInfo() (bool, int, int64) {
	if b.minFree == 0 {
		return false, 0, 0
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	return b.ext.available() < b.minFree, b.minPriority, b.minFree
}

// FreeSize returns the number of free bytes in the region.
func (b *Backend) FreeSize() int64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.ext.available()
}

// DebugShow writes the allocation state and the free extents of the region.
func (b *Backend) DebugShow(w io.Writer) {
	b.lock.Lock()
	defer b.lock.Unlock()

	free := b.ext.available()
	fmt.Fprintf(w, "carveout %#x-%#x: %d allocations, used %s, free %s, largest extent %s\n",
		b.base, b.base+uint64(b.size), b.allocs, memshare.HumanReadableSize(b.size-free),
		memshare.HumanReadableSize(free), memshare.HumanReadableSize(b.ext.largest()))
	b.ext.dump(w, b.base)
}
