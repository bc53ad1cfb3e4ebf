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

// Package system implements a heap backend which allocates buffers page
// by page from anonymous private mappings of the process.
package system

import (
	"fmt"
	"io"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	logger "github.com/containers/memshare/pkg/log"
	"github.com/containers/memshare/pkg/mempolicy"
	"github.com/containers/memshare/pkg/memshare"
)

var (
	log = logger.Get("system-heap")
)

// Backend is a system heap backend. Buffers are backed by anonymous
// mappings and described by one scatter-gather segment per page.
type Backend struct {
	lock   sync.Mutex
	limit  int64
	used   int64
	peak   int64
	allocs int
	mlock  bool
	policy *mempolicy.Policy
}

// allocation is the backend-private data of a buffer.
type allocation struct {
	mem []byte
}

// Option is an opaque option for a Backend.
type Option func(*Backend) error

// WithLimit is an option to limit the total size of buffers allocated by
// the backend. A zero limit allows allocation until the system runs out
// of memory.
func WithLimit(limit int64) Option {
	return func(b *Backend) error {
		if limit < 0 {
			return fmt.Errorf("%w: negative system heap limit %d", memshare.ErrInvalidArgument, limit)
		}
		b.limit = memshare.PageAlign(limit)
		return nil
	}
}

// WithLockedPages is an option to lock the pages of buffers into memory.
func WithLockedPages() Option {
	return func(b *Backend) error {
		b.mlock = true
		return nil
	}
}

// WithMemoryPolicy is an option to bind the memory of buffers to a set of
// NUMA nodes using the given policy.
func WithMemoryPolicy(p *mempolicy.Policy) Option {
	return func(b *Backend) error {
		if p == nil {
			return fmt.Errorf("%w: nil memory policy", memshare.ErrInvalidArgument)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %w", memshare.ErrInvalidArgument, err)
		}
		b.policy = p
		return nil
	}
}

// New creates a new system heap backend.
func New(options ...Option) (*Backend, error) {
	b := &Backend{}
	for _, o := range options {
		if err := o(b); err != nil {
			return nil, fmt.Errorf("%w: %w", memshare.ErrFailedOption, err)
		}
	}
	return b, nil
}

// Allocate backs the buffer with a fresh anonymous mapping.
func (b *Backend) Allocate(buf *memshare.Buffer, length, align int64, flags memshare.Flags) error {
	if align > memshare.PageSize {
		return fmt.Errorf("%w: system heap can't align to %d", memshare.ErrInvalidArgument, align)
	}

	b.lock.Lock()
	if b.limit > 0 && b.used+length > b.limit {
		used := b.used
		b.lock.Unlock()
		return fmt.Errorf("%w: system heap limit %s reached (used %s)", memshare.ErrOutOfMemory,
			memshare.HumanReadableSize(b.limit), memshare.HumanReadableSize(used))
	}
	b.used += length
	b.lock.Unlock()

	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		b.release(length)
		return fmt.Errorf("%w: failed to map %s: %w", memshare.ErrOutOfMemory,
			memshare.HumanReadableSize(length), err)
	}

	if b.policy != nil {
		if err := b.policy.Bind(mem); err != nil {
			if uerr := unix.Munmap(mem); uerr != nil {
				log.Error("failed to unmap %s: %v", memshare.HumanReadableSize(length), uerr)
			}
			b.release(length)
			return fmt.Errorf("%w: %w", memshare.ErrOutOfMemory, err)
		}
	}

	if b.mlock {
		if err := unix.Mlock(mem); err != nil {
			log.Warn("failed to lock %s of %s: %v", memshare.HumanReadableSize(length), buf, err)
		}
	}

	buf.SetPrivate(&allocation{mem: mem})

	b.lock.Lock()
	b.allocs++
	b.peak = max(b.peak, b.used)
	b.lock.Unlock()

	return nil
}

// Free unmaps the memory of the buffer.
func (b *Backend) Free(buf *memshare.Buffer) {
	a, ok := buf.Private().(*allocation)
	if !ok || a.mem == nil {
		log.Error("internal error: %s has no system heap allocation", buf)
		return
	}

	if err := unix.Munmap(a.mem); err != nil {
		log.Error("failed to unmap %s: %v", buf, err)
	}
	a.mem = nil

	b.lock.Lock()
	b.allocs--
	b.lock.Unlock()
	b.release(buf.Size())
}

func (b *Backend) release(length int64) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.used -= length
}

// MapDMA returns a table with a segment for every page of the buffer.
func (b *Backend) MapDMA(buf *memshare.Buffer) (memshare.SGTable, error) {
	a, ok := buf.Private().(*allocation)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no system heap allocation", memshare.ErrInvalidArgument, buf)
	}

	var (
		base  = pageAddr(a.mem)
		pages = len(a.mem) / memshare.PageSize
		sgt   = make(memshare.SGTable, 0, pages)
	)
	for i := 0; i < pages; i++ {
		sgt = append(sgt, memshare.Segment{
			Addr:   base + uint64(i*memshare.PageSize),
			Length: memshare.PageSize,
		})
	}

	return sgt, nil
}

// UnmapDMA is a no-op, the table holds no resources.
func (b *Backend) UnmapDMA(*memshare.Buffer) {}

// MapKernel returns the mapping backing the buffer.
func (b *Backend) MapKernel(buf *memshare.Buffer) ([]byte, error) {
	a, ok := buf.Private().(*allocation)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no system heap allocation", memshare.ErrInvalidArgument, buf)
	}
	return a.mem, nil
}

// UnmapKernel is a no-op, the backing mapping stays until Free.
func (b *Backend) UnmapKernel(*memshare.Buffer) {}

// MapUser inserts the pages of the buffer covered by the region.
func (b *Backend) MapUser(buf *memshare.Buffer, vma memshare.VMA) error {
	sgt := buf.SGTable()
	pages := min(len(sgt), int(memshare.PageAlign(vma.Len())/memshare.PageSize))
	for i := 0; i < pages; i++ {
		if err := vma.InsertPage(i, sgt[i].Addr); err != nil {
			return fmt.Errorf("failed to map page %d of %s: %w", i, buf, err)
		}
	}
	return nil
}

// Used returns the total size of live allocations.
func (b *Backend) Used() int64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.used
}

// DebugShow writes the allocation state of the backend.
func (b *Backend) DebugShow(w io.Writer) {
	b.lock.Lock()
	defer b.lock.Unlock()

	limit := "none"
	if b.limit > 0 {
		limit = memshare.HumanReadableSize(b.limit)
	}
	fmt.Fprintf(w, "system heap: %d allocations, used %s, peak %s, limit %s\n", b.allocs,
		memshare.HumanReadableSize(b.used), memshare.HumanReadableSize(b.peak), limit)
	if b.policy != nil {
		fmt.Fprintf(w, "memory policy %s\n", b.policy)
	}
}

func pageAddr(mem []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(mem))))
}
