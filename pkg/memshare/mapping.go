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

package memshare

import (
	"fmt"
	"slices"
	"sync/atomic"
)

// VMA is a user mapping region a buffer is mapped into.
type VMA interface {
	// Len returns the length of the region.
	Len() int64
	// SetWriteCombine switches the region to write-combining access.
	SetWriteCombine()
	// InsertPage maps the page at the given device address into the region
	// at the given page offset.
	InsertPage(pgoff int, addr uint64) error
	// Zap revokes all pages mapped into the region.
	Zap()
}

// CacheMaintainer performs CPU cache maintenance for device access.
type CacheMaintainer interface {
	// CleanPage writes back the CPU cache for the page at the given device
	// address before device access.
	CleanPage(buf *Buffer, addr uint64)
	// SyncForDevice syncs the CPU cache for the whole table before device
	// access.
	SyncForDevice(buf *Buffer, sgt SGTable)
}

type nopCacheMaintainer struct{}

func (nopCacheMaintainer) CleanPage(*Buffer, uint64) {}
func (nopCacheMaintainer) SyncForDevice(*Buffer, SGTable) {}

// UserMapping is a user mapping of a buffer. It holds a reference to the
// buffer until it is closed.
type UserMapping struct {
	buf    *Buffer
	vma    VMA
	closed atomic.Bool
}

// Buffer returns the mapped buffer.
func (m *UserMapping) Buffer() *Buffer {
	return m.buf
}

// Fault handles a fault at the given page offset of the mapping. The
// faulting page is marked dirty and mapped into the region.
func (m *UserMapping) Fault(pgoff int) error {
	b := m.buf

	b.lock.Lock()
	defer b.lock.Unlock()

	if pgoff < 0 || pgoff >= len(b.dirty) {
		return fmt.Errorf("%w: fault at page %d of %s", ErrInvalidArgument, pgoff, b)
	}
	if !slices.Contains(b.mappings, m) {
		return fmt.Errorf("%w: fault on closed mapping of %s", ErrInvalidArgument, b)
	}

	b.dirty[pgoff] = true

	addr, _ := b.sgt.PageAddr(pgoff)
	if err := m.vma.InsertPage(pgoff, addr); err != nil {
		return fmt.Errorf("failed to insert page %d of %s: %w", pgoff, b, err)
	}

	return nil
}

// Close unregisters the mapping from its buffer and drops its buffer
// reference. Closing a mapping more than once is a no-op.
func (m *UserMapping) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	b := m.buf

	b.lock.Lock()
	if idx := slices.Index(b.mappings, m); idx >= 0 {
		b.mappings = slices.Delete(b.mappings, idx, idx+1)
	}
	b.lock.Unlock()

	details.Debug("closed user mapping of %s", b)
	b.put()
}

// mapUser maps the buffer into the given region.
func (b *Buffer) mapUser(vma VMA) (*UserMapping, error) {
	um, ok := b.heap.userMapper()
	if !ok {
		return nil, fmt.Errorf("%w: %s can't map buffers to user space", ErrUnsupported, b.heap)
	}
	if vma == nil || vma.Len() <= 0 || vma.Len() > b.size {
		return nil, fmt.Errorf("%w: invalid mapping region for %s", ErrInvalidArgument, b)
	}

	m := &UserMapping{buf: b, vma: vma}

	if b.flags.FaultUserMappings() {
		b.get()
		b.lock.Lock()
		b.mappings = append(b.mappings, m)
		b.lock.Unlock()
		details.Debug("added fault driven user mapping of %s", b)
		return m, nil
	}

	if !b.flags.Cached() {
		vma.SetWriteCombine()
	}

	b.lock.Lock()
	err := um.MapUser(b, vma)
	b.lock.Unlock()

	if err != nil {
		log.Error("failed to map %s to user space: %v", b, err)
		return nil, fmt.Errorf("failed to map %s to user space: %w", b, err)
	}

	b.get()
	return m, nil
}

// syncForDevice cleans dirty pages of a fault driven buffer and revokes
// all its user mappings.
func (b *Buffer) syncForDevice(cm CacheMaintainer) {
	if !b.flags.FaultUserMappings() {
		return
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	for i, dirty := range b.dirty {
		if dirty {
			addr, _ := b.sgt.PageAddr(i)
			cm.CleanPage(b, addr)
		}
		b.dirty[i] = false
	}

	for _, m := range b.mappings {
		m.vma.Zap()
	}
}

// UserMappings returns the number of live fault driven user mappings.
func (b *Buffer) UserMappings() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.mappings)
}

// DirtyPages returns the number of pages dirtied since the last sync.
func (b *Buffer) DirtyPages() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	cnt := 0
	for _, dirty := range b.dirty {
		if dirty {
			cnt++
		}
	}
	return cnt
}
