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
	"sync"
	"sync/atomic"
	"time"
)

// Buffer is a reference counted chunk of memory allocated from a heap.
type Buffer struct {
	id      uint64
	dev     *Device
	heap    *Heap
	size    int64
	align   int64
	flags   Flags
	created time.Time
	refs    atomic.Int64
	sgt     SGTable
	private any

	// protected by lock
	lock      sync.Mutex
	kmapCnt   int
	vaddr     []byte
	handleCnt int
	dirty     []bool
	mappings  []*UserMapping
	owner     Owner
}

// Owner identifies the last known owner of a buffer, for diagnostics.
type Owner struct {
	Name string
	PID  int
}

func (o Owner) String() string {
	if o.PID == 0 {
		return o.Name
	}
	return fmt.Sprintf("%s[%d]", o.Name, o.PID)
}

// newBuffer creates a buffer using the backend of the heap and indexes it.
// A nil buffer without an error means the backend produced no memory but
// no error either.
func newBuffer(heap *Heap, dev *Device, length, align int64, flags Flags) (*Buffer, error) {
	b := &Buffer{
		dev:     dev,
		heap:    heap,
		size:    length,
		align:   align,
		flags:   flags,
		created: time.Now(),
	}
	b.refs.Store(1)

	if err := heap.backend.Allocate(b, length, align, flags); err != nil {
		return nil, fmt.Errorf("%s: failed to allocate %s: %w", heap, prettySize(length), err)
	}

	sgt, err := heap.backend.MapDMA(b)
	if err != nil || sgt == nil {
		heap.backend.Free(b)
		if err == nil {
			log.Warn("%s: no scatter-gather table for %s buffer", heap, prettySize(length))
			return nil, nil
		}
		return nil, fmt.Errorf("%s: failed to map buffer for DMA: %w", heap, err)
	}
	b.sgt = sgt

	if flags.FaultUserMappings() {
		if _, ok := sgt.PageAddr(int(length/PageSize) - 1); !ok {
			heap.backend.UnmapDMA(b)
			heap.backend.Free(b)
			return nil, fmt.Errorf("%w: %s: scatter-gather table shorter than %s",
				ErrInvalidArgument, heap, prettySize(length))
		}
		b.dirty = make([]bool, length/PageSize)
	}

	dev.addBuffer(b)
	heap.used.Add(b.size)

	return b, nil
}

// ID returns the device-wide unique ID of the buffer.
func (b *Buffer) ID() uint64 {
	return b.id
}

// Heap returns the heap the buffer was allocated from.
func (b *Buffer) Heap() *Heap {
	return b.heap
}

// Size returns the page aligned size of the buffer.
func (b *Buffer) Size() int64 {
	return b.size
}

// Align returns the alignment requested for the buffer.
func (b *Buffer) Align() int64 {
	return b.align
}

// Flags returns the allocation flags of the buffer.
func (b *Buffer) Flags() Flags {
	return b.flags
}

// Created returns the creation time of the buffer.
func (b *Buffer) Created() time.Time {
	return b.created
}

// SGTable returns the scatter-gather table of the buffer.
func (b *Buffer) SGTable() SGTable {
	return b.sgt
}

// SetPrivate sets backend private data for the buffer.
func (b *Buffer) SetPrivate(data any) {
	b.private = data
}

// Private returns the backend private data of the buffer.
func (b *Buffer) Private() any {
	return b.private
}

// RefCount returns the current reference count of the buffer.
func (b *Buffer) RefCount() int64 {
	return b.refs.Load()
}

// HandleCount returns the number of handles attached to the buffer.
func (b *Buffer) HandleCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.handleCnt
}

// KernelMapCount returns the number of kernel mappings of the buffer.
func (b *Buffer) KernelMapCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.kmapCnt
}

// LastOwner returns the last known owner of a buffer without handles.
func (b *Buffer) LastOwner() Owner {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.owner
}

// String returns a string representation of the buffer.
func (b *Buffer) String() string {
	return fmt.Sprintf("buffer #%d (%s, %s from %s)", b.id, prettySize(b.size), b.flags, b.heap.name)
}

func (b *Buffer) get() {
	b.refs.Add(1)
}

func (b *Buffer) put() {
	switch refs := b.refs.Add(-1); {
	case refs == 0:
		b.release()
	case refs < 0:
		log.Error("internal error: %s reference count underflow (%d)", b, refs)
	}
}

func (b *Buffer) release() {
	b.dev.removeBuffer(b)

	if b.heap.free != nil {
		b.heap.free.add(b)
		return
	}

	b.destroy()
}

func (b *Buffer) destroy() {
	b.lock.Lock()
	if b.kmapCnt > 0 {
		log.Error("internal error: %s destroyed with %d kernel mappings", b, b.kmapCnt)
		if km, ok := b.heap.kernelMapper(); ok {
			km.UnmapKernel(b)
		}
		b.kmapCnt = 0
		b.vaddr = nil
	}
	if len(b.mappings) > 0 {
		log.Error("internal error: %s destroyed with %d user mappings", b, len(b.mappings))
		for _, m := range b.mappings {
			m.vma.Zap()
		}
	}
	b.mappings = nil
	b.dirty = nil
	b.lock.Unlock()

	b.heap.backend.UnmapDMA(b)
	b.heap.backend.Free(b)
	b.heap.used.Add(-b.size)

	details.Debug("destroyed %s", b)
}

func (b *Buffer) addHandle() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handleCnt++
}

func (b *Buffer) removeHandle(owner Owner) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.handleCnt--
	if b.handleCnt == 0 {
		b.owner = owner
	}
	if b.handleCnt < 0 {
		log.Error("internal error: %s handle count underflow", b)
		b.handleCnt = 0
	}
}

// kmapGet takes a buffer-level kernel mapping. The caller holds the lock.
func (b *Buffer) kmapGet() ([]byte, error) {
	if b.kmapCnt > 0 {
		b.kmapCnt++
		return b.vaddr, nil
	}

	km, ok := b.heap.kernelMapper()
	if !ok {
		return nil, fmt.Errorf("%w: %s can't map buffers for the kernel", ErrUnsupported, b.heap)
	}

	vaddr, err := km.MapKernel(b)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", b, err)
	}
	if len(vaddr) == 0 {
		return nil, fmt.Errorf("%w: failed to map %s", ErrOutOfMemory, b)
	}

	b.vaddr = vaddr
	b.kmapCnt++

	return vaddr, nil
}

// kmapPut drops a buffer-level kernel mapping. The caller holds the lock.
func (b *Buffer) kmapPut() {
	if b.kmapCnt <= 0 {
		log.Error("internal error: %s kernel map count underflow", b)
		return
	}

	b.kmapCnt--
	if b.kmapCnt == 0 {
		if km, ok := b.heap.kernelMapper(); ok {
			km.UnmapKernel(b)
		}
		b.vaddr = nil
	}
}
