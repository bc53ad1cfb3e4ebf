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
	"io"
	"sync/atomic"
)

// Backend is the set of operations every heap implementation provides.
type Backend interface {
	// Allocate allocates memory of the given length and alignment for buf.
	// Backends can stash their bookkeeping data in the buffer using
	// Buffer.SetPrivate. Allocate should return an error wrapping
	// ErrOutOfMemory when the heap is exhausted.
	Allocate(buf *Buffer, length, align int64, flags Flags) error
	// Free releases the memory allocated for buf.
	Free(buf *Buffer)
	// MapDMA returns the scatter-gather table for the memory of buf.
	MapDMA(buf *Buffer) (SGTable, error)
	// UnmapDMA releases any resources acquired by MapDMA.
	UnmapDMA(buf *Buffer)
}

// KernelMapper is implemented by backends which can map buffers for
// CPU access by the device itself.
type KernelMapper interface {
	MapKernel(buf *Buffer) ([]byte, error)
	UnmapKernel(buf *Buffer)
}

// UserMapper is implemented by backends which can map buffers into
// user mappings.
type UserMapper interface {
	MapUser(buf *Buffer, vma VMA) error
}

// PhysQuerier is implemented by backends of physically contiguous heaps.
type PhysQuerier interface {
	Phys(buf *Buffer) (addr uint64, length int64, err error)
}

// ShrinkAdvisor is implemented by backends which want proactive reclaim
// when they run low on memory.
type ShrinkAdvisor interface {
	// ShrinkInfo tells whether reclaim is needed, the minimum priority of
	// the processes to consider, and the free memory threshold triggering
	// reclaim.
	ShrinkInfo() (needed bool, minPriority int, minFree int64)
	// FreeSize returns the amount of free memory left in the heap.
	FreeSize() int64
}

// DebugShower is implemented by backends with extra diagnostics to report.
type DebugShower interface {
	DebugShow(w io.Writer)
}

// Heap is a single pluggable memory source of a device.
type Heap struct {
	id       HeapID
	name     string
	kind     HeapType
	priority int
	flags    HeapFlags
	backend  Backend
	used     atomic.Int64
	dev      *Device
	free     *freeList
}

// HeapOption is an opaque option for a Heap.
type HeapOption func(*Heap) error

// WithHeapType is an option to set the type of a heap.
func WithHeapType(t HeapType) HeapOption {
	return func(h *Heap) error {
		if _, ok := heapTypeToString[t]; !ok {
			return fmt.Errorf("%w: invalid heap type %d", ErrInvalidArgument, t)
		}
		h.kind = t
		return nil
	}
}

// WithHeapPriority is an option to set the priority of a heap. Heaps are
// tried in decreasing order of priority during allocation. By default the
// priority of a heap is its ID.
func WithHeapPriority(priority int) HeapOption {
	return func(h *Heap) error {
		h.priority = priority
		return nil
	}
}

// WithDeferredFree is an option to defer teardown of freed buffers to a
// background worker.
func WithDeferredFree() HeapOption {
	return func(h *Heap) error {
		h.flags |= HeapFlagDeferFree
		return nil
	}
}

// NewHeap creates a new heap with the given ID, name and backend.
func NewHeap(id HeapID, name string, backend Backend, options ...HeapOption) (*Heap, error) {
	if !id.IsValid() {
		return nil, fmt.Errorf("%w: heap ID %d out of range", ErrInvalidArgument, id)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: heap %s (#%d) has no backend", ErrInvalidArgument, name, id)
	}
	if name == "" {
		name = fmt.Sprintf("heap#%d", id)
	}

	h := &Heap{
		id:       id,
		name:     name,
		kind:     HeapTypeCustom,
		priority: int(id),
		backend:  backend,
	}

	for _, o := range options {
		if err := o(h); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	if h.flags&HeapFlagDeferFree != 0 {
		h.free = newFreeList(h)
	}

	return h, nil
}

// ID returns the ID of the heap.
func (h *Heap) ID() HeapID {
	return h.id
}

// Name returns the name of the heap.
func (h *Heap) Name() string {
	return h.name
}

// Type returns the type of the heap.
func (h *Heap) Type() HeapType {
	return h.kind
}

// Priority returns the allocation priority of the heap.
func (h *Heap) Priority() int {
	return h.priority
}

// Flags returns the capability flags of the heap.
func (h *Heap) Flags() HeapFlags {
	return h.flags
}

// Backend returns the backend of the heap.
func (h *Heap) Backend() Backend {
	return h.backend
}

// Used returns the number of bytes currently allocated from the heap,
// including buffers queued for deferred teardown.
func (h *Heap) Used() int64 {
	return h.used.Load()
}

// DeferFree returns true if buffer teardown is deferred for this heap.
func (h *Heap) DeferFree() bool {
	return h.free != nil
}

// Drain synchronously tears down all buffers queued for deferred teardown.
// It returns true if there was anything to drain.
func (h *Heap) Drain() bool {
	if h.free == nil {
		return false
	}
	return h.free.drain()
}

// FreeListSize returns the total size of buffers queued for teardown.
func (h *Heap) FreeListSize() int64 {
	if h.free == nil {
		return 0
	}
	return h.free.Size()
}

// FreeListLen returns the number of buffers queued for teardown.
func (h *Heap) FreeListLen() int {
	if h.free == nil {
		return 0
	}
	return h.free.Len()
}

// WorkerRunning returns true if the deferred teardown worker is running.
func (h *Heap) WorkerRunning() bool {
	if h.free == nil {
		return false
	}
	return h.free.Running()
}

// String returns a string representation of the heap.
func (h *Heap) String() string {
	return fmt.Sprintf("%s heap %s (#%d)", h.kind, h.name, h.id)
}

func (h *Heap) kernelMapper() (KernelMapper, bool) {
	km, ok := h.backend.(KernelMapper)
	return km, ok
}

func (h *Heap) userMapper() (UserMapper, bool) {
	um, ok := h.backend.(UserMapper)
	return um, ok
}
