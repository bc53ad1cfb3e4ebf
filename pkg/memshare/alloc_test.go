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

package memshare_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/memshare/pkg/memshare"
)

func TestAllocRoundsUpToPages(t *testing.T) {
	type testCase struct {
		name   string
		length int64
		size   int64
	}

	heap, _ := newTestHeap(t, 1, 64*PageSize)
	dev := newTestDevice(t, WithHeaps(heap))
	c := newTestClient(t, dev, "test")

	for _, tc := range []*testCase{
		{name: "1 byte", length: 1, size: PageSize},
		{name: "one page", length: PageSize, size: PageSize},
		{name: "one page and a byte", length: PageSize + 1, size: 2 * PageSize},
		{name: "10000 bytes", length: 10000, size: 3 * PageSize},
		{name: "16 pages", length: 16 * PageSize, size: 16 * PageSize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h, err := c.Alloc(context.Background(), tc.length, 0, NewHeapMask(1), 0)
			require.NoError(t, err, "unexpected Alloc() error")

			buf, err := c.Buffer(h)
			require.NoError(t, err, "unexpected Buffer() error")
			require.Equal(t, tc.size, buf.Size(), "buffer size")
			require.GreaterOrEqual(t, buf.Size(), tc.length, "buffer size")
			require.Equal(t, int64(1), buf.RefCount(), "buffer reference count")
			require.Equal(t, 1, buf.HandleCount(), "buffer handle count")

			require.NoError(t, c.Free(h), "unexpected Free() error")
		})
	}
}

func TestAllocZeroLength(t *testing.T) {
	heap, f := newTestHeap(t, 1, 16*PageSize)
	dev := newTestDevice(t, WithHeaps(heap))
	c := newTestClient(t, dev, "test")

	for _, mask := range []HeapMask{0, NewHeapMask(1), NewHeapMask(2, 3), HeapMaskAll} {
		t.Run("mask "+mask.String(), func(t *testing.T) {
			h, err := c.Alloc(context.Background(), 0, 0, mask, 0)
			require.ErrorIs(t, err, ErrInvalidArgument, "zero length allocation")
			require.Nil(t, h, "handle for zero length allocation")
		})
	}

	require.Equal(t, 0, f.count("allocs"), "backend allocations")
	require.Equal(t, 0, c.HandleCount(), "client handles")
}

func TestAllocInvalidLength(t *testing.T) {
	heap, f := newTestHeap(t, 1, 16*PageSize)
	dev := newTestDevice(t, WithHeaps(heap))
	c := newTestClient(t, dev, "test")

	for _, length := range []int64{-PageSize, MaxAllocSize + 1, math.MaxInt64} {
		t.Run(fmt.Sprintf("length %d", length), func(t *testing.T) {
			h, err := c.Alloc(context.Background(), length, 0, NewHeapMask(1), 0)
			require.ErrorIs(t, err, ErrInvalidArgument, "invalid length allocation")
			require.Nil(t, h, "handle for invalid length allocation")
		})
	}

	require.Equal(t, 0, f.count("allocs"), "backend allocations")
	require.Equal(t, int64(0), heap.Used(), "heap usage")
}

func TestAllocUnregisteredHeaps(t *testing.T) {
	heap, f := newTestHeap(t, 1, 16*PageSize)
	dev := newTestDevice(t, WithHeaps(heap))
	c := newTestClient(t, dev, "test")

	h, err := c.Alloc(context.Background(), PageSize, 0, NewHeapMask(2, 7), 0)
	require.ErrorIs(t, err, ErrInvalidArgument, "allocation from unregistered heaps")
	require.Nil(t, h, "handle for failed allocation")

	require.Equal(t, 0, f.count("allocs"), "backend allocations")
	require.Empty(t, dev.Buffers(), "device buffers")
	require.Equal(t, 0, c.HandleCount(), "client handles")
	require.Equal(t, int64(0), heap.Used(), "heap usage")
}

func TestAllocHeapOrder(t *testing.T) {
	type testCase struct {
		name     string
		priority map[HeapID]int
		mask     HeapMask
		expected HeapID
	}

	for _, tc := range []*testCase{
		{
			name:     "higher IDs first",
			mask:     NewHeapMask(1, 3, 5),
			expected: 5,
		},
		{
			name:     "masked out heaps skipped",
			mask:     NewHeapMask(1, 3),
			expected: 3,
		},
		{
			name:     "explicit priority",
			priority: map[HeapID]int{1: 100},
			mask:     NewHeapMask(1, 3, 5),
			expected: 1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var heaps []*Heap
			for _, id := range []HeapID{1, 3, 5} {
				var opts []HeapOption
				if prio, ok := tc.priority[id]; ok {
					opts = append(opts, WithHeapPriority(prio))
				}
				h, _ := newTestHeap(t, id, 16*PageSize, opts...)
				heaps = append(heaps, h)
			}

			dev := newTestDevice(t, WithHeaps(heaps...))
			c := newTestClient(t, dev, "test")

			h, err := c.Alloc(context.Background(), PageSize, 0, tc.mask, 0)
			require.NoError(t, err, "unexpected Alloc() error")

			buf, err := c.Buffer(h)
			require.NoError(t, err, "unexpected Buffer() error")
			require.Equal(t, tc.expected, buf.Heap().ID(), "heap allocated from")
			require.NoError(t, c.Free(h))
		})
	}
}

func TestAllocFallsBackToNextHeap(t *testing.T) {
	small, fs := newTestHeap(t, 5, PageSize)
	large, fl := newTestHeap(t, 1, 16*PageSize)
	dev := newTestDevice(t, WithHeaps(small, large))
	c := newTestClient(t, dev, "test")

	h, err := c.Alloc(context.Background(), 2*PageSize, 0, NewHeapMask(1, 5), 0)
	require.NoError(t, err, "unexpected Alloc() error")

	buf, err := c.Buffer(h)
	require.NoError(t, err)
	require.Equal(t, large, buf.Heap(), "heap allocated from")
	require.Equal(t, 1, fs.count("allocs"), "allocations attempted from small heap")
	require.Equal(t, 1, fl.count("allocs"), "allocations attempted from large heap")
	require.Equal(t, 2*int64(PageSize), large.Used(), "large heap usage")
	require.Equal(t, int64(0), small.Used(), "small heap usage")
}

func TestAllocOutOfMemory(t *testing.T) {
	heap, _ := newTestHeap(t, 1, 2*PageSize)
	dev := newTestDevice(t, WithHeaps(heap))
	c := newTestClient(t, dev, "test")

	_, err := c.Alloc(context.Background(), 2*PageSize, 0, NewHeapMask(1), 0)
	require.NoError(t, err, "unexpected Alloc() error")

	h, err := c.Alloc(context.Background(), PageSize, 0, NewHeapMask(1), 0)
	require.ErrorIs(t, err, ErrOutOfMemory, "allocation from exhausted heap")
	require.NotErrorIs(t, err, ErrInvalidArgument)
	require.Nil(t, h)
	require.Len(t, dev.Buffers(), 1, "device buffers")
}

func TestAllocBackendErrors(t *testing.T) {
	type testCase struct {
		name     string
		setup    func(*fakeBackend)
		expected error
		frees    int
	}

	for _, tc := range []*testCase{
		{
			name:     "opaque allocation failure",
			setup:    func(f *fakeBackend) { f.failAlloc = fmt.Errorf("boom") },
			expected: ErrOutOfMemory,
		},
		{
			name:     "unsupported alignment",
			setup:    func(f *fakeBackend) { f.failAlloc = fmt.Errorf("%w: alignment", ErrInvalidArgument) },
			expected: ErrInvalidArgument,
		},
		{
			name:     "DMA mapping failure",
			setup:    func(f *fakeBackend) { f.failDMA = fmt.Errorf("%w: no table", ErrOutOfMemory) },
			expected: ErrOutOfMemory,
			frees:    1,
		},
		{
			name:     "no scatter-gather table",
			setup:    func(f *fakeBackend) { f.noSGT = true },
			expected: ErrNoDevice,
			frees:    1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			heap, f := newTestHeap(t, 1, 16*PageSize)
			tc.setup(f)
			dev := newTestDevice(t, WithHeaps(heap))
			c := newTestClient(t, dev, "test")

			h, err := c.Alloc(context.Background(), PageSize, 0, NewHeapMask(1), 0)
			require.ErrorIs(t, err, tc.expected, "allocation error")
			require.Nil(t, h, "handle for failed allocation")
			require.Empty(t, dev.Buffers(), "partially created buffer indexed")
			require.Equal(t, tc.frees, f.count("frees"), "backend frees")
			require.Equal(t, int64(0), heap.Used(), "heap usage")
		})
	}
}

func TestAllocDrainsDeferredHeap(t *testing.T) {
	heap, f := newTestHeap(t, 1, 2*PageSize, WithDeferredFree())
	dev := newTestDevice(t, WithHeaps(heap))
	c := newTestClient(t, dev, "test")

	h1, err := c.Alloc(context.Background(), PageSize, 0, NewHeapMask(1), 0)
	require.NoError(t, err)
	h2, err := c.Alloc(context.Background(), PageSize, 0, NewHeapMask(1), 0)
	require.NoError(t, err)

	f.blockNextFrees(1)
	defer f.unblockFrees()

	require.NoError(t, c.Free(h1))
	require.Eventually(t, func() bool { return f.blocked.Load() == 1 }, testTimeout, testTick,
		"worker tearing down first buffer")

	require.NoError(t, c.Free(h2))
	require.Equal(t, 1, heap.FreeListLen(), "buffers queued for teardown")

	h3, err := c.Alloc(context.Background(), PageSize, 0, NewHeapMask(1), 0)
	require.NoError(t, err, "allocation should succeed after draining the free list")
	require.True(t, c.Validate(h3))
	require.Equal(t, 0, heap.FreeListLen(), "buffers queued for teardown")
	require.Equal(t, 1, f.count("frees"), "backend frees")
}

func TestAllocOnClosedDevice(t *testing.T) {
	heap, _ := newTestHeap(t, 1, PageSize)
	dev := newTestDevice(t, WithHeaps(heap))
	c := newTestClient(t, dev, "test")

	require.NoError(t, dev.Close())

	_, err := c.Alloc(context.Background(), PageSize, 0, NewHeapMask(1), 0)
	require.True(t, errors.Is(err, ErrClosed), "allocation on closed device")

	_, err = dev.NewClient("late")
	require.ErrorIs(t, err, ErrClosed, "client creation on closed device")
}
