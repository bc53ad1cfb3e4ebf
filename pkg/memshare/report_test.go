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
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	. "github.com/containers/memshare/pkg/memshare"
)

// debugBackend is a fake backend which can describe its state.
type debugBackend struct {
	*fakeBackend
}

func (d *debugBackend) DebugShow(w io.Writer) {
	d.Lock()
	defer d.Unlock()
	fmt.Fprintf(w, "fake backend: %d allocations, %d frees", d.allocs, d.frees)
}

func TestHeapReport(t *testing.T) {
	f := &debugBackend{fakeBackend: newFakeBackend(16 * PageSize)}
	heap, err := NewHeap(1, "report", f, WithHeapType(HeapTypeCarveout))
	require.NoError(t, err)
	dev := newTestDevice(t, WithHeaps(heap))

	proc := &fakeProcess{pid: 10, name: "proc-a", priority: 3}
	c1 := newTestClient(t, dev, "owner", WithProcess(proc))
	c2 := newTestClient(t, dev, "anon")
	c3 := newTestClient(t, dev, "orphaner")

	ctx := context.Background()
	mask := NewHeapMask(1)

	shared, err := c1.Alloc(ctx, 2*PageSize, 0, mask, 0)
	require.NoError(t, err)
	e, err := c1.Share(shared)
	require.NoError(t, err)
	_, err = c2.Import(e)
	require.NoError(t, err)
	e.Release()

	_, err = c1.Alloc(ctx, PageSize, 0, mask, 0)
	require.NoError(t, err)
	_, err = c2.Alloc(ctx, PageSize, 0, mask, 0)
	require.NoError(t, err)

	orphaned, err := c3.Alloc(ctx, PageSize, 0, mask, 0)
	require.NoError(t, err)
	oe, err := c3.Share(orphaned)
	require.NoError(t, err)
	defer oe.Release()
	orphan := oe.Buffer()
	c3.Destroy()

	r, err := dev.HeapReport(1)
	require.NoError(t, err)

	require.Equal(t, "report", r.Name)
	require.Equal(t, HeapTypeCarveout, r.Type)
	require.Equal(t, int64(5*PageSize), r.Used, "heap usage")
	require.Equal(t, int64(5*PageSize), r.Total, "total of live buffers")
	require.Equal(t, int64(2*PageSize), r.Shared, "shared buffers")
	require.Equal(t, int64(PageSize), r.Orphaned, "orphaned buffers")
	require.False(t, r.Deferred)
	require.Contains(t, r.Backend, "fake backend: 4 allocations")

	expected := []ClientUsage{
		{
			Name:     "proc-a",
			ID:       c1.ID(),
			PID:      10,
			Priority: 3,
			Process:  true,
			Size:     3 * PageSize,
			Shared:   2 * PageSize,
			PSS:      2 * PageSize,
		},
		{
			Name:   "anon",
			ID:     c2.ID(),
			Size:   3 * PageSize,
			Shared: 2 * PageSize,
			PSS:    2 * PageSize,
		},
	}
	if diff := cmp.Diff(expected, r.Clients); diff != "" {
		t.Errorf("unexpected client usage (-expected +got):\n%s", diff)
	}

	expectedOrphans := []OrphanBuffer{
		{
			ID:    orphan.ID(),
			Owner: Owner{Name: "orphaner"},
			Size:  PageSize,
			Refs:  1,
		},
	}
	if diff := cmp.Diff(expectedOrphans, r.Orphans); diff != "" {
		t.Errorf("unexpected orphans (-expected +got):\n%s", diff)
	}

	out := &strings.Builder{}
	_, err = r.WriteTo(out)
	require.NoError(t, err)
	for _, s := range []string{
		"report (#1, carveout):",
		"proc-a",
		"anon",
		"orphaned allocations (info is from last known client):",
		"orphaner",
		"fake backend: 4 allocations",
		"total used 20k, shared 8k, orphaned 4k",
	} {
		require.Contains(t, out.String(), s)
	}
	require.NotContains(t, out.String(), "no orphaned allocations")

	require.Equal(t, map[string]int64{"report": 3 * PageSize}, c1.Usage())

	dev.DumpHeapStatus(mask, "test %s", "report")
	dev.DumpClients("test")
	dev.DumpBuffers("test")
}

func TestEmptyHeapReport(t *testing.T) {
	heap, _ := newTestHeap(t, 2, 16*PageSize, WithDeferredFree())
	dev := newTestDevice(t, WithHeaps(heap))

	r, err := dev.HeapReport(2)
	require.NoError(t, err)
	require.Empty(t, r.Clients)
	require.Empty(t, r.Orphans)
	require.True(t, r.Deferred)

	out := &strings.Builder{}
	_, err = r.WriteTo(out)
	require.NoError(t, err)
	for _, s := range []string{
		"no allocations present",
		"no orphaned allocations",
		"total used 0, shared 0, orphaned 0",
		"deferred free list 0",
	} {
		require.Contains(t, out.String(), s)
	}

	_, err = dev.HeapReport(3)
	require.ErrorIs(t, err, ErrInvalidArgument, "report of unknown heap")
}

func TestUsageTotals(t *testing.T) {
	system, _ := newTestHeap(t, 1, 16*PageSize, WithHeapType(HeapTypeSystem))
	carveout, cf := newTestHeap(t, 2, 16*PageSize, WithHeapType(HeapTypeCarveout), WithDeferredFree())
	dev := newTestDevice(t, WithHeaps(system, carveout))
	c := newTestClient(t, dev, "test")

	ctx := context.Background()
	_, err := c.Alloc(ctx, PageSize, 0, NewHeapMask(1), 0)
	require.NoError(t, err)
	h1, err := c.Alloc(ctx, 2*PageSize, 0, NewHeapMask(2), 0)
	require.NoError(t, err)
	h2, err := c.Alloc(ctx, 3*PageSize, 0, NewHeapMask(2), 0)
	require.NoError(t, err)

	require.Equal(t, int64(PageSize), dev.UsedTotal(HeapTypeSystem))
	require.Equal(t, int64(5*PageSize), dev.UsedTotal(HeapTypeCarveout))
	require.Equal(t, int64(0), dev.UsedTotal(HeapTypeDMA))

	cf.blockNextFrees(1)
	require.NoError(t, c.Free(h1))
	require.Eventually(t, func() bool { return cf.blocked.Load() == 1 }, testTimeout, testTick)
	require.NoError(t, c.Free(h2))

	require.Equal(t, int64(3*PageSize), dev.FreeListTotal(), "bytes on free lists")
	require.Equal(t, int64(5*PageSize), dev.UsedTotal(HeapTypeCarveout), "usage includes free lists")

	cf.unblockFrees()
	require.Eventually(t, func() bool { return dev.UsedTotal(HeapTypeCarveout) == 0 },
		testTimeout, testTick)
	require.Equal(t, int64(0), dev.FreeListTotal())
}
