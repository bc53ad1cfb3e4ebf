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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/containers/memshare/pkg/memshare"
)

// fakeBackend is a heap backend with a fixed capacity which records the
// operations invoked on it.
type fakeBackend struct {
	sync.Mutex
	capacity int64
	used     int64
	base     uint64
	next     uint64

	allocs    int
	frees     int
	kmaps     int
	kunmaps   int
	umaps     int
	dmaMaps   int
	dmaUnmaps int

	failAlloc error
	failDMA   error
	noSGT     bool

	block      chan struct{}
	blockFrees int
	blocked    atomic.Int32
	onFree     func(*Buffer)
}

type fakeAlloc struct {
	addr uint64
	mem  []byte
}

func newFakeBackend(capacity int64) *fakeBackend {
	return &fakeBackend{
		capacity: capacity,
		base:     0x10000000,
		block:    make(chan struct{}),
	}
}

// blockNextFrees makes the next n frees block until unblockFrees is called.
func (f *fakeBackend) blockNextFrees(n int) {
	f.Lock()
	defer f.Unlock()
	f.blockFrees = n
}

func (f *fakeBackend) unblockFrees() {
	close(f.block)
}

func (f *fakeBackend) Allocate(buf *Buffer, length, align int64, flags Flags) error {
	f.Lock()
	defer f.Unlock()

	f.allocs++
	if f.failAlloc != nil {
		return f.failAlloc
	}
	if f.used+length > f.capacity {
		return fmt.Errorf("%w: fake heap full (%d/%d)", ErrOutOfMemory, f.used, f.capacity)
	}

	f.used += length
	buf.SetPrivate(&fakeAlloc{
		addr: f.base + f.next,
		mem:  make([]byte, length),
	})
	f.next += uint64(length)

	return nil
}

func (f *fakeBackend) Free(buf *Buffer) {
	f.Lock()
	block := f.blockFrees > 0
	if block {
		f.blockFrees--
	}
	f.Unlock()

	if block {
		f.blocked.Add(1)
		<-f.block
	}

	f.Lock()
	f.frees++
	f.used -= buf.Size()
	onFree := f.onFree
	f.Unlock()

	if onFree != nil {
		onFree(buf)
	}
}

func (f *fakeBackend) MapDMA(buf *Buffer) (SGTable, error) {
	f.Lock()
	defer f.Unlock()

	f.dmaMaps++
	if f.failDMA != nil {
		return nil, f.failDMA
	}
	if f.noSGT {
		return nil, nil
	}

	a := buf.Private().(*fakeAlloc)
	return SGTable{{Addr: a.addr, Length: buf.Size()}}, nil
}

func (f *fakeBackend) UnmapDMA(buf *Buffer) {
	f.Lock()
	defer f.Unlock()
	f.dmaUnmaps++
}

func (f *fakeBackend) MapKernel(buf *Buffer) ([]byte, error) {
	f.Lock()
	defer f.Unlock()
	f.kmaps++
	return buf.Private().(*fakeAlloc).mem, nil
}

func (f *fakeBackend) UnmapKernel(buf *Buffer) {
	f.Lock()
	defer f.Unlock()
	f.kunmaps++
}

func (f *fakeBackend) MapUser(buf *Buffer, vma VMA) error {
	f.Lock()
	defer f.Unlock()
	f.umaps++
	return nil
}

func (f *fakeBackend) Phys(buf *Buffer) (uint64, int64, error) {
	return buf.Private().(*fakeAlloc).addr, buf.Size(), nil
}

func (f *fakeBackend) counts() map[string]int {
	f.Lock()
	defer f.Unlock()
	return map[string]int{
		"allocs":    f.allocs,
		"frees":     f.frees,
		"kmaps":     f.kmaps,
		"kunmaps":   f.kunmaps,
		"umaps":     f.umaps,
		"dmaMaps":   f.dmaMaps,
		"dmaUnmaps": f.dmaUnmaps,
	}
}

func (f *fakeBackend) count(name string) int {
	return f.counts()[name]
}

// dmaOnly exposes only the mandatory operations of a fake backend.
type dmaOnly struct {
	f *fakeBackend
}

func (d dmaOnly) Allocate(buf *Buffer, length, align int64, flags Flags) error {
	return d.f.Allocate(buf, length, align, flags)
}

func (d dmaOnly) Free(buf *Buffer) {
	d.f.Free(buf)
}

func (d dmaOnly) MapDMA(buf *Buffer) (SGTable, error) {
	return d.f.MapDMA(buf)
}

func (d dmaOnly) UnmapDMA(buf *Buffer) {
	d.f.UnmapDMA(buf)
}

// advisedBackend is a fake backend asking for reclaim after allocations.
type advisedBackend struct {
	*fakeBackend
	minPriority int
}

func (a *advisedBackend) ShrinkInfo() (bool, int, int64) {
	a.Lock()
	defer a.Unlock()
	free := a.capacity - a.used
	return free < PageSize*2, a.minPriority, PageSize * 2
}

func (a *advisedBackend) FreeSize() int64 {
	a.Lock()
	defer a.Unlock()
	return a.capacity - a.used
}

// fakeProcess is a process which records termination requests.
type fakeProcess struct {
	pid         int
	name        string
	priority    int
	terminated  atomic.Int32
	onTerminate func()
}

func (p *fakeProcess) PID() int      { return p.pid }
func (p *fakeProcess) Name() string  { return p.name }
func (p *fakeProcess) Priority() int { return p.priority }

func (p *fakeProcess) Terminate() error {
	p.terminated.Add(1)
	if p.onTerminate != nil {
		go p.onTerminate()
	}
	return nil
}

// fakeVMA is a user mapping region which records page insertions.
type fakeVMA struct {
	sync.Mutex
	length   int64
	wc       bool
	inserted map[int]uint64
	zaps     int
}

func newFakeVMA(length int64) *fakeVMA {
	return &fakeVMA{
		length:   length,
		inserted: make(map[int]uint64),
	}
}

func (v *fakeVMA) Len() int64 { return v.length }

func (v *fakeVMA) SetWriteCombine() {
	v.Lock()
	defer v.Unlock()
	v.wc = true
}

func (v *fakeVMA) InsertPage(pgoff int, addr uint64) error {
	v.Lock()
	defer v.Unlock()
	v.inserted[pgoff] = addr
	return nil
}

func (v *fakeVMA) Zap() {
	v.Lock()
	defer v.Unlock()
	v.zaps++
	v.inserted = make(map[int]uint64)
}

// fakeCache records cache maintenance requests.
type fakeCache struct {
	sync.Mutex
	cleaned []uint64
	synced  []*Buffer
}

func (c *fakeCache) CleanPage(buf *Buffer, addr uint64) {
	c.Lock()
	defer c.Unlock()
	c.cleaned = append(c.cleaned, addr)
}

func (c *fakeCache) SyncForDevice(buf *Buffer, sgt SGTable) {
	c.Lock()
	defer c.Unlock()
	c.synced = append(c.synced, buf)
}

const (
	testTimeout = 5 * time.Second
	testTick    = 10 * time.Millisecond
)

// newTestHeap creates a heap with a fake backend of the given capacity.
func newTestHeap(t *testing.T, id HeapID, capacity int64, opts ...HeapOption) (*Heap, *fakeBackend) {
	t.Helper()

	f := newFakeBackend(capacity)
	h, err := NewHeap(id, fmt.Sprintf("test%d", id), f, opts...)
	require.NoError(t, err, "unexpected NewHeap() error")

	return h, f
}

// newTestDevice creates a device, closing it when the test ends.
func newTestDevice(t *testing.T, opts ...DeviceOption) *Device {
	t.Helper()

	d, err := NewDevice(opts...)
	require.NoError(t, err, "unexpected NewDevice() error")
	require.NotNil(t, d, "unexpected nil device")

	t.Cleanup(func() { _ = d.Close() })

	return d
}

// newTestClient creates a client for the device.
func newTestClient(t *testing.T, d *Device, name string, opts ...ClientOption) *Client {
	t.Helper()

	c, err := d.NewClient(name, opts...)
	require.NoError(t, err, "unexpected NewClient() error")

	return c
}
