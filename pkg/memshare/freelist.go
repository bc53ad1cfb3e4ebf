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
	"sync"
)

// freeList is the queue of buffers awaiting deferred teardown in a heap,
// together with the worker draining it.
type freeList struct {
	heap *Heap

	lock sync.Mutex
	bufs []*Buffer
	size int64

	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	running bool
}

func newFreeList(h *Heap) *freeList {
	return &freeList{
		heap: h,
		wake: make(chan struct{}, 1),
	}
}

func (f *freeList) start() {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.running {
		return
	}

	f.quit = make(chan struct{})
	f.done = make(chan struct{})
	f.running = true

	go f.run(f.quit, f.done)

	log.Debug("started deferred free worker for %s", f.heap)
}

func (f *freeList) stop() {
	f.lock.Lock()
	if !f.running {
		f.lock.Unlock()
		return
	}
	quit, done := f.quit, f.done
	f.running = false
	f.lock.Unlock()

	close(quit)
	<-done

	f.drain()

	log.Debug("stopped deferred free worker for %s", f.heap)
}

func (f *freeList) run(quit, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-quit:
			return
		case <-f.wake:
		}

		for {
			b := f.pop()
			if b == nil {
				break
			}
			b.destroy()
		}
	}
}

func (f *freeList) add(b *Buffer) {
	f.lock.Lock()
	f.bufs = append(f.bufs, b)
	f.size += b.size
	f.lock.Unlock()

	details.Debug("queued %s for deferred free", b)

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *freeList) pop() *Buffer {
	f.lock.Lock()
	defer f.lock.Unlock()

	if len(f.bufs) == 0 {
		return nil
	}

	b := f.bufs[0]
	f.bufs[0] = nil
	f.bufs = f.bufs[1:]
	f.size -= b.size

	return b
}

// drain tears down all queued buffers synchronously. It returns false if
// there was nothing to drain.
func (f *freeList) drain() bool {
	f.lock.Lock()
	defer f.lock.Unlock()

	if len(f.bufs) == 0 {
		return false
	}

	for _, b := range f.bufs {
		b.destroy()
	}
	f.bufs = nil
	f.size = 0

	return true
}

// Size returns the total size of queued buffers.
func (f *freeList) Size() int64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.size
}

// Len returns the number of queued buffers.
func (f *freeList) Len() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.bufs)
}

// Running returns true if the worker is running.
func (f *freeList) Running() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.running
}
