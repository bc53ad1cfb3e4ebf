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
	"sync"
	"sync/atomic"
	"time"
)

// Process is the process a client is associated with. Only clients with
// an associated process are considered by the reclaim policy.
type Process interface {
	// PID returns the process ID.
	PID() int
	// Name returns the process name.
	Name() string
	// Priority returns the reclaim priority of the process. Processes with
	// higher priority are terminated first.
	Priority() int
	// Terminate requests the termination of the process.
	Terminate() error
}

// Client is a namespace of handles, typically one per process.
type Client struct {
	id   uint64
	name string
	dev  *Device
	proc Process
	refs atomic.Int64

	lock    sync.Mutex
	handles map[HandleID]*Handle
	buffers map[*Buffer]*Handle
	nextID  HandleID
	dead    bool

	// termination state maintained by reclaim
	pending  atomic.Bool
	deadline atomic.Int64
}

// ClientOption is an opaque option for a Client.
type ClientOption func(*Client) error

// WithProcess is an option to associate a client with a process.
func WithProcess(p Process) ClientOption {
	return func(c *Client) error {
		c.proc = p
		return nil
	}
}

// NewClient creates a new client with the given name.
func (d *Device) NewClient(name string, options ...ClientOption) (*Client, error) {
	c := &Client{
		name:    name,
		dev:     d,
		handles: make(map[HandleID]*Handle),
		buffers: make(map[*Buffer]*Handle),
	}
	c.refs.Store(1)

	for _, o := range options {
		if err := o(c); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	if err := d.addClient(c); err != nil {
		return nil, err
	}

	log.Debug("created client %s", c)

	return c, nil
}

// ID returns the device-wide unique ID of the client.
func (c *Client) ID() uint64 {
	return c.id
}

// Name returns the name of the client.
func (c *Client) Name() string {
	return c.name
}

// Process returns the process associated with the client, or nil.
func (c *Client) Process() Process {
	return c.proc
}

// PID returns the ID of the process associated with the client, or 0.
func (c *Client) PID() int {
	if c.proc == nil {
		return 0
	}
	return c.proc.PID()
}

// Device returns the device of the client.
func (c *Client) Device() *Device {
	return c.dev
}

// TerminationPending returns true if the reclaim policy requested the
// termination of the process of this client.
func (c *Client) TerminationPending() bool {
	return c.pending.Load()
}

// String returns a string representation of the client.
func (c *Client) String() string {
	if c.proc == nil {
		return fmt.Sprintf("%s (#%d)", c.name, c.id)
	}
	return fmt.Sprintf("%s (#%d, %s[%d])", c.name, c.id, c.proc.Name(), c.proc.PID())
}

func (c *Client) owner() Owner {
	if c.proc == nil {
		return Owner{Name: c.name}
	}
	return Owner{Name: c.proc.Name(), PID: c.proc.PID()}
}

// tryGet takes a reference to the client unless it is already being
// destroyed.
func (c *Client) tryGet() bool {
	for {
		refs := c.refs.Load()
		if refs <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Destroy drops a reference to the client. Dropping the last reference
// removes the client from its device and releases all its handles.
func (c *Client) Destroy() {
	switch refs := c.refs.Add(-1); {
	case refs > 0:
		return
	case refs < 0:
		log.Error("internal error: client %s destroyed more than once", c)
		return
	}

	c.dev.removeClient(c)
	c.teardown()
}

// teardown forcibly releases all handles of the client.
func (c *Client) teardown() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.dead {
		return
	}
	c.dead = true

	for _, h := range c.sortedHandles() {
		c.destroyHandle(h)
	}

	log.Debug("destroyed client %s", c)
}

// sortedHandles returns the handles of the client sorted by ID. The caller
// holds the client lock.
func (c *Client) sortedHandles() []*Handle {
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	slices.SortFunc(handles, func(h1, h2 *Handle) int {
		switch {
		case h1.id < h2.id:
			return -1
		case h1.id > h2.id:
			return 1
		}
		return 0
	})
	return handles
}

// Free drops a reference to the given handle.
func (c *Client) Free(h *Handle) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.validate(h) {
		return fmt.Errorf("%w: free of %v", ErrInvalidHandle, h)
	}

	c.putHandle(h)
	return nil
}

// Validate returns true if the handle is a live handle of this client.
func (c *Client) Validate(h *Handle) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.validate(h)
}

// Lookup returns the live handle with the given ID.
func (c *Client) Lookup(id HandleID) (*Handle, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	h, ok := c.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: no handle #%d in client %s", ErrInvalidHandle, id, c.name)
	}
	return h, nil
}

// HandleCount returns the number of live handles of the client.
func (c *Client) HandleCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.handles)
}

// Buffer returns the buffer referenced by the given handle.
func (c *Client) Buffer(h *Handle) (*Buffer, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.validate(h) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	return h.buf, nil
}

// ForeachBuffer calls the given function for each buffer referenced by the
// client, in handle order, until the function returns false, or ForeachDone.
// The client is locked during iteration.
func (c *Client) ForeachBuffer(fn func(*Buffer) bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, h := range c.sortedHandles() {
		if !fn(h.buf) {
			return
		}
	}
}

// LockBuffer validates the handle and returns its buffer with both the
// client and the buffer locked. The caller must call UnlockBuffer when
// done with the buffer.
func (c *Client) LockBuffer(h *Handle) (*Buffer, error) {
	c.lock.Lock()
	if !c.validate(h) {
		c.lock.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}

	h.buf.lock.Lock()
	return h.buf, nil
}

// UnlockBuffer releases the locks taken by a successful LockBuffer.
func (c *Client) UnlockBuffer(h *Handle) {
	h.buf.lock.Unlock()
	c.lock.Unlock()
}

// MapKernel maps the buffer of the handle for kernel access. The mapping
// is shared by all handles of the buffer.
func (c *Client) MapKernel(h *Handle) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.validate(h) {
		return nil, fmt.Errorf("%w: kernel map of %v", ErrInvalidHandle, h)
	}

	return h.kmapGet()
}

// UnmapKernel drops a kernel mapping taken by MapKernel.
func (c *Client) UnmapKernel(h *Handle) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.validate(h) {
		return fmt.Errorf("%w: kernel unmap of %v", ErrInvalidHandle, h)
	}

	return h.kmapPut()
}

// Phys returns the physical address and length of the buffer of the handle.
func (c *Client) Phys(h *Handle) (uint64, int64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.validate(h) {
		return 0, 0, fmt.Errorf("%w: physical address of %v", ErrInvalidHandle, h)
	}

	pq, ok := h.buf.heap.backend.(PhysQuerier)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s has no physical address query", ErrUnsupported, h.buf.heap)
	}

	return pq.Phys(h.buf)
}

// ScatterTable returns the scatter-gather table of the buffer of the handle.
func (c *Client) ScatterTable(h *Handle) (SGTable, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.validate(h) {
		return nil, fmt.Errorf("%w: scatter table of %v", ErrInvalidHandle, h)
	}

	return slices.Clone(h.buf.sgt), nil
}

// Usage returns the number of bytes referenced by the client per heap name.
func (c *Client) Usage() map[string]int64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	usage := make(map[string]int64)
	for _, h := range c.handles {
		usage[h.buf.heap.name] += h.buf.size
	}
	return usage
}

// heapUsage returns the size, the shared size and the proportional share
// of the memory the client references in the given heap.
func (c *Client) heapUsage(id HeapID) (size, shared, pss int64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, h := range c.handles {
		buf := h.buf
		if buf.heap.id != id {
			continue
		}

		buf.lock.Lock()
		cnt := int64(buf.handleCnt)
		buf.lock.Unlock()

		size += buf.size
		if cnt > 0 {
			pss += buf.size / cnt
		}
		if cnt > 1 {
			shared += buf.size
		}
	}

	return size, shared, pss
}

func (c *Client) markPending(grace time.Duration) {
	c.deadline.Store(time.Now().Add(grace).UnixNano())
	c.pending.Store(true)
}

func (c *Client) withinGrace(now time.Time) bool {
	return now.UnixNano() <= c.deadline.Load()
}
