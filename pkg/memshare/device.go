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

	"github.com/hashicorp/go-multierror"
)

// Device is an allocator instance: a registry of heaps, the clients using
// them and an index of all live buffers.
type Device struct {
	// protects heaps, clients and closed
	lock    sync.RWMutex
	heaps   []*Heap
	clients map[uint64]*Client
	lastCID uint64
	closed  bool

	// protects the global buffer index
	bufLock sync.Mutex
	buffers map[uint64]*Buffer
	lastBID uint64

	reclaim      atomic.Pointer[ReclaimPolicy]
	reclaimLock  sync.Mutex
	reclaimKills atomic.Int64

	bridge *bridge
	cache  CacheMaintainer
	custom CustomHandler
}

// CustomHandler handles device specific commands which have no generic
// implementation.
type CustomHandler func(c *Client, cmd uint32, arg []byte) ([]byte, error)

// DeviceOption is an opaque option for a Device.
type DeviceOption func(*Device) error

// WithHeaps is an option to register the given heaps with a device.
func WithHeaps(heaps ...*Heap) DeviceOption {
	return func(d *Device) error {
		for _, h := range heaps {
			if err := d.AddHeap(h); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithReclaimPolicy is an option to enable reclaim using the given policy.
func WithReclaimPolicy(p *ReclaimPolicy) DeviceOption {
	return func(d *Device) error {
		d.SetReclaimPolicy(p)
		return nil
	}
}

// WithCacheMaintainer is an option to set up cache maintenance for buffers.
func WithCacheMaintainer(cm CacheMaintainer) DeviceOption {
	return func(d *Device) error {
		if cm == nil {
			return fmt.Errorf("%w: nil cache maintainer", ErrInvalidArgument)
		}
		d.cache = cm
		return nil
	}
}

// WithCustomHandler is an option to register a handler for custom commands.
func WithCustomHandler(fn CustomHandler) DeviceOption {
	return func(d *Device) error {
		d.custom = fn
		return nil
	}
}

// NewDevice creates a new device and configures it with the given options.
func NewDevice(options ...DeviceOption) (*Device, error) {
	b, err := newBridge()
	if err != nil {
		return nil, err
	}

	d := &Device{
		clients: make(map[uint64]*Client),
		buffers: make(map[uint64]*Buffer),
		bridge:  b,
		cache:   nopCacheMaintainer{},
	}

	for _, o := range options {
		if err := o(d); err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	return d, nil
}

// AddHeap registers the given heap with the device. For heaps with deferred
// free enabled this also starts the teardown worker of the heap.
func (d *Device) AddHeap(h *Heap) error {
	if h == nil || h.backend == nil {
		return fmt.Errorf("%w: heap without a backend", ErrInvalidArgument)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return ErrClosed
	}
	if h.dev != nil {
		return fmt.Errorf("%w: %s already registered", ErrInvalidArgument, h)
	}
	for _, o := range d.heaps {
		if o.id == h.id {
			return fmt.Errorf("%w: %s, conflicts with %s", ErrHeapExists, h, o)
		}
	}

	h.dev = d
	d.heaps = append(d.heaps, h)
	slices.SortStableFunc(d.heaps, func(h1, h2 *Heap) int {
		if diff := h2.priority - h1.priority; diff != 0 {
			return diff
		}
		return int(h2.id - h1.id)
	})

	if h.free != nil {
		h.free.start()
	}

	log.Info("added %s, priority %d, flags %s", h, h.priority, h.flags)

	return nil
}

// Heap returns the heap with the given ID, or nil.
func (d *Device) Heap(id HeapID) *Heap {
	d.lock.RLock()
	defer d.lock.RUnlock()

	for _, h := range d.heaps {
		if h.id == id {
			return h
		}
	}
	return nil
}

// Heaps returns all heaps in decreasing order of priority.
func (d *Device) Heaps() []*Heap {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return slices.Clone(d.heaps)
}

// ForeachHeap calls the given function for each heap in the mask in
// decreasing order of priority, until the function returns false, or
// ForeachDone.
func (d *Device) ForeachHeap(mask HeapMask, fn func(*Heap) bool) {
	for _, h := range d.Heaps() {
		if !mask.Contains(h.id) {
			continue
		}
		if !fn(h) {
			return
		}
	}
}

// Clients returns all clients sorted by ID.
func (d *Device) Clients() []*Client {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.sortedClients()
}

// ClientByPID returns a client associated with the given process ID. The
// returned client is referenced and needs to be released with Destroy.
func (d *Device) ClientByPID(pid int) (*Client, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	for _, c := range d.sortedClients() {
		if c.proc != nil && c.proc.PID() == pid && c.tryGet() {
			return c, nil
		}
	}

	return nil, fmt.Errorf("%w: no client for pid %d", ErrInvalidArgument, pid)
}

// Buffers returns all live buffers sorted by ID.
func (d *Device) Buffers() []*Buffer {
	d.bufLock.Lock()
	defer d.bufLock.Unlock()

	buffers := make([]*Buffer, 0, len(d.buffers))
	for _, b := range d.buffers {
		buffers = append(buffers, b)
	}
	slices.SortFunc(buffers, func(b1, b2 *Buffer) int {
		switch {
		case b1.id < b2.id:
			return -1
		case b1.id > b2.id:
			return 1
		}
		return 0
	})

	return buffers
}

// SetReclaimPolicy sets the reclaim policy of the device. A nil policy
// disables reclaim.
func (d *Device) SetReclaimPolicy(p *ReclaimPolicy) {
	if p != nil {
		p = p.withDefaults()
		log.Info("reclaim policy: %s", p)
	} else {
		log.Info("reclaim disabled")
	}
	d.reclaim.Store(p)
}

// ReclaimPolicy returns the current reclaim policy of the device, or nil.
func (d *Device) ReclaimPolicy() *ReclaimPolicy {
	return d.reclaim.Load()
}

// ReclaimKills returns the number of terminations requested to satisfy
// failed allocations.
func (d *Device) ReclaimKills() int64 {
	return d.reclaimKills.Load()
}

// Close shuts down the device. Remaining clients are destroyed, deferred
// teardown workers are stopped after draining their free lists, and an
// error is returned for any buffer still referenced.
func (d *Device) Close() error {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return nil
	}
	d.closed = true
	clients := d.sortedClients()
	d.clients = make(map[uint64]*Client)
	heaps := slices.Clone(d.heaps)
	d.lock.Unlock()

	for _, c := range clients {
		log.Warn("destroying lingering client %s", c)
		c.teardown()
	}

	d.bridge.releaseAll()

	var errs *multierror.Error
	for _, h := range heaps {
		if h.free != nil {
			h.free.stop()
		}
	}

	for _, b := range d.Buffers() {
		errs = multierror.Append(errs, fmt.Errorf("%s still referenced (%d refs)", b, b.RefCount()))
	}

	return errs.ErrorOrNil()
}

func (d *Device) addClient(c *Client) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return ErrClosed
	}

	d.lastCID++
	c.id = d.lastCID
	d.clients[c.id] = c

	return nil
}

func (d *Device) removeClient(c *Client) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.clients, c.id)
}

// sortedClients returns clients sorted by ID. The caller holds the lock.
func (d *Device) sortedClients() []*Client {
	clients := make([]*Client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	slices.SortFunc(clients, func(c1, c2 *Client) int {
		switch {
		case c1.id < c2.id:
			return -1
		case c1.id > c2.id:
			return 1
		}
		return 0
	})
	return clients
}

func (d *Device) addBuffer(b *Buffer) {
	d.bufLock.Lock()
	defer d.bufLock.Unlock()

	d.lastBID++
	b.id = d.lastBID
	d.buffers[b.id] = b
}

func (d *Device) removeBuffer(b *Buffer) {
	d.bufLock.Lock()
	defer d.bufLock.Unlock()
	delete(d.buffers, b.id)
}
