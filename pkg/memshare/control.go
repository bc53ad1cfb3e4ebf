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
	"context"
	"fmt"
	"sync"
)

// Session is the control surface of a device for a single process. It
// addresses handles by ID and keeps track of the exports it has shared.
type Session struct {
	dev    *Device
	client *Client

	lock    sync.Mutex
	exports map[uint64]*Export
	closed  bool
}

// Open opens a new session on the device for the given process, which can
// be nil.
func (d *Device) Open(proc Process) (*Session, error) {
	var opts []ClientOption
	if proc != nil {
		opts = append(opts, WithProcess(proc))
	}

	c, err := d.NewClient("user", opts...)
	if err != nil {
		return nil, err
	}

	return &Session{
		dev:     d,
		client:  c,
		exports: make(map[uint64]*Export),
	}, nil
}

// Client returns the client of the session.
func (s *Session) Client() *Client {
	return s.client
}

// Close releases all exports shared through the session and destroys its
// client.
func (s *Session) Close() {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	exports := s.exports
	s.exports = nil
	s.lock.Unlock()

	for _, e := range exports {
		e.releaseLive()
	}

	s.client.Destroy()
}

// Allocate allocates a buffer and returns the ID of its handle.
func (s *Session) Allocate(ctx context.Context, length, align int64, mask HeapMask, flags Flags) (HandleID, error) {
	h, err := s.client.Alloc(ctx, length, align, mask, flags)
	if err != nil {
		return 0, err
	}
	return h.id, nil
}

// Free drops a reference to the handle with the given ID.
func (s *Session) Free(id HandleID) error {
	h, err := s.client.Lookup(id)
	if err != nil {
		return err
	}
	return s.client.Free(h)
}

// Share exports the buffer of the given handle and returns a descriptor
// for it. The export stays alive until the descriptor is closed.
func (s *Session) Share(id HandleID) (Descriptor, error) {
	h, err := s.client.Lookup(id)
	if err != nil {
		return nil, err
	}

	e, err := s.client.Share(h)
	if err != nil {
		return nil, err
	}

	desc, err := e.Descriptor()
	if err != nil {
		e.Release()
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		e.Release()
		return nil, fmt.Errorf("%w: session closed", ErrClosed)
	}
	s.exports[e.id] = e

	return desc, nil
}

// Import returns the ID of a handle for the buffer identified by the
// given descriptor.
func (s *Session) Import(desc Descriptor) (HandleID, error) {
	e, err := s.dev.Resolve(desc)
	if err != nil {
		return 0, err
	}
	defer e.Release()

	h, err := s.client.Import(e)
	if err != nil {
		return 0, err
	}
	return h.id, nil
}

// CloseDescriptor releases an export shared through this session.
func (s *Session) CloseDescriptor(desc Descriptor) error {
	e, err := s.dev.Resolve(desc)
	if err != nil {
		return err
	}
	defer e.Release()

	s.lock.Lock()
	owned, ok := s.exports[e.id]
	if ok {
		delete(s.exports, e.id)
	}
	s.lock.Unlock()

	if !ok {
		return fmt.Errorf("%w: descriptor not shared by this session", ErrInvalidArgument)
	}

	owned.Release()
	return nil
}

// MapKernel maps the buffer of the given handle for kernel access.
func (s *Session) MapKernel(id HandleID) ([]byte, error) {
	h, err := s.client.Lookup(id)
	if err != nil {
		return nil, err
	}
	return s.client.MapKernel(h)
}

// UnmapKernel drops a kernel mapping of the buffer of the given handle.
func (s *Session) UnmapKernel(id HandleID) error {
	h, err := s.client.Lookup(id)
	if err != nil {
		return err
	}
	return s.client.UnmapKernel(h)
}

// SyncForDevice syncs the buffer identified by the descriptor for device
// access.
func (s *Session) SyncForDevice(desc Descriptor) error {
	return s.dev.SyncForDevice(desc)
}

// QueryPhysicalAddress returns the physical address and length of the
// buffer of the given handle, if its heap supports it.
func (s *Session) QueryPhysicalAddress(id HandleID) (uint64, int64, error) {
	h, err := s.client.Lookup(id)
	if err != nil {
		return 0, 0, err
	}
	return s.client.Phys(h)
}

// ScatterTable returns the scatter-gather table of the buffer of the
// given handle.
func (s *Session) ScatterTable(id HandleID) (SGTable, error) {
	h, err := s.client.Lookup(id)
	if err != nil {
		return nil, err
	}
	return s.client.ScatterTable(h)
}

// Custom passes a device specific command to the custom handler of the
// device.
func (s *Session) Custom(cmd uint32, arg []byte) ([]byte, error) {
	if s.dev.custom == nil {
		return nil, fmt.Errorf("%w: no handler for custom command %#x", ErrUnsupported, cmd)
	}
	return s.dev.custom(s.client, cmd, arg)
}
