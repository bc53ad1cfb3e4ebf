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
)

// HandleID identifies a handle within its client. IDs are never reused.
type HandleID uint64

// Handle is a client-scoped reference to a buffer.
type Handle struct {
	id     HandleID
	client *Client
	buf    *Buffer

	// protected by client.lock
	refs    int
	kmapCnt int
}

// ID returns the ID of the handle.
func (h *Handle) ID() HandleID {
	return h.id
}

// Client returns the client which issued the handle.
func (h *Handle) Client() *Client {
	return h.client
}

// RefCount returns the current reference count of the handle.
func (h *Handle) RefCount() int {
	h.client.lock.Lock()
	defer h.client.lock.Unlock()
	return h.refs
}

// String returns a string representation of the handle.
func (h *Handle) String() string {
	return fmt.Sprintf("handle #%d of client %s", h.id, h.client.name)
}

// newHandle creates a handle for buf and adds it to the client. The caller
// holds the client lock.
func (c *Client) newHandle(buf *Buffer) *Handle {
	c.nextID++
	h := &Handle{
		id:     c.nextID,
		client: c,
		buf:    buf,
		refs:   1,
	}

	buf.get()
	buf.addHandle()

	c.handles[h.id] = h
	c.buffers[buf] = h

	return h
}

// validate checks that the handle belongs to this client and is live. The
// caller holds the client lock.
func (c *Client) validate(h *Handle) bool {
	if h == nil || h.client != c {
		return false
	}
	live, ok := c.handles[h.id]
	return ok && live == h
}

// getHandle takes a reference to the handle. The caller holds the client lock.
func (h *Handle) get() {
	h.refs++
}

// putHandle drops a reference to the handle, destroying it once the last
// reference is gone. The caller holds the client lock.
func (c *Client) putHandle(h *Handle) {
	h.refs--
	if h.refs > 0 {
		return
	}
	if h.refs < 0 {
		log.Error("internal error: %s reference count underflow", h)
	}
	c.destroyHandle(h)
}

// destroyHandle tears down the handle regardless of its reference count.
// The caller holds the client lock.
func (c *Client) destroyHandle(h *Handle) {
	buf := h.buf

	if h.kmapCnt > 0 {
		buf.lock.Lock()
		h.kmapCnt = 0
		buf.kmapPut()
		buf.lock.Unlock()
	}

	delete(c.handles, h.id)
	delete(c.buffers, buf)
	h.refs = 0

	buf.removeHandle(c.owner())
	buf.put()
}

// kmapGet takes a handle-level kernel mapping. The caller holds the client
// lock.
func (h *Handle) kmapGet() ([]byte, error) {
	buf := h.buf

	buf.lock.Lock()
	defer buf.lock.Unlock()

	if h.kmapCnt > 0 {
		h.kmapCnt++
		return buf.vaddr, nil
	}

	vaddr, err := buf.kmapGet()
	if err != nil {
		return nil, err
	}
	h.kmapCnt++

	return vaddr, nil
}

// kmapPut drops a handle-level kernel mapping. The caller holds the client
// lock.
func (h *Handle) kmapPut() error {
	buf := h.buf

	buf.lock.Lock()
	defer buf.lock.Unlock()

	if h.kmapCnt == 0 {
		return fmt.Errorf("%w: %s is not mapped", ErrInvalidArgument, h)
	}

	h.kmapCnt--
	if h.kmapCnt == 0 {
		buf.kmapPut()
	}

	return nil
}
