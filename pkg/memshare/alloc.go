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
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

// Alloc allocates a buffer of at least length bytes from the first heap
// in the mask which can satisfy the request, and returns a new handle for
// it. Heaps are tried in decreasing order of priority. If all eligible
// heaps are exhausted and the device has a reclaim policy, a victim is
// terminated and the allocation retried, until it succeeds, the policy
// runs out of retries or victims, or ctx is done.
func (c *Client) Alloc(ctx context.Context, length, align int64, mask HeapMask, flags Flags) (*Handle, error) {
	if length <= 0 || length > MaxAllocSize {
		return nil, fmt.Errorf("%w: invalid allocation length %d", ErrInvalidArgument, length)
	}
	if align < 0 {
		return nil, fmt.Errorf("%w: invalid allocation alignment %d", ErrInvalidArgument, align)
	}

	var (
		dev     = c.dev
		limiter *rate.Limiter
		retries int
	)

	length = PageAlign(length)

	log.Debug("%s: allocate %s, heaps %s, flags %s, align %d", c, prettySize(length),
		mask, flags, align)

	for {
		buf, err := dev.allocBuffer(length, align, mask, flags)
		if err == nil {
			h, err := c.attach(buf)
			if err != nil {
				return nil, err
			}
			dev.shrinkAfterAlloc(buf.heap, length)
			return h, nil
		}

		if !errors.Is(err, ErrOutOfMemory) {
			log.Error("%s: fatal failure allocating %s from heaps %s: %v", c,
				prettySize(length), mask, err)
			if errors.Is(err, ErrNoDevice) {
				dev.DumpHeapStatus(mask, "fatal-unknown")
			}
			return nil, err
		}

		p := dev.ReclaimPolicy()
		if p == nil {
			log.Error("%s: out of memory allocating %s from heaps %s", c, prettySize(length), mask)
			dev.DumpHeapStatus(mask, "fatal-no-reclaim")
			return nil, err
		}

		if p.MaxRetries > 0 && retries >= p.MaxRetries {
			log.Error("%s: out of memory allocating %s, giving up after %d retries", c,
				prettySize(length), retries)
			dev.DumpHeapStatus(mask, "fatal-reclaim")
			return nil, err
		}

		if dev.shrink(p, mask, 0, length) == 0 {
			log.Error("%s: out of memory allocating %s, reclaim can't help", c, prettySize(length))
			dev.DumpHeapStatus(mask, "fatal-reclaim")
			return nil, err
		}

		if limiter == nil {
			limiter = rate.NewLimiter(rate.Every(p.RetryInterval), 1)
			limiter.Allow()
		}

		log.Debug("%s: waiting %s for reclaim to free %s", c, p.RetryInterval, prettySize(length))

		if werr := limiter.Wait(ctx); werr != nil {
			log.Error("%s: out of memory allocating %s, gave up waiting: %v", c,
				prettySize(length), werr)
			return nil, err
		}

		retries++
	}
}

// allocBuffer creates a buffer from the first eligible heap which can
// satisfy the request.
func (d *Device) allocBuffer(length, align int64, mask HeapMask, flags Flags) (*Buffer, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	if d.closed {
		return nil, ErrClosed
	}

	var (
		buf     *Buffer
		lastErr error
		matched bool
	)

	for _, h := range d.heaps {
		if !mask.Contains(h.id) {
			continue
		}
		matched = true

		b, err := newBuffer(h, d, length, align, flags)
		if b == nil && h.free != nil {
			if h.free.drain() {
				details.Debug("drained free list of %s, retrying allocation", h)
				b, err = newBuffer(h, d, length, align, flags)
			}
		}

		if b != nil {
			buf = b
			break
		}

		if err != nil {
			details.Debug("%v", err)
			lastErr = err
		}
	}

	switch {
	case !matched:
		return nil, fmt.Errorf("%w: no registered heap in mask %s", ErrInvalidArgument, mask)
	case buf != nil:
		details.Debug("allocated %s", buf)
		return buf, nil
	case lastErr == nil:
		return nil, ErrNoDevice
	case errors.Is(lastErr, ErrOutOfMemory), errors.Is(lastErr, ErrInvalidArgument),
		errors.Is(lastErr, ErrUnsupported):
		return nil, lastErr
	}

	return nil, fmt.Errorf("%w: %w", ErrOutOfMemory, lastErr)
}

// attach creates a handle for a freshly created buffer, taking over the
// reference held by its creator.
func (c *Client) attach(buf *Buffer) (*Handle, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	defer buf.put()

	if c.dead {
		return nil, fmt.Errorf("%w: client %s destroyed", ErrClosed, c.name)
	}

	return c.newHandle(buf), nil
}
