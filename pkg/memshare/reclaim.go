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
	"time"
)

const (
	// DefaultGracePeriod is the default time a reclaim victim has to exit.
	DefaultGracePeriod = time.Second
	// DefaultRetryInterval is the default pause between allocation retries.
	DefaultRetryInterval = time.Millisecond

	// reclaimWait is returned by shrink if a victim is still exiting.
	reclaimWait int64 = -1
)

// ReclaimPolicy configures termination of clients to relieve memory
// pressure when allocations fail.
type ReclaimPolicy struct {
	// GracePeriod is how long a victim is waited for before it is skipped.
	GracePeriod time.Duration
	// RetryInterval is the pause between allocation retries.
	RetryInterval time.Duration
	// MaxRetries bounds the number of retries of a single allocation.
	// 0 retries until the context of the allocation is done.
	MaxRetries int
}

func (p *ReclaimPolicy) withDefaults() *ReclaimPolicy {
	c := *p
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return &c
}

// String returns a string representation of the policy.
func (p *ReclaimPolicy) String() string {
	retries := "unlimited"
	if p.MaxRetries > 0 {
		retries = fmt.Sprintf("%d", p.MaxRetries)
	}
	return fmt.Sprintf("grace period %s, retry interval %s, %s retries",
		p.GracePeriod, p.RetryInterval, retries)
}

// shrink picks a victim holding memory in the heaps of the mask and requests
// its termination. It returns the size the victim holds in the heap it was
// picked for, reclaimWait if an earlier victim is still exiting, or 0 if no
// victim could be found. A non-zero failSize marks an allocation failure and
// counts the termination as a reclaim kill.
func (d *Device) shrink(p *ReclaimPolicy, mask HeapMask, minPriority int, failSize int64) int64 {
	d.reclaimLock.Lock()
	defer d.reclaimLock.Unlock()

	v, wait := d.selectVictim(mask, minPriority)
	if wait {
		return reclaimWait
	}
	if v == nil {
		return 0
	}

	kind := "low memory"
	if failSize != 0 {
		d.reclaimKills.Add(1)
		kind = "out of memory"
	}

	v.client.markPending(p.GracePeriod)

	log.Info("%s reclaim in %s (used %s, required %s, kills %d): terminating %s, size %s, priority %d",
		kind, v.heap, prettySize(v.heap.Used()), prettySize(failSize),
		d.reclaimKills.Load(), v.client, prettySize(v.size), v.priority)

	if err := v.client.proc.Terminate(); err != nil {
		log.Warn("failed to terminate %s: %v", v.client, err)
	}

	return v.size
}

type victim struct {
	client   *Client
	heap     *Heap
	size     int64
	priority int
}

// selectVictim picks the client with the highest priority process holding
// memory in the heaps of the mask, preferring the one holding more memory
// among equal priorities. It returns true instead if an earlier victim is
// still within its grace period.
func (d *Device) selectVictim(mask HeapMask, minPriority int) (*victim, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	var (
		now      = time.Now()
		clients  = d.sortedClients()
		selected *victim
	)

	for _, h := range d.heaps {
		if !mask.Contains(h.id) {
			continue
		}
		for _, c := range clients {
			if c.proc == nil {
				continue
			}
			if c.pending.Load() {
				details.Debug("termination of %s pending", c)
				if c.withinGrace(now) {
					return nil, true
				}
				continue
			}

			prio := c.proc.Priority()
			if prio < minPriority {
				continue
			}

			size, _, _ := c.heapUsage(h.id)
			if size == 0 {
				continue
			}

			if selected != nil {
				if prio < selected.priority {
					continue
				}
				if prio == selected.priority && size <= selected.size {
					continue
				}
			}

			selected = &victim{
				client:   c,
				heap:     h,
				size:     size,
				priority: prio,
			}
		}
	}

	return selected, false
}

// shrinkAfterAlloc runs proactive reclaim if the backend of the heap asks
// for it after a successful allocation.
func (d *Device) shrinkAfterAlloc(h *Heap, length int64) {
	adv, ok := h.backend.(ShrinkAdvisor)
	if !ok {
		return
	}

	p := d.ReclaimPolicy()
	if p == nil {
		return
	}

	needed, minPriority, minFree := adv.ShrinkInfo()
	if !needed {
		return
	}

	log.Debug("%s allocation caused low memory reclaim in %s (free %s, threshold %s)",
		prettySize(length), h, prettySize(adv.FreeSize()), prettySize(minFree))

	d.shrink(p, h.id.Mask(), minPriority, 0)
}
