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
	"io"
	"strings"
	"text/tabwriter"
)

// HeapReport is a snapshot of the usage of a heap.
type HeapReport struct {
	ID       HeapID
	Name     string
	Type     HeapType
	Used     int64
	Clients  []ClientUsage
	Orphans  []OrphanBuffer
	Total    int64
	Shared   int64
	Orphaned int64
	Deferred bool
	FreeList int64
	// Backend holds the output of the DebugShow of the heap backend.
	Backend string
}

// ClientUsage is the usage of a heap by a single client.
type ClientUsage struct {
	Name     string
	ID       uint64
	PID      int
	Priority int
	Process  bool
	Size     int64
	Shared   int64
	PSS      int64
}

// OrphanBuffer is a buffer without any handles.
type OrphanBuffer struct {
	ID         uint64
	Owner      Owner
	Size       int64
	KernelMaps int
	Refs       int64
}

// HeapReport returns a usage report for the heap with the given ID.
func (d *Device) HeapReport(id HeapID) (*HeapReport, error) {
	h := d.Heap(id)
	if h == nil {
		return nil, fmt.Errorf("%w: no heap #%d", ErrInvalidArgument, id)
	}

	r := &HeapReport{
		ID:       h.id,
		Name:     h.name,
		Type:     h.kind,
		Used:     h.Used(),
		Deferred: h.DeferFree(),
		FreeList: h.FreeListSize(),
	}

	for _, c := range d.Clients() {
		size, shared, pss := c.heapUsage(h.id)
		if size == 0 {
			continue
		}
		u := ClientUsage{
			Name:   c.name,
			ID:     c.id,
			Size:   size,
			Shared: shared,
			PSS:    pss,
		}
		if c.proc != nil {
			u.Name = c.proc.Name()
			u.PID = c.proc.PID()
			u.Priority = c.proc.Priority()
			u.Process = true
		}
		r.Clients = append(r.Clients, u)
	}

	for _, b := range d.Buffers() {
		if b.heap != h {
			continue
		}

		b.lock.Lock()
		handles, kmaps, owner := b.handleCnt, b.kmapCnt, b.owner
		b.lock.Unlock()

		r.Total += b.size
		switch {
		case handles == 0:
			r.Orphaned += b.size
			r.Orphans = append(r.Orphans, OrphanBuffer{
				ID:         b.id,
				Owner:      owner,
				Size:       b.size,
				KernelMaps: kmaps,
				Refs:       b.RefCount(),
			})
		case handles > 1:
			r.Shared += b.size
		}
	}

	if ds, ok := h.backend.(DebugShower); ok {
		buf := &strings.Builder{}
		ds.DebugShow(buf)
		r.Backend = buf.String()
	}

	return r, nil
}

// WriteTo writes a human-readable rendering of the report.
func (r *HeapReport) WriteTo(w io.Writer) (int64, error) {
	var (
		out = &strings.Builder{}
		tw  = tabwriter.NewWriter(out, 0, 8, 2, ' ', tabwriter.AlignRight)
		sep = strings.Repeat("-", 72) + "\n"
	)

	fmt.Fprintf(out, "%s (#%d, %s):\n", r.Name, r.ID, r.Type)
	fmt.Fprintf(tw, "client\tpid\tsize\tshared\tpss\tpriority\t\n")
	for _, u := range r.Clients {
		prio := "-"
		if u.Process {
			prio = fmt.Sprintf("%d", u.Priority)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t\n", u.Name, u.PID,
			prettySize(u.Size), prettySize(u.Shared), prettySize(u.PSS), prio)
	}
	tw.Flush()
	if len(r.Clients) == 0 {
		out.WriteString("  no allocations present\n")
	}

	out.WriteString(sep)
	out.WriteString("orphaned allocations (info is from last known client):\n")
	tw = tabwriter.NewWriter(out, 0, 8, 2, ' ', tabwriter.AlignRight)
	for _, o := range r.Orphans {
		fmt.Fprintf(tw, "%s\t%d\t%s\tkmaps %d\trefs %d\t\n", o.Owner.Name, o.Owner.PID,
			prettySize(o.Size), o.KernelMaps, o.Refs)
	}
	tw.Flush()
	if len(r.Orphans) == 0 {
		out.WriteString("  no orphaned allocations\n")
	}

	if r.Backend != "" {
		out.WriteString(sep)
		out.WriteString(r.Backend)
		if !strings.HasSuffix(r.Backend, "\n") {
			out.WriteString("\n")
		}
	}

	out.WriteString(sep)
	fmt.Fprintf(out, "total used %s, shared %s, orphaned %s\n",
		prettySize(r.Total), prettySize(r.Shared), prettySize(r.Orphaned))
	if r.Deferred {
		fmt.Fprintf(out, "deferred free list %s\n", prettySize(r.FreeList))
	}

	n, err := io.WriteString(w, out.String())
	return int64(n), err
}

// FreeListTotal returns the total size of buffers awaiting deferred
// teardown in all heaps.
func (d *Device) FreeListTotal() int64 {
	total := int64(0)
	for _, h := range d.Heaps() {
		total += h.FreeListSize()
	}
	return total
}

// UsedTotal returns the total usage of all heaps of the given type.
func (d *Device) UsedTotal(t HeapType) int64 {
	total := int64(0)
	for _, h := range d.Heaps() {
		if h.kind == t {
			total += h.Used()
		}
	}
	return total
}
