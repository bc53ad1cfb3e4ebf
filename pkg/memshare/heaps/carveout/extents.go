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

package carveout

import (
	"fmt"
	"io"
	"slices"
)

// extent is a range of offsets within the carveout region.
type extent struct {
	off  int64
	size int64
}

func (e extent) end() int64 {
	return e.off + e.size
}

// extents is a first-fit allocator of offsets within a region. Free extents
// are kept sorted by offset and adjacent ones are always merged.
type extents struct {
	size int64
	free []extent
}

func newExtents(size int64) *extents {
	return &extents{
		size: size,
		free: []extent{{off: 0, size: size}},
	}
}

// alloc returns the offset of the first free range which can hold length
// bytes at the given alignment.
func (x *extents) alloc(length, align int64) (int64, bool) {
	if length <= 0 {
		return 0, false
	}
	if align <= 0 {
		align = 1
	}

	for i, e := range x.free {
		off := alignUp(e.off, align)
		if off > e.end() || length > e.end()-off {
			continue
		}

		var split []extent
		if off > e.off {
			split = append(split, extent{off: e.off, size: off - e.off})
		}
		if end := off + length; end < e.end() {
			split = append(split, extent{off: end, size: e.end() - end})
		}
		x.free = slices.Replace(x.free, i, i+1, split...)

		return off, true
	}

	return 0, false
}

// release returns a previously allocated range.
func (x *extents) release(off, length int64) error {
	if off < 0 || length <= 0 || off+length > x.size {
		return fmt.Errorf("range %d+%d outside of region", off, length)
	}

	i, _ := slices.BinarySearchFunc(x.free, off, func(e extent, off int64) int {
		switch {
		case e.off < off:
			return -1
		case e.off > off:
			return 1
		}
		return 0
	})

	if i > 0 && x.free[i-1].end() > off {
		return fmt.Errorf("range %d+%d overlaps free extent %d+%d", off, length,
			x.free[i-1].off, x.free[i-1].size)
	}
	if i < len(x.free) && off+length > x.free[i].off {
		return fmt.Errorf("range %d+%d overlaps free extent %d+%d", off, length,
			x.free[i].off, x.free[i].size)
	}

	x.free = slices.Insert(x.free, i, extent{off: off, size: length})

	if i+1 < len(x.free) && x.free[i].end() == x.free[i+1].off {
		x.free[i].size += x.free[i+1].size
		x.free = slices.Delete(x.free, i+1, i+2)
	}
	if i > 0 && x.free[i-1].end() == x.free[i].off {
		x.free[i-1].size += x.free[i].size
		x.free = slices.Delete(x.free, i, i+1)
	}

	return nil
}

// available returns the total size of free extents.
func (x *extents) available() int64 {
	total := int64(0)
	for _, e := range x.free {
		total += e.size
	}
	return total
}

// largest returns the size of the largest free extent.
func (x *extents) largest() int64 {
	largest := int64(0)
	for _, e := range x.free {
		largest = max(largest, e.size)
	}
	return largest
}

func (x *extents) dump(w io.Writer, base uint64) {
	for _, e := range x.free {
		fmt.Fprintf(w, "  free %#x-%#x (%d bytes)\n", base+uint64(e.off), base+uint64(e.end()), e.size)
	}
}

func alignUp(v, align int64) int64 {
	if r := v % align; r != 0 {
		return v + align - r
	}
	return v
}
