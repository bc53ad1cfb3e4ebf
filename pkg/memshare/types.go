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
	"encoding/json"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
)

const (
	// PageSize is the allocation granularity of buffers.
	PageSize = 4096
	// MaxAllocSize is the largest length that can be page aligned.
	MaxAllocSize int64 = math.MaxInt64 &^ (PageSize - 1)
	// MaxHeapID is the largest valid heap ID.
	MaxHeapID HeapID = 31
)

const (
	// ForeachDone as a return value terminates iteration by a Foreach* function.
	ForeachDone = false
	// ForeachMore as a return value continues iteration by a Foreach* function.
	ForeachMore = !ForeachDone
)

// PageAlign rounds the given size up to the next page boundary. The size
// must not exceed MaxAllocSize.
func PageAlign(size int64) int64 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// HeapID is the unique ID of a heap.
type HeapID int

// Mask returns the HeapMask containing only this heap ID.
func (id HeapID) Mask() HeapMask {
	if !id.IsValid() {
		return 0
	}
	return HeapMask(1) << id
}

// IsValid returns true if the heap ID is within the valid range.
func (id HeapID) IsValid() bool {
	return 0 <= id && id <= MaxHeapID
}

// HeapMask represents a set of heap IDs as a bit mask.
type HeapMask uint32

const (
	// HeapMaskAll contains all valid heap IDs.
	HeapMaskAll HeapMask = math.MaxUint32
)

// NewHeapMask returns a HeapMask containing the given heap IDs.
func NewHeapMask(ids ...HeapID) HeapMask {
	m := HeapMask(0)
	for _, id := range ids {
		m |= id.Mask()
	}
	return m
}

// ParseHeapMask parses a comma-separated list of heap IDs and ID ranges,
// for instance "0,2,4-6", into a HeapMask. A leading "0x" parses the
// string as a hexadecimal bit mask instead.
func ParseHeapMask(str string) (HeapMask, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return 0, nil
	}

	if hex, ok := strings.CutPrefix(strings.ToLower(str), "0x"); ok {
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid heap mask %q: %w", ErrInvalidArgument, str, err)
		}
		return HeapMask(v), nil
	}

	m := HeapMask(0)
	for _, s := range strings.Split(str, ",") {
		s = strings.TrimSpace(s)
		lo, hi, isRange := strings.Cut(s, "-")
		beg, err := parseHeapID(lo)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid heap mask %q: %w", ErrInvalidArgument, str, err)
		}
		end := beg
		if isRange {
			if end, err = parseHeapID(hi); err != nil {
				return 0, fmt.Errorf("%w: invalid heap mask %q: %w", ErrInvalidArgument, str, err)
			}
		}
		if end < beg {
			return 0, fmt.Errorf("%w: invalid heap range %q", ErrInvalidArgument, s)
		}
		for id := beg; id <= end; id++ {
			m |= id.Mask()
		}
	}

	return m, nil
}

// MustParseHeapMask parses the given string into a HeapMask.
// It panicks on failure.
func MustParseHeapMask(str string) HeapMask {
	m, err := ParseHeapMask(str)
	if err == nil {
		return m
	}

	panic(err)
}

func parseHeapID(str string) (HeapID, error) {
	v, err := strconv.Atoi(strings.TrimSpace(str))
	if err != nil {
		return 0, err
	}
	if id := HeapID(v); id.IsValid() {
		return id, nil
	}
	return 0, fmt.Errorf("heap ID %d out of range", v)
}

// Contains returns true if all the given heap IDs are present in the mask.
func (m HeapMask) Contains(ids ...HeapID) bool {
	for _, id := range ids {
		if !id.IsValid() || m&id.Mask() == 0 {
			return false
		}
	}
	return true
}

// Size returns the number of heap IDs in the mask.
func (m HeapMask) Size() int {
	return bits.OnesCount32(uint32(m))
}

// Slice returns the heap IDs present in the mask.
func (m HeapMask) Slice() []HeapID {
	var ids []HeapID
	for id := HeapID(0); id <= MaxHeapID; id++ {
		if m&id.Mask() != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Foreach calls the given function for each heap ID present in the mask
// until the function returns false, or ForeachDone. Iteration continues
// if the returned value is true, or ForeachMore.
func (m HeapMask) Foreach(fn func(HeapID) bool) {
	for _, id := range m.Slice() {
		if !fn(id) {
			return
		}
	}
}

// String returns a string representation of the mask.
func (m HeapMask) String() string {
	str := strings.Builder{}
	sep := ""
	for _, id := range m.Slice() {
		str.WriteString(sep)
		str.WriteString(strconv.Itoa(int(id)))
		sep = ","
	}
	return "{" + str.String() + "}"
}

// MarshalJSON is the json.Marshaller for HeapMask.
func (m HeapMask) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint32(m))
}

// UnmarshalJSON is the json.Unmarshaller for HeapMask.
func (m *HeapMask) UnmarshalJSON(data []byte) error {
	u := uint32(0)
	if err := json.Unmarshal(data, &u); err == nil {
		*m = HeapMask(u)
		return nil
	}

	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: invalid heap mask: %w", ErrInvalidArgument, err)
	}

	parsed, err := ParseHeapMask(str)
	if err != nil {
		return err
	}

	*m = parsed
	return nil
}

// HeapType describes the allocation strategy of a heap.
type HeapType int

const (
	HeapTypeSystem       HeapType = iota // scattered pages
	HeapTypeSystemContig                 // physically contiguous pages
	HeapTypeCarveout                     // reserved region, allocated from by extents
	HeapTypeChunk                        // reserved region, allocated from in fixed size chunks
	HeapTypeDMA                          // contiguous DMA memory
	HeapTypeCustom                       // anything else
)

var (
	heapTypeToString = map[HeapType]string{
		HeapTypeSystem:       "system",
		HeapTypeSystemContig: "system-contig",
		HeapTypeCarveout:     "carveout",
		HeapTypeChunk:        "chunk",
		HeapTypeDMA:          "dma",
		HeapTypeCustom:       "custom",
	}
	stringToHeapType = map[string]HeapType{
		"system":        HeapTypeSystem,
		"system-contig": HeapTypeSystemContig,
		"carveout":      HeapTypeCarveout,
		"chunk":         HeapTypeChunk,
		"dma":           HeapTypeDMA,
		"custom":        HeapTypeCustom,
	}
)

// ParseHeapType parses the given string into a heap type.
func ParseHeapType(str string) (HeapType, error) {
	if t, ok := stringToHeapType[strings.ToLower(str)]; ok {
		return t, nil
	}

	return 0, fmt.Errorf("%w: invalid heap type %q", ErrInvalidArgument, str)
}

// String returns a string representation of the heap type.
func (t HeapType) String() string {
	if str, ok := heapTypeToString[t]; ok {
		return str
	}

	return fmt.Sprintf("%%!(memshare:Bad-HeapType %d)", t)
}

// MarshalJSON is the json.Marshaller for HeapType.
func (t HeapType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON is the json.Unmarshaller for HeapType.
func (t *HeapType) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: invalid heap type: %w", ErrInvalidArgument, err)
	}

	parsed, err := ParseHeapType(str)
	if err != nil {
		return err
	}

	*t = parsed
	return nil
}

// HeapFlags are capability flags of a heap.
type HeapFlags uint

const (
	// HeapFlagDeferFree defers buffer teardown to a background worker.
	HeapFlagDeferFree HeapFlags = 1 << iota
)

// String returns a string representation of the heap flags.
func (f HeapFlags) String() string {
	if f&HeapFlagDeferFree != 0 {
		return "defer-free"
	}
	return "none"
}

// Flags are the immutable allocation flags of a buffer.
type Flags uint

const (
	// FlagCached requests a CPU cached buffer.
	FlagCached Flags = 1 << iota
	// FlagCachedNeedsSync requests explicit cache maintenance for a cached
	// buffer. User mappings of such buffers are populated page by page on
	// fault and revoked on every sync for device access.
	FlagCachedNeedsSync
)

// Cached returns true if the flags request a CPU cached buffer.
func (f Flags) Cached() bool {
	return f&FlagCached != 0
}

// FaultUserMappings returns true if user mappings need to be fault driven.
func (f Flags) FaultUserMappings() bool {
	return f&(FlagCached|FlagCachedNeedsSync) == FlagCached|FlagCachedNeedsSync
}

// String returns a string representation of the flags.
func (f Flags) String() string {
	switch {
	case f.FaultUserMappings():
		return "cached,needs-sync"
	case f.Cached():
		return "cached"
	case f&FlagCachedNeedsSync != 0:
		return "needs-sync"
	}
	return "uncached"
}

// Segment is a single contiguous, device-addressable chunk of a buffer.
type Segment struct {
	Addr   uint64
	Length int64
}

// SGTable is the scatter-gather table describing the memory of a buffer.
type SGTable []Segment

// Size returns the total length of all segments in the table.
func (t SGTable) Size() int64 {
	size := int64(0)
	for _, s := range t {
		size += s.Length
	}
	return size
}

// PageAddr returns the device address of the page at the given index.
func (t SGTable) PageAddr(page int) (uint64, bool) {
	offset := int64(page) * PageSize
	if page < 0 {
		return 0, false
	}
	for _, s := range t {
		if offset < s.Length {
			return s.Addr + uint64(offset), true
		}
		offset -= s.Length
	}
	return 0, false
}

// HumanReadableSize returns the given size as a human-readable string.
func HumanReadableSize(size int64) string {
	if size >= 1024 {
		units := []string{"k", "M", "G", "T"}

		for i, d := 0, int64(1024); i < len(units); i, d = i+1, d<<10 {
			if val := size / d; 1 <= val && val < 1024 {
				if fval := float64(size) / float64(d); math.Floor(fval) != fval {
					return strings.TrimRight(fmt.Sprintf("%.3f", fval), "0") + units[i]
				}
				return fmt.Sprintf("%d%s", val, units[i])
			}
		}
	}

	return strconv.FormatInt(size, 10)
}

func prettySize(v int64) string {
	return HumanReadableSize(v)
}
