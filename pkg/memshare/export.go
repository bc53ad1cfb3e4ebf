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
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Export is a buffer shared outside of the client which allocated it. It
// holds a reference to the buffer until its last reference is released.
type Export struct {
	id   uint64
	br   *bridge
	buf  *Buffer
	refs atomic.Int64
}

// Descriptor is a sealed token identifying an Export. Only the device
// which issued a descriptor can resolve it.
type Descriptor []byte

// bridge tracks the exports of a device and seals their descriptors.
type bridge struct {
	id  []byte
	key [32]byte

	lock    sync.Mutex
	exports map[uint64]*Export
	lastID  uint64
}

type descriptorToken struct {
	Bridge []byte `cbor:"1,keyasint"`
	Export uint64 `cbor:"2,keyasint"`
	Size   int64  `cbor:"3,keyasint"`
}

type sealedDescriptor struct {
	Token []byte `cbor:"1,keyasint"`
	MAC   []byte `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("memshare: CBOR encoder initialization failed: " + err.Error())
	}
}

func newBridge() (*bridge, error) {
	b := &bridge{
		id:      make([]byte, 16),
		exports: make(map[uint64]*Export),
	}

	if _, err := rand.Read(b.id); err != nil {
		return nil, fmt.Errorf("failed to generate bridge ID: %w", err)
	}
	if _, err := rand.Read(b.key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate bridge key: %w", err)
	}

	return b, nil
}

func (br *bridge) export(buf *Buffer) *Export {
	br.lock.Lock()
	defer br.lock.Unlock()

	br.lastID++
	e := &Export{
		id:  br.lastID,
		br:  br,
		buf: buf,
	}
	e.refs.Store(1)
	br.exports[e.id] = e

	return e
}

func (br *bridge) remove(e *Export) {
	br.lock.Lock()
	defer br.lock.Unlock()
	delete(br.exports, e.id)
}

func (br *bridge) lookup(id uint64) (*Export, bool) {
	br.lock.Lock()
	defer br.lock.Unlock()
	e, ok := br.exports[id]
	return e, ok
}

// releaseAll forcibly releases all exports.
func (br *bridge) releaseAll() {
	br.lock.Lock()
	exports := make([]*Export, 0, len(br.exports))
	for _, e := range br.exports {
		exports = append(exports, e)
	}
	br.exports = make(map[uint64]*Export)
	br.lock.Unlock()

	for _, e := range exports {
		if e.refs.Swap(0) > 0 {
			log.Warn("releasing lingering export #%d of %s", e.id, e.buf)
			e.buf.put()
		}
	}
}

func (br *bridge) mac(token []byte) []byte {
	h, err := blake3.NewKeyed(br.key[:])
	if err != nil {
		panic("memshare: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write(token)
	return h.Sum(nil)
}

func (br *bridge) seal(e *Export) (Descriptor, error) {
	token, err := encMode.Marshal(&descriptorToken{
		Bridge: br.id,
		Export: e.id,
		Size:   e.buf.size,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode descriptor token: %w", err)
	}

	sealed, err := encMode.Marshal(&sealedDescriptor{
		Token: token,
		MAC:   br.mac(token),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode descriptor: %w", err)
	}

	return Descriptor(sealed), nil
}

// resolve returns the export for the given descriptor with a reference
// taken.
func (br *bridge) resolve(d Descriptor) (*Export, error) {
	sealed := &sealedDescriptor{}
	if err := cbor.Unmarshal(d, sealed); err != nil {
		return nil, fmt.Errorf("%w: malformed descriptor: %w", ErrImportRejected, err)
	}
	if subtle.ConstantTimeCompare(sealed.MAC, br.mac(sealed.Token)) != 1 {
		return nil, fmt.Errorf("%w: descriptor not issued by this device", ErrImportRejected)
	}

	token := &descriptorToken{}
	if err := cbor.Unmarshal(sealed.Token, token); err != nil {
		return nil, fmt.Errorf("%w: malformed descriptor token: %w", ErrImportRejected, err)
	}
	if !slices.Equal(token.Bridge, br.id) {
		return nil, fmt.Errorf("%w: descriptor not issued by this device", ErrImportRejected)
	}

	e, ok := br.lookup(token.Export)
	if !ok || !e.tryGet() {
		return nil, fmt.Errorf("%w: export #%d already released", ErrImportRejected, token.Export)
	}

	return e, nil
}

// Share exports the buffer of the given handle. The export holds its own
// reference to the buffer, independent of the handle and the client.
func (c *Client) Share(h *Handle) (*Export, error) {
	c.lock.Lock()
	if !c.validate(h) {
		c.lock.Unlock()
		return nil, fmt.Errorf("%w: share of %v", ErrInvalidHandle, h)
	}
	buf := h.buf
	buf.get()
	c.lock.Unlock()

	e := c.dev.bridge.export(buf)

	details.Debug("%s: exported %s as #%d", c, buf, e.id)

	return e, nil
}

// Import returns a handle for the buffer of the given export. If the client
// already has a handle for the buffer, a reference to that handle is taken
// and it is returned instead of creating a new one.
func (c *Client) Import(e *Export) (*Handle, error) {
	if e == nil || e.br != c.dev.bridge {
		return nil, fmt.Errorf("%w: foreign export", ErrImportRejected)
	}
	if !e.tryGet() {
		return nil, fmt.Errorf("%w: export #%d already released", ErrImportRejected, e.id)
	}
	defer e.Release()

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.dead {
		return nil, fmt.Errorf("%w: client %s destroyed", ErrClosed, c.name)
	}

	if h, ok := c.buffers[e.buf]; ok {
		h.get()
		details.Debug("%s: imported %s, reusing %s", c, e.buf, h)
		return h, nil
	}

	h := c.newHandle(e.buf)
	details.Debug("%s: imported %s as %s", c, e.buf, h)

	return h, nil
}

// Resolve returns the export identified by the given descriptor, taking a
// reference to it. The caller must Release the export once done with it.
func (d *Device) Resolve(desc Descriptor) (*Export, error) {
	return d.bridge.resolve(desc)
}

// SyncForDevice syncs the buffer of the export identified by the given
// descriptor for device access.
func (d *Device) SyncForDevice(desc Descriptor) error {
	e, err := d.bridge.resolve(desc)
	if err != nil {
		return err
	}
	defer e.Release()

	d.cache.SyncForDevice(e.buf, e.buf.sgt)
	return nil
}

// ID returns the device-wide unique ID of the export.
func (e *Export) ID() uint64 {
	return e.id
}

// Buffer returns the exported buffer.
func (e *Export) Buffer() *Buffer {
	return e.buf
}

// Size returns the size of the exported buffer.
func (e *Export) Size() int64 {
	return e.buf.size
}

// RefCount returns the current reference count of the export.
func (e *Export) RefCount() int64 {
	return e.refs.Load()
}

// Get takes an additional reference to the export.
func (e *Export) Get() (*Export, error) {
	if !e.tryGet() {
		return nil, fmt.Errorf("%w: export #%d already released", ErrInvalidArgument, e.id)
	}
	return e, nil
}

func (e *Export) tryGet() bool {
	for {
		refs := e.refs.Load()
		if refs <= 0 {
			return false
		}
		if e.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Release drops a reference to the export. Dropping the last reference
// drops the reference the export holds to its buffer.
func (e *Export) Release() {
	switch refs := e.refs.Add(-1); {
	case refs == 0:
		e.free()
	case refs < 0:
		e.refs.Store(0)
		log.Error("internal error: export #%d released more than once", e.id)
	}
}

// releaseLive drops a reference to the export unless it is already
// released, for instance by closing the device.
func (e *Export) releaseLive() {
	for {
		refs := e.refs.Load()
		if refs <= 0 {
			return
		}
		if e.refs.CompareAndSwap(refs, refs-1) {
			if refs == 1 {
				e.free()
			}
			return
		}
	}
}

func (e *Export) free() {
	e.br.remove(e)
	details.Debug("released export #%d of %s", e.id, e.buf)
	e.buf.put()
}

// Descriptor returns a sealed descriptor for the export.
func (e *Export) Descriptor() (Descriptor, error) {
	if e.refs.Load() <= 0 {
		return nil, fmt.Errorf("%w: export #%d already released", ErrInvalidArgument, e.id)
	}
	return e.br.seal(e)
}

// Mmap maps the exported buffer into the given region. Cached buffers with
// explicit syncing get a fault driven mapping, other buffers are mapped
// by the heap right away.
func (e *Export) Mmap(vma VMA) (*UserMapping, error) {
	if e.refs.Load() <= 0 {
		return nil, fmt.Errorf("%w: export #%d already released", ErrInvalidArgument, e.id)
	}
	return e.buf.mapUser(vma)
}

// MapForDevice prepares the exported buffer for device access and returns
// its scatter-gather table. Dirty pages of fault driven mappings are
// cleaned and all such mappings are revoked.
func (e *Export) MapForDevice() (SGTable, error) {
	if e.refs.Load() <= 0 {
		return nil, fmt.Errorf("%w: export #%d already released", ErrInvalidArgument, e.id)
	}
	e.buf.syncForDevice(e.buf.dev.cache)
	return e.buf.sgt, nil
}

// BeginCPUAccess takes a kernel mapping of the exported buffer.
func (e *Export) BeginCPUAccess() error {
	if !e.tryGet() {
		return fmt.Errorf("%w: export #%d already released", ErrInvalidArgument, e.id)
	}
	defer e.Release()

	b := e.buf
	if _, ok := b.heap.kernelMapper(); !ok {
		return fmt.Errorf("%w: %s can't map buffers for the kernel", ErrUnsupported, b.heap)
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	_, err := b.kmapGet()
	return err
}

// EndCPUAccess drops a kernel mapping taken by BeginCPUAccess.
func (e *Export) EndCPUAccess() error {
	if !e.tryGet() {
		return fmt.Errorf("%w: export #%d already released", ErrInvalidArgument, e.id)
	}
	defer e.Release()

	b := e.buf

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.kmapCnt == 0 {
		return fmt.Errorf("%w: %s not mapped for CPU access", ErrInvalidArgument, b)
	}
	b.kmapPut()

	return nil
}

// KMap returns the kernel mapping of the given page of the exported buffer.
// The buffer must be mapped by BeginCPUAccess.
func (e *Export) KMap(page int) ([]byte, error) {
	if !e.tryGet() {
		return nil, fmt.Errorf("%w: export #%d already released", ErrInvalidArgument, e.id)
	}
	defer e.Release()

	b := e.buf

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.kmapCnt == 0 {
		return nil, fmt.Errorf("%w: %s not mapped for CPU access", ErrInvalidArgument, b)
	}

	beg := int64(page) * PageSize
	end := beg + PageSize
	if page < 0 || end > int64(len(b.vaddr)) {
		return nil, fmt.Errorf("%w: page %d out of range for %s", ErrInvalidArgument, page, b)
	}

	return b.vaddr[beg:end:end], nil
}
