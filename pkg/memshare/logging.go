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
	"bufio"
	"fmt"
	"strings"

	logger "github.com/containers/memshare/pkg/log"
)

var (
	log     = logger.Get("memshare")
	details = logger.Get("memshare-details")
)

// DumpHeapStatus logs the usage report of every heap of the device.
func (d *Device) DumpHeapStatus(mask HeapMask, context ...interface{}) {
	prefix := formatPrefix(context...)

	log.Info("%s: heap mask %s, free lists %s", prefix, mask, prettySize(d.FreeListTotal()))
	for _, h := range d.Heaps() {
		log.Info("%s: %s used %s", prefix, h, prettySize(h.Used()))

		r, err := d.HeapReport(h.id)
		if err != nil {
			log.Error("%s: %v", prefix, err)
			continue
		}

		out := &strings.Builder{}
		if _, err := r.WriteTo(out); err != nil {
			continue
		}
		s := bufio.NewScanner(strings.NewReader(out.String()))
		for s.Scan() {
			log.Info("%s:   %s", prefix, s.Text())
		}
	}
}

// DumpClients logs the clients of the device and their handles.
func (d *Device) DumpClients(context ...interface{}) {
	if !details.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)

	clients := d.Clients()
	if len(clients) == 0 {
		details.Debug("%s  no clients", prefix)
		return
	}

	details.Debug("%s  clients:", prefix)
	for _, c := range clients {
		details.Debug("%s    - %s", prefix, c)
		c.ForeachBuffer(func(b *Buffer) bool {
			details.Debug("%s        %s", prefix, b)
			return ForeachMore
		})
	}
}

// DumpBuffers logs all live buffers of the device.
func (d *Device) DumpBuffers(context ...interface{}) {
	if !details.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)

	buffers := d.Buffers()
	if len(buffers) == 0 {
		details.Debug("%s  no buffers", prefix)
		return
	}

	details.Debug("%s  buffers:", prefix)
	for _, b := range buffers {
		details.Debug("%s    - %s, refs %d, handles %d, kmaps %d", prefix, b,
			b.RefCount(), b.HandleCount(), b.KernelMapCount())
	}
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!memshare:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
