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

// Package memshare implements a shared buffer allocator.
//
// A Device owns a registry of heaps, the set of clients using them and a
// global index of every live buffer. Clients allocate buffers from heaps
// selected by a HeapMask and refer to them through client-scoped handles.
// Buffers are reference counted: every handle and every export holds one
// reference, and the last reference dropped tears the buffer down, either
// synchronously or, for heaps with deferred free enabled, from a per-heap
// background worker.
//
// Buffers can be shared across clients by exporting them. An Export keeps
// the buffer alive independently of the client which created it, and it
// can be imported by any client of the same device, reusing the client's
// existing handle for the buffer if one exists. For crossing process
// boundaries an Export can be turned into a sealed Descriptor which only
// the issuing device accepts.
//
// Mappings are reference counted at two levels. Kernel mappings are taken
// per handle and per buffer, the heap backend only being asked to map a
// buffer on its first kernel mapping and unmap it after its last one. User
// mappings of cached buffers which need explicit syncing are fault driven:
// pages are inserted into a mapping one at a time as they are touched, and
// marked dirty, so that syncing for device access only needs to clean the
// dirty pages and revoke the mappings.
//
// A device can optionally be set up with a reclaim policy. When an
// allocation fails for lack of memory, the policy picks the client with the
// highest priority process holding memory in the eligible heaps, requests
// its termination, and lets the allocation be retried once the victim had
// a chance to release its memory.
//
// Lock ordering is device, client, buffer. The global buffer index and the
// per-heap free lists are protected by leaf locks.
package memshare
