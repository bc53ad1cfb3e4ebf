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

	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/memshare/pkg/mempolicy"
	core "github.com/containers/memshare/pkg/memshare"
	"github.com/containers/memshare/pkg/utils"
)

const (
	// HeapTypeSystem is a heap of anonymous pages.
	HeapTypeSystem = "system"
	// HeapTypeCarveout is a heap allocating from a reserved region.
	HeapTypeCarveout = "carveout"
)

// Config provides runtime configuration for a shared buffer device.
// +kubebuilder:object:generate=true
type Config struct {
	// Heaps lists the heaps to register with the device.
	// +kubebuilder:validation:MinItems=1
	Heaps []HeapConfig `json:"heaps"`
	// Reclaim configures termination of clients to satisfy allocations
	// when the heaps run out of memory.
	// +optional
	Reclaim ReclaimConfig `json:"reclaim,omitempty"`
}

// HeapConfig describes a single heap.
type HeapConfig struct {
	// ID is the unique ID of the heap, used in allocation heap masks.
	// +kubebuilder:validation:Minimum=0
	// +kubebuilder:validation:Maximum=31
	ID int `json:"id"`
	// Name of the heap. Defaults to heap#<ID>.
	// +optional
	Name string `json:"name,omitempty"`
	// Type of the heap.
	// +kubebuilder:validation:Enum=system;carveout
	Type string `json:"type"`
	// Priority of the heap. Heaps are tried in decreasing order of
	// priority during allocation. Defaults to the ID of the heap.
	// +optional
	Priority *int `json:"priority,omitempty"`
	// Size of the reserved region of a carveout heap, or the allocation
	// limit of a system heap.
	// +optional
	// +kubebuilder:example="64Mi"
	Size *resource.Quantity `json:"size,omitempty"`
	// Base is the device address of the reserved region of a carveout heap.
	// +optional
	// +kubebuilder:example="0x80000000"
	Base string `json:"base,omitempty"`
	// DeferredFree defers teardown of freed buffers to a background worker.
	// +optional
	DeferredFree bool `json:"deferredFree,omitempty"`
	// LockedPages locks the pages of system heap buffers into memory.
	// +optional
	LockedPages bool `json:"lockedPages,omitempty"`
	// LowMemory enables reclaim when the free space of a carveout heap
	// drops below a threshold.
	// +optional
	LowMemory *LowMemoryConfig `json:"lowMemory,omitempty"`
	// MemoryPolicy binds the pages of system heap buffers to NUMA nodes.
	// +optional
	MemoryPolicy *MemoryPolicyConfig `json:"memoryPolicy,omitempty"`
}

// MemoryPolicyConfig is a NUMA memory policy.
type MemoryPolicyConfig struct {
	// Mode of the policy, for instance bind, interleave or preferred.
	// +kubebuilder:example="bind"
	Mode string `json:"mode"`
	// Nodes the policy applies to.
	// +optional
	Nodes []int `json:"nodes,omitempty"`
	// Flags of the policy, for instance MPOL_F_STATIC_NODES.
	// +optional
	Flags []string `json:"flags,omitempty"`
}

// Policy returns the memory policy for the configuration.
func (m *MemoryPolicyConfig) Policy() (*mempolicy.Policy, error) {
	return mempolicy.New(m.Mode, m.Nodes, m.Flags...)
}

// LowMemoryConfig configures low memory reclaim of a heap.
type LowMemoryConfig struct {
	// MinFree is the free space below which reclaim is triggered.
	// +kubebuilder:example="4Mi"
	MinFree resource.Quantity `json:"minFree"`
	// MinPriority is the lowest priority of processes terminated.
	// +optional
	MinPriority int `json:"minPriority,omitempty"`
}

// ReclaimConfig configures reclaim on allocation failures.
type ReclaimConfig struct {
	// Enabled turns on reclaim.
	// +optional
	Enabled bool `json:"enabled,omitempty"`
	// GracePeriod is how long a terminated client is waited for before
	// it is skipped in victim selection.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="1s"
	GracePeriod metav1.Duration `json:"gracePeriod,omitempty"`
	// RetryInterval is the pause between retries of a failed allocation.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="1ms"
	RetryInterval metav1.Duration `json:"retryInterval,omitempty"`
	// MaxRetries bounds the number of retries of a single allocation.
	// 0 retries until the allocation is abandoned by its caller.
	// +optional
	MaxRetries int `json:"maxRetries,omitempty"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var (
		errs *multierror.Error
		ids  = map[int]string{}
	)

	if len(c.Heaps) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("no heaps configured"))
	}

	for i := range c.Heaps {
		h := &c.Heaps[i]
		if err := h.Validate(); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if other, ok := ids[h.ID]; ok {
			errs = multierror.Append(errs, fmt.Errorf("heap %s: ID %d already used by heap %s",
				h.HeapName(), h.ID, other))
			continue
		}
		ids[h.ID] = h.HeapName()
	}

	if err := c.Reclaim.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// HeapName returns the name of the heap.
func (h *HeapConfig) HeapName() string {
	if h.Name != "" {
		return h.Name
	}
	return fmt.Sprintf("heap#%d", h.ID)
}

// HeapID returns the ID of the heap.
func (h *HeapConfig) HeapID() core.HeapID {
	return core.HeapID(h.ID)
}

// HeapType returns the type of the heap.
func (h *HeapConfig) HeapType() (core.HeapType, error) {
	switch h.Type {
	case HeapTypeSystem:
		return core.HeapTypeSystem, nil
	case HeapTypeCarveout:
		return core.HeapTypeCarveout, nil
	}
	return core.HeapTypeCustom, fmt.Errorf("unsupported heap type %q", h.Type)
}

// SizeBytes returns the configured size of the heap, or 0 if unset.
func (h *HeapConfig) SizeBytes() int64 {
	if h.Size == nil {
		return 0
	}
	return h.Size.Value()
}

// BaseAddress returns the configured base address, or 0 if unset.
func (h *HeapConfig) BaseAddress() (uint64, error) {
	if h.Base == "" {
		return 0, nil
	}
	return utils.ParseAddress(h.Base)
}

// Validate checks the heap configuration for errors.
func (h *HeapConfig) Validate() error {
	if !h.HeapID().IsValid() {
		return fmt.Errorf("heap %s: ID %d out of range", h.HeapName(), h.ID)
	}

	kind, err := h.HeapType()
	if err != nil {
		return fmt.Errorf("heap %s: %w", h.HeapName(), err)
	}

	if size := h.SizeBytes(); size < 0 {
		return fmt.Errorf("heap %s: negative size %s", h.HeapName(), h.Size)
	}

	if _, err := h.BaseAddress(); err != nil {
		return fmt.Errorf("heap %s: %w", h.HeapName(), err)
	}

	switch kind {
	case core.HeapTypeCarveout:
		if h.SizeBytes() == 0 {
			return fmt.Errorf("heap %s: carveout needs a size", h.HeapName())
		}
		if h.LockedPages {
			return fmt.Errorf("heap %s: lockedPages is only supported by system heaps", h.HeapName())
		}
		if h.MemoryPolicy != nil {
			return fmt.Errorf("heap %s: memoryPolicy is only supported by system heaps", h.HeapName())
		}
		if h.LowMemory != nil && h.LowMemory.MinFree.Value() < 0 {
			return fmt.Errorf("heap %s: negative low memory threshold", h.HeapName())
		}
	case core.HeapTypeSystem:
		if h.Base != "" {
			return fmt.Errorf("heap %s: base is only supported by carveout heaps", h.HeapName())
		}
		if h.LowMemory != nil {
			return fmt.Errorf("heap %s: lowMemory is only supported by carveout heaps", h.HeapName())
		}
		if h.MemoryPolicy != nil {
			if _, err := h.MemoryPolicy.Policy(); err != nil {
				return fmt.Errorf("heap %s: %w", h.HeapName(), err)
			}
		}
	}

	return nil
}

// HeapOptions returns the generic heap options for the configuration.
func (h *HeapConfig) HeapOptions() []core.HeapOption {
	kind, _ := h.HeapType()
	opts := []core.HeapOption{core.WithHeapType(kind)}
	if h.Priority != nil {
		opts = append(opts, core.WithHeapPriority(*h.Priority))
	}
	if h.DeferredFree {
		opts = append(opts, core.WithDeferredFree())
	}
	return opts
}

// Validate checks the reclaim configuration for errors.
func (r *ReclaimConfig) Validate() error {
	switch {
	case r.GracePeriod.Duration < 0:
		return fmt.Errorf("reclaim: negative grace period %s", r.GracePeriod.Duration)
	case r.RetryInterval.Duration < 0:
		return fmt.Errorf("reclaim: negative retry interval %s", r.RetryInterval.Duration)
	case r.MaxRetries < 0:
		return fmt.Errorf("reclaim: negative retry count %d", r.MaxRetries)
	}
	return nil
}

// Policy returns the reclaim policy for the configuration, or nil if
// reclaim is disabled.
func (r *ReclaimConfig) Policy() *core.ReclaimPolicy {
	if !r.Enabled {
		return nil
	}
	return &core.ReclaimPolicy{
		GracePeriod:   r.GracePeriod.Duration,
		RetryInterval: r.RetryInterval.Duration,
		MaxRetries:    r.MaxRetries,
	}
}

