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

// mempolicy package provides NUMA memory policies which can be bound to
// ranges of memory using the Linux kernel's mbind syscall.
package mempolicy

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	MPOL_DEFAULT = iota
	MPOL_PREFERRED
	MPOL_BIND
	MPOL_INTERLEAVE
	MPOL_LOCAL
	MPOL_PREFERRED_MANY
	MPOL_WEIGHTED_INTERLEAVE

	MPOL_F_STATIC_NODES   uint = (1 << 15)
	MPOL_F_RELATIVE_NODES uint = (1 << 14)

	MAX_NUMA_NODES = 1024
)

var (
	// ErrUnsupported is returned when memory policies are not supported.
	ErrUnsupported = errors.New("mempolicy: memory policies not supported")
)

var Modes = map[string]uint{
	"MPOL_DEFAULT":             MPOL_DEFAULT,
	"MPOL_PREFERRED":           MPOL_PREFERRED,
	"MPOL_BIND":                MPOL_BIND,
	"MPOL_INTERLEAVE":          MPOL_INTERLEAVE,
	"MPOL_LOCAL":               MPOL_LOCAL,
	"MPOL_PREFERRED_MANY":      MPOL_PREFERRED_MANY,
	"MPOL_WEIGHTED_INTERLEAVE": MPOL_WEIGHTED_INTERLEAVE,
}

var Flags = map[string]uint{
	"MPOL_F_STATIC_NODES":   MPOL_F_STATIC_NODES,
	"MPOL_F_RELATIVE_NODES": MPOL_F_RELATIVE_NODES,
}

var ModeNames map[uint]string

// Policy is a memory policy for a range of memory.
type Policy struct {
	Mode  uint
	Flags uint
	Nodes []int
}

// ParseMode parses a policy mode, either by its kernel name (MPOL_BIND)
// or by its short name (bind), case-insensitively.
func ParseMode(name string) (uint, error) {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if !strings.HasPrefix(key, "MPOL_") {
		key = "MPOL_" + key
	}
	if mode, ok := Modes[key]; ok {
		return mode, nil
	}
	return 0, fmt.Errorf("unknown memory policy mode %q", name)
}

// New creates a policy with the given mode and nodes.
func New(mode string, nodes []int, flags ...string) (*Policy, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}

	p := &Policy{Mode: m, Nodes: slices.Clone(nodes)}
	for _, f := range flags {
		v, ok := Flags[strings.ToUpper(f)]
		if !ok {
			return nil, fmt.Errorf("unknown memory policy flag %q", f)
		}
		p.Flags |= v
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Validate checks that the nodes of the policy are consistent with its mode.
func (p *Policy) Validate() error {
	switch p.Mode {
	case MPOL_DEFAULT, MPOL_LOCAL:
		if len(p.Nodes) > 0 {
			return fmt.Errorf("%s takes no nodes", ModeNames[p.Mode])
		}
	case MPOL_PREFERRED:
		if len(p.Nodes) > 1 {
			return fmt.Errorf("%s takes at most one node", ModeNames[p.Mode])
		}
	default:
		if _, ok := ModeNames[p.Mode]; !ok {
			return fmt.Errorf("invalid memory policy mode %d", p.Mode)
		}
		if len(p.Nodes) == 0 {
			return fmt.Errorf("%s needs nodes", ModeNames[p.Mode])
		}
	}
	_, err := nodesToMask(p.Nodes)
	return err
}

func (p *Policy) String() string {
	if p == nil {
		return "<no memory policy>"
	}
	nodes := make([]string, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		nodes = append(nodes, fmt.Sprintf("%d", n))
	}
	return ModeNames[p.Mode] + "[" + strings.Join(nodes, ",") + "]"
}

func nodesToMask(nodes []int) ([]uint64, error) {
	maxNode := 0
	for _, node := range nodes {
		if node > maxNode {
			maxNode = node
		}
		if node < 0 {
			return nil, fmt.Errorf("node %d out of range", node)
		}
	}
	if maxNode >= MAX_NUMA_NODES {
		return nil, fmt.Errorf("node %d out of range", maxNode)
	}
	mask := make([]uint64, (maxNode/64)+1)
	for _, node := range nodes {
		mask[node/64] |= (1 << (node % 64))
	}
	return mask, nil
}

func init() {
	ModeNames = make(map[uint]string)
	for k, v := range Modes {
		ModeNames[v] = k
	}
}
