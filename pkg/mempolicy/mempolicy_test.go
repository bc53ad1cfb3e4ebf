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

//go:build unix

package mempolicy

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNodesToMask(t *testing.T) {
	mask, err := nodesToMask([]int{0, 2, 65})
	require.NoError(t, err)
	require.Equal(t, []uint64{0x5, 0x2}, mask)

	_, err = nodesToMask([]int{-1})
	require.Error(t, err)
	_, err = nodesToMask([]int{MAX_NUMA_NODES})
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	type testCase struct {
		name  string
		mode  string
		nodes []int
		flags []string
		valid bool
		str   string
	}

	for _, tc := range []*testCase{
		{name: "bind", mode: "bind", nodes: []int{0, 1}, valid: true, str: "MPOL_BIND[0,1]"},
		{name: "kernel name", mode: "MPOL_INTERLEAVE", nodes: []int{1}, valid: true, str: "MPOL_INTERLEAVE[1]"},
		{name: "dashed", mode: "preferred-many", nodes: []int{3}, valid: true, str: "MPOL_PREFERRED_MANY[3]"},
		{name: "local", mode: "local", valid: true, str: "MPOL_LOCAL[]"},
		{name: "static nodes", mode: "bind", nodes: []int{0}, flags: []string{"mpol_f_static_nodes"}, valid: true},
		{name: "unknown mode", mode: "scatter"},
		{name: "unknown flag", mode: "bind", nodes: []int{0}, flags: []string{"MPOL_F_BOGUS"}},
		{name: "bind without nodes", mode: "bind"},
		{name: "default with nodes", mode: "default", nodes: []int{0}},
		{name: "preferred with many nodes", mode: "preferred", nodes: []int{0, 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.mode, tc.nodes, tc.flags...)
			if !tc.valid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.str != "" {
				require.Equal(t, tc.str, p.String())
			}
		})
	}
}

func TestBind(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("memory policies are only supported on linux")
	}

	mem, err := unix.Mmap(-1, 0, 4*unix.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	defer unix.Munmap(mem)

	p, err := New("default", nil)
	require.NoError(t, err)
	if err := p.Bind(mem); errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOSYS) {
		t.Skipf("mbind not permitted: %v", err)
	}
	require.NoError(t, p.Bind(mem))
	require.NoError(t, p.Bind(nil))

	p, err = New("bind", []int{MAX_NUMA_NODES - 1})
	require.NoError(t, err)
	require.Error(t, p.Bind(mem), "binding to a non-existent node")
}
