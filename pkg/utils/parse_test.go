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

package utils_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/memshare/pkg/utils"
)

func TestParseEnabled(t *testing.T) {
	for _, tc := range []struct {
		value   string
		enabled bool
		fail    bool
	}{
		{value: "on", enabled: true},
		{value: " Enabled ", enabled: true},
		{value: "1", enabled: true},
		{value: "off"},
		{value: "false"},
		{value: "maybe", fail: true},
	} {
		t.Run(tc.value, func(t *testing.T) {
			enabled, err := utils.ParseEnabled(tc.value)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.enabled, enabled)
		})
	}
}

func TestParseAddress(t *testing.T) {
	for _, tc := range []struct {
		value string
		addr  uint64
		fail  bool
	}{
		{value: "0x80000000", addr: 0x80000000},
		{value: " 0X8000_0000 ", addr: 0x80000000},
		{value: "4096", addr: 4096},
		{value: "0xgg", fail: true},
		{value: "-1", fail: true},
		{value: "", fail: true},
	} {
		t.Run(tc.value, func(t *testing.T) {
			addr, err := utils.ParseAddress(tc.value)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.addr, addr)
		})
	}
}
