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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/memshare/pkg/apis/config/v1alpha1/log"
)

func TestSrcmapParse(t *testing.T) {
	type testCase struct {
		name   string
		value  string
		result srcmap
		fail   bool
	}

	for _, tc := range []*testCase{
		{
			name:   "empty",
			value:  "",
			result: srcmap{},
		},
		{
			name:   "implicit on",
			value:  "memshare",
			result: srcmap{"memshare": true},
		},
		{
			name:   "all",
			value:  "on:all",
			result: srcmap{"*": true},
		},
		{
			name:   "state carries over",
			value:  "off:metrics,collector,on:memshare",
			result: srcmap{"metrics": false, "collector": false, "memshare": true},
		},
		{
			name:   "source groups",
			value:  "core,off:backends",
			result: srcmap{
				"memshare": true, "memshare-details": true,
				"heaps": false, "system-heap": false, "carveout-heap": false,
			},
		},
		{
			name:   "group entry overridden",
			value:  "on:core,off:memshare-details",
			result: srcmap{"memshare": true, "memshare-details": false},
		},
		{
			name:  "missing source",
			value: "on:",
			fail:  true,
		},
		{
			name:  "bad state",
			value: "sometimes:memshare",
			fail:  true,
		},
		{
			name:  "bad entry",
			value: "on:memshare:details",
			fail:  true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := make(srcmap)
			err := m.parse(tc.value)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.result, m)
		})
	}
}

func TestDebugConfiguration(t *testing.T) {
	l := Get("log-test")
	other := Get("log-test-other")

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"on:log-test"}}))
	require.True(t, l.DebugEnabled())
	require.False(t, other.DebugEnabled())

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"on:*,off:log-test"}}))
	require.False(t, l.DebugEnabled())
	require.True(t, other.DebugEnabled())

	prev := l.EnableDebug(true)
	require.False(t, prev)
	require.True(t, l.DebugEnabled())

	require.Error(t, Configure(&cfgapi.Config{Debug: []string{"bogus:log-test"}}))
	require.NoError(t, Configure(&cfgapi.Config{}))
	require.False(t, other.DebugEnabled())
}

func TestGetReturnsSameSource(t *testing.T) {
	require.Equal(t, "log-test-same", Get("log-test-same").Source())
	require.Equal(t, Get("log-test-same"), NewLogger("log-test-same"))
}

func TestSrcmapString(t *testing.T) {
	m := srcmap{"metrics": false, "memshare": true, "collector": false, "heaps": true}
	require.Equal(t, "on:heaps,memshare,off:collector,metrics", m.String())

	parsed := make(srcmap)
	require.NoError(t, parsed.parse(m.String()))
	require.Equal(t, m, parsed, "parsed string representation")

	require.Equal(t, "", (&srcmap{}).String())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(DebugEnvVar, "service,off:collector")
	t.Setenv(SourceEnvVar, "1")

	cfg, err := configFromEnv()
	require.NoError(t, err)
	require.True(t, cfg.LogSource)
	require.Equal(t, []string{"on:health-check,instrumentation,metrics,off:collector"}, cfg.Debug)

	t.Setenv(DebugEnvVar, "maybe:core")
	_, err = configFromEnv()
	require.Error(t, err)
}
