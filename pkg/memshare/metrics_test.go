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

package memshare_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	. "github.com/containers/memshare/pkg/memshare"
)

func gatherValues(t *testing.T, c prometheus.Collector) map[string][]*model.Metric {
	t.Helper()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string][]*model.Metric)
	for _, f := range families {
		values[f.GetName()] = f.GetMetric()
	}
	return values
}

func labelValue(m *model.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestCollector(t *testing.T) {
	system, _ := newTestHeap(t, 1, 16*PageSize, WithHeapType(HeapTypeSystem))
	carveout, _ := newTestHeap(t, 2, 16*PageSize, WithHeapType(HeapTypeCarveout))
	dev := newTestDevice(t, WithHeaps(system, carveout))

	c := newTestClient(t, dev, "app", WithProcess(&fakeProcess{pid: 42, name: "app"}))
	_, err := c.Alloc(context.Background(), 3*PageSize, 0, NewHeapMask(2), 0)
	require.NoError(t, err)

	values := gatherValues(t, NewCollector(dev))

	used := values["heap_used_bytes"]
	require.Len(t, used, 2, "heap usage series")
	for _, m := range used {
		switch labelValue(m, "heap") {
		case "test1":
			require.Equal(t, "system", labelValue(m, "type"))
			require.Equal(t, float64(0), m.GetGauge().GetValue())
		case "test2":
			require.Equal(t, "carveout", labelValue(m, "type"))
			require.Equal(t, "2", labelValue(m, "id"))
			require.Equal(t, float64(3*PageSize), m.GetGauge().GetValue())
		default:
			t.Errorf("unexpected heap series %v", m)
		}
	}

	usage := values["client_heap_bytes"]
	require.Len(t, usage, 1, "client usage series")
	require.Equal(t, "42", labelValue(usage[0], "pid"))
	require.Equal(t, "test2", labelValue(usage[0], "heap"))
	require.Equal(t, fmt.Sprintf("app#%d", c.ID()), labelValue(usage[0], "client"))
	require.Equal(t, float64(3*PageSize), usage[0].GetGauge().GetValue())

	require.Equal(t, float64(1), values["buffers"][0].GetGauge().GetValue())
	require.Equal(t, float64(1), values["clients"][0].GetGauge().GetValue())
	require.Equal(t, float64(0), values["reclaim_kills_total"][0].GetCounter().GetValue())
	require.Len(t, values["heap_freelist_bytes"], 2)
	require.Len(t, values["heap_shared_bytes"], 2)
	require.Len(t, values["heap_orphaned_bytes"], 2)
}
