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

package instrumentation_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/memshare/pkg/apis/config/v1alpha1/instrumentation"
	mcfg "github.com/containers/memshare/pkg/apis/config/v1alpha1/metrics"
	"github.com/containers/memshare/pkg/instrumentation"
	"github.com/containers/memshare/pkg/metrics"
)

func get(t *testing.T, address, path string) (int, string) {
	t.Helper()

	resp, err := http.Get("http://" + address + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestPrometheusConfiguration(t *testing.T) {
	r := metrics.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "Test gauge."})
	gauge.Set(7)
	require.NoError(t, r.Register("gauge", gauge, metrics.WithGroup("test"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem())))

	s := instrumentation.NewService(r)
	s.Handle("/extra", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("extra"))
	}))

	cfg := &cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
		Metrics:      &mcfg.Config{Enabled: []string{"test"}},
	}
	require.NoError(t, s.Start(cfg))
	defer s.Stop()

	address := s.Address()
	require.NotEmpty(t, address)
	require.Nil(t, s.Gatherer(), "metrics gatherer without prometheus export")

	code, _ := get(t, address, "/metrics")
	require.Equal(t, http.StatusNotFound, code)

	code, body := get(t, address, "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok\n", body)

	code, body = get(t, address, "/extra")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "extra", body)

	for _, export := range []bool{true, false, true} {
		cfg = &cfgapi.Config{
			HTTPEndpoint:     cfg.HTTPEndpoint,
			PrometheusExport: export,
			Metrics:          cfg.Metrics,
		}
		require.NoError(t, s.Reconfigure(cfg))
		require.Equal(t, address, s.Address(), "server restarted without endpoint change")

		code, body = get(t, address, "/metrics")
		if export {
			require.Equal(t, http.StatusOK, code)
			require.Contains(t, body, "test_gauge 7")
		} else {
			require.Equal(t, http.StatusNotFound, code)
		}
	}
}

func TestDisabledServer(t *testing.T) {
	s := instrumentation.NewService(metrics.NewRegistry())
	require.NoError(t, s.Start(&cfgapi.Config{}))
	require.Empty(t, s.Address())
	s.Stop()
}

func TestInvalidMetricsConfiguration(t *testing.T) {
	s := instrumentation.NewService(metrics.NewRegistry())
	err := s.Start(&cfgapi.Config{
		PrometheusExport: true,
		Metrics:          &mcfg.Config{Enabled: []string{"nosuchcollector"}},
	})
	require.ErrorContains(t, err, "nosuchcollector")
	s.Stop()
}
