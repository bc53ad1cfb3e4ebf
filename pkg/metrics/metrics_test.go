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

package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	model "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/require"

	logger "github.com/containers/memshare/pkg/log"
	"github.com/containers/memshare/pkg/metrics"
	"github.com/containers/memshare/pkg/metrics/collectors"
	"github.com/containers/memshare/pkg/version"
)

func TestUnprefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()

	for _, name := range []string{"test1", "test2", "test3"} {
		newTestGauge(t, r, name, metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	}

	srv := newTestServer(t, r, metrics.WithMetrics([]string{"*"}, nil))
	families := srv.collect(t)

	for _, name := range []string{"test1", "test2", "test3"} {
		require.Contains(t, families, name)
		require.Equal(t, model.MetricType_GAUGE, families[name].GetType())
		require.Equal(t, 0.0, gaugeValue(t, families, name))
	}
}

func TestPrefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1")
	newTestGauge(t, r, "test2", metrics.WithGroup("heaps"))
	newTestGauge(t, r, "test3", metrics.WithGroup("heaps"),
		metrics.WithCollectorOptions(metrics.WithoutNamespace()))

	srv := newTestServer(t, r,
		metrics.WithNamespace("memshare"),
		metrics.WithMetrics([]string{"*"}, nil),
	)
	families := srv.collect(t)

	require.Contains(t, families, "memshare_default_test1")
	require.Contains(t, families, "memshare_heaps_test2")
	require.Contains(t, families, "heaps_test3")
}

func TestUpdatedMetricsCollection(t *testing.T) {
	r := metrics.NewRegistry()

	g1 := newTestGauge(t, r, "test1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	g2 := newTestGauge(t, r, "test2", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	srv := newTestServer(t, r, metrics.WithMetrics([]string{"*"}, nil))

	families := srv.collect(t)
	require.Equal(t, 0.0, gaugeValue(t, families, "test1"))
	require.Equal(t, 0.0, gaugeValue(t, families, "test2"))

	g1.Inc()
	g2.Set(5)

	families = srv.collect(t)
	require.Equal(t, 1.0, gaugeValue(t, families, "test1"))
	require.Equal(t, 5.0, gaugeValue(t, families, "test2"))

	g1.Set(4)
	g2.Dec()

	families = srv.collect(t)
	require.Equal(t, 4.0, gaugeValue(t, families, "test1"))
	require.Equal(t, 4.0, gaugeValue(t, families, "test2"))
}

func TestMetricsConfiguration(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test3", metrics.WithGroup("group2"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test4", metrics.WithGroup("group2"))

	srv := newTestServer(t, r, metrics.WithMetrics([]string{"test1", "group2"}, nil))
	families := srv.collect(t)

	require.Contains(t, families, "group1_test1")
	require.NotContains(t, families, "test2")
	require.Contains(t, families, "test3")
	require.Contains(t, families, "group2_test4")

	require.NoError(t, srv.g.Reconfigure([]string{"group1/*"}, nil))
	families = srv.collect(t)

	require.Contains(t, families, "group1_test1")
	require.Contains(t, families, "test2")
	require.NotContains(t, families, "test3")
	require.NotContains(t, families, "group2_test4")
}

func TestConfigurationErrors(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1")
	require.Error(t, r.Register("test1", prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup"})),
		"duplicate collector name accepted")

	_, err := r.NewGatherer(metrics.WithMetrics([]string{"test1", "nosuchmetric"}, nil))
	require.ErrorContains(t, err, "nosuchmetric")

	state, err := r.Configure([]string{"default"}, nil)
	require.NoError(t, err)
	require.True(t, state.IsEnabled())
	require.False(t, state.IsPolled())
	require.Equal(t, "enabled,namespace-prefixed,subsystem-prefixed", state.String())
}

func TestMetricsPolling(t *testing.T) {
	r := metrics.NewRegistry()

	p1 := newTestPolled(t, r, "test1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	p2 := newTestPolled(t, r, "test2", metrics.WithCollectorOptions(
		metrics.WithoutSubsystem(), metrics.WithPolled()))

	srv := newTestServer(t, r,
		metrics.WithMetrics([]string{"test2"}, []string{"test1"}),
		metrics.WithoutPolling(),
	)
	require.True(t, r.State().IsPolled())

	families := srv.collect(t)
	require.NotContains(t, families, "test1", "collected before first poll")
	require.NotContains(t, families, "test2", "collected before first poll")

	p1.Set(1)
	p2.Set(2)
	srv.g.Poll()

	families = srv.collect(t)
	require.Equal(t, 1.0, gaugeValue(t, families, "test1"))
	require.Equal(t, 2.0, gaugeValue(t, families, "test2"))

	// test1 was polled only by configuration
	require.NoError(t, srv.g.Reconfigure([]string{"*"}, nil))
	p1.Set(3)
	p2.Set(4)

	families = srv.collect(t)
	require.Equal(t, 3.0, gaugeValue(t, families, "test1"))
	require.Equal(t, 2.0, gaugeValue(t, families, "test2"))
}

func TestStandardCollectors(t *testing.T) {
	r := metrics.NewRegistry()
	require.NoError(t, collectors.Register(r))
	require.Error(t, collectors.Register(r), "standard collectors registered twice")

	srv := newTestServer(t, r, metrics.WithMetrics([]string{"standard"}, nil))
	families := srv.collect(t)

	require.Contains(t, families, "go_goroutines")
	require.Contains(t, families, "version_info")

	labels := map[string]string{}
	for _, l := range families["version_info"].GetMetric()[0].GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	require.Equal(t, version.Version, labels["version"])
	require.Equal(t, version.Build, labels["build"])
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) prometheus.Gauge {
	g := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: name,
			Help: "Test gauge " + name,
		},
	)
	require.NoError(t, r.Register(name, g, options...))
	return g
}

type testPolled struct {
	desc  *prometheus.Desc
	value atomic.Int64
}

func newTestPolled(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) *testPolled {
	p := &testPolled{
		desc: prometheus.NewDesc(name, "Help for metric "+name, nil, nil),
	}
	require.NoError(t, r.Register(name, p, options...))
	return p
}

func (p *testPolled) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

func (p *testPolled) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(p.desc, prometheus.GaugeValue, float64(p.value.Load()))
}

func (p *testPolled) Set(v int64) {
	p.value.Store(v)
}

type testServer struct {
	srv *httptest.Server
	g   *metrics.Gatherer
}

func newTestServer(t *testing.T, r *metrics.Registry, opts ...metrics.GathererOption) *testServer {
	g, err := r.NewGatherer(opts...)
	require.NoError(t, err)
	require.NotNil(t, g)

	handlerOpts := promhttp.HandlerOpts{
		ErrorLog:      logger.Get("metrics-test"),
		ErrorHandling: promhttp.PanicOnError,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, handlerOpts))

	srv := &testServer{
		srv: httptest.NewServer(mux),
		g:   g,
	}
	t.Cleanup(func() {
		srv.srv.Close()
		srv.g.Stop()
	})

	return srv
}

func (srv *testServer) collect(t *testing.T) map[string]*model.MetricFamily {
	resp, err := http.Get(srv.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	require.NoError(t, err)

	return families
}

func gaugeValue(t *testing.T, families map[string]*model.MetricFamily, name string) float64 {
	t.Helper()

	mf, ok := families[name]
	require.True(t, ok, "metric %s not collected", name)
	require.Len(t, mf.GetMetric(), 1)

	return mf.GetMetric()[0].GetGauge().GetValue()
}
