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

package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/memshare/pkg/apis/config/v1alpha1"
	"github.com/containers/memshare/pkg/healthz"
)

const (
	testTimeout = 5 * time.Second
	testTick    = 10 * time.Millisecond
)

const testConfig = `
metadata:
  name: test
spec:
  heaps:
    - id: 0
      name: system
      type: system
      size: 4Mi
      deferredFree: true
    - id: 2
      name: carveout
      type: carveout
      size: 2Mi
  instrumentation:
    httpEndpoint: 127.0.0.1:0
    prometheusExport: true
`

const testReclaimConfig = testConfig + `
  reclaim:
    enabled: true
    maxRetries: 10
`

// writeConfig replaces the configuration file atomically.
func writeConfig(t *testing.T, path, data string) {
	t.Helper()

	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(data), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func httpGet(t *testing.T, address, path string) (int, string) {
	t.Helper()

	resp, err := http.Get("http://" + address + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestSelftest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, testConfig)

	out := &bytes.Buffer{}
	opt := &options{
		configFile: path,
		metrics:    true,
		sizes:      []string{"4Ki", "64Ki"},
	}
	require.NoError(t, selftest(context.Background(), opt, out))

	require.Contains(t, out.String(), "system")
	require.Contains(t, out.String(), "carveout")
	require.Contains(t, out.String(), "64k buffer ok")
	require.Contains(t, out.String(), "memshare_heap_used_bytes")
	require.Contains(t, out.String(), "version_info")
}

func TestSelftestDefaultConfig(t *testing.T) {
	out := &bytes.Buffer{}
	opt := &options{
		configFile: filepath.Join(t.TempDir(), "missing.yaml"),
		sizes:      []string{"8Ki"},
	}
	require.NoError(t, selftest(context.Background(), opt, out))
	require.Contains(t, out.String(), "buffer ok")

	opt.sizes = []string{"lots"}
	require.Error(t, selftest(context.Background(), opt, out))
}

func TestDaemonReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, testConfig)

	d, err := newDaemon(path)
	require.NoError(t, err)
	require.Nil(t, d.dev.ReclaimPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.run(ctx)
	}()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool {
		return d.svc.Address() != ""
	}, testTimeout, testTick, "HTTP server not started")
	address := d.svc.Address()

	code, body := httpGet(t, address, "/memshare/heaps")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "system (#0, system)")
	require.Contains(t, body, "carveout (#2, carveout)")

	code, body = httpGet(t, address, "/memshare/heaps?heaps=2")
	require.Equal(t, http.StatusOK, code)
	require.NotContains(t, body, "system (#0")

	code, _ = httpGet(t, address, "/memshare/heaps?heaps=bogus")
	require.Equal(t, http.StatusBadRequest, code)

	code, body = httpGet(t, address, "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "memshare_heap_used_bytes")

	code, _ = httpGet(t, address, "/healthz")
	require.Equal(t, http.StatusOK, code)

	writeConfig(t, path, testReclaimConfig)
	require.Eventually(t, func() bool {
		s := d.Status()
		return s.Generation >= 2 && s.Succeeded() && d.dev.ReclaimPolicy() != nil
	}, testTimeout, testTick, "reclaim policy not reloaded")
	require.Equal(t, 10, d.dev.ReclaimPolicy().MaxRetries)

	writeConfig(t, path, "spec:\n  heaps: [{id: 99}]\n")
	require.Eventually(t, func() bool {
		s := d.Status()
		return s.Status == cfgapi.StatusFailure && s.Error != nil
	}, testTimeout, testTick, "invalid configuration not reported")
	require.NotNil(t, d.dev.ReclaimPolicy(), "policy dropped by failed reload")

	code, body = httpGet(t, address, "/memshare/config")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "status: Failure")
	require.Contains(t, body, "maxRetries: 10")
}

func TestFreeListHealth(t *testing.T) {
	cfg, err := cfgapi.Parse([]byte(testConfig))
	require.NoError(t, err)
	cfg.Spec.Instrumentation.HTTPEndpoint = ""

	d, err := newDaemonWithConfig("", cfg)
	require.NoError(t, err)
	defer d.close()

	status, details := healthz.Check()
	require.Equal(t, healthz.Healthy, status)
	require.Empty(t, details)

	require.NoError(t, d.dev.Close())

	status, err = d.health.check()
	require.Equal(t, healthz.NonFunctional, status)
	require.ErrorContains(t, err, "deferred free worker not running")
}
