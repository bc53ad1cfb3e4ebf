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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// collector exports device usage as prometheus metrics.
type collector struct {
	dev          *Device
	heapUsed     *prometheus.Desc
	heapFreeList *prometheus.Desc
	heapShared   *prometheus.Desc
	heapOrphaned *prometheus.Desc
	buffers      *prometheus.Desc
	clients      *prometheus.Desc
	clientUsage  *prometheus.Desc
	reclaimKills *prometheus.Desc
}

// NewCollector returns a prometheus collector for the given device.
func NewCollector(d *Device) prometheus.Collector {
	heapLabels := []string{"heap", "id", "type"}
	return &collector{
		dev: d,
		heapUsed: prometheus.NewDesc("heap_used_bytes",
			"Bytes allocated from the heap.", heapLabels, nil),
		heapFreeList: prometheus.NewDesc("heap_freelist_bytes",
			"Bytes awaiting deferred teardown in the heap.", heapLabels, nil),
		heapShared: prometheus.NewDesc("heap_shared_bytes",
			"Bytes of heap buffers with more than one handle.", heapLabels, nil),
		heapOrphaned: prometheus.NewDesc("heap_orphaned_bytes",
			"Bytes of heap buffers without handles.", heapLabels, nil),
		buffers: prometheus.NewDesc("buffers",
			"Number of live buffers.", nil, nil),
		clients: prometheus.NewDesc("clients",
			"Number of clients.", nil, nil),
		clientUsage: prometheus.NewDesc("client_heap_bytes",
			"Bytes referenced by the client in the heap.", []string{"client", "pid", "heap"}, nil),
		reclaimKills: prometheus.NewDesc("reclaim_kills_total",
			"Number of terminations requested to satisfy failed allocations.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.heapUsed
	ch <- c.heapFreeList
	ch <- c.heapShared
	ch <- c.heapOrphaned
	ch <- c.buffers
	ch <- c.clients
	ch <- c.clientUsage
	ch <- c.reclaimKills
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, h := range c.dev.Heaps() {
		r, err := c.dev.HeapReport(h.ID())
		if err != nil {
			log.Error("failed to collect metrics for %s: %v", h, err)
			continue
		}

		labels := []string{r.Name, strconv.Itoa(int(r.ID)), r.Type.String()}
		ch <- prometheus.MustNewConstMetric(c.heapUsed, prometheus.GaugeValue, float64(r.Used), labels...)
		ch <- prometheus.MustNewConstMetric(c.heapFreeList, prometheus.GaugeValue, float64(r.FreeList), labels...)
		ch <- prometheus.MustNewConstMetric(c.heapShared, prometheus.GaugeValue, float64(r.Shared), labels...)
		ch <- prometheus.MustNewConstMetric(c.heapOrphaned, prometheus.GaugeValue, float64(r.Orphaned), labels...)
	}

	clients := c.dev.Clients()
	for _, cl := range clients {
		for heap, size := range cl.Usage() {
			ch <- prometheus.MustNewConstMetric(c.clientUsage, prometheus.GaugeValue, float64(size),
				cl.Name()+"#"+strconv.FormatUint(cl.ID(), 10), strconv.Itoa(cl.PID()), heap)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.buffers, prometheus.GaugeValue, float64(len(c.dev.Buffers())))
	ch <- prometheus.MustNewConstMetric(c.clients, prometheus.GaugeValue, float64(len(clients)))
	ch <- prometheus.MustNewConstMetric(c.reclaimKills, prometheus.CounterValue, float64(c.dev.ReclaimKills()))
}
