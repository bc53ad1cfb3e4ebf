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

package metrics

// The metrics package provides a simple framework for collecting and
// exporting metrics. It is implemented as a set of thin wrappers around
// prometheus types. These enforce metrics namespacing, allow grouping of
// metrics, provide runtime reconfiguration, and allow periodic collection
// of metrics which would be too costly to calculate on every scrape.
//
// Simple Usage
//
//package main
//
//import (
//    "log"
//    "net/http"
//
//    "github.com/containers/memshare/pkg/memshare"
//    "github.com/containers/memshare/pkg/metrics"
//    "github.com/containers/memshare/pkg/metrics/collectors"
//    "github.com/prometheus/client_golang/prometheus/promhttp"
//)
//
//func main() {
//    dev, err := memshare.NewDevice()
//    if err != nil {
//        log.Fatal(err)
//    }
//
//    r := metrics.NewRegistry()
//    if err := collectors.Register(r); err != nil {
//        log.Fatal(err)
//    }
//    if err := r.Register("device", memshare.NewCollector(dev),
//        metrics.WithGroup("memshare"),
//        metrics.WithCollectorOptions(metrics.WithPolled())); err != nil {
//        log.Fatal(err)
//    }
//
//    g, err := r.NewGatherer(metrics.WithMetrics([]string{"*"}, nil))
//    if err != nil {
//        log.Fatal(err)
//    }
//
//    http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
//    log.Fatal(http.ListenAndServe(":8891", nil))
//}
