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

package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/memshare/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/memshare/pkg/healthz"
	logger "github.com/containers/memshare/pkg/log"
	"github.com/containers/memshare/pkg/metrics"
)

const (
	// shutdownTimeout bounds the graceful shutdown of the HTTP server.
	shutdownTimeout = 5 * time.Second
)

var (
	log = logger.Get("instrumentation")
)

// Service serves metrics, health checks and any extra registered handlers
// over HTTP.
type Service struct {
	lock     sync.RWMutex
	cfg      *cfgapi.Config
	registry *metrics.Registry
	gatherer *metrics.Gatherer
	handlers map[string]http.Handler
	mux      atomic.Pointer[http.ServeMux]
	srv      *http.Server
	addr     string
	done     chan struct{}
}

// NewService creates a service exporting the collectors of the registry.
func NewService(registry *metrics.Registry) *Service {
	return &Service{
		registry: registry,
		handlers: make(map[string]http.Handler),
	}
}

// Handle registers an extra handler for the given pattern. Handlers are
// taken into use at the next Start or Reconfigure.
func (s *Service) Handle(pattern string, h http.Handler) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.handlers[pattern] = h
}

// Start starts the service with the given configuration.
func (s *Service) Start(cfg *cfgapi.Config) error {
	log.Info("starting instrumentation services...")

	s.lock.Lock()
	defer s.lock.Unlock()

	s.cfg = cfg
	return s.start()
}

// Stop stops the service.
func (s *Service) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.stop()
}

// Reconfigure updates the configuration of a running service. The HTTP
// server is only restarted if its endpoint changes.
func (s *Service) Reconfigure(cfg *cfgapi.Config) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	old := s.cfg
	s.cfg = cfg

	if old == nil || old.HTTPEndpoint != cfg.HTTPEndpoint || s.srv == nil {
		s.stop()
		return s.start()
	}

	if err := s.startMetrics(); err != nil {
		return err
	}
	s.mux.Store(s.newMux())

	return nil
}

// Address returns the address the HTTP server listens on, or an empty
// string if the server is not running.
func (s *Service) Address() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.addr
}

// Gatherer returns the active metrics gatherer, if any.
func (s *Service) Gatherer() *metrics.Gatherer {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.gatherer
}

// ServeHTTP implements http.Handler by dispatching to the current mux.
func (s *Service) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	mux := s.mux.Load()
	if mux == nil {
		http.NotFound(w, req)
		return
	}
	mux.ServeHTTP(w, req)
}

func (s *Service) start() error {
	if err := s.startMetrics(); err != nil {
		return err
	}

	s.mux.Store(s.newMux())

	if s.cfg.HTTPEndpoint == "" {
		log.Info("HTTP server disabled")
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.HTTPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server on %q: %w", s.cfg.HTTPEndpoint, err)
	}

	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr = ln.Addr().String()
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.srv, s.done)

	log.Info("HTTP server listening on %s", s.addr)

	return nil
}

func (s *Service) stop() {
	if s.gatherer != nil {
		s.gatherer.Stop()
		s.gatherer = nil
	}

	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			log.Warn("HTTP server shutdown failed: %v", err)
		}
		<-s.done
		s.srv = nil
		s.addr = ""
	}

	s.mux.Store(nil)
}

func (s *Service) startMetrics() error {
	if s.gatherer != nil {
		s.gatherer.Stop()
		s.gatherer = nil
	}

	if !s.cfg.PrometheusExport {
		log.Info("metrics export disabled")
		return nil
	}

	var enabled, polled []string
	if m := s.cfg.Metrics; m != nil {
		enabled, polled = m.Enabled, m.Polled
	}

	g, err := s.registry.NewGatherer(
		metrics.WithMetrics(enabled, polled),
		metrics.WithPollInterval(s.cfg.ReportPeriod.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	s.gatherer = g

	return nil
}

func (s *Service) newMux() *http.ServeMux {
	mux := http.NewServeMux()

	healthz.Setup(mux)

	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
			ErrorLog:      log,
			ErrorHandling: promhttp.ContinueOnError,
		}))
	}

	for pattern, h := range s.handlers {
		mux.Handle(pattern, h)
	}

	return mux
}
