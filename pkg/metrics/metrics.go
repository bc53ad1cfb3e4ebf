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

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/containers/memshare/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

type (
	// State is the configuration of a collector or a group of collectors.
	State int

	// Collector is a named prometheus.Collector registered in a group.
	Collector struct {
		collector  prometheus.Collector
		name       string
		group      string
		state      State
		registered State
		lock       sync.Mutex
		lastpoll   []prometheus.Metric
	}

	// CollectorOption is an option for a Collector.
	CollectorOption func(*Collector)
)

const (
	// Enabled marks a collector as enabled.
	Enabled State = (1 << iota)
	// Polled marks a collector as polled. Polled collectors return the
	// metrics cached during the last polling cycle. Use it for metrics
	// which are too expensive to calculate on every scrape.
	Polled
	// NamespacePrefix causes the metrics of a collector to be prefixed
	// with the namespace of the gatherer.
	NamespacePrefix
	// SubsystemPrefix causes the metrics of a collector to be prefixed
	// with the name of its group.
	SubsystemPrefix

	// DefaultName is the name of the default group.
	DefaultName = "default"
)

// WithoutNamespace disables namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.state &^= NamespacePrefix
	}
}

// WithoutSubsystem disables group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.state &^= SubsystemPrefix
	}
}

// WithPolled marks a collector polled.
func WithPolled() CollectorOption {
	return func(c *Collector) {
		c.state |= Polled
	}
}

func (s State) IsEnabled() bool {
	return s&Enabled != 0
}

func (s State) IsPolled() bool {
	return s&Polled != 0
}

func (s State) NeedsNamespace() bool {
	return s&NamespacePrefix != 0
}

func (s State) NeedsSubsystem() bool {
	return s&SubsystemPrefix != 0
}

// String returns the state as a comma-separated list of flags.
func (s State) String() string {
	flags := []string{"disabled"}
	if s.IsEnabled() {
		flags[0] = "enabled"
	}
	if s.IsPolled() {
		flags = append(flags, "polled")
	}
	if s.NeedsNamespace() {
		flags = append(flags, "namespace-prefixed")
	}
	if s.NeedsSubsystem() {
		flags = append(flags, "subsystem-prefixed")
	}
	return strings.Join(flags, ",")
}

// NewCollector wraps a prometheus.Collector with the given name.
func NewCollector(name string, collector prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		name:      name,
		collector: collector,
		state:     Enabled | NamespacePrefix | SubsystemPrefix,
	}

	for _, o := range options {
		o(c)
	}
	c.registered = c.state

	return c
}

// Name returns the fully qualified group/name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// State returns the current state of the collector.
func (c *Collector) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Matches returns true if the collector matches the given glob pattern,
// either by its group, name or fully qualified name.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		if glob == name {
			return true
		}
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.lock.Lock()
	state, lastpoll := c.state, c.lastpoll
	c.lock.Unlock()

	switch {
	case !state.IsEnabled():
		return

	case !state.IsPolled():
		clog.Debug("collecting %q", c.Name())
		c.collector.Collect(ch)

	default:
		clog.Debug("collecting (polled) %q", c.Name())
		for _, m := range lastpoll {
			ch <- m
		}
	}
}

// Poll collects and caches metrics from the collector if it is polled.
func (c *Collector) Poll() {
	if s := c.State(); !s.IsEnabled() || !s.IsPolled() {
		return
	}

	clog.Debug("polling %q", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	polled := make([]prometheus.Metric, 0, 16)
	for m := range ch {
		polled = append(polled, m)
	}

	c.lock.Lock()
	c.lastpoll = polled
	c.lock.Unlock()
}

func (c *Collector) setState(mask State, on bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if on {
		c.state |= mask
	} else {
		c.state &^= mask
	}
}

// Group is a named collection of collectors.
type Group struct {
	name       string
	collectors []*Collector
}

// Describe implements prometheus.Collector.
func (g *Group) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range g.collectors {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (g *Group) Collect(ch chan<- prometheus.Metric) {
	clog.Debug("collecting group %s", g.name)
	for _, c := range g.collectors {
		c.Collect(ch)
	}
}

func (g *Group) poll(wg *sync.WaitGroup) {
	for _, c := range g.collectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Poll()
		}()
	}
}

func (g *Group) state() State {
	var state State
	for _, c := range g.collectors {
		state |= c.State()
	}
	return state
}

func (g *Group) register(plain, ns prometheus.Registerer) error {
	var (
		plainGrp = prefixedRegisterer(g.name, plain)
		nsGrp    = prefixedRegisterer(g.name, ns)
	)

	for _, c := range g.collectors {
		var (
			s   = c.State()
			reg prometheus.Registerer
		)

		switch {
		case s.NeedsNamespace() && s.NeedsSubsystem():
			reg = nsGrp
		case s.NeedsNamespace():
			reg = ns
		case s.NeedsSubsystem():
			reg = plainGrp
		default:
			reg = plain
		}

		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register collector %q: %w", c.Name(), err)
		}
	}

	return nil
}

// configure enables the collectors matching enabled or polled globs and
// disables the rest. Collectors matching polled globs are switched to
// polled mode, the others revert to the mode they were registered with.
func (g *Group) configure(enabled, polled []string, match map[string]struct{}) State {
	state := State(0)
	for _, c := range g.collectors {
		on, poll := false, false
		for _, glob := range enabled {
			if c.Matches(glob) {
				match[glob] = struct{}{}
				on = true
			}
		}
		for _, glob := range polled {
			if c.Matches(glob) {
				match[glob] = struct{}{}
				on, poll = true, true
			}
		}

		c.setState(Enabled, on)
		if poll {
			c.setState(Polled, true)
		} else {
			c.setState(Polled, c.registered.IsPolled())
		}
		log.Info("collector %q now %s", c.Name(), c.State())
		state |= c.State()
	}

	return state
}

type (
	// Registry is a collection of groups of collectors.
	Registry struct {
		lock   sync.Mutex
		groups map[string]*Group
		order  []string
	}

	// RegisterOptions are options for registering collectors.
	RegisterOptions struct {
		group string
		copts []CollectorOption
	}

	// RegisterOption is an option for registering collectors.
	RegisterOption func(*RegisterOptions)
)

// WithGroup registers a collector in the given group.
func WithGroup(name string) RegisterOption {
	return func(o *RegisterOptions) {
		if name == "" {
			name = DefaultName
		}
		o.group = name
	}
}

// WithCollectorOptions registers a collector with the given options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *RegisterOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string]*Group),
	}
}

// Register registers a collector with the registry. Collector names must
// be unique within a group.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	options := &RegisterOptions{group: DefaultName}
	for _, o := range opts {
		o(options)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	grp, ok := r.groups[options.group]
	if !ok {
		grp = &Group{name: options.group}
		r.groups[grp.name] = grp
		r.order = append(r.order, grp.name)
	}

	c := NewCollector(name, collector, options.copts...)
	c.group = grp.name

	if slices.ContainsFunc(grp.collectors, func(o *Collector) bool { return o.name == name }) {
		return fmt.Errorf("collector %q already registered", c.Name())
	}

	grp.collectors = append(grp.collectors, c)
	log.Info("registered collector %q", c.Name())

	return nil
}

// Configure enables the collectors matching any of the given globs. Any
// collector matching a glob in polled is switched to polled mode. Globs
// which match no collector are reported as an error.
func (r *Registry) Configure(enabled, polled []string) (State, error) {
	log.Info("configuring collectors enabled=[%s], polled=[%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	r.lock.Lock()
	defer r.lock.Unlock()

	var (
		match = make(map[string]struct{})
		state = State(0)
	)
	for _, name := range r.order {
		state |= r.groups[name].configure(enabled, polled, match)
	}

	unmatched := []string{}
	for _, glob := range slices.Concat(enabled, polled) {
		if _, ok := match[glob]; !ok {
			unmatched = append(unmatched, glob)
		}
	}

	if len(unmatched) > 0 {
		return state, fmt.Errorf("no collectors match globs %s", strings.Join(unmatched, ", "))
	}

	return state, nil
}

// Poll polls all enabled collectors in polled mode.
func (r *Registry) Poll() {
	r.lock.Lock()
	defer r.lock.Unlock()

	wg := &sync.WaitGroup{}
	for _, name := range r.order {
		r.groups[name].poll(wg)
	}
	wg.Wait()
}

// State returns the collective state of all collectors in the registry.
func (r *Registry) State() State {
	r.lock.Lock()
	defer r.lock.Unlock()

	state := State(0)
	for _, g := range r.groups {
		state |= g.state()
	}
	return state
}

func prefixedRegisterer(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix != "" {
		return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
	}
	return reg
}

type (
	// Gatherer is a prometheus.Gatherer for a registry.
	Gatherer struct {
		*prometheus.Registry
		r            *Registry
		namespace    string
		pollInterval time.Duration
		lock         sync.Mutex
		stopCh       chan chan struct{}
		enabled      []string
		polled       []string
	}

	// GathererOption is an option for the gatherer.
	GathererOption func(*Gatherer)
)

const (
	// MinPollInterval is the most frequent allowed polling interval.
	MinPollInterval = 5 * time.Second
	// DefaultPollInterval is the default interval for polling collectors.
	DefaultPollInterval = 30 * time.Second
)

// WithNamespace sets the common namespace prefix of gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval sets the polling interval of the gatherer.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = max(interval, MinPollInterval)
	}
}

// WithoutPolling disables periodic polling by the gatherer.
func WithoutPolling() GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = 0
	}
}

// WithMetrics sets the globs of enabled and polled collectors.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer creates a new gatherer for the registry.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		r:            r,
		Registry:     prometheus.NewPedanticRegistry(),
		pollInterval: DefaultPollInterval,
	}

	for _, o := range opts {
		o(g)
	}

	if _, err := r.Configure(g.enabled, g.polled); err != nil {
		return nil, err
	}

	nsg := prefixedRegisterer(g.namespace, g.Registry)

	r.lock.Lock()
	for _, name := range r.order {
		if err := r.groups[name].register(g.Registry, nsg); err != nil {
			r.lock.Unlock()
			return nil, err
		}
	}
	r.lock.Unlock()

	g.lock.Lock()
	g.start()
	g.lock.Unlock()

	return g, nil
}

// Poll polls all enabled collectors in polled mode.
func (g *Gatherer) Poll() {
	g.r.Poll()
}

// Reconfigure updates the set of enabled and polled collectors, starting
// or stopping periodic polling as necessary.
func (g *Gatherer) Reconfigure(enabled, polled []string) error {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.stop()
	g.enabled, g.polled = enabled, polled
	_, err := g.r.Configure(enabled, polled)
	g.start()

	return err
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.stop()
}

func (g *Gatherer) start() {
	if !g.r.State().IsPolled() {
		log.Info("no polling (no collectors in polled mode)")
		return
	}

	if g.pollInterval == 0 {
		log.Info("no polling (periodic polling disabled)")
		return
	}

	log.Info("polling collectors every %s", g.pollInterval)

	g.r.Poll()
	g.stopCh = make(chan chan struct{})
	go g.poller(g.stopCh, time.NewTicker(g.pollInterval))
}

func (g *Gatherer) poller(stopCh chan chan struct{}, ticker *time.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case doneCh := <-stopCh:
			close(doneCh)
			return
		case <-ticker.C:
			g.Poll()
		}
	}
}

func (g *Gatherer) stop() {
	if g.stopCh == nil {
		return
	}

	doneCh := make(chan struct{})
	g.stopCh <- doneCh
	<-doneCh

	g.stopCh = nil
}
