// Package metrics provides a small Prometheus registry helper and the
// node's domain metrics (auctions, delegations, proofs, process aborts).
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Bucket presets shared across components, grounded on the scale of the
// quantities they measure rather than Prometheus's generic defaults.
var (
	DurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
	SizeBuckets     = prometheus.ExponentialBuckets(1024, 4, 8) // 1KiB..16MiB
	CountBuckets    = []float64{0, 1, 2, 3, 5, 10, 25, 50, 100}
	NetworkBuckets  = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 300}
)

// ComponentRegistry namespaces a set of collectors under
// "<namespace>_<subsystem>_<name>" and registers them against a private
// prometheus.Registry, so multiple components never collide on metric
// names and a node can expose one /metrics endpoint per process.
type ComponentRegistry struct {
	registry  *prometheus.Registry
	namespace string
	subsystem string
}

// NewComponentRegistry constructs a registry for one component. subsystem
// may be empty for a top-level component.
func NewComponentRegistry(namespace, subsystem string) *ComponentRegistry {
	return &ComponentRegistry{
		registry:  prometheus.NewRegistry(),
		namespace: namespace,
		subsystem: subsystem,
	}
}

// Registry returns the underlying collector registry, for wiring into an
// HTTP handler.
func (r *ComponentRegistry) Registry() *prometheus.Registry { return r.registry }

func (r *ComponentRegistry) qualify(name string) string {
	if r.subsystem == "" {
		return name
	}
	return fmt.Sprintf("%s_%s", r.subsystem, name)
}

func (r *ComponentRegistry) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = r.namespace
	opts.Name = r.qualify(opts.Name)
	c := prometheus.NewCounter(opts)
	r.registry.MustRegister(c)
	return c
}

func (r *ComponentRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	opts.Namespace = r.namespace
	opts.Name = r.qualify(opts.Name)
	c := prometheus.NewCounterVec(opts, labels)
	r.registry.MustRegister(c)
	return c
}

func (r *ComponentRegistry) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = r.namespace
	opts.Name = r.qualify(opts.Name)
	g := prometheus.NewGauge(opts)
	r.registry.MustRegister(g)
	return g
}

func (r *ComponentRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	opts.Namespace = r.namespace
	opts.Name = r.qualify(opts.Name)
	g := prometheus.NewGaugeVec(opts, labels)
	r.registry.MustRegister(g)
	return g
}

func (r *ComponentRegistry) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace = r.namespace
	opts.Name = r.qualify(opts.Name)
	h := prometheus.NewHistogram(opts)
	r.registry.MustRegister(h)
	return h
}

func (r *ComponentRegistry) NewHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	opts.Namespace = r.namespace
	opts.Name = r.qualify(opts.Name)
	h := prometheus.NewHistogramVec(opts, labels)
	r.registry.MustRegister(h)
	return h
}
