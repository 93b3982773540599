// Package metrics exposes counters for readiness probing, provisioning and
// migration operations. A nil *Collector is valid and records nothing, so
// one-shot CLI commands can skip metrics entirely.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devenv"

type Collector struct {
	registry   *prometheus.Registry
	probes     *prometheus.CounterVec
	provisions *prometheus.CounterVec
	migrations *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_attempts_total",
			Help:      "Readiness probe attempts by result.",
		}, []string{"result"}),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_total",
			Help:      "Test database provisioning calls by outcome.",
		}, []string{"outcome"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_operations_total",
			Help:      "Migration controller operations by operation and result.",
		}, []string{"operation", "result"}),
	}
	c.registry.MustRegister(
		c.probes,
		c.provisions,
		c.migrations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) ProbeAttempt(ok bool) {
	if c == nil {
		return
	}
	c.probes.WithLabelValues(result(ok)).Inc()
}

// Provisioned records one EnsureDatabase outcome: created, existing or error.
func (c *Collector) Provisioned(outcome string) {
	if c == nil {
		return
	}
	c.provisions.WithLabelValues(outcome).Inc()
}

func (c *Collector) MigrationOp(op string, ok bool) {
	if c == nil {
		return
	}
	c.migrations.WithLabelValues(op, result(ok)).Inc()
}

// Registry exposes the underlying registry for tests and custom exporters.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
