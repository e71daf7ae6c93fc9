// Package metrics holds the prometheus collectors shared by the schedulers.
//
// A nil *Collector is valid and records nothing, so components can take one
// optionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "schedcore"

type Collector struct {
	registry *prometheus.Registry

	firings          *prometheus.CounterVec
	catchUps         *prometheus.CounterVec
	rearms           *prometheus.CounterVec
	expirations      *prometheus.CounterVec
	armed            *prometheus.GaugeVec
	listenerFailures *prometheus.CounterVec
	templateChanges  *prometheus.CounterVec
	configReconciles *prometheus.CounterVec
}

// New creates a collector backed by its own registry (with Go and process collectors).
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,
		firings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firings_total",
			Help:      "Scheduler firings delivered to listeners.",
		}, []string{"kind", "name"}),
		catchUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catchup_values_total",
			Help:      "Template catch-up values delivered on (re)computation.",
		}, []string{"name"}),
		rearms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rearms_total",
			Help:      "One-shot timer arms performed by schedulers.",
		}, []string{"kind", "name"}),
		expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expirations_total",
			Help:      "Schedulers that passed their end time.",
		}, []string{"kind", "name"}),
		armed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "armed",
			Help:      "1 if the scheduler has a pending firing.",
		}, []string{"kind", "name"}),
		listenerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_failures_total",
			Help:      "Listener invocations that panicked.",
		}, []string{"executor"}),
		templateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "template_changes_total",
			Help:      "Template store mutations.",
		}, []string{"template"}),
		configReconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reconciles_total",
			Help:      "Config-driven scheduler reconciliations by outcome.",
		}, []string{"name", "outcome"}),
	}
	reg.MustRegister(
		c.firings,
		c.catchUps,
		c.rearms,
		c.expirations,
		c.armed,
		c.listenerFailures,
		c.templateChanges,
		c.configReconciles,
	)
	return c
}

// WatchLoop exports the queue depth and executed task count of a run loop.
// Calling it twice for the same name panics, like any duplicate registration.
func (c *Collector) WatchLoop(name string, pending func() int, executed func() uint64) {
	if c == nil {
		return
	}
	labels := prometheus.Labels{"loop": name}
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "loop_pending_tasks",
			Help:        "Tasks queued on a run loop and not yet started.",
			ConstLabels: labels,
		}, func() float64 { return float64(pending()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "loop_tasks_total",
			Help:        "Tasks executed by a run loop.",
			ConstLabels: labels,
		}, func() float64 { return float64(executed()) }),
	)
}

// Gatherer exposes the registry for the HTTP handler.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

func (c *Collector) Fired(kind, name string) {
	if c == nil {
		return
	}
	c.firings.WithLabelValues(kind, name).Inc()
}

func (c *Collector) CaughtUp(name string) {
	if c == nil {
		return
	}
	c.catchUps.WithLabelValues(name).Inc()
}

func (c *Collector) Rearmed(kind, name string) {
	if c == nil {
		return
	}
	c.rearms.WithLabelValues(kind, name).Inc()
	c.armed.WithLabelValues(kind, name).Set(1)
}

func (c *Collector) Disarmed(kind, name string) {
	if c == nil {
		return
	}
	c.armed.WithLabelValues(kind, name).Set(0)
}

func (c *Collector) Expired(kind, name string) {
	if c == nil {
		return
	}
	c.expirations.WithLabelValues(kind, name).Inc()
	c.armed.WithLabelValues(kind, name).Set(0)
}

func (c *Collector) ListenerFailed(executor string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.listenerFailures.WithLabelValues(executor).Add(float64(n))
}

func (c *Collector) TemplateChanged(template string) {
	if c == nil {
		return
	}
	c.templateChanges.WithLabelValues(template).Inc()
}

func (c *Collector) Reconciled(name, outcome string) {
	if c == nil {
		return
	}
	c.configReconciles.WithLabelValues(name, outcome).Inc()
}
