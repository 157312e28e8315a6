// Package observability exports scheduler metrics for Prometheus.
//
// Metrics are fed from the event bus, so nothing in the scheduler core
// depends on this package.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rubaz/internal/account"
	"rubaz/internal/eventbus"
	"rubaz/internal/notifier"
	"rubaz/internal/task/registry"
	"rubaz/internal/task/runner"
)

const namespace = "rubaz"

// Metrics groups every instrument on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	TaskRuns      *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	AccountStatus *prometheus.GaugeVec
	Fatal         prometheus.Counter
	Notifications *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Task invocations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task handler duration by kind.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
		}, []string{"kind"}),
		AccountStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accounts",
			Help:      "Accounts by lifecycle status.",
		}, []string{"status"}),
		Fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_fatal_total",
			Help:      "Accounts stopped by a fatal error.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifier events by type.",
		}, []string{"event"}),
	}
	m.reg.MustRegister(
		m.TaskRuns, m.TaskDuration, m.AccountStatus, m.Fatal, m.Notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Seed sets the status gauges from a registry snapshot plus the number of
// stored accounts the registry has not seen yet (all Offline).
func (m *Metrics) Seed(entries []registry.Entry, unseenOffline int) {
	counts := map[account.Status]int{account.Offline: unseenOffline}
	for _, e := range entries {
		counts[e.Status]++
	}
	for _, s := range []account.Status{account.Offline, account.Starting, account.Online, account.Pausing, account.Paused, account.Stopping} {
		m.AccountStatus.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// Observe applies one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeTaskFinished:
		f, ok := e.Data.(runner.Finished)
		if !ok {
			return
		}
		kind := string(f.Task.Kind)
		m.TaskRuns.WithLabelValues(kind, string(f.Outcome)).Inc()
		m.TaskDuration.WithLabelValues(kind).Observe(f.Took.Seconds())
	case eventbus.TypeStatusChanged:
		c, ok := e.Data.(registry.StatusChange)
		if !ok || c.From == c.To {
			return
		}
		m.AccountStatus.WithLabelValues(c.From.String()).Dec()
		m.AccountStatus.WithLabelValues(c.To.String()).Inc()
	case eventbus.TypeAccountFatal:
		m.Fatal.Inc()
	case notifier.TypeQueued, notifier.TypeSent, notifier.TypeFailed, notifier.TypeDropped, notifier.TypeDeduped:
		m.Notifications.WithLabelValues(e.Type).Inc()
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
