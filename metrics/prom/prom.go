// Package prom exports core.Stats as Prometheus metrics.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ericselin/cache-gate/core"
)

// Adapter implements core.Stats and exports Prometheus counters/gauges.
// All Prometheus metric types are goroutine-safe, so the adapter can be
// scraped while the engine loop updates it.
type Adapter struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	races   prometheus.Counter
	dooms   prometheus.Counter
	active  prometheus.Gauge
	pending prometheus.Gauge
}

// New constructs the adapter and registers its metrics.
//   - reg: registry to register with (nil => prometheus.DefaultRegisterer)
//   - ns:  Prometheus namespace
func New(reg prometheus.Registerer, ns string) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "engine",
			Name:      "hits_total",
			Help:      "Opens served from the active set or the backend",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "engine",
			Name:      "misses_total",
			Help:      "Opens that found nothing stored",
		}),
		races: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "engine",
			Name:      "races_total",
			Help:      "Transactions told to restart after losing a race",
		}),
		dooms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "engine",
			Name:      "dooms_total",
			Help:      "Entries doomed while in use",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "engine",
			Name:      "active_entries",
			Help:      "Entries currently referenced by transactions",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "engine",
			Name:      "pending_ops",
			Help:      "Backend operations currently in flight or queued",
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.races, a.dooms, a.active, a.pending)
	return a
}

func (a *Adapter) Hit()  { a.hits.Inc() }
func (a *Adapter) Miss() { a.misses.Inc() }
func (a *Adapter) Race() { a.races.Inc() }
func (a *Adapter) Doom() { a.dooms.Inc() }

func (a *Adapter) ActiveEntries(n int) { a.active.Set(float64(n)) }
func (a *Adapter) PendingOps(n int)    { a.pending.Set(float64(n)) }

var _ core.Stats = (*Adapter)(nil)
