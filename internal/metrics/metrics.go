package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dbbouncer/edgewire/internal/pool"
)

// rollupKey is the map key pool.Pool.Stats() uses for the pool-wide rollup,
// as opposed to one entry per database.
const rollupKey = ""

// rollupLabel is what that rollup is reported as under Prometheus, since an
// empty "database" label value reads as an accident rather than a total.
const rollupLabel = "_pool"

// Collector holds the Prometheus metrics exposing the connectivity
// substrate's pool state machine (component E), handshake outcomes
// (component B), and TLS upgrades (component C).
type Collector struct {
	Registry *prometheus.Registry

	connCensus  *prometheus.GaugeVec // database, state
	waiting     *prometheus.GaugeVec // database
	avgDuration *prometheus.GaugeVec // database, state

	acquireDuration *prometheus.HistogramVec // database
	acquireTimeouts *prometheus.CounterVec   // database

	handshakeTotal  *prometheus.CounterVec // protocol, mechanism, outcome
	tlsUpgradeTotal *prometheus.CounterVec // protocol, outcome
	sniffTotal      *prometheus.CounterVec // class

	databaseHealth *prometheus.GaugeVec // database
}

// New creates and registers all Prometheus metrics on a fresh registry.
// Safe to call multiple times — each call is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connCensus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgewire_pool_connections",
				Help: "Connections per database by pool state machine variant",
			},
			[]string{"database", "state"},
		),
		waiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgewire_pool_waiting",
				Help: "Goroutines currently waiting on Pool.Acquire for a database",
			},
			[]string{"database"},
		),
		avgDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgewire_pool_avg_state_duration_ms",
				Help: "Rolling average time a connection spends in a transitional state, in milliseconds",
			},
			[]string{"database", "state"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgewire_acquire_duration_seconds",
				Help:    "Time spent waiting in Pool.Acquire before a handle was returned",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
			[]string{"database"},
		),
		acquireTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgewire_acquire_timeouts_total",
				Help: "Pool.Acquire calls that returned ErrTimeout",
			},
			[]string{"database"},
		),
		handshakeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgewire_handshake_total",
				Help: "Completed handshakes by protocol, auth mechanism, and outcome",
			},
			[]string{"protocol", "mechanism", "outcome"},
		),
		tlsUpgradeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgewire_tls_upgrade_total",
				Help: "In-band TLS upgrades attempted on an accepted stream, by protocol and outcome",
			},
			[]string{"protocol", "outcome"},
		),
		sniffTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgewire_sniff_total",
				Help: "Accepted connections classified by protocol sniffing, by resulting class",
			},
			[]string{"class"},
		),
		databaseHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgewire_database_health",
				Help: "Health status of a configured database's backend (1=healthy, 0=unhealthy)",
			},
			[]string{"database"},
		),
	}

	reg.MustRegister(
		c.connCensus,
		c.waiting,
		c.avgDuration,
		c.acquireDuration,
		c.acquireTimeouts,
		c.handshakeTotal,
		c.tlsUpgradeTotal,
		c.sniffTotal,
		c.databaseHealth,
	)

	return c
}

// UpdatePoolStats mirrors a pool.Pool.Stats() snapshot into the gauges
// above, including the pool-wide rollup stored under the empty-string key.
func (c *Collector) UpdatePoolStats(stats map[string]pool.Snapshot) {
	for db, snap := range stats {
		label := db
		if db == rollupKey {
			label = rollupLabel
		}
		c.connCensus.WithLabelValues(label, "connecting").Set(float64(snap.Connecting))
		c.connCensus.WithLabelValues(label, "reconnecting").Set(float64(snap.Reconnecting))
		c.connCensus.WithLabelValues(label, "disconnecting").Set(float64(snap.Disconnecting))
		c.connCensus.WithLabelValues(label, "idle").Set(float64(snap.Idle))
		c.connCensus.WithLabelValues(label, "active").Set(float64(snap.Active))
		c.connCensus.WithLabelValues(label, "failed").Set(float64(snap.Failed))
		c.connCensus.WithLabelValues(label, "closed").Set(float64(snap.Closed))
		c.waiting.WithLabelValues(label).Set(float64(snap.Waiting))

		c.avgDuration.WithLabelValues(label, "connecting").Set(float64(snap.AvgConnectingMs))
		c.avgDuration.WithLabelValues(label, "reconnecting").Set(float64(snap.AvgReconnectingMs))
		c.avgDuration.WithLabelValues(label, "disconnecting").Set(float64(snap.AvgDisconnectingMs))
		c.avgDuration.WithLabelValues(label, "active").Set(float64(snap.AvgActiveMs))
		c.avgDuration.WithLabelValues(label, "idle").Set(float64(snap.AvgIdleMs))
	}
}

// AcquireDuration observes the time a caller spent inside Pool.Acquire.
func (c *Collector) AcquireDuration(database string, d time.Duration) {
	c.acquireDuration.WithLabelValues(database).Observe(d.Seconds())
}

// AcquireTimeout increments the acquire-timeout counter for a database.
func (c *Collector) AcquireTimeout(database string) {
	c.acquireTimeouts.WithLabelValues(database).Inc()
}

// Protocol and outcome label values for ObserveHandshake. Kept as
// plain strings, not an enum, since they only ever become Prometheus label
// values.
const (
	ProtocolPostgres = "postgres"
	ProtocolEdgeDB   = "edgedb"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ObserveHandshake records a completed (successful or failed) handshake by
// protocol and negotiated auth mechanism.
func (c *Collector) ObserveHandshake(protocol, mechanism, outcome string) {
	c.handshakeTotal.WithLabelValues(protocol, mechanism, outcome).Inc()
}

// ObserveTLSUpgrade records an in-band SecureUpgrade attempt.
func (c *Collector) ObserveTLSUpgrade(protocol, outcome string) {
	c.tlsUpgradeTotal.WithLabelValues(protocol, outcome).Inc()
}

// ObserveSniff records how one accepted connection was classified by
// stream.Sniff.
func (c *Collector) ObserveSniff(class string) {
	c.sniffTotal.WithLabelValues(class).Inc()
}

// SetDatabaseHealth sets the health gauge for a configured database.
func (c *Collector) SetDatabaseHealth(database string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.databaseHealth.WithLabelValues(database).Set(val)
}

// RemoveDatabase removes all per-database metrics for a database that has
// been deleted from the router.
func (c *Collector) RemoveDatabase(database string) {
	c.connCensus.DeletePartialMatch(prometheus.Labels{"database": database})
	c.waiting.DeleteLabelValues(database)
	c.avgDuration.DeletePartialMatch(prometheus.Labels{"database": database})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"database": database})
	c.acquireTimeouts.DeleteLabelValues(database)
	c.databaseHealth.DeleteLabelValues(database)
}
