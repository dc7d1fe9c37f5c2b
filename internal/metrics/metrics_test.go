package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dbbouncer/edgewire/internal/pool"
)

// newTestCollector creates a Collector registered with a fresh registry so
// tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsReplacesNotAccumulates(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats(map[string]pool.Snapshot{
		"db1": {Active: 3, Idle: 5, Waiting: 1},
	})
	if v := getGaugeValue(c.connCensus.WithLabelValues("db1", "active")); v != 3 {
		t.Errorf("expected active=3, got %v", v)
	}

	c.UpdatePoolStats(map[string]pool.Snapshot{
		"db1": {Active: 2, Idle: 4, Waiting: 0},
	})
	if v := getGaugeValue(c.connCensus.WithLabelValues("db1", "active")); v != 2 {
		t.Errorf("expected active=2 after update, got %v", v)
	}
	if v := getGaugeValue(c.waiting.WithLabelValues("db1")); v != 0 {
		t.Errorf("expected waiting=0 after update, got %v", v)
	}
}

func TestUpdatePoolStatsRollupKey(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats(map[string]pool.Snapshot{
		"": {Active: 9, AvgActiveMs: 42},
	})
	if v := getGaugeValue(c.connCensus.WithLabelValues(rollupLabel, "active")); v != 9 {
		t.Errorf("expected rollup active=9, got %v", v)
	}
	if v := getGaugeValue(c.avgDuration.WithLabelValues(rollupLabel, "active")); v != 42 {
		t.Errorf("expected rollup avg active ms=42, got %v", v)
	}
}

func TestAcquireDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.AcquireDuration("db1", 5*time.Millisecond)

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "edgewire_acquire_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 acquire sample, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("acquire duration metric not found")
	}
}

func TestAcquireTimeout(t *testing.T) {
	c, _ := newTestCollector(t)

	c.AcquireTimeout("db1")
	c.AcquireTimeout("db1")

	if v := getCounterValue(c.acquireTimeouts.WithLabelValues("db1")); v != 2 {
		t.Errorf("expected timeouts=2, got %v", v)
	}
}

func TestObserveHandshake(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveHandshake(ProtocolPostgres, "scram_sha_256", OutcomeSuccess)
	c.ObserveHandshake(ProtocolPostgres, "scram_sha_256", OutcomeSuccess)
	c.ObserveHandshake(ProtocolEdgeDB, "trust", OutcomeFailure)

	if v := getCounterValue(c.handshakeTotal.WithLabelValues(ProtocolPostgres, "scram_sha_256", OutcomeSuccess)); v != 2 {
		t.Errorf("expected 2 successful postgres handshakes, got %v", v)
	}
	if v := getCounterValue(c.handshakeTotal.WithLabelValues(ProtocolEdgeDB, "trust", OutcomeFailure)); v != 1 {
		t.Errorf("expected 1 failed edgedb handshake, got %v", v)
	}
}

func TestObserveTLSUpgrade(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveTLSUpgrade(ProtocolPostgres, OutcomeSuccess)

	if v := getCounterValue(c.tlsUpgradeTotal.WithLabelValues(ProtocolPostgres, OutcomeSuccess)); v != 1 {
		t.Errorf("expected 1 tls upgrade, got %v", v)
	}
}

func TestObserveSniff(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveSniff("postgres_startup")
	c.ObserveSniff("postgres_startup")
	c.ObserveSniff("edgedb_binary")

	if v := getCounterValue(c.sniffTotal.WithLabelValues("postgres_startup")); v != 2 {
		t.Errorf("expected 2 postgres_startup sniffs, got %v", v)
	}
}

func TestSetDatabaseHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetDatabaseHealth("db1", true)
	if v := getGaugeValue(c.databaseHealth.WithLabelValues("db1")); v != 1 {
		t.Errorf("expected health=1 (healthy), got %v", v)
	}

	c.SetDatabaseHealth("db1", false)
	if v := getGaugeValue(c.databaseHealth.WithLabelValues("db1")); v != 0 {
		t.Errorf("expected health=0 (unhealthy), got %v", v)
	}
}

func TestRemoveDatabase(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats(map[string]pool.Snapshot{"db1": {Active: 1, Idle: 2}})
	c.SetDatabaseHealth("db1", true)
	c.AcquireTimeout("db1")

	c.RemoveDatabase("db1")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "database" && l.GetValue() == "db1" {
					t.Errorf("metric %s still has db1 label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultipleDatabases(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats(map[string]pool.Snapshot{
		"db1": {Active: 1},
		"db2": {Active: 2},
	})

	if v := getGaugeValue(c.connCensus.WithLabelValues("db1", "active")); v != 1 {
		t.Errorf("expected db1 active=1, got %v", v)
	}
	if v := getGaugeValue(c.connCensus.WithLabelValues("db2", "active")); v != 2 {
		t.Errorf("expected db2 active=2, got %v", v)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats(map[string]pool.Snapshot{"db1": {Active: 1}})
	c2.UpdatePoolStats(map[string]pool.Snapshot{"db1": {Active: 2}})

	v1 := getGaugeValue(c1.connCensus.WithLabelValues("db1", "active"))
	v2 := getGaugeValue(c2.connCensus.WithLabelValues("db1", "active"))

	if v1 != 1 {
		t.Errorf("c1 expected active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected active=2, got %v", v2)
	}
}
