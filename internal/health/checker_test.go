package health

import (
	"testing"
	"time"

	"github.com/dbbouncer/edgewire/internal/config"
	"github.com/dbbouncer/edgewire/internal/metrics"
	"github.com/dbbouncer/edgewire/internal/router"
)

var testHealthCfg = config.HealthCheckConfig{
	Interval:          30 * time.Second,
	FailureThreshold:  3,
	ConnectionTimeout: 5 * time.Second,
}

func newTestRouter() *router.Router {
	return router.New(&config.Config{
		Databases: map[string]config.DatabaseConfig{
			"healthy_db": {
				Protocol: "postgres",
				Host:     "localhost",
				Port:     5432,
				DBName:   "db",
				Username: "user",
				AuthType: "trust",
			},
		},
	})
}

func TestCheckerInitialState(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	if !c.IsHealthy("unknown") {
		t.Error("unknown database should be treated as healthy")
	}

	status := c.GetStatus("unknown")
	if status.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %v", status.Status)
	}
}

func TestCheckerUpdateStatus(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after healthy update")
	}

	status := c.GetStatus("test")
	if status.Status != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %v", status.Status)
	}

	// Single failure shouldn't make it unhealthy (threshold is 3).
	c.updateStatus("test", false)
	if !c.IsHealthy("test") {
		t.Error("should still be healthy after one failure")
	}

	status = c.GetStatus("test")
	if status.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", status.ConsecutiveFailures)
	}
}

func TestCheckerThreshold(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)

	if c.IsHealthy("test") {
		t.Error("should be unhealthy after 3 consecutive failures")
	}

	status := c.GetStatus("test")
	if status.Status != StatusUnhealthy {
		t.Errorf("expected StatusUnhealthy, got %v", status.Status)
	}
}

func TestCheckerRecovery(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)

	if c.IsHealthy("test") {
		t.Error("should be unhealthy")
	}

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after recovery")
	}

	status := c.GetStatus("test")
	if status.ConsecutiveFailures != 0 {
		t.Errorf("expected 0 consecutive failures after recovery, got %d", status.ConsecutiveFailures)
	}
}

func TestOverallHealthy(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	if !c.OverallHealthy() {
		t.Error("should be overall healthy with no checks")
	}

	c.updateStatus("good", true)
	if !c.OverallHealthy() {
		t.Error("should be overall healthy with one healthy database")
	}

	c.updateStatus("bad", false)
	c.updateStatus("bad", false)
	c.updateStatus("bad", false)

	if c.OverallHealthy() {
		t.Error("should not be overall healthy with one unhealthy database")
	}
}

func TestGetAllStatuses(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	c.updateStatus("d1", true)
	c.updateStatus("d2", true)

	statuses := c.GetAllStatuses()
	if len(statuses) != 2 {
		t.Errorf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestDoubleStop(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)
	c.Start()

	// Should not panic.
	c.Stop()
	c.Stop()
}

func TestCheckAllIsParallel(t *testing.T) {
	r := router.New(&config.Config{
		Databases: map[string]config.DatabaseConfig{
			"d1": {Protocol: "postgres", Host: "localhost", Port: 59991, DBName: "db", Username: "u", AuthType: "trust"},
			"d2": {Protocol: "postgres", Host: "localhost", Port: 59992, DBName: "db", Username: "u", AuthType: "trust"},
			"d3": {Protocol: "postgres", Host: "localhost", Port: 59993, DBName: "db", Username: "u", AuthType: "trust"},
		},
	})
	c := NewChecker(r, nil, testHealthCfg)

	// checkAll should not panic and should update every database's status
	// (checks will fail since nothing is listening on these ports).
	c.checkAll()

	statuses := c.GetAllStatuses()
	if len(statuses) != 3 {
		t.Errorf("expected 3 statuses after checkAll, got %d", len(statuses))
	}
}

func TestPingDatabaseClosedPort(t *testing.T) {
	r := router.New(&config.Config{
		Databases: map[string]config.DatabaseConfig{
			"d": {Protocol: "postgres", Host: "localhost", Port: 59999, DBName: "db", Username: "u", AuthType: "trust"},
		},
	})
	c := NewChecker(r, nil, testHealthCfg)

	dc, _ := r.Resolve("d")
	if c.pingDatabase("d", dc) {
		t.Error("expected ping to fail against a closed port")
	}
}

func TestRemoveDatabase(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	c.updateStatus("db_a", true)
	c.updateStatus("db_b", true)

	if len(c.GetAllStatuses()) != 2 {
		t.Fatalf("expected 2 statuses before removal")
	}

	c.RemoveDatabase("db_a")

	statuses := c.GetAllStatuses()
	if len(statuses) != 1 {
		t.Errorf("expected 1 status after removal, got %d", len(statuses))
	}
	if _, exists := statuses["db_a"]; exists {
		t.Error("db_a should have been removed")
	}
	if _, exists := statuses["db_b"]; !exists {
		t.Error("db_b should still exist")
	}

	// Removing a database that was never seen must not panic.
	c.RemoveDatabase("nonexistent")
}

func newTestMetrics(t *testing.T) *metrics.Collector {
	t.Helper()
	return metrics.New()
}

func TestUpdateStatusFeedsMetrics(t *testing.T) {
	m := newTestMetrics(t)
	c := NewChecker(newTestRouter(), m, testHealthCfg)

	c.updateStatus("db1", true)
	c.updateStatus("db1", false)
	c.updateStatus("db1", false)
	c.updateStatus("db1", false)

	// Reaching the threshold must flip the Prometheus gauge, not just the
	// in-process status map.
	if c.IsHealthy("db1") {
		t.Error("expected db1 to be unhealthy after 3 failures")
	}

	mfs, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() != "edgewire_database_health" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "database" && lp.GetValue() == "db1" {
					found = true
					if v := metric.GetGauge().GetValue(); v != 0 {
						t.Errorf("edgewire_database_health{database=db1} = %v, want 0", v)
					}
				}
			}
		}
	}
	if !found {
		t.Error("edgewire_database_health{database=db1} not recorded")
	}
}
