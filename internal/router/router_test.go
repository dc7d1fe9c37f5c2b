package router

import (
	"testing"

	"github.com/dbbouncer/edgewire/internal/config"
)

func newTestConfig() *config.Config {
	return &config.Config{
		Defaults: config.PoolDefaults{
			MinConnections: 2,
			MaxConnections: 20,
		},
		Databases: map[string]config.DatabaseConfig{
			"db_1": {
				Protocol: "postgres",
				Host:     "pg-host",
				Port:     5432,
				DBName:   "db1",
				Username: "user1",
			},
			"db_2": {
				Protocol: "edgedb",
				Host:     "edge-host",
				Port:     5656,
				DBName:   "db2",
				Username: "user2",
			},
		},
	}
}

func TestResolve(t *testing.T) {
	r := New(newTestConfig())

	dc, err := r.Resolve("db_1")
	if err != nil {
		t.Fatalf("Resolve db_1 failed: %v", err)
	}
	if dc.Protocol != "postgres" {
		t.Errorf("expected postgres, got %s", dc.Protocol)
	}
	if dc.Host != "pg-host" {
		t.Errorf("expected pg-host, got %s", dc.Host)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := New(newTestConfig())

	_, err := r.Resolve("nonexistent")
	if err == nil {
		t.Error("expected error for unknown database")
	}
}

func TestAddAndRemoveDatabase(t *testing.T) {
	r := New(newTestConfig())

	dc := config.DatabaseConfig{
		Protocol: "postgres",
		Host:     "new-host",
		Port:     5432,
		DBName:   "newdb",
		Username: "newuser",
	}

	r.AddDatabase("db_3", dc)

	resolved, err := r.Resolve("db_3")
	if err != nil {
		t.Fatalf("Resolve db_3 failed: %v", err)
	}
	if resolved.Host != "new-host" {
		t.Errorf("expected new-host, got %s", resolved.Host)
	}

	if !r.RemoveDatabase("db_3") {
		t.Error("RemoveDatabase should return true")
	}

	_, err = r.Resolve("db_3")
	if err == nil {
		t.Error("expected error after removal")
	}
}

func TestRemoveNonexistent(t *testing.T) {
	r := New(newTestConfig())

	if r.RemoveDatabase("nonexistent") {
		t.Error("RemoveDatabase should return false for nonexistent database")
	}
}

func TestListDatabases(t *testing.T) {
	r := New(newTestConfig())

	databases := r.ListDatabases()
	if len(databases) != 2 {
		t.Errorf("expected 2 databases, got %d", len(databases))
	}
}

func TestReload(t *testing.T) {
	r := New(newTestConfig())

	newCfg := &config.Config{
		Defaults: config.PoolDefaults{
			MinConnections: 5,
			MaxConnections: 50,
		},
		Databases: map[string]config.DatabaseConfig{
			"db_new": {
				Protocol: "edgedb",
				Host:     "new-edge-host",
				Port:     5656,
				DBName:   "newdb",
				Username: "newuser",
			},
		},
	}

	r.Reload(newCfg)

	// Old databases should be gone
	_, err := r.Resolve("db_1")
	if err == nil {
		t.Error("expected error for old database after reload")
	}

	// New database should exist
	dc, err := r.Resolve("db_new")
	if err != nil {
		t.Fatalf("Resolve db_new failed: %v", err)
	}
	if dc.Protocol != "edgedb" {
		t.Errorf("expected edgedb, got %s", dc.Protocol)
	}

	// Defaults should be updated
	defaults := r.Defaults()
	if defaults.MaxConnections != 50 {
		t.Errorf("expected max connections 50, got %d", defaults.MaxConnections)
	}
}

func TestPauseResumeDatabase(t *testing.T) {
	r := New(newTestConfig())

	// Initially not paused
	if r.IsPaused("db_1") {
		t.Error("db_1 should not be paused initially")
	}

	// Pause
	if !r.PauseDatabase("db_1") {
		t.Error("PauseDatabase should return true for existing database")
	}
	if !r.IsPaused("db_1") {
		t.Error("db_1 should be paused")
	}

	// Other database unaffected
	if r.IsPaused("db_2") {
		t.Error("db_2 should not be paused")
	}

	// Resume
	if !r.ResumeDatabase("db_1") {
		t.Error("ResumeDatabase should return true for existing database")
	}
	if r.IsPaused("db_1") {
		t.Error("db_1 should not be paused after resume")
	}

	// Pause nonexistent
	if r.PauseDatabase("nonexistent") {
		t.Error("PauseDatabase should return false for nonexistent database")
	}
	if r.ResumeDatabase("nonexistent") {
		t.Error("ResumeDatabase should return false for nonexistent database")
	}

	// Pause then remove — paused state should be cleaned up
	r.PauseDatabase("db_1")
	r.RemoveDatabase("db_1")
	if r.IsPaused("db_1") {
		t.Error("paused state should be cleaned up after removal")
	}
}
