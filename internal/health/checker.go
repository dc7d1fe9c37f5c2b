// Package health runs a periodic backend-reachability probe against every
// database the router knows about, independent of the pool: a database can
// be marked unhealthy well before its pool ever tries (and fails) to grow
// into it.
package health

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/edgewire/internal/config"
	"github.com/dbbouncer/edgewire/internal/metrics"
	"github.com/dbbouncer/edgewire/internal/router"
)

// Status represents the health status of one database's backend.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// DatabaseHealth holds health information for one configured database.
type DatabaseHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks on every database's backend.
type Checker struct {
	mu        sync.RWMutex
	databases map[string]*DatabaseHealth
	router    *router.Router
	metrics   *metrics.Collector

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a new health checker with configurable parameters.
func NewChecker(r *router.Router, m *metrics.Collector, hcCfg config.HealthCheckConfig) *Checker {
	return &Checker{
		databases:         make(map[string]*DatabaseHealth),
		router:            r,
		metrics:           m,
		interval:          hcCfg.Interval,
		failureThreshold:  hcCfg.FailureThreshold,
		connectionTimeout: hcCfg.ConnectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	databases := c.router.ListDatabases()

	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for name, dc := range databases {
		name, dc := name, dc
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			healthy := c.pingDatabase(name, dc)
			c.updateStatus(name, healthy)
		}()
	}
	wg.Wait()
}

// pingDatabase opens a TCP connection to the backend and waits briefly for
// either a read timeout (a live server that hasn't sent anything yet) or
// an immediate error (a dead one). It deliberately doesn't speak either
// wire protocol: a database configured for the PostgreSQL protocol and one
// fronting EdgeDB both store their data behind a PostgreSQL-speaking
// backend (see internal/pool's Connector doc comment), so a protocol-aware
// probe would need to run the real handshake, which the pool's own
// reconnect attempts already exercise far more cheaply than a dedicated
// prober could.
func (c *Checker) pingDatabase(name string, dc config.DatabaseConfig) bool {
	addr := net.JoinHostPort(dc.Host, fmt.Sprintf("%d", dc.Port))
	conn, err := net.DialTimeout("tcp", addr, c.connectionTimeout)
	if err != nil {
		c.setLastError(name, err.Error())
		return false
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			c.setLastError(name, "")
			return true
		}
		c.setLastError(name, err.Error())
		return false
	}
	c.setLastError(name, "")
	return true
}

func (c *Checker) setLastError(name, errMsg string) {
	c.mu.Lock()
	dh := c.getOrCreate(name)
	if errMsg != "" {
		dh.LastError = errMsg
	}
	c.mu.Unlock()
}

func (c *Checker) updateStatus(name string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dh := c.getOrCreate(name)
	dh.LastCheck = time.Now()

	if healthy {
		if dh.ConsecutiveFailures > 0 {
			slog.Info("database recovered", "database", name, "failures", dh.ConsecutiveFailures)
		}
		dh.Status = StatusHealthy
		dh.ConsecutiveFailures = 0
		dh.LastError = ""
	} else {
		dh.ConsecutiveFailures++
		if dh.ConsecutiveFailures >= c.failureThreshold {
			if dh.Status != StatusUnhealthy {
				slog.Warn("database marked unhealthy", "database", name, "failures", dh.ConsecutiveFailures, "error", dh.LastError)
			}
			dh.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetDatabaseHealth(name, dh.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreate(name string) *DatabaseHealth {
	dh, ok := c.databases[name]
	if !ok {
		dh = &DatabaseHealth{Status: StatusUnknown}
		c.databases[name] = dh
	}
	return dh
}

// IsHealthy returns whether a database is healthy (or unknown, which is
// treated as healthy — allow the pool to attempt a real connection rather
// than pre-emptively refusing before the first check runs).
func (c *Checker) IsHealthy(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dh, ok := c.databases[name]
	if !ok {
		return true
	}
	return dh.Status != StatusUnhealthy
}

// GetStatus returns the health status for a database.
func (c *Checker) GetStatus(name string) DatabaseHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dh, ok := c.databases[name]
	if !ok {
		return DatabaseHealth{Status: StatusUnknown}
	}
	return *dh
}

// GetAllStatuses returns health statuses for all known databases.
func (c *Checker) GetAllStatuses() map[string]DatabaseHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]DatabaseHealth, len(c.databases))
	for name, dh := range c.databases {
		result[name] = *dh
	}
	return result
}

// OverallHealthy returns true if every known database is healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, dh := range c.databases {
		if dh.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// RemoveDatabase removes health state for a database that has been
// deleted from the router.
func (c *Checker) RemoveDatabase(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.databases, name)
	if c.metrics != nil {
		c.metrics.RemoveDatabase(name)
	}
	slog.Info("removed health state", "database", name)
}
