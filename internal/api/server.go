package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/edgewire/internal/config"
	"github.com/dbbouncer/edgewire/internal/health"
	"github.com/dbbouncer/edgewire/internal/metrics"
	"github.com/dbbouncer/edgewire/internal/pool"
	"github.com/dbbouncer/edgewire/internal/router"
)

// Server is the REST API and metrics server fronting the pool/handshake/
// stream substrate: database CRUD, pause/resume, pool stats, health, and
// the Prometheus scrape endpoint.
type Server struct {
	router      *router.Router
	pool        *pool.Pool
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
}

// NewServer creates a new API server.
func NewServer(r *router.Router, p *pool.Pool, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		router:      r,
		pool:        p,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	// Database CRUD
	r.HandleFunc("/databases", s.listDatabases).Methods("GET")
	r.HandleFunc("/databases", s.createDatabase).Methods("POST")
	r.HandleFunc("/databases/{name}", s.getDatabase).Methods("GET")
	r.HandleFunc("/databases/{name}", s.updateDatabase).Methods("PUT")
	r.HandleFunc("/databases/{name}", s.deleteDatabase).Methods("DELETE")
	r.HandleFunc("/databases/{name}/stats", s.databaseStats).Methods("GET")
	r.HandleFunc("/databases/{name}/drain-idle", s.drainDatabase).Methods("POST")

	// Pause/Resume
	r.HandleFunc("/databases/{name}/pause", s.pauseDatabase).Methods("POST")
	r.HandleFunc("/databases/{name}/resume", s.resumeDatabase).Methods("POST")

	// Server status & config
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics, scraped off our own registry rather than the
	// package-global default one (see metrics.New's doc comment).
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Admin dashboard, served at exactly "/" and "/dashboard"
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.authMiddleware(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] REST API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Database Handlers ---

type databaseRequest struct {
	Protocol       string `json:"protocol"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	DBName         string `json:"dbname"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	AuthType       string `json:"auth_type"`
	MinConnections *int   `json:"min_connections,omitempty"`
	MaxConnections *int   `json:"max_connections,omitempty"`
}

type databaseResponse struct {
	Name   string                 `json:"name"`
	Config config.DatabaseConfig  `json:"config"`
	Stats  *pool.Snapshot         `json:"stats,omitempty"`
	Health *health.DatabaseHealth `json:"health,omitempty"`
	Paused bool                   `json:"paused"`
}

func (s *Server) buildResponse(name string, dc config.DatabaseConfig) databaseResponse {
	dr := databaseResponse{
		Name:   name,
		Config: dc.Redacted(),
		Paused: s.router.IsPaused(name),
	}
	if s.pool != nil {
		if snap, ok := s.pool.Stats()[name]; ok {
			dr.Stats = &snap
		}
	}
	if s.healthCheck != nil {
		h := s.healthCheck.GetStatus(name)
		dr.Health = &h
	}
	return dr
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	databases := s.router.ListDatabases()

	result := make([]databaseResponse, 0, len(databases))
	for name, dc := range databases {
		result = append(result, s.buildResponse(name, dc))
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) createDatabase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		databaseRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "database name is required")
		return
	}
	if err := config.ValidateDatabaseName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.router.Resolve(req.Name); err == nil {
		writeError(w, http.StatusConflict, "database already exists")
		return
	}
	if req.Protocol != "" && req.Protocol != "postgres" && req.Protocol != "edgedb" {
		writeError(w, http.StatusBadRequest, "protocol must be postgres or edgedb")
		return
	}
	if req.Host == "" || req.Port == 0 || req.DBName == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "host, port, dbname, and username are required")
		return
	}

	authType := req.AuthType
	if authType == "" {
		authType = "trust"
	}

	dc := config.DatabaseConfig{
		Protocol:       req.Protocol,
		Host:           req.Host,
		Port:           req.Port,
		DBName:         req.DBName,
		Username:       req.Username,
		Password:       req.Password,
		AuthType:       authType,
		MinConnections: req.MinConnections,
		MaxConnections: req.MaxConnections,
	}

	s.router.AddDatabase(req.Name, dc)
	log.Printf("[api] database %s registered (%s at %s:%d)", req.Name, dc.Protocol, dc.Host, dc.Port)

	writeJSON(w, http.StatusCreated, s.buildResponse(req.Name, dc))
}

func (s *Server) getDatabase(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	dc, err := s.router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}

	writeJSON(w, http.StatusOK, s.buildResponse(name, dc))
}

func (s *Server) updateDatabase(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req databaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	existing, err := s.router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}

	if req.Protocol != "" {
		existing.Protocol = req.Protocol
	}
	if req.Host != "" {
		existing.Host = req.Host
	}
	if req.Port != 0 {
		existing.Port = req.Port
	}
	if req.DBName != "" {
		existing.DBName = req.DBName
	}
	if req.Username != "" {
		existing.Username = req.Username
	}
	if req.Password != "" {
		existing.Password = req.Password
	}
	if req.AuthType != "" {
		existing.AuthType = req.AuthType
	}
	if req.MinConnections != nil {
		existing.MinConnections = req.MinConnections
	}
	if req.MaxConnections != nil {
		existing.MaxConnections = req.MaxConnections
	}

	s.router.AddDatabase(name, existing)
	log.Printf("[api] database %s updated", name)

	writeJSON(w, http.StatusOK, s.buildResponse(name, existing))
}

func (s *Server) deleteDatabase(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.router.RemoveDatabase(name) {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}

	if s.pool != nil {
		_ = s.pool.DrainIdle(name)
	}
	if s.metrics != nil {
		s.metrics.RemoveDatabase(name)
	}
	if s.healthCheck != nil {
		s.healthCheck.RemoveDatabase(name)
	}

	log.Printf("[api] database %s removed", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "database": name})
}

func (s *Server) databaseStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if _, err := s.router.Resolve(name); err != nil {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}

	var snap pool.Snapshot
	if s.pool != nil {
		snap = s.pool.Stats()[name]
	}

	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) drainDatabase(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "pool not available")
		return
	}
	if err := s.pool.DrainIdle(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	log.Printf("[api] database %s idle connections drained", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained", "database": name})
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":    boolToStatus(allHealthy),
		"databases": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// Ready if at least one database is healthy or none are configured.
	databases := s.router.ListDatabases()
	if len(databases) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for name := range databases {
		if s.healthCheck.IsHealthy(name) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & Config Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	databases := s.router.ListDatabases()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":  int(uptime),
		"go_version":      runtime.Version(),
		"goroutines":      runtime.NumGoroutine(),
		"memory_mb":       float64(mem.Alloc) / 1024 / 1024,
		"num_databases":   len(databases),
		"listen": map[string]int{
			"postgres_port": s.listenCfg.PostgresPort,
			"edgedb_port":   s.listenCfg.EdgeDBPort,
			"api_port":      s.listenCfg.APIPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	defaults := s.router.Defaults()
	databases := s.router.ListDatabases()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]int{
			"postgres_port": s.listenCfg.PostgresPort,
			"edgedb_port":   s.listenCfg.EdgeDBPort,
			"api_port":      s.listenCfg.APIPort,
		},
		"defaults": map[string]interface{}{
			"min_connections": defaults.MinConnections,
			"max_connections": defaults.MaxConnections,
			"idle_timeout":    defaults.IdleTimeout.String(),
			"max_lifetime":    defaults.MaxLifetime.String(),
			"acquire_timeout": defaults.AcquireTimeout.String(),
		},
		"database_count": len(databases),
	})
}

// --- Pause/Resume Handlers ---

func (s *Server) pauseDatabase(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.router.PauseDatabase(name) {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}
	if s.pool != nil {
		s.pool.Pause(name)
	}

	log.Printf("[api] database %s paused", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "database": name})
}

func (s *Server) resumeDatabase(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.router.ResumeDatabase(name) {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}
	if s.pool != nil {
		s.pool.Resume(name)
	}

	log.Printf("[api] database %s resumed", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "database": name})
}

// maxRequestBodyBytes caps any JSON request body the API accepts, so a
// misbehaving or hostile client can't force unbounded buffering.
const maxRequestBodyBytes = 1 << 20 // 1MiB

// authNotRequired lists the paths reachable without a bearer token:
// health/readiness probes and the Prometheus scrape endpoint are consumed
// by infrastructure that doesn't carry the API key.
var authNotRequired = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// authMiddleware enforces ListenConfig.APIKey as a bearer token on every
// route except authNotRequired. When no key is configured the API is
// left open, matching the teacher's "trust by default, opt into auth"
// posture for a locally-bound admin surface.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

		if s.listenCfg.APIKey == "" || authNotRequired[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		const prefix = "Bearer "
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(authz, prefix) || authz[len(prefix):] != s.listenCfg.APIKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
