// Package config loads and hot-reloads the YAML configuration that
// drives the listeners (component C), the per-database credential table
// consulted by the handshake state machines (component B), and the pool
// sizing knobs (component E). Kept in the base repo's idiom: YAML +
// ${VAR} substitution + fsnotify-driven reload.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the server.
type Config struct {
	Listen      ListenConfig              `yaml:"listen"`
	Defaults    PoolDefaults              `yaml:"defaults"`
	Pool        PoolConfig                `yaml:"pool"`
	Databases   map[string]DatabaseConfig `yaml:"databases"`
	HealthCheck HealthCheckConfig         `yaml:"health_check"`
}

// HealthCheckConfig tunes the periodic backend-reachability probe the
// health package runs against every configured database.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// ListenConfig defines the ports, bind addresses, and TLS material the
// server listens on. PostgresPort and EdgeDBPort each front the
// PostgreSQL-compatible and EdgeDB-native wire protocols respectively
// (component B.2/B.3); both share the same TLS material and the same
// underlying per-database pools (component E).
type ListenConfig struct {
	PostgresPort        int      `yaml:"postgres_port"`
	EdgeDBPort          int      `yaml:"edgedb_port"`
	MultiplexedPort     int      `yaml:"multiplexed_port"`
	APIPort             int      `yaml:"api_port"`
	APIBind             string   `yaml:"api_bind"`
	APIKey              string   `yaml:"api_key"`
	TLSCert             string   `yaml:"tls_cert"`
	TLSKey              string   `yaml:"tls_key"`
	TLSClientCAFile     string   `yaml:"tls_client_ca_file"`
	RequireClientCert   bool     `yaml:"require_client_cert"`
	ALPNProtocols       []string `yaml:"alpn_protocols"`
	MaxProxyConnections int      `yaml:"max_proxy_connections"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// PoolDefaults defines default pool settings applied when a database
// doesn't override them.
type PoolDefaults struct {
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// PoolConfig is spec §6's pool-wide configuration: `{max_connections,
// min_idle_time_before_gc, stats_interval}`. MaxConnections here is the
// single finite capacity budget shared across every database's Block
// (spec §3's pool invariant); PoolDefaults.MaxConnections instead caps
// one database's share of that budget.
type PoolConfig struct {
	MaxConnections       int           `yaml:"max_connections"`
	MinIdleTimeBeforeGC  time.Duration `yaml:"min_idle_time_before_gc"`
	StatsInterval        time.Duration `yaml:"stats_interval"`
	SchedulerTickInterval time.Duration `yaml:"scheduler_tick_interval"`
}

// DatabaseConfig holds the backend connection details and the
// credential policy for one logical database (spec §3's Block.name).
type DatabaseConfig struct {
	// Protocol is informational metadata about which client-facing
	// listener normally targets this database; the connector always
	// dials the backend using the PostgreSQL wire protocol (see
	// DESIGN.md: the EdgeDB server handshake authenticates clients, but
	// every real backend this pool dials speaks PostgreSQL, same as a
	// production Gel/EdgeDB server's own Postgres-backed storage layer).
	Protocol string `yaml:"protocol"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// AuthType selects what this server asks its own clients to
	// authenticate with (spec §3's AuthType); it is independent of
	// whatever auth the connector uses to reach the real backend above.
	AuthType string `yaml:"auth_type"`

	MinConnections *int           `yaml:"min_connections,omitempty"`
	MaxConnections *int           `yaml:"max_connections,omitempty"`
	IdleTimeout    *time.Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime    *time.Duration `yaml:"max_lifetime,omitempty"`
	AcquireTimeout *time.Duration `yaml:"acquire_timeout,omitempty"`
	DialTimeout    *time.Duration `yaml:"dial_timeout,omitempty"`
}

func (d DatabaseConfig) EffectiveMinConnections(defaults PoolDefaults) int {
	if d.MinConnections != nil {
		return *d.MinConnections
	}
	return defaults.MinConnections
}

func (d DatabaseConfig) EffectiveMaxConnections(defaults PoolDefaults) int {
	if d.MaxConnections != nil {
		return *d.MaxConnections
	}
	return defaults.MaxConnections
}

func (d DatabaseConfig) EffectiveIdleTimeout(defaults PoolDefaults) time.Duration {
	if d.IdleTimeout != nil {
		return *d.IdleTimeout
	}
	return defaults.IdleTimeout
}

func (d DatabaseConfig) EffectiveMaxLifetime(defaults PoolDefaults) time.Duration {
	if d.MaxLifetime != nil {
		return *d.MaxLifetime
	}
	return defaults.MaxLifetime
}

func (d DatabaseConfig) EffectiveAcquireTimeout(defaults PoolDefaults) time.Duration {
	if d.AcquireTimeout != nil {
		return *d.AcquireTimeout
	}
	return defaults.AcquireTimeout
}

func (d DatabaseConfig) EffectiveDialTimeout(defaults PoolDefaults) time.Duration {
	if d.DialTimeout != nil {
		return *d.DialTimeout
	}
	return defaults.DialTimeout
}

// Redacted returns a copy of the DatabaseConfig with the password masked,
// safe to serialize into the API/dashboard surface.
func (d DatabaseConfig) Redacted() DatabaseConfig {
	c := d
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 6432
	}
	if cfg.Listen.EdgeDBPort == 0 {
		cfg.Listen.EdgeDBPort = 5656
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Listen.MaxProxyConnections == 0 {
		cfg.Listen.MaxProxyConnections = 10000
	}
	if len(cfg.Listen.ALPNProtocols) == 0 {
		cfg.Listen.ALPNProtocols = []string{"edgedb-binary", "postgresql"}
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 2
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Defaults.DialTimeout == 0 {
		cfg.Defaults.DialTimeout = 5 * time.Second
	}
	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool.MaxConnections = 100
	}
	if cfg.Pool.MinIdleTimeBeforeGC == 0 {
		cfg.Pool.MinIdleTimeBeforeGC = 30 * time.Second
	}
	if cfg.Pool.StatsInterval == 0 {
		cfg.Pool.StatsInterval = 10 * time.Second
	}
	if cfg.Pool.SchedulerTickInterval == 0 {
		cfg.Pool.SchedulerTickInterval = 10 * time.Millisecond
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 30 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 5 * time.Second
	}
	for name, db := range cfg.Databases {
		if db.AuthType == "" {
			db.AuthType = "trust"
			cfg.Databases[name] = db
		}
	}
}

var databaseNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateDatabaseName checks a name against a conservative wire-safe
// charset. It does not check whether the name is already in use.
func ValidateDatabaseName(name string) error {
	if !databaseNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name %q: must start with a letter or digit and contain only letters, digits, '-' or '_'", name)
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Defaults.MinConnections > cfg.Defaults.MaxConnections {
		return fmt.Errorf("defaults: min_connections (%d) > max_connections (%d)", cfg.Defaults.MinConnections, cfg.Defaults.MaxConnections)
	}
	if err := validatePort("listen.postgres_port", cfg.Listen.PostgresPort); err != nil {
		return err
	}
	if err := validatePort("listen.edgedb_port", cfg.Listen.EdgeDBPort); err != nil {
		return err
	}
	if err := validatePort("listen.api_port", cfg.Listen.APIPort); err != nil {
		return err
	}
	if cfg.Listen.MultiplexedPort != 0 {
		if err := validatePort("listen.multiplexed_port", cfg.Listen.MultiplexedPort); err != nil {
			return err
		}
	}

	for name, db := range cfg.Databases {
		if err := ValidateDatabaseName(name); err != nil {
			return err
		}
		if db.Protocol != "" && db.Protocol != "postgres" && db.Protocol != "edgedb" {
			return fmt.Errorf("database %q: unsupported protocol %q (must be postgres or edgedb)", name, db.Protocol)
		}
		if db.Host == "" {
			return fmt.Errorf("database %q: host is required", name)
		}
		if strings.Contains(db.Host, ":") {
			return fmt.Errorf("database %q: host must not contain a port", name)
		}
		if err := validatePort(fmt.Sprintf("database %q", name), db.Port); err != nil {
			return err
		}
		if db.DBName == "" {
			return fmt.Errorf("database %q: dbname is required", name)
		}
		if db.Username == "" {
			return fmt.Errorf("database %q: username is required", name)
		}
		switch db.AuthType {
		case "trust", "plain", "md5", "scram-sha-256":
		default:
			return fmt.Errorf("database %q: unsupported auth_type %q", name, db.AuthType)
		}
		min := db.EffectiveMinConnections(cfg.Defaults)
		max := db.EffectiveMaxConnections(cfg.Defaults)
		if min > max {
			return fmt.Errorf("database %q: min_connections (%d) > max_connections (%d)", name, min, max)
		}
	}
	return nil
}

func validatePort(label string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s: invalid port %d", label, port)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with
// the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:    path,
		callback: callback,
		watcher: w,
		stopCh:  make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
