package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbbouncer/edgewire/internal/api"
	"github.com/dbbouncer/edgewire/internal/config"
	"github.com/dbbouncer/edgewire/internal/health"
	"github.com/dbbouncer/edgewire/internal/metrics"
	"github.com/dbbouncer/edgewire/internal/pool"
	"github.com/dbbouncer/edgewire/internal/proxy"
	"github.com/dbbouncer/edgewire/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/dbbouncer.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("DBBouncer starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (%d databases)", *configPath, len(cfg.Databases))

	// Initialize components: router (database table), metrics
	// (Prometheus), pool (component E, over a PG connector), health
	// checker, then the wire-protocol listeners (components B/C/D).
	m := metrics.New()
	r := router.New(cfg)

	connector := pool.NewPGConnector(proxy.BackendTargetLookup(r))
	p := pool.New(pool.PoolConfig{
		MaxConnections:        cfg.Pool.MaxConnections,
		MinIdleTimeBeforeGC:   cfg.Pool.MinIdleTimeBeforeGC,
		StatsInterval:         cfg.Pool.StatsInterval,
		SchedulerTickInterval: cfg.Pool.SchedulerTickInterval,
	}, connector)

	hc := health.NewChecker(r, m, cfg.HealthCheck)
	hc.Start()

	// Start periodic pool stats reporting to Prometheus.
	statsInterval := cfg.Pool.StatsInterval
	if statsInterval <= 0 {
		statsInterval = 5 * time.Second
	}
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopStats:
				return
			case <-ticker.C:
				m.UpdatePoolStats(p.Stats())
			}
		}
	}()

	proxyServer, err := proxy.NewServer(r, p, hc, m, cfg.Listen)
	if err != nil {
		log.Fatalf("Failed to build proxy server: %v", err)
	}

	if err := proxyServer.ListenPostgres(cfg.Listen.PostgresPort); err != nil {
		log.Fatalf("Failed to start PostgreSQL listener: %v", err)
	}
	if err := proxyServer.ListenEdgeDB(cfg.Listen.EdgeDBPort); err != nil {
		log.Fatalf("Failed to start EdgeDB listener: %v", err)
	}
	if cfg.Listen.MultiplexedPort != 0 {
		if err := proxyServer.ListenMultiplexed(cfg.Listen.MultiplexedPort); err != nil {
			log.Fatalf("Failed to start multiplexed listener: %v", err)
		}
	}

	// Start REST API / Prometheus scrape / dashboard.
	apiServer := api.NewServer(r, p, hc, m, cfg.Listen)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	// Config hot-reload.
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Reloading configuration...")
		r.Reload(newCfg)
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("DBBouncer ready - PG:%d EdgeDB:%d API:%d",
		cfg.Listen.PostgresPort, cfg.Listen.EdgeDBPort, cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	close(stopStats)
	apiServer.Stop()
	proxyServer.Stop()
	hc.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.Printf("pool shutdown: %v", err)
	}

	log.Printf("DBBouncer stopped")
}
