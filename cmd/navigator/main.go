package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"wayfind-core/internal/config"
	"wayfind-core/internal/db"
	"wayfind-core/internal/extractor"
	"wayfind-core/internal/geometry"
	"wayfind-core/internal/metrics"
	"wayfind-core/internal/nav"
	"wayfind-core/internal/planner"
	"wayfind-core/internal/publisher"
	"wayfind-core/internal/rail"
	"wayfind-core/internal/routing"
	"wayfind-core/internal/schedule"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Resolve latest city database if CITY is set; connect to cluster's meta DB first (usually 'postgres')
	var sqlDB *sql.DB
	{
		baseDSN := cfg.DatabaseURL
		rootDSN, err := db.WithDBName(baseDSN, "postgres")
		if err != nil {
			log.Fatalf("invalid base DSN: %v", err)
		}
		metaDB, err := db.Open(rootDSN)
		if err != nil {
			log.Fatalf("db open (meta) error: %v", err)
		}
		if err := db.Ping(ctx, metaDB); err != nil {
			log.Fatalf("db ping (meta) error: %v", err)
		}
		finalDSN := baseDSN
		if cfg.City != "" {
			name, err := db.ResolveCityDBName(ctx, metaDB, cfg.City)
			if err != nil {
				log.Fatalf("resolve latest import for city %q: %v", cfg.City, err)
			}
			finalDSN, err = db.WithDBName(baseDSN, name)
			if err != nil {
				log.Fatalf("compose DSN: %v", err)
			}
			log.Printf("Using database %q for city %q", name, cfg.City)
		}
		metaDB.Close()
		sqlDB, err = db.Open(finalDSN)
		if err != nil {
			log.Fatalf("db open (city) error: %v", err)
		}
		defer sqlDB.Close()
		if err := db.Ping(ctx, sqlDB); err != nil {
			log.Fatalf("db ping (city) error: %v", err)
		}
	}

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.ArrivalThresholdMeters, cfg.DeviationThresholdMeters, cfg.GuidanceInterval)
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// NATS event publisher
	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer pub.Close()

	// Wire the planning pipeline
	store := schedule.NewStore(sqlDB)
	router := routing.NewClient(cfg.RouterURL, cfg.RoutingTimeout)
	cache := geometry.NewCache(cfg.CacheMaxEntries, cfg.CacheTTL)
	geom := geometry.NewResolver(router, cache, mcol)
	railResolver := rail.NewResolver(store, store)
	ext := extractor.New(store, cfg.ExtractorTimeout)
	pl := planner.New(ext, railResolver, geom, mcol)

	navOpts := nav.Options{
		ArrivalThresholdMeters:   cfg.ArrivalThresholdMeters,
		DeviationThresholdMeters: cfg.DeviationThresholdMeters,
		GuidanceInterval:         cfg.GuidanceInterval,
	}
	mgr := nav.NewManager(pub, navOpts, mcol)

	// HTTP API
	api := newServer(pl, mgr, store)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.routes()}
	go func() {
		log.Printf("http listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// Block until context cancelled
	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = httpSrv.Shutdown(shutdownCtx)
	shutdownCancel()
	mgr.Stop()
	log.Println("shutdown complete")
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()  { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc() { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
