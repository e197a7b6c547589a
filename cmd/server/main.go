package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/clinic-ops/sentinel/internal/auth"
	"github.com/clinic-ops/sentinel/internal/config"
	"github.com/clinic-ops/sentinel/internal/db"
	"github.com/clinic-ops/sentinel/internal/enforce"
	"github.com/clinic-ops/sentinel/internal/geo"
	"github.com/clinic-ops/sentinel/internal/handlers"
	"github.com/clinic-ops/sentinel/internal/metrics"
	"github.com/clinic-ops/sentinel/internal/narrate"
	"github.com/clinic-ops/sentinel/internal/netguard"
	"github.com/clinic-ops/sentinel/internal/ratelimit"
	"github.com/clinic-ops/sentinel/internal/risk"
	"github.com/clinic-ops/sentinel/internal/server"
	"github.com/clinic-ops/sentinel/internal/sse"
	sentineltls "github.com/clinic-ops/sentinel/internal/tls"
	"github.com/clinic-ops/sentinel/internal/tracker"
	"github.com/clinic-ops/sentinel/internal/visitor"
	"github.com/clinic-ops/sentinel/internal/ws"
)

func main() {
	configPath := flag.String("config", envOr("SENTINEL_CONFIG", "sentinel.yaml"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := server.SetupLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	sseHub := sse.NewHub(logger)

	// Storage: PostgreSQL when configured, in-memory otherwise.
	var (
		store enforce.Store
		query enforce.Querier
	)
	var database *db.DB
	if cfg.Database.URL != "" {
		database, err = db.Connect(ctx, db.Options{
			DSN:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to database", "err", err)
			os.Exit(1)
		}
		defer database.Close()
		store, query = database, database
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		mem := enforce.NewMemoryStore()
		store, query = mem, mem
	}

	// Failed writes are spooled to local SQLite and replayed.
	var spool *enforce.Spool
	if cfg.Store.SpoolPath != "" {
		spool, err = enforce.OpenSpool(ctx, cfg.Store.SpoolPath)
		if err != nil {
			logger.Warn("write spool disabled", "path", cfg.Store.SpoolPath, "err", err)
			spool = nil
		} else {
			defer spool.Close()
		}
	}

	recorder := enforce.NewRecorder(store, spool, cfg.Store.WriteTimeout, logger)
	recorder.SetMaxAttempts(cfg.Store.MaxAttempts)
	if database == nil {
		// Without LISTEN/NOTIFY the recorder feeds the live stream directly.
		recorder.OnEvent(func(ev visitor.SecurityEvent) {
			sseHub.PublishJSON(sse.TopicSecurityEvents, "security_event", ev)
		})
	}
	blacklist := enforce.NewBlacklist(store, recorder, clock, logger)

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	geoService, closeGeo, err := buildGeo(cfg.Geo, rdb, cfg.Redis.GeoCacheTTL, logger)
	if err != nil {
		logger.Error("geo enrichment setup failed", "err", err)
		os.Exit(1)
	}
	defer closeGeo()

	trackerCfg := tracker.Config{
		IdleTimeout:       cfg.Tracker.IdleTimeout,
		TickInterval:      cfg.Tracker.TickInterval,
		ContactTimeout:    cfg.Tracker.ContactTimeout,
		MaxSessionAge:     cfg.Tracker.MaxSessionAge,
		RejectBlacklisted: cfg.Tracker.RejectBlacklisted,
	}
	var resolver tracker.GeoResolver
	if geoService != nil {
		resolver = geoService
	}
	sessions := tracker.NewManager(trackerCfg, resolver, recorder, blacklist, clock, logger)

	var summarizer handlers.Summarizer
	if cfg.Narrate.Enabled {
		summarizer = narrate.New(ctx, narrate.Options{
			Region:    cfg.Narrate.Region,
			Model:     cfg.Narrate.Model,
			MaxTokens: cfg.Narrate.MaxTokens,
			Timeout:   cfg.Narrate.Timeout,
		}, logger)
	}

	overrides := make(map[string]ratelimit.Bucket, len(cfg.RateLimit))
	for name, b := range cfg.RateLimit {
		overrides[name] = ratelimit.Bucket{MaxRequests: b.MaxRequests, Window: b.Window}
	}
	limiter := ratelimit.New(overrides)

	wsManager := ws.NewManager(sessions, cfg.Server.CORSOrigins, logger)

	trackHandler := handlers.NewTrackHandler(sessions, logger)
	adminHandler := handlers.NewAdminHandler(query, blacklist, sessions, summarizer, clock, logger)
	streamHandler := handlers.NewStreamHandler(sseHub, query)

	if cfg.Admin.Token == "" {
		logger.Warn("ADMIN_TOKEN not set, admin API disabled")
	}
	logger.Info("risk engine ready", "user_agent_patterns", risk.PatternCount())

	// Build router
	trustedProxies, err := netguard.ParseTrusted(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Error("invalid trusted proxies", "err", err)
		os.Exit(1)
	}
	if len(trustedProxies) == 0 {
		logger.Info("no trusted proxies configured, forwarding headers ignored")
	}

	r := chi.NewRouter()
	r.Use(netguard.RealIP(trustedProxies))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(corsOptions(cfg.Server.CORSOrigins)))

	// Health check
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("pong"))
	})
	r.Handle("/metrics", metrics.Handler())

	// Tracking routes (public, rate limited)
	r.Route("/v1/track", func(tr chi.Router) {
		tr.With(limiter.Middleware("track_start")).Post("/sessions", trackHandler.StartSession)
		tr.With(limiter.Middleware("track_events")).Post("/sessions/{id}/events", trackHandler.RecordEvents)
		tr.Delete("/sessions/{id}", trackHandler.EndSession)
		tr.Post("/sessions/{id}/end", trackHandler.EndSession)
		tr.With(limiter.Middleware("track_events")).Post("/sessions/{id}/heartbeat", trackHandler.Heartbeat)
		tr.With(limiter.Middleware("track_start")).Get("/ws", wsManager.HandleWS)
	})

	// Admin routes (require bearer token)
	r.Route("/api", func(api chi.Router) {
		api.Use(auth.RequireToken(cfg.Admin.Token))
		api.Use(limiter.Middleware("admin"))

		api.Get("/visitors", adminHandler.ListVisitors)
		api.Get("/security-events", adminHandler.ListSecurityEvents)
		api.With(limiter.Middleware("summary")).Get("/security-events/{id}/summary", adminHandler.SummarizeEvent)
		api.Get("/stats", adminHandler.GetStats)

		api.Get("/blacklist", adminHandler.ListBlacklist)
		api.With(limiter.Middleware("admin_write")).Post("/blacklist", adminHandler.BlockIP)
		api.With(limiter.Middleware("admin_write")).Delete("/blacklist/{id}", adminHandler.UnblockIP)

		// SSE stream
		api.Get("/stream/events", streamHandler.HandleSSE)
	})

	// Start background goroutines
	if database != nil {
		pgListener := sse.NewPGListener(database.Pool, sseHub, logger)
		go server.RunWithRecovery(ctx, logger, "pg-listener", pgListener.Listen)
	}
	if spool != nil {
		go server.RunWithRecovery(ctx, logger, "spool-replay", func(ctx context.Context) {
			recorder.RunReplay(ctx, cfg.Store.ReplayInterval)
		})
	}
	go server.RunWithRecovery(ctx, logger, "blacklist-purge", func(ctx context.Context) {
		blacklist.RunPurge(ctx, cfg.Blacklist.PurgeInterval)
	})
	go server.RunWithRecovery(ctx, logger, "ratelimit-sweeper", func(ctx context.Context) {
		limiter.RunSweeper(ctx, time.Minute)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE + WebSocket need unlimited write time
		IdleTimeout:  60 * time.Second,
	}

	var tlsSrv *http.Server
	if len(cfg.TLS.Domains) > 0 {
		cm := sentineltls.NewCertManager(sentineltls.Options{
			Domains:    cfg.TLS.Domains,
			Email:      cfg.TLS.Email,
			Production: cfg.TLS.Production,
			StorageDir: cfg.TLS.StorageDir,
		}, logger)
		tlsSrv, err = cm.Server(ctx, "", r)
		if err != nil {
			logger.Error("tls setup failed", "err", err)
			os.Exit(1)
		}
		go func() {
			if err := tlsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("tls server failed", "err", err)
			}
		}()
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		// Close sockets first so their sessions end through the normal path,
		// then flush whatever is still live.
		wsManager.CloseAll()
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracker shutdown incomplete", "err", err)
		}
		if spool != nil {
			if n, err := recorder.ReplaySpool(shutdownCtx); err != nil {
				logger.Warn("final spool replay incomplete", "replayed", n, "err", err)
			}
		}
		cancel() // stop background goroutines

		if tlsSrv != nil {
			tlsSrv.Shutdown(shutdownCtx)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "err", err)
		}
	}()

	logger.Info("server starting", "port", cfg.Server.Port, "store", storeKind(database), "geo", cfg.Geo.Provider)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
	<-stopped
	logger.Info("server stopped")
}

// buildGeo assembles the configured resolver chain. A nil service means
// enrichment is disabled and every visitor's location is unknown.
func buildGeo(cfg config.Geo, rdb *redis.Client, cacheTTL time.Duration, logger *slog.Logger) (*geo.Service, func(), error) {
	noop := func() {}

	var resolver geo.Resolver
	closeFn := noop
	switch cfg.Provider {
	case "none":
		return nil, noop, nil
	case "http":
		resolver = geo.NewHTTPResolver(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	case "maxmind", "chain":
		mm, err := geo.NewMaxMindResolver(cfg.CityDBPath, cfg.ASNDBPath)
		if err != nil {
			return nil, noop, err
		}
		closeFn = mm.Close
		resolver = mm
		if cfg.Provider == "chain" {
			resolver = geo.WithFallback(geo.NewHTTPResolver(cfg.BaseURL, cfg.APIKey, cfg.Timeout), mm)
		}
	default:
		return nil, noop, fmt.Errorf("unknown geo provider %q", cfg.Provider)
	}

	if rdb != nil {
		resolver = geo.NewCachedResolver(resolver, rdb, cacheTTL, logger)
	}
	return geo.NewService(resolver, cfg.Timeout, logger), closeFn, nil
}

func corsOptions(origins []string) cors.Options {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", auth.OperatorHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}
}

func storeKind(database *db.DB) string {
	if database == nil {
		return "memory"
	}
	return "postgres"
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
