// Command server runs the travel Q&A badge engine, its REST API and the realtime websocket hub.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/aimd54/travelqa/internal/api/dashboard"
	"github.com/aimd54/travelqa/internal/api/middleware"
	"github.com/aimd54/travelqa/internal/config"
	"github.com/aimd54/travelqa/internal/mattermost"
	"github.com/aimd54/travelqa/internal/notify"
	"github.com/aimd54/travelqa/internal/realtime"
	"github.com/aimd54/travelqa/internal/repository"
	"github.com/aimd54/travelqa/internal/service/aggregator"
	"github.com/aimd54/travelqa/internal/service/badges"
	"github.com/aimd54/travelqa/internal/service/leaderboard"
	"github.com/aimd54/travelqa/internal/service/scheduler"
	"github.com/aimd54/travelqa/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	log.Info().
		Str("environment", cfg.Server.Environment).
		Int("port", cfg.Server.Port).
		Msg("Starting travelqa server")

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}()

	badgeRepo := repository.NewBadgeRepository(db)
	userRepo := repository.NewUserRepository(db)
	statsRepo := repository.NewStatsRepository(db)

	if cfg.Badges.CatalogFile != "" {
		defs, err := badges.LoadCatalogFile(cfg.Badges.CatalogFile)
		if err != nil {
			return fmt.Errorf("failed to load badge catalog: %w", err)
		}
		inserted, err := badgeRepo.SeedDefinitions(ctx, defs)
		if err != nil {
			return err
		}
		log.Info().
			Str("file", cfg.Badges.CatalogFile).
			Int("definitions", len(defs)).
			Int("inserted", inserted).
			Msg("Badge catalog seeded")
	}

	var (
		ledger      badges.AwardLedger = badgeRepo
		redisClient *redis.Client
	)
	if cfg.Badges.Ledger == "redis" {
		redisClient, err = repository.NewRedisClient(ctx, &cfg.Database.Redis, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close Redis client")
			}
		}()
		ledger = repository.NewRedisAwardLedger(redisClient, "travelqa")
	}

	badgeService := badges.NewService(
		badgeRepo,
		ledger,
		statsRepo,
		userRepo,
		userRepo,
		log.Component("badges"),
		badges.WithBatchWorkers(cfg.Badges.BatchWorkers),
	)

	// Realtime layer
	rtLog := log.Component("realtime")
	registry := realtime.NewRegistry(cfg.Realtime.DefaultRoom)
	dispatcher := realtime.NewDispatcher(registry, realtime.DispatcherConfig{
		QueueCapacity: cfg.Realtime.QueueCapacity,
		FlushLimit:    cfg.Realtime.FlushLimit,
		FlushInterval: cfg.Realtime.FlushInterval,
	}, rtLog)
	sweeper := realtime.NewSweeper(registry, dispatcher, realtime.SweeperConfig{
		StaleAfter:      cfg.Realtime.StaleAfter,
		DisconnectGrace: cfg.Realtime.DisconnectGrace,
		SweepInterval:   cfg.Realtime.SweepInterval,
		MetricsInterval: cfg.Realtime.MetricsInterval,
		MetricsRoom:     cfg.Realtime.MetricsRoom,
	}, rtLog)
	hub := realtime.NewHub(registry, dispatcher, sweeper, cfg.Realtime.SendBuffer, rtLog)

	// Grants flow to live sessions; deliveries mark them notified.
	bridge := notify.NewBridge(dispatcher, registry, badgeService, log.Component("notify"))
	badgeService.SetNotifier(bridge)
	dispatcher.SetObserver(bridge)
	hub.SetAuthHook(bridge.ReplayPending)

	mm := mattermost.NewClient(&cfg.Mattermost, log.Component("mattermost"))
	var summarizer scheduler.Summarizer
	if mm.Enabled() {
		bridge.SetAnnouncer(mm, userRepo)
		summarizer = mm
	}

	sched := scheduler.NewService(&cfg.Badges, badgeService, summarizer, log.Component("scheduler"))
	if cfg.Badges.Ledger == "database" {
		// Holder counts live in user_badges, so only the database ledger can feed the gauges.
		agg := aggregator.NewService(badgeRepo, log.Component("aggregator"))
		if err := agg.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("Initial badge holder aggregation failed")
		}
		sched.AddRefresher(agg)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	hub.Start(ctx)

	// HTTP surface
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log.Component("http")))

	services := dashboard.Services{
		Badges:      badgeService,
		Leaderboard: leaderboard.NewService(statsRepo, badgeRepo, log.Component("leaderboard")),
		Sweeps:      sched,
		Activity:    bridge,
		Realtime:    sweeper,
		Catalog:     badgeRepo,
		Stats:       statsRepo,
	}
	if cfg.Badges.Ledger == "database" {
		services.Holders = badgeRepo
	}
	dashboard.NewHandler(services, log.Component("api")).RegisterRoutes(router)

	router.GET("/ws", hub.HandleWebSocket)
	router.GET("/health", healthHandler(db, redisClient))
	if cfg.Metrics.Prometheus.Enabled {
		router.GET(cfg.Metrics.Prometheus.Path, gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	shutdown(shutdownCtx, srv, hub, sched, bridge, log)

	log.Info().Msg("Server stopped")
	return nil
}

type (
	httpShutdowner interface{ Shutdown(ctx context.Context) error }
	stopper        interface{ Stop() }
	waiter         interface{ Wait() }
)

// shutdown stops accepting HTTP requests and websocket upgrades before the hub closes its
// connections, so no socket is upgraded after the hub has let go of its sessions.
func shutdown(ctx context.Context, srv httpShutdowner, hub, sched stopper, announcements waiter, log *logger.Logger) {
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	hub.Stop()
	sched.Stop()
	announcements.Wait()
}

func openDatabase(cfg *config.Config, log *logger.Logger) (*repository.DB, error) {
	if cfg.Database.Driver == "postgres" && cfg.Database.RunMigrations {
		if err := repository.RunMigrations(cfg.Database.Postgres.URL(), log); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	db, err := repository.NewDB(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Database.Driver == "sqlite" {
		if err := db.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
		}
	}
	return db, nil
}

func healthHandler(db *repository.DB, redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{"database": "ok", "redis": "not configured"}
		status := http.StatusOK

		if err := db.Health(); err != nil {
			checks["database"] = "error"
			status = http.StatusServiceUnavailable
		}
		if redisClient != nil {
			checks["redis"] = "ok"
			if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
				checks["redis"] = "error"
				status = http.StatusServiceUnavailable
			}
		}

		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		c.JSON(status, gin.H{
			"status":    state,
			"checks":    checks,
			"timestamp": time.Now().UTC(),
		})
	}
}
