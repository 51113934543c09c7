package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aditya/tow-dispatch/internal/cache"
	"github.com/aditya/tow-dispatch/internal/config"
	"github.com/aditya/tow-dispatch/internal/database"
	"github.com/aditya/tow-dispatch/internal/events"
	"github.com/aditya/tow-dispatch/internal/fanout"
	"github.com/aditya/tow-dispatch/internal/handler"
	"github.com/aditya/tow-dispatch/internal/logging"
	"github.com/aditya/tow-dispatch/internal/middleware"
	"github.com/aditya/tow-dispatch/internal/notify"
	"github.com/aditya/tow-dispatch/internal/repository"
	"github.com/aditya/tow-dispatch/internal/service"
	"github.com/aditya/tow-dispatch/pkg/utils"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

type healthCheck struct {
	name  string
	check func(context.Context) error
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// New Relic (optional)
	var nrApp *newrelic.Application
	if cfg.NewRelicEnabled && cfg.NewRelicLicenseKey != "" {
		app, err := newrelic.NewApplication(
			newrelic.ConfigAppName(cfg.NewRelicAppName),
			newrelic.ConfigLicense(cfg.NewRelicLicenseKey),
			newrelic.ConfigDistributedTracerEnabled(true),
			newrelic.ConfigAppLogForwardingEnabled(true),
		)
		if err != nil {
			logger.Warn("failed to initialize New Relic", slog.Any("error", err))
		} else {
			nrApp = app
			if err := nrApp.WaitForConnection(10 * time.Second); err != nil {
				logger.Warn("New Relic connection timeout", slog.Any("error", err))
			}
			defer nrApp.Shutdown(5 * time.Second)
		}
	}

	// Storage
	var (
		jobRepo      repository.JobRepository
		presenceRepo repository.PresenceRepository
		checks       []healthCheck
	)
	switch cfg.Store {
	case "memory":
		store := repository.NewMemoryStore()
		jobRepo, presenceRepo = store, store
		logger.Warn("using in-memory store, state is lost on restart")
	default:
		db, err := database.NewPostgres(cfg.DatabaseURL, cfg.DBMaxConnections, cfg.DBMaxIdleConnections)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("connected to PostgreSQL")

		if cfg.RunMigrations {
			if err := db.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		jobRepo = repository.NewJobRepository(db.DB)
		presenceRepo = repository.NewPresenceRepository(db.DB)
		checks = append(checks, healthCheck{"database", db.Health})
	}

	// Redis (optional): cross-process bus, location cache, HTTP guards
	var (
		bus         events.Bus
		driverCache cache.DriverLocationCache
		rdb         *database.RedisDB
	)
	if cfg.RedisURL != "" {
		var err error
		rdb, err = database.NewRedis(cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info("connected to Redis")

		bus = events.NewRedisBus(rdb.Client, logger)
		driverCache = cache.NewDriverLocationCache(rdb.Client)
		checks = append(checks, healthCheck{"redis", rdb.Health})
	} else {
		bus = events.NewMemoryBus()
		logger.Warn("no Redis configured, events stay in process")
	}

	// Services
	presenceSvc := service.NewPresenceService(presenceRepo, jobRepo, driverCache, bus, service.PresenceOptions{
		MinDisplacementM: cfg.PresenceMinDisplacementM,
		Logger:           logger,
	})
	dispatchSvc := service.NewDispatchService(jobRepo, presenceRepo, bus, service.DispatchOptions{
		OfferWindow: cfg.OfferWindow,
		Logger:      logger,
	})
	defer dispatchSvc.Shutdown()

	armed, err := dispatchSvc.RecoverOffers(ctx)
	if err != nil {
		return fmt.Errorf("recover offers: %w", err)
	}
	logger.Info("offer timers recovered", slog.Int("armed", armed))

	// Background workers
	var wg sync.WaitGroup
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				logger.Error("worker stopped", slog.String("worker", name), slog.Any("error", err))
			}
		}()
	}

	spawn("offer_sweeper", func() error {
		dispatchSvc.RunSweeper(ctx, cfg.OfferSweepInterval)
		return nil
	})

	hub := fanout.NewHub(presenceSvc, cfg.FanoutBufferSize, logger)
	spawn("fanout", func() error { return hub.Run(ctx, bus) })

	forwarder := notify.NewForwarder(buildSinks(cfg, logger), cfg.NotifyTimeout, logger)
	defer forwarder.Close()
	spawn("notify", func() error { return forwarder.Run(ctx, bus) })

	if cfg.AutoMatchEnabled {
		matcher := service.NewAutoMatcher(dispatchSvc, jobRepo, presenceRepo, driverCache, service.AutoMatcherConfig{
			Interval:   cfg.AutoMatchInterval,
			BatchSize:  cfg.AutoMatchBatchSize,
			RadiusKM:   cfg.MatchRadiusKM,
			DeclineTTL: cfg.AutoMatchDeclineTTL,
		}, logger)
		spawn("auto_matcher", func() error { return matcher.Run(ctx, bus) })
		logger.Info("auto-matcher enabled", slog.Duration("interval", cfg.AutoMatchInterval))
	}

	// Handlers
	jobHandler := handler.NewJobHandler(dispatchSvc)
	driverHandler := handler.NewDriverHandler(presenceSvc, dispatchSvc)
	streamHandler := handler.NewStreamHandler(hub, handler.NewDriverCommands(presenceSvc, dispatchSvc), 0, logger)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.IdempotencyHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.NewRelicMiddleware(nrApp))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		services := make(map[string]string, len(checks))
		healthy := true
		for _, c := range checks {
			if err := c.check(r.Context()); err != nil {
				services[c.name] = "down"
				healthy = false
				continue
			}
			services[c.name] = "up"
		}
		status, code := "ok", http.StatusOK
		if !healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		utils.JSON(w, code, map[string]interface{}{"status": status, "services": services})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if rdb != nil {
			r.Use(middleware.NewRateLimiter(rdb.Client, cfg.RateLimitRequests, cfg.RateLimitWindow, logger).Handler)
			r.Use(middleware.NewIdempotencyMiddleware(rdb.Client, logger).Handler)
		}
		jobHandler.RegisterRoutes(r)
		driverHandler.RegisterRoutes(r)
		streamHandler.RegisterRoutes(r)
	})

	// No WriteTimeout: change streams stay open indefinitely.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("port", cfg.Port),
			slog.String("env", cfg.Env),
			slog.String("store", cfg.Store),
			slog.Duration("offer_window", cfg.OfferWindow),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}
	wg.Wait()

	logger.Info("server stopped gracefully")
	return nil
}

func buildSinks(cfg *config.Config, logger *slog.Logger) []notify.Sink {
	var sinks []notify.Sink
	if cfg.RabbitMQURL != "" {
		sink, err := notify.NewRabbitMQSink(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
		if err != nil {
			logger.Error("RabbitMQ sink disabled", slog.Any("error", err))
		} else {
			sinks = append(sinks, sink)
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
		logger.Info("Kafka notification sink ready", slog.String("topic", cfg.KafkaTopic))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, notify.NewLogSink(logger))
	}
	return sinks
}
