// Command welfared serves the welfare access engine and approval workflow over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/fernandezvara/dbkit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fernandezvara/welfarekit"
	"github.com/fernandezvara/welfarekit/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("welfared stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := dbkit.New(dbkit.Config{URL: cfg.Database.URL})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	metrics := welfarekit.NewMetrics(prometheus.DefaultRegisterer)
	store := welfarekit.NewBunStore(db,
		welfarekit.WithStoreLogger(logger.Named("store")),
		welfarekit.WithStoreMetrics(metrics),
	)

	if cfg.Database.MigrateOnStart {
		result, err := db.Migrate(ctx, store.Migrations())
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		for _, migration := range result.Applied {
			logger.Info("applied migration", zap.String("id", migration.ID))
		}
	}

	if err := store.ConfigurePool(welfarekit.PoolConfig{
		MaxOpenConnections:    cfg.Database.MaxOpenConns,
		MaxIdleConnections:    cfg.Database.MaxIdleConns,
		ConnectionMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectionMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}); err != nil {
		return err
	}

	// Rate limit counters
	var limiter welfarekit.RateLimiter = welfarekit.NewMemoryRateLimiter()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		limiter = welfarekit.NewRedisRateLimiter(client, cfg.Redis.Prefix)
		logger.Info("using redis rate limit counters", zap.String("addr", cfg.Redis.Addr))
	}

	// Notifications
	var downstream welfarekit.Notifier = welfarekit.LogNotifier{Logger: logger.Named("notifications")}
	if cfg.Notifications.WebhookURL != "" {
		downstream = welfarekit.NewWebhookNotifier(cfg.Notifications.WebhookURL)
	}
	dispatcher := welfarekit.NewDispatcher(downstream, welfarekit.DispatcherConfig{
		QueueSize:         cfg.Notifications.QueueSize,
		Workers:           cfg.Notifications.Workers,
		RequestsPerMinute: cfg.Notifications.RequestsPerMinute,
		Burst:             cfg.Notifications.Burst,
		SendTimeout:       cfg.Notifications.SendTimeout,
	}, logger.Named("dispatcher"))
	// Workers outlive the signal so Stop can drain the queue
	dispatcher.Start(context.WithoutCancel(ctx))

	tz, err := time.LoadLocation(cfg.Engine.TimeZone)
	if err != nil {
		return fmt.Errorf("invalid time zone: %w", err)
	}

	policy := welfarekit.DefaultWorkflowPolicy()
	policy.SLA[welfarekit.LevelUnit] = cfg.Workflow.UnitSLA
	policy.SLA[welfarekit.LevelArea] = cfg.Workflow.AreaSLA
	policy.SLA[welfarekit.LevelDistrict] = cfg.Workflow.DistrictSLA
	policy.SLA[welfarekit.LevelState] = cfg.Workflow.StateSLA
	policy.OverdueGrace = cfg.Workflow.OverdueGrace

	service, err := welfarekit.NewService(welfarekit.DefaultRegistry(), store,
		welfarekit.WithLogger(logger.Named("engine")),
		welfarekit.WithLocations(store),
		welfarekit.WithRateLimiter(limiter),
		welfarekit.WithNotifier(dispatcher),
		welfarekit.WithMetrics(metrics),
		welfarekit.WithTimeZone(tz),
		welfarekit.WithStoreTimeout(cfg.Engine.StoreTimeout),
		welfarekit.WithReadRetries(cfg.Engine.ReadRetries),
		welfarekit.WithWorkflowPolicy(policy),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	scheduler, err := welfarekit.NewScheduler(service, welfarekit.JobsConfig{
		ExpirySpec:   cfg.Jobs.ExpirySpec,
		SLASweepSpec: cfg.Jobs.SLASweepSpec,
		Timeout:      cfg.Jobs.Timeout,
	}, logger.Named("jobs"))
	if err != nil {
		return err
	}
	scheduler.Start()

	verifier, err := welfarekit.NewTokenVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	a := &api{
		service: service,
		mw:      welfarekit.NewMiddleware(service, welfarekit.WithTokenVerifier(verifier)),
		logger:  logger.Named("http"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.routes(mux)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	scheduler.Stop(shutdownCtx)
	service.Wait()
	dispatcher.Stop()

	logger.Info("server exiting")
	return nil
}

