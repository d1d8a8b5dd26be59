package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/deadletter"
	"github.com/lalithlochan/courier/internal/delivery"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/intake"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/outbox"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/retry"
	"github.com/lalithlochan/courier/internal/sns"
	"github.com/lalithlochan/courier/internal/template"
)

const gaugeInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting notifier",
		zap.Int("port", cfg.Port),
		zap.String("broker", cfg.Broker.Kind),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		URL:      cfg.DB.URL,
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		Database: cfg.DB.Name,
		SSLMode:  cfg.DB.SSLMode,
		MaxConns: cfg.DB.MaxConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	notifications := db.NewNotificationRepository(database, logger)
	deadLetters := db.NewDeadLetterRepository(database, logger)
	outboxRepo := db.NewOutboxRepository(database, logger)

	// Locks and dedup live in Redis; the service does not start without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	chans, err := buildChannels(ctx, cfg, redis.NewInbox(redisClient, cfg.Providers.InboxMaxMessages), logger)
	if err != nil {
		return fmt.Errorf("failed to build providers: %w", err)
	}

	coordinator := intake.NewCoordinator(
		redis.NewLocker(redisClient, cfg.Intake.LockTTL, logger),
		redis.NewProcessedCache(redisClient, cfg.Intake.ProcessedTTL, logger),
		notifications,
		template.NewRenderer(template.NewRegistry(template.DefaultTemplates()...)),
		delivery.NewService(notifications, chans.router, logger),
		cfg.Intake.DedupWindow,
		logger,
	)

	router := events.NewRouter(events.Settings{BaseURL: cfg.BaseURL, AppName: cfg.AppName})

	publisher, err := newReplayPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()
	dlq := deadletter.NewService(deadLetters, publisher, logger)

	processor := events.NewProcessor(router, coordinator, dlq, retry.Policy{
		MaxAttempts: cfg.Broker.MaxAttempts,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    cfg.Resilience.RetryMaxDelay,
	}, logger)

	consume, err := newConsumer(ctx, cfg, router, processor, logger)
	if err != nil {
		return err
	}
	defer consume.Close()

	var relay *outbox.Relay
	if cfg.Outbox.Enabled {
		var snsPub *sns.Publisher
		if cfg.Outbox.Endpoint != "" {
			snsPub, err = sns.NewPublisherWithEndpoint(ctx, cfg.Outbox.TopicARN, cfg.Outbox.Endpoint, cfg.AWSRegion)
		} else {
			snsPub, err = sns.NewPublisher(ctx, cfg.Outbox.TopicARN)
		}
		if err != nil {
			return fmt.Errorf("failed to create outbox publisher: %w", err)
		}
		relay = outbox.NewRelay(outboxRepo, snsPub, outbox.Config{
			Interval:   cfg.Outbox.Interval,
			BatchSize:  cfg.Outbox.BatchSize,
			MaxRetries: cfg.Outbox.MaxRetries,
		}, logger)
	}

	var limiter *redis.RateLimiter
	if cfg.RateLimit.Requests > 0 {
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit.Requests,
			Window: cfg.RateLimit.Window,
		})
	}

	handler := api.NewHandler(logger, api.Deps{
		Intake:      coordinator,
		Store:       notifications,
		DeadLetters: dlq,
		Events:      router,
		Providers:   chans.Stats,
		Checks: map[string]api.HealthCheck{
			"postgres": database.Health,
			"redis":    redisClient.Ping,
		},
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(api.RequestLogger(logger))
	r.Mount("/", handler.Routes(api.RateLimitMiddleware(limiter, logger, api.IPKeyFunc)))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var wg sync.WaitGroup
	background := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("background task stopped", zap.String("task", name), zap.Error(err))
				stop()
			}
		}()
	}

	background("consumer", consume.Run)
	if relay != nil {
		background("outbox relay", func(ctx context.Context) error {
			relay.Run(ctx)
			return nil
		})
	}
	background("gauges", func(ctx context.Context) error {
		collectGauges(ctx, database, redisClient, outboxRepo, logger)
		return nil
	})

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		stop()
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		srv.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	// A delivery cut short by ctx stays PENDING and resumes on redelivery.
	wg.Wait()
	logger.Info("notifier stopped")
	return nil
}

func collectGauges(ctx context.Context, database *db.DB, redisClient *redis.Client, outboxRepo *db.OutboxRepository, logger *zap.Logger) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		metrics.SetDBConnections(database.TotalConns())
		metrics.SetRedisConnections(redisClient.TotalConns())

		counts, err := outboxRepo.CountByStatus(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn("failed to count outbox events", zap.Error(err))
		}
		for status, n := range counts {
			metrics.SetOutboxBacklog(string(status), n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
