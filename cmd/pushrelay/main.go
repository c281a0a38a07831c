package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/api"
	"github.com/relaykit/pushrelay/internal/chat"
	"github.com/relaykit/pushrelay/internal/circuitbreaker"
	"github.com/relaykit/pushrelay/internal/config"
	"github.com/relaykit/pushrelay/internal/consumer"
	"github.com/relaykit/pushrelay/internal/db"
	"github.com/relaykit/pushrelay/internal/members"
	"github.com/relaykit/pushrelay/internal/metrics"
	"github.com/relaykit/pushrelay/internal/observ"
	"github.com/relaykit/pushrelay/internal/outbox"
	"github.com/relaykit/pushrelay/internal/poller"
	"github.com/relaykit/pushrelay/internal/redis"
	"github.com/relaykit/pushrelay/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger("pushrelay", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pushrelay",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("transport", cfg.NotifyTransport),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize Redis. The stream log lives here, so unlike the
	// database caches there is no degraded mode without it.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	// Initialize the durable stream log and its consumer group
	streamSvc := stream.New(redisClient, stream.Config{
		StreamKey:    cfg.StreamKey,
		DLQStreamKey: cfg.DLQStreamKey,
		Group:        cfg.ConsumerGroup,
		MaxLen:       cfg.StreamMaxLen,
	}, logger)

	if err := streamSvc.EnsureGroups(ctx); err != nil {
		return fmt.Errorf("failed to create consumer groups: %w", err)
	}

	// Initialize stores
	outboxStore := outbox.NewStore(database, logger)
	memberStore := members.NewStore(database, logger)

	// Start the outbox poller that moves committed intents onto the stream
	publisher := poller.NewPublisher(outboxStore, streamSvc, cfg.PublishMaxRetry, logger)
	p := poller.New(outboxStore, streamSvc, publisher, poller.Config{
		PollInterval:    cfg.PollInterval,
		BatchSize:       cfg.PollBatchSize,
		StatusInterval:  cfg.StatusInterval,
		RetentionDays:   cfg.OutboxRetentionDays,
		CleanupInterval: cfg.CleanupInterval,
	}, logger)

	pipelineCtx, pipelineCancel := context.WithCancel(context.Background())
	defer pipelineCancel()

	go p.Start(pipelineCtx)
	go p.StartStatusLoop(pipelineCtx)
	go p.StartCleanupLoop(pipelineCtx)

	logger.Info("outbox poller started",
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Int("batch_size", cfg.PollBatchSize),
	)

	// Periodic trimming caps both the delivery log and the dead letter stream.
	maintainer := stream.NewMaintainer(streamSvc, cfg.TrimInterval, logger)
	go maintainer.Start(pipelineCtx)

	// Redis-backed consumer services
	presence := redis.NewPresenceService(redisClient, logger)
	dedupe := redis.NewDedupeService(redisClient, logger, cfg.DedupeTTL, cfg.DedupeEnabled)

	// Pick the push transport
	var sender consumer.Sender
	switch cfg.NotifyTransport {
	case "sns":
		sender, err = consumer.NewSNSSender(ctx, consumer.SNSConfig{
			Region: cfg.AWSRegion,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SNS sender: %w", err)
		}
	case "ses":
		sender, err = consumer.NewSESSender(ctx, consumer.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES sender: %w", err)
		}
	default:
		sender = consumer.NewLogSender(logger)
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.BreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.NotifyTransport), logger)
		sender = circuitbreaker.NewProtectedSender(sender, breaker, logger)
	}

	logger.Info("notification transport initialized",
		zap.String("transport", cfg.NotifyTransport),
		zap.Bool("breaker_enabled", cfg.BreakerEnabled),
		zap.Bool("dedupe_enabled", cfg.DedupeEnabled),
	)

	// Start the stream consumers. Each reader gets its own name within
	// the shared group; only the first one runs the claim loop so
	// abandoned entries are not fought over.
	identity := consumer.Identity()
	for i := 0; i < cfg.ConsumerReaders; i++ {
		c := consumer.New(streamSvc, memberStore, presence, dedupe, sender, consumer.Config{
			Name:          fmt.Sprintf("%s-%d", identity, i),
			ReadCount:     cfg.ReadCount,
			ReadBlock:     cfg.ReadBlock,
			MaxRetry:      cfg.ConsumerMaxRetry,
			ClaimInterval: cfg.ClaimInterval,
			ClaimMinIdle:  cfg.ClaimMinIdle,
			ClaimBatch:    cfg.ClaimBatchSize,
			Transport:     cfg.NotifyTransport,
		}, logger)

		go c.Start(pipelineCtx)
		if i == 0 {
			go c.StartClaimLoop(pipelineCtx)
		}
	}

	logger.Info("stream consumers started",
		zap.Int("readers", cfg.ConsumerReaders),
		zap.String("group", cfg.ConsumerGroup),
	)

	// Rate limiting for the ingest API
	rateLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.RateLimitPerMinute,
		Window: 1 * time.Minute,
	})

	chatSvc := chat.NewService(database, outboxStore, memberStore, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	var handler *api.Handler
	if breaker != nil {
		handler = api.NewHandlerWithBreaker(logger, chatSvc, outboxStore, streamSvc, presence, breaker)
	} else {
		handler = api.NewHandler(logger, chatSvc, outboxStore, streamSvc, presence)
	}
	r.Route("/v1", func(r chi.Router) {
		// Apply rate limiting to API routes
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.MemberKeyFunc))

		r.Post("/notifications/chat", handler.CreateChatMessage)
		r.Post("/notifications/ready", handler.CreateReadyRequest)

		r.Get("/outbox/stats", handler.GetOutboxStats)
		r.Get("/streams/stats", handler.GetStreamStats)

		r.Put("/presence/rooms/{roomID}/members/{memberID}", handler.SetPresence)
		r.Delete("/presence/rooms/{roomID}/members/{memberID}", handler.ClearPresence)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop the pollers and consumers before refusing new requests
		// so in-flight batches finish their acks.
		pipelineCancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
