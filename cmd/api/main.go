package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/taskearn/backend/internal/admin"
	"github.com/taskearn/backend/internal/auth"
	"github.com/taskearn/backend/internal/bot"
	"github.com/taskearn/backend/internal/config"
	"github.com/taskearn/backend/internal/events"
	"github.com/taskearn/backend/internal/jobs"
	"github.com/taskearn/backend/internal/ledger"
	"github.com/taskearn/backend/internal/middleware"
	"github.com/taskearn/backend/internal/migrations"
	"github.com/taskearn/backend/internal/router"
	"github.com/taskearn/backend/internal/tasks"
	"github.com/taskearn/backend/internal/validation"
	"github.com/taskearn/backend/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.IsDevelopment() {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
		slog.SetDefault(logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := migrations.Up(ctx, pool, logger); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Ledger events go to NATS when configured.
	var sink ledger.EventSink
	if cfg.NATSURL != "" {
		natsSink, nc, err := events.Connect(cfg.NATSURL, logger)
		if err != nil {
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Drain()
		sink = natsSink
		slog.Info("Publishing ledger events to NATS")
	}

	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo, cfg.Ledger, sink, logger)

	// Jobs: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn jobs.InsertCreditReferralTxFunc
	insertCreditReferral := func(ctx context.Context, tx pgx.Tx, args jobs.CreditReferralArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewCreditReferralWorker(ledgerSvc, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args jobs.CreditReferralArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	validator, err := validation.New()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}

	// Auth
	authRepo := auth.NewRepository(pool, ledgerRepo)
	authSvc := auth.NewService(authRepo, ledgerSvc, auth.Options{
		BotToken:       cfg.BotToken,
		JWTSecret:      cfg.JWTSecret,
		TokenTTL:       cfg.JWTTTL,
		InitDataMaxAge: cfg.InitDataMaxAge,
		IsAdmin:        cfg.IsAdminTelegramID,
	})

	// Tasks
	tasksRepo := tasks.NewRepository(pool)
	tasksSvc := tasks.NewService(tasksRepo, ledgerSvc, insertCreditReferral, cfg.MinTaskReward, logger)

	scheduler, err := jobs.NewScheduler(ctx, tasksSvc, cfg.ExpirySweepInterval, logger)
	if err != nil {
		slog.Error("Failed to create scheduler", "error", err)
		os.Exit(1)
	}

	// Submission rate limit counters live in Redis.
	var limiter middleware.Counter
	if redisOpts, err := redis.ParseURL(cfg.RedisURL); err != nil {
		slog.Warn("Invalid REDIS_URL, submission rate limit disabled", "error", err)
	} else {
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, rate limit fails open until it recovers", "error", err)
		}
		limiter = middleware.NewRedisCounter(rdb)
	}

	api := router.New(router.Handlers{
		Auth:   auth.NewHandler(authSvc, validator, logger),
		Tasks:  tasks.NewHandler(tasksSvc, validator, logger),
		Wallet: wallet.NewHandler(ledgerSvc, authRepo, validator, logger),
		Admin:  admin.NewHandler(admin.NewRepository(pool), ledgerSvc, tasksSvc, validator, logger),
	}, router.Options{
		Tokens:                authSvc,
		Limiter:               limiter,
		MaxSubmissionsPerHour: cfg.MaxSubmissionsPerHour,
		Log:                   logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(api)

	// Start River client (processes jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	scheduler.Start()

	tgBot, err := bot.New(cfg.BotToken, cfg.MiniAppURL, authRepo, ledgerSvc, logger)
	if err != nil {
		slog.Error("Failed to create Telegram bot", "error", err)
		os.Exit(1)
	}
	if err := tgBot.Start(); err != nil {
		slog.Error("Failed to start Telegram bot", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	tgBot.Stop()
	if err := scheduler.Shutdown(); err != nil {
		slog.Error("Scheduler shutdown failed", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown failed", "error", err)
	}
}
