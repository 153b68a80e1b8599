package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/api"
	"github.com/maheshrc27/postflow/internal/feed"
	job "github.com/maheshrc27/postflow/internal/jobs"
	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/scheduler"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: no .env file loaded:", err)
	}

	cfg := config.LoadConfig()
	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := repository.Connect(ctx, cfg.PostgresURI)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer closeDB(logger, db)

	if err := repository.Migrate(db.DB); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI}
	client := asynq.NewClient(redisConn)
	defer client.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	var publisher feed.Publisher = feed.Noop{}
	if cfg.AMQPURL != "" {
		rmq, err := feed.NewRabbitMQ(feed.Config{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange}, logger)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		publisher = rmq
	}
	defer publisher.Close()

	var signer service.URLSigner
	if cfg.R2.AccountID != "" {
		r2, err := service.NewR2Signer(ctx, cfg.R2)
		if err != nil {
			logger.Error("failed to configure r2", "error", err)
			os.Exit(1)
		}
		signer = r2
	}

	registry := platform.NewRegistry(buildAdapters(cfg)...)

	transactor := repository.NewTransactor(db)
	postRepo := repository.NewPostRepository(db)
	postMediaRepo := repository.NewPostMediaRepository(db)
	mediaAssetRepo := repository.NewMediaAssetRepository(db)
	socialAccountRepo := repository.NewSocialAccountRepository(db)
	jobRepo := repository.NewPublishJobRepository(db)
	uploadRepo := repository.NewAsyncUploadRepository(db)
	historyRepo := repository.NewPostingHistoryRepository(db)
	apiKeyRepo := repository.NewApiKeyRepository(db)

	recorder := service.NewOutcomeRecorder(transactor, jobRepo, postRepo, uploadRepo, historyRepo, publisher, m, logger)
	credentials := service.NewCredentialService(socialAccountRepo, registry, []byte(cfg.SecretKey), cfg.Engine.RefreshTimeout, recorder, m, logger)
	mediaService := service.NewMediaService(mediaAssetRepo, cfg.R2.PublicURL, signer, 24*time.Hour)
	enqueuer := queue.NewEnqueuer(client, logger)
	postService := service.NewPostService(transactor, postRepo, postMediaRepo, jobRepo, historyRepo, mediaService, registry, enqueuer, logger)
	apiKeyService := service.NewApiKeyService(apiKeyRepo, logger)

	sched := scheduler.New(logger)

	tracker := job.NewStatusTracker(uploadRepo, jobRepo, credentials, recorder, registry, sched, m, logger, job.PollOptions{
		Initial: cfg.Engine.PollInitial,
		Max:     cfg.Engine.PollMax,
		MaxWait: cfg.Engine.PollMaxWait,
	})

	dispatcher := queue.NewDispatcher(jobRepo, postRepo, mediaService, credentials, recorder, registry, enqueuer, tracker, m, logger, queue.Options{
		Policy: queue.RetryPolicy{
			MaxAttempts:        cfg.Engine.MaxAttempts,
			MaxUnknownAttempts: cfg.Engine.MaxUnknownAttempts,
			Base:               cfg.Engine.BackoffBase,
			Ceiling:            cfg.Engine.BackoffCeiling,
		},
		CallTimeout: cfg.Engine.AttemptTimeout(),
		Lease:       cfg.Engine.DispatchLease,
		Concurrency: cfg.Engine.WorkerConcurrency,
	})

	refreshTokenJob := job.NewTokenRefreshJob(socialAccountRepo, registry, credentials, job.RefreshOptions{
		Lookahead:   cfg.Engine.TokenRefreshLookahead,
		RatePerSec:  cfg.Engine.TokenRefreshRate,
		Concurrency: cfg.Engine.TokenRefreshConcurrency,
	}, logger)

	// cron jobs
	sweep := func(ctx context.Context) {
		if err := dispatcher.Sweep(ctx); err != nil {
			logger.Error("dispatch sweep failed", "error", err)
		}
	}
	if err := sched.Every("dispatch-sweep", "@every "+cfg.Engine.DispatchSweepInterval.String(), sweep); err != nil {
		logger.Error("failed to schedule dispatch sweep", "error", err)
		os.Exit(1)
	}
	if err := sched.Every("token-refresh", cfg.Engine.TokenRefreshSchedule, refreshTokenJob.RefreshTokens); err != nil {
		logger.Error("failed to schedule token refresh", "error", err)
		os.Exit(1)
	}
	sched.Start()

	if err := tracker.Resume(ctx); err != nil {
		logger.Error("failed to resume status tracking", "error", err)
	}
	sched.Spawn("startup-sweep", sweep)

	// queue
	server := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: cfg.Engine.WorkerConcurrency,
		Logger:      asynqLogger{logger},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskTypeDispatchJob, dispatcher.HandleDispatchTask)

	logger.Info("starting the asynq server")
	if err := server.Start(mux); err != nil {
		logger.Error("could not start asynq server", "error", err)
		os.Exit(1)
	}

	app := api.NewApp(*cfg, postService, apiKeyService, reg)

	go func() {
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			logger.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()
	logger.Info("server is running", "addr", cfg.HTTPAddr)

	gracefulShutdown(logger, app, server, sched)
}

func buildAdapters(cfg *config.Config) []platform.Adapter {
	httpCfg := platform.HTTPConfig{
		Timeout:      cfg.Engine.PlatformTimeout,
		MediaTimeout: cfg.Engine.MediaTimeout,
	}
	p := cfg.Platforms

	return []platform.Adapter{
		platform.NewFacebookAdapter(platform.FacebookConfig{AppSecret: p.FacebookAppSecret, HTTP: httpCfg}),
		platform.NewInstagramAdapter(platform.InstagramConfig{HTTP: httpCfg}),
		platform.NewThreadsAdapter(platform.ThreadsConfig{HTTP: httpCfg}),
		platform.NewBlueskyAdapter(platform.BlueskyConfig{PDSURL: p.BlueskyPDSURL, HTTP: httpCfg}),
		platform.NewTikTokAdapter(platform.TikTokConfig{ClientKey: p.TiktokClientKey, ClientSecret: p.TiktokClientSecret, HTTP: httpCfg}),
		platform.NewPinterestAdapter(platform.PinterestConfig{ClientID: p.PinterestClientID, ClientSecret: p.PinterestClientSecret, HTTP: httpCfg}),
		platform.NewYouTubeAdapter(platform.YouTubeConfig{ClientID: p.GoogleClientID, ClientSecret: p.GoogleClientSecret, HTTP: httpCfg}),
		platform.NewTwitterAdapter(platform.TwitterConfig{
			ConsumerKey:    p.TwitterConsumerKey,
			ConsumerSecret: p.TwitterConsumerSecret,
			ClientID:       p.TwitterClientID,
			ClientSecret:   p.TwitterClientSecret,
			HTTP:           httpCfg,
		}),
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

func closeDB(logger *slog.Logger, db *sqlx.DB) {
	if err := db.Close(); err != nil {
		logger.Error("failed to close database", "error", err)
		return
	}
	logger.Info("database connection closed")
}

func gracefulShutdown(logger *slog.Logger, app *fiber.App, server *asynq.Server, sched *scheduler.Scheduler) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	logger.Info("shutting down server")

	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		logger.Error("failed to shut down http server", "error", err)
	}

	// stop taking new dispatches before the pollers and sweeps
	server.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(ctx); err != nil {
		logger.Error("scheduled tasks did not stop in time", "error", err)
	}

	logger.Info("server shutdown complete")
}
