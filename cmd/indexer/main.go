package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Kriptikz/evore-sub000/internal/admin"
	"github.com/Kriptikz/evore-sub000/internal/alert"
	"github.com/Kriptikz/evore-sub000/internal/backfill"
	"github.com/Kriptikz/evore-sub000/internal/config"
	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/engine"
	"github.com/Kriptikz/evore-sub000/internal/feed"
	"github.com/Kriptikz/evore-sub000/internal/queue/action"
	"github.com/Kriptikz/evore-sub000/internal/queue/automation"
	"github.com/Kriptikz/evore-sub000/internal/ratelimit"
	"github.com/Kriptikz/evore-sub000/internal/sigindex"
	"github.com/Kriptikz/evore-sub000/internal/solana/rpc"
	"github.com/Kriptikz/evore-sub000/internal/store"
	"github.com/Kriptikz/evore-sub000/internal/store/postgres"
	"github.com/Kriptikz/evore-sub000/internal/tracing"
	"github.com/Kriptikz/evore-sub000/internal/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const migrationsDir = "migrations"

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting evore round indexer",
		"solana_rpc", cfg.Solana.RPCURL,
		"solana_network", cfg.Solana.Network,
		"game_program", cfg.Solana.GameProgramID,
		"feed_url", cfg.Feed.BaseURL,
		"verify_policy", cfg.Workflow.VerifyPolicy,
		"backfill_enabled", cfg.Backfill.Enabled,
	)

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.Init(context.Background(), "evore-round-indexer", cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Endpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	// Connect to PostgreSQL and apply migrations
	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Repositories
	roundRepo := postgres.NewRoundRepo(db)
	rawTxRepo := postgres.NewRawTransactionRepo(db)
	deploymentRepo := postgres.NewDeploymentRepo(db)
	actionQueueRepo := postgres.NewActionQueueRepo(db)
	automationQueueRepo := postgres.NewAutomationQueueRepo(db)

	// Chain access
	rpcClient := rpc.NewClient(cfg.Solana.RPCURL, logger)
	limiter := ratelimit.NewLimiter(cfg.Solana.RPS, cfg.Solana.Burst)
	sigIndex := sigindex.New(rawTxRepo, sigindex.Config{})

	eng := engine.New(rpcClient, limiter, roundRepo, rawTxRepo, automationQueueRepo, sigIndex, engine.Config{
		GameProgramID:      cfg.Solana.GameProgramID,
		SignaturePageLimit: cfg.Solana.SignaturePageLimit,
	}, logger)

	// Feed
	feedClient := feed.NewClient(cfg.Feed.BaseURL, cfg.Feed.PageSize, &http.Client{Timeout: cfg.Feed.Timeout}, logger)

	liveSource, err := buildLiveSource(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize live round source", "error", err)
		os.Exit(1)
	}
	defer liveSource.Close()

	// Alerting
	alerter := buildAlerter(cfg, logger)

	// Workflow
	finalizer := workflow.NewFinalizer(db, roundRepo, deploymentRepo, logger)
	svc := workflow.NewService(roundRepo, rawTxRepo, feedClient, eng, finalizer, alerter, cfg.Workflow.VerifyPolicy, logger)

	// Workers
	actionWorker := action.NewWorker(actionQueueRepo, roundRepo, svc, action.Config{
		PollInterval: cfg.Queue.ActionPollInterval,
		StaleAfter:   cfg.Queue.ActionStaleAfter,
	}, logger)

	automationWorker := automation.NewWorker(automationQueueRepo, rpcClient, limiter, automation.Config{
		PollInterval: cfg.Queue.AutomationPollInterval,
		MaxAttempts:  cfg.Queue.AutomationMaxAttempts,
		MaxPages:     cfg.Queue.AutomationMaxPages,
		PageLimit:    cfg.Solana.SignaturePageLimit,
		StaleAfter:   cfg.Queue.AutomationStaleAfter,
		CacheSize:    cfg.Queue.AutomationCacheSize,
		CacheTTL:     cfg.Queue.AutomationCacheTTL,
	}, logger)

	backfillTask := backfill.NewTask(feedClient, roundRepo, cfg.Feed.PageSize, logger)

	// Admin API
	adminServer := admin.NewServer(svc, roundRepo, logger,
		admin.WithActionQueue(actionWorker),
		admin.WithAutomationQueue(automationWorker),
		admin.WithBackfill(backfillTask),
		admin.WithDeploymentRepo(deploymentRepo),
	)
	rateLimitMW := admin.NewRateLimitMiddleware(logger)
	defer rateLimitMW.Stop()
	adminHandler := admin.AuthMiddleware(cfg.Server.AdminToken,
		rateLimitMW.Wrap(admin.AuditMiddleware(logger, adminServer.Handler())))

	// Context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHTTPServer(gCtx, cfg.Server.AdminPort, adminHandler, "admin", logger)
	})
	g.Go(func() error {
		return runMetricsServer(gCtx, cfg.Server.MetricsPort, logger)
	})
	g.Go(func() error {
		return actionWorker.Run(gCtx)
	})
	for i := 0; i < cfg.Queue.AutomationWorkers; i++ {
		g.Go(func() error {
			return automationWorker.Run(gCtx)
		})
	}
	g.Go(func() error {
		return runLiveConsumer(gCtx, liveSource, feedClient, roundRepo, actionWorker, logger)
	})

	go db.ReportPoolMetrics(gCtx, 15*time.Second)

	if cfg.Backfill.Enabled {
		if err := backfillTask.Start(backfill.Params{
			StopAtRound:  cfg.Backfill.StartRoundID,
			HighestRound: cfg.Backfill.EndRoundID,
			PageJumpSize: cfg.Backfill.PageJumpSize,
			PauseBetween: cfg.Backfill.PauseBetween,
		}); err != nil {
			logger.Error("failed to start backfill", "error", err)
			os.Exit(1)
		}
		logger.Info("backfill started",
			"stop_at_round", cfg.Backfill.StartRoundID,
			"highest_round", cfg.Backfill.EndRoundID,
		)
	}

	// Signal handler
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			backfillTask.Cancel()
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("indexer exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("indexer shut down gracefully")
}

func buildLiveSource(cfg *config.Config, logger *slog.Logger) (feed.LiveSource, error) {
	if cfg.Redis.URL == "" {
		logger.Info("no redis configured, live round announcements disabled")
		return feed.NewChanLiveSource(16), nil
	}
	return feed.NewRedisLiveSource(cfg.Redis.URL, logger)
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var alerters []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		alerters = append(alerters, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(alerters) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, alerters...)
}

// runLiveConsumer feeds newly announced rounds into the workflow: fetch the
// round's metadata, store it as a live round, and queue the full action
// sequence. The queue drains in order, so fetch, reconstruct, and finalize
// run back to back.
func runLiveConsumer(ctx context.Context, source feed.LiveSource, feedClient *feed.Client,
	rounds store.RoundRepository, actions *action.Worker, logger *slog.Logger) error {

	log := logger.With("component", "live_consumer")
	for {
		ann, err := source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("live source failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				continue
			}
		}

		log.Info("live round announced", "round_id", ann.RoundID, "end_slot", ann.EndSlot)

		meta, err := feedClient.GetRound(ctx, ann.RoundID)
		if err != nil {
			log.Error("fetch live round meta failed", "round_id", ann.RoundID, "error", err)
			continue
		}
		if err := rounds.Upsert(ctx, meta.ToRound(model.RoundSourceLive)); err != nil {
			log.Error("store live round failed", "round_id", ann.RoundID, "error", err)
			continue
		}

		for _, act := range []model.ActionType{model.ActionFetchTxns, model.ActionReconstruct, model.ActionFinalize} {
			if _, err := actions.Enqueue(ctx, ann.RoundID, act); err != nil {
				log.Error("enqueue live round action failed",
					"round_id", ann.RoundID, "action", act, "error", err)
				break
			}
		}
	}
}

func runHTTPServer(ctx context.Context, port int, handler http.Handler, name string, logger *slog.Logger) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func runMetricsServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return runHTTPServer(ctx, port, mux, "metrics", logger)
}
