package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"content-engine/internal/api"
	"content-engine/internal/artefact"
	"content-engine/internal/callback"
	"content-engine/internal/config"
	"content-engine/internal/engine"
	"content-engine/internal/models"
	"content-engine/internal/queue"
	"content-engine/internal/quota"
	"content-engine/internal/store"
	"content-engine/internal/telemetry"
	"content-engine/internal/webhook"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	q := queue.New(redisClient, cfg.VisibilityTimeout)
	index := queue.NewTokenIndex(redisClient, cfg.CorrelationTTL)
	gate := quota.NewTokenBucket(redisClient, cfg.QuotaCapacity, cfg.QuotaRefill, time.Hour)

	dispatcher := callback.New(cfg.CallbackTimeout, logger)
	artefacts, err := artefact.NewWriter(ctx, cfg, st, logger)
	if err != nil {
		logger.Error("artefact writer", "error", err)
		os.Exit(1)
	}
	notifier := engine.NotifierFunc(func(job models.Job) {
		dispatcher.Dispatch(job)
		artefacts.WriteAsync(job)
	})

	trans := engine.NewTransitioner(st, notifier, logger)
	matcher := engine.NewMatcher(st, index, cfg.MatchScanLimit, logger)
	resolver := engine.NewResolver(st, matcher, trans, logger)
	enqueuer := engine.NewEnqueuer(st, q, gate, logger)
	workerSvc := engine.NewWorkerService(st, q, index, trans, cfg.VisibilityTimeout, logger)

	hooks := map[string]http.Handler{
		"video":  webhook.NewIngestor(webhook.VideoProvider(cfg.VideoWebhookSecret), st, resolver, logger),
		"status": webhook.NewIngestor(webhook.StatusProvider(cfg.StatusWebhookSecret), st, resolver, logger),
	}
	workerAPI := api.NewWorkerAPI(cfg.WorkerToken, workerSvc, logger)
	server := api.New(cfg, st, enqueuer, trans, q, hooks, workerAPI, logger)

	go runJanitor(ctx, st, q, logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// runJanitor periodically repairs the queue/store seam: expired worker
// leases reopen, due scheduled jobs promote to pending, and pending jobs
// whose queue signal went missing get re-pushed.
func runJanitor(ctx context.Context, st *store.Store, q *queue.Queue, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()

		if released, err := st.ReleaseExpiredLeases(ctx, now); err != nil {
			logger.Warn("release expired leases", "error", err)
		} else if released > 0 {
			logger.Info("released expired leases", "count", released)
		}

		if expired, err := q.RequeueExpired(ctx, now, 100); err != nil {
			logger.Warn("requeue expired claims", "error", err)
		} else if len(expired) > 0 {
			logger.Info("requeued expired claims", "count", len(expired))
		}

		promoted, err := st.PromoteDueScheduled(ctx, now)
		if err != nil {
			logger.Warn("promote scheduled jobs", "error", err)
		}
		for _, ref := range promoted {
			if err := q.Push(ctx, ref.Tenant, ref.ID); err != nil {
				logger.Warn("queue push for promoted job", "job_id", ref.ID, "error", err)
			}
		}

		stale, err := st.ListStalePending(ctx, now.Add(-time.Minute), 100)
		if err != nil {
			logger.Warn("list stale pending jobs", "error", err)
		}
		for _, ref := range stale {
			if err := q.Push(ctx, ref.Tenant, ref.ID); err != nil {
				logger.Warn("queue push for stale job", "job_id", ref.ID, "error", err)
			}
		}

		if depth, err := q.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}
