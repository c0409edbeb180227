package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vague-archive/cloud-platform-sub000/internal/app/migrate"
	"github.com/vague-archive/cloud-platform-sub000/internal/cache"
	httpx "github.com/vague-archive/cloud-platform-sub000/internal/http"
	"github.com/vague-archive/cloud-platform-sub000/internal/notify"
	"github.com/vague-archive/cloud-platform-sub000/internal/repository/postgres"
	"github.com/vague-archive/cloud-platform-sub000/internal/service/deploy"
	"github.com/vague-archive/cloud-platform-sub000/internal/storage"
	"github.com/vague-archive/cloud-platform-sub000/internal/trash"
	"github.com/vague-archive/cloud-platform-sub000/pkg/config"
	"github.com/vague-archive/cloud-platform-sub000/pkg/logger"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadDeployConfig()
	log := logger.New("deployd", logger.ParseLevel(cfg.LogLevel, slog.LevelInfo))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}
	repo := postgres.New(pool)

	fileBucket, err := storage.OpenBucket(ctx, cfg.FileStoreURL)
	if err != nil {
		log.Error("failed to open file store", "error", err)
		os.Exit(1)
	}
	defer fileBucket.Close()
	blobBucket, err := storage.OpenBucket(ctx, cfg.BlobStoreURL)
	if err != nil {
		log.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}
	defer blobBucket.Close()
	files := storage.NewFileStore(fileBucket)
	blobs := storage.NewBlobStore(blobBucket)

	var (
		backend cache.Backend
		queue   trash.Broker
		limiter httpx.RateLimiter
	)
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client, err := cache.Dial(addr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Error("redis unavailable", "addr", addr, "error", err)
			os.Exit(1)
		}
		defer client.Close()
		backend = cache.NewRedisBackend(client, "share:cache:")
		redisQueue := trash.NewRedisQueue(client, "trash:")
		if moved, err := redisQueue.Recover(ctx); err != nil {
			log.Warn("trash recovery failed", "error", err)
		} else if moved > 0 {
			log.Info("requeued unfinished trash jobs", "jobs", moved)
		}
		queue = redisQueue
		limiter = httpx.NewRedisRateLimiter(client, log)
	} else {
		memory, err := cache.NewMemoryBackend(cfg.CacheSize)
		if err != nil {
			log.Error("failed to create cache", "error", err)
			os.Exit(1)
		}
		backend = memory
		queue = trash.NewMemoryQueue(cfg.TrashQueueBuffer)
		limiter = httpx.NewMemoryRateLimiter()
	}

	worker := trash.NewWorker(queue, files, log, cfg.TrashWorkers)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	engine := deploy.New(repo, files, blobs, cache.New(backend, log), queue, log, deploy.DefaultMetrics(), cfg)
	if cfg.WebhookURL != "" {
		hook, err := notify.NewWebhook(cfg.WebhookURL, cfg.WebhookToken, nil)
		if err != nil {
			log.Error("invalid deploy webhook", "error", err)
			os.Exit(1)
		}
		engine = engine.WithNotifier(hook)
	}
	router := httpx.NewRouter(log, engine, limiter, httpx.Options{
		Token:           cfg.APIToken,
		DeployRateLimit: cfg.DeployRateLimit,
		DBHealth:        pool.Ping,
	})
	defer router.Close()
	if cfg.APIToken == "" {
		log.Warn("DEPLOY_API_TOKEN not set; deploy routes are unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deploy server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		<-workerDone
		log.Info("deploy server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
