package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"stock-reconciler/internal/api"
	"stock-reconciler/internal/archive"
	"stock-reconciler/internal/batch"
	"stock-reconciler/internal/config"
	"stock-reconciler/internal/erp"
	"stock-reconciler/internal/logging"
	"stock-reconciler/internal/queue"
	"stock-reconciler/internal/ratelimit"
	"stock-reconciler/internal/store"
	"stock-reconciler/internal/storefront"
	"stock-reconciler/internal/watchdog"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	archiver, err := archive.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("init snapshot archive")
	}

	erpClient := erp.NewClient(cfg, log)
	sites := make(map[string]batch.SiteClient, len(cfg.Sites))
	for _, site := range cfg.Sites {
		sites[site.ID] = storefront.NewClient(site, log)
	}
	stepper := batch.NewStepper(cfg, st, erpClient, sites, archiver, log)

	wd := watchdog.New(st, watchdog.Thresholds{
		StuckBatch: cfg.StuckBatchThreshold,
		StuckStep:  cfg.StuckStepThreshold,
	}, log)

	q := queue.NewRedisQueue(cfg)
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, stepper, wd, q, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
