package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"stock-reconciler/internal/config"
	"stock-reconciler/internal/erp"
	"stock-reconciler/internal/logging"
	"stock-reconciler/internal/queue"
	"stock-reconciler/internal/store"
	"stock-reconciler/internal/storefront"
	"stock-reconciler/internal/telemetry"
	workerproc "stock-reconciler/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	q := queue.NewRedisQueue(cfg)
	processor := workerproc.NewProcessor(cfg, q, st, log)

	erpClient := erp.NewClient(cfg, log)
	sites := make(map[string]workerproc.SiteClient, len(cfg.Sites))
	for _, site := range cfg.Sites {
		sites[site.ID] = storefront.NewClient(site, log)
	}
	handlers := workerproc.NewSyncHandlers(cfg, erpClient, st, sites, log)
	handlers.Register(processor)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithField("max_concurrent", cfg.MaxConcurrentTasks).Info("worker started")
	if err := processor.Run(ctx); err != nil {
		log.WithError(err).Warn("worker stopped")
	}
}
