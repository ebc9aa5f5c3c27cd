package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/S0me0neR0man/ourfiles/internal/config"
	"github.com/S0me0neR0man/ourfiles/internal/provider"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal(err)
	}

	var logger *zap.Logger
	if cfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync() //nolint:errcheck
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	p, err := provider.New(ctx, cfg.Options(), logger)
	if err != nil {
		sugar.Fatalw("open store", "folder", cfg.Folder, "error", err)
	}
	sugar.Infow("store opened", "folder", cfg.Folder, "collections", p.Collections())

	reg, err := newRegistry(p)
	if err != nil {
		sugar.Fatalw("metrics", "error", err)
	}

	var wg sync.WaitGroup
	if cfg.MetricsAddr != "" {
		wg.Add(1)
		go func(ctx context.Context) {
			defer wg.Done()
			serveMetrics(ctx, cfg.MetricsAddr, reg, sugar)
		}(ctx)
	}
	if cfg.StoreInterval > 0 {
		wg.Add(1)
		go func(ctx context.Context) {
			defer wg.Done()
			flushLoop(ctx, p, cfg.StoreInterval, sugar)
		}(ctx)
	}

	<-ctx.Done()
	wg.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	logStatistics(closeCtx, p, sugar)
	logMetrics(reg, sugar)
	if err := p.Close(closeCtx); err != nil {
		sugar.Errorw("close store", "error", err)
	}
	sugar.Infow("graceful shutdown")
}

func flushLoop(ctx context.Context, p *provider.Provider, interval time.Duration, sugar *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				sugar.Errorw("flush", "error", err)
				continue
			}
			sugar.Debugw("flushed", "collections", len(p.Collections()))
		}
	}
}

func logStatistics(ctx context.Context, p *provider.Provider, sugar *zap.SugaredLogger) {
	stats, err := p.Statistics(ctx)
	if err != nil {
		sugar.Errorw("statistics", "error", err)
		return
	}
	for _, st := range stats {
		sugar.Infow("collection",
			"name", st.Collection,
			"records", st.Records,
			"blobs", st.Blobs,
			"depth", st.Depth,
			"indices", len(st.Indices),
		)
	}
}
