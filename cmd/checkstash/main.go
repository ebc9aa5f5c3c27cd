package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/ourfiles/internal/config"
)

func main() {
	cfg := config.Default()
	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	cfg.Bind(fs)
	duration := fs.Duration("duration", 10*time.Second, "how long to run, 0 runs until interrupted")
	sections := fs.Int("sections", 8, "number of collections written to")
	maxPayload := fs.Int("max-payload", 2048, "largest random payload in bytes")
	_ = fs.Parse(os.Args[1:])
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	var logger *zap.Logger
	var err error
	if cfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	failed, mismatched, err := run(ctx, cfg, *sections, *maxPayload, os.Stdout, logger)
	if err != nil {
		logger.Sugar().Fatalw("checkstash", "error", err)
	}
	if failed+mismatched > 0 {
		logger.Sugar().Errorw("checkstash found problems", "failed", failed, "mismatched", mismatched)
		os.Exit(1)
	}
}
