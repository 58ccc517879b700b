package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"rotor.dev/internal/auth"
	"rotor.dev/internal/config"
	"rotor.dev/internal/obs"
	"rotor.dev/internal/store/pg"
)

func main() {
	var (
		configPath = pflag.String("config", os.Getenv("ROTOR_CONFIG"), "path to YAML config file")
		once       = pflag.Bool("once", false, "run a single sweep and exit")
	)
	pflag.Parse()

	obs.Init()
	log := obs.Logger().Named("sweeper")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("missing database: set ROTOR_PG_DSN or dependencies.postgres_url")
	}

	store, err := pg.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("open postgres", zap.Error(err))
	}
	defer store.Close()

	sweeper := auth.NewSweeper(store.Ledger(), store.Revocations(), cfg.CleanupGracePeriod, cfg.StoreTimeout, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		res, err := sweeper.Sweep(ctx)
		if err != nil {
			log.Error("sweep failed", zap.Time("horizon", res.Horizon), zap.Error(err))
			os.Exit(1)
		}
		log.Info("sweep complete",
			zap.Time("horizon", res.Horizon),
			zap.Int64("ledger", res.Ledger),
			zap.Int64("revocations", res.Revocations))
		return
	}

	log.Info("sweeper running", zap.Duration("interval", cfg.CleanupInterval), zap.Duration("grace", cfg.CleanupGracePeriod))
	sweeper.Run(ctx, cfg.CleanupInterval)
}
