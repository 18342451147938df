package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokenhub/internal/api"
	"tokenhub/internal/config"
	"tokenhub/internal/dashboard"
	"tokenhub/internal/heads"
	"tokenhub/internal/metrics"
	"tokenhub/internal/persistence"
	"tokenhub/internal/trigger"
	"tokenhub/pkg/chain/base"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		// .env file is optional
		log.Debug().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Logging)
	log.Info().Int("dashboards", len(cfg.Dashboards)).Msg("Starting tokenhub")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Application error")
	}

	log.Info().Msg("tokenhub shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()
	if cfg.Metrics.Enabled {
		if err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(shutdownCtx)
		}()
	}

	store, err := persistence.NewStore(cfg.Persistence.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("path", cfg.Persistence.SQLitePath).Msg("SQLite initialized")

	rpcClient, err := base.NewClient(cfg.Chain.RPCURL, cfg.Chain.RequestsPerSecond)
	if err != nil {
		return err
	}
	defer rpcClient.Close()

	chainID, err := rpcClient.ChainID(ctx)
	if err != nil {
		return err
	}
	if cfg.Chain.ChainID != 0 && chainID.Int64() != cfg.Chain.ChainID {
		log.Warn().
			Int64("configured", cfg.Chain.ChainID).
			Int64("node", chainID.Int64()).
			Msg("Chain ID mismatch")
	}
	log.Info().Int64("chain_id", chainID.Int64()).Msg("RPC client connected")

	hub, err := dashboard.NewHub(cfg.Dashboards, rpcClient, dashboard.Options{
		CallTimeout:    cfg.Chain.CallTimeout,
		MaxConcurrency: cfg.Aggregator.MaxConcurrency,
		Refresh: trigger.Config{
			Interval:     cfg.Refresh.Interval,
			EveryNBlocks: cfg.Refresh.EveryBlocks,
		},
		KV:        store,
		Snapshots: store,
		Metrics:   m,
	})
	if err != nil {
		return err
	}

	if cfg.API.Enabled {
		apiServer := api.NewServer(hub)
		if err := apiServer.Start(cfg.API.Port); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			apiServer.Shutdown(shutdownCtx)
		}()
	}

	log.Info().Msg("Running initial load...")
	if err := hub.Mount(ctx); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	var newHeads <-chan heads.Head
	if cfg.Chain.WSURL != "" {
		headSvc := heads.NewService(cfg.Chain.WSURL, m)
		newHeads = headSvc.Heads()

		g.Go(func() error {
			log.Info().Msg("Starting head subscription...")
			if err := headSvc.Run(gCtx); err != nil {
				// Polling keeps dashboards fresh without heads.
				log.Error().Err(err).Msg("Head subscription stopped")
			}
			return nil
		})
	}

	g.Go(func() error {
		log.Info().Msg("Starting refresh triggers...")
		return hub.Run(gCtx, newHeads)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}
