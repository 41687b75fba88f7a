package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harvest-trading/harvest/internal/config"
	"github.com/harvest-trading/harvest/internal/engine"
	"github.com/harvest-trading/harvest/internal/executor"
	"github.com/harvest-trading/harvest/internal/journal"
	"github.com/harvest-trading/harvest/internal/oracle"
	"github.com/harvest-trading/harvest/internal/position"
	"github.com/harvest-trading/harvest/internal/pricefeed"
	"github.com/harvest-trading/harvest/internal/raydium"
	"github.com/harvest-trading/harvest/internal/safety"
	"github.com/harvest-trading/harvest/internal/scoring"
	"github.com/harvest-trading/harvest/internal/solana"
	"github.com/harvest-trading/harvest/internal/wallet"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration file")
	autoYes := flag.Bool("yes", false, "skip the recovery prompt and keep managing recovered positions")
	dryRun := flag.Bool("dry-run", false, "simulate all trades in memory (overrides config)")
	flag.Parse()

	// .env is optional; explicit environment always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load configuration")
	}
	if *dryRun {
		cfg.General.DryRun = true
	}

	setupLogging(cfg)

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Bool("trading_enabled", cfg.General.TradingEnabled).
		Bool("dry_run", cfg.General.DryRun).
		Msg("harvester starting")

	w, err := wallet.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("wallet key unusable")
	}
	log.Info().Str("wallet", string(w.Pubkey())).Msg("wallet loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("shutdown signal received, finishing current iteration")
		cancel()
	}()

	rpc := solana.NewLiveRPCClient(solana.RPCConfig{
		Endpoint:     cfg.Chain.RPCEndpoint,
		Timeout:      time.Duration(cfg.Chain.TimeoutSec) * time.Second,
		MaxRetries:   cfg.Chain.MaxRetries,
		RateLimitRPS: cfg.Chain.RateLimitRPS,
	})
	if err := rpc.Health(ctx); err != nil {
		log.Fatal().Err(err).Str("endpoint", cfg.Chain.RPCEndpoint).Msg("rpc endpoint unhealthy")
	}

	dir := raydium.NewClient(raydium.ClientConfig{
		BaseURL:  cfg.Directory.BaseURL,
		PageSize: cfg.Directory.PageSize,
		MaxPages: cfg.Directory.MaxPages,
		CacheTTL: time.Duration(cfg.Directory.CacheTTLSec) * time.Second,
	})

	prices := pricefeed.NewFeed(pricefeed.Config{
		PrimaryURL:  cfg.Pricing.PrimaryURL,
		FallbackURL: cfg.Pricing.FallbackURL,
		APIKey:      cfg.Pricing.APIKey,
		CacheTTL:    time.Duration(cfg.Pricing.CacheTTLSec) * time.Second,
	})
	if price, err := prices.SOLPriceUSD(ctx); err == nil {
		log.Info().Str("sol_usd", price.String()).Msg("price feed online")
	}

	screen := safety.NewScreen(cfg.Safety, cfg.Filters.MinBurnPct,
		safety.NewLockAnalyzer(rpc),
		safety.NewRugcheckClient(cfg.Safety.RugcheckURL, time.Duration(cfg.Chain.TimeoutSec)*time.Second))

	history := scoring.NewTracker()
	scorer := scoring.NewScorer(cfg.Filters, cfg.Trading, history)

	var backend executor.Executor
	if cfg.General.DryRun || !cfg.General.TradingEnabled {
		log.Info().Msg("using simulated execution backend")
		backend = executor.NewDryRun()
	} else {
		bridge := executor.NewBridge(executor.BridgeConfig{
			Command: os.Getenv("EXECUTOR_COMMAND"),
			Args:    strings.Fields(os.Getenv("EXECUTOR_ARGS")),
			Timeout: time.Duration(cfg.Scheduler.BackendTimeoutSec) * time.Second,
		})
		// Position valuations come from the AMM accounts directly; the
		// bridge only moves funds.
		backend = executor.NewChainValued(bridge, oracle.NewChainValuer(rpc))
	}

	ledger := position.NewLedger(cfg.Blacklist)
	store := position.NewStore(cfg.Storage.StatePath, ledger)
	if err := store.Restore(); err != nil {
		log.Fatal().Err(err).Msg("state restore failed")
	}

	jnl := journal.New(cfg.Storage.TradesPath, 32)

	eng := engine.New(cfg, dir, screen, scorer, history, backend, rpc, store, jnl, prices, w.Pubkey())

	if err := eng.Recover(ctx, engine.RecoverOptions{
		AutoContinue: *autoYes,
		In:           os.Stdin,
		Out:          os.Stdout,
	}); err != nil {
		log.Fatal().Err(err).Msg("startup recovery failed")
	}

	if err := eng.Run(ctx); err != nil {
		log.Error().Err(err).Msg("engine stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("harvester shutdown complete")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.General.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.General.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().
			Timestamp().
			Str("service", "harvester").
			Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()
}
