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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/alert"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/chain/evm"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/chain/ratelimit"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/config"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/aggregate"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/classifier"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/dexproc"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/fetcher"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/graduation"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/orchestrator"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/poolstate"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/reconciliation"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/store/postgres"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/tracing"
)

const migrationsDir = "migrations"

// repos bundles the postgres repositories so the wiring helpers take one
// argument instead of seven.
type repos struct {
	tokens    *postgres.TokenRepo
	transfers *postgres.TransferRepo
	trades    *postgres.TradeRepo
	balances  *postgres.BalanceRepo
	candles   *postgres.CandleRepo
	pools     *postgres.PoolRepo
	prices    *postgres.EthPriceRepo
}

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

	logger.Info("starting chainsync",
		"chains", len(cfg.Chains),
		"max_window_blocks", cfg.Sync.MaxWindowBlocks,
		"run_once", cfg.Sync.RunOnce,
		"schedule", cfg.Sync.Schedule,
		"conservation_check", cfg.Sync.ConservationCheck,
	)

	shutdownTracing, err := tracing.Init(context.Background(), "chainsync", cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
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

	r := repos{
		tokens:    postgres.NewTokenRepo(db),
		transfers: postgres.NewTransferRepo(db),
		trades:    postgres.NewTradeRepo(db),
		balances:  postgres.NewBalanceRepo(db),
		candles:   postgres.NewCandleRepo(db),
		pools:     postgres.NewPoolRepo(db),
		prices:    postgres.NewEthPriceRepo(db),
	}

	alerter := buildAlerter(cfg.Alert, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chains, err := buildChains(ctx, cfg, db, r, logger)
	if err != nil {
		logger.Error("failed to wire chains", "error", err)
		os.Exit(1)
	}

	var checker orchestrator.ConservationChecker
	if cfg.Sync.ConservationCheck {
		checker = reconciliation.NewService(r.tokens, r.transfers, r.trades, r.balances, alerter, logger)
	}

	orch := orchestrator.New(db, r.tokens, r.pools, chains, checker, alerter, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if cfg.Sync.RunOnce {
		go func() {
			sig := <-sigCh
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		}()
		summary, err := orch.Run(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info("sync run interrupted")
				return
			}
			logger.Error("sync run failed", "error", err)
			os.Exit(1)
		}
		// Degraded runs exit non-zero so cron-job deployments surface them.
		if summary != nil && !summary.Healthy() {
			logger.Error("sync run degraded", "failed_chains", summary.FailedChains())
			os.Exit(1)
		}
		return
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, logger)
	})

	g.Go(func() error {
		return runScheduler(gCtx, cfg.Sync.Schedule, orch, logger)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("chainsync exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("chainsync shut down gracefully")
}

// buildAlerter assembles the configured alert channels behind one cooldown
// gate. With no channel configured alerts are dropped.
func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, channels...)
}

// buildChains dials every enabled chain and wires its stage stack. Dialing is
// lazy for HTTP endpoints, so a dead RPC surfaces on the first run rather
// than here.
func buildChains(ctx context.Context, cfg *config.Config, db *postgres.DB, r repos, logger *slog.Logger) ([]orchestrator.Chain, error) {
	chains := make([]orchestrator.Chain, 0, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		guard := ratelimit.NewGuard(cc.ChainID, ratelimit.Policy{
			MaxAttempts:  cc.Retry.MaxAttempts,
			BaseDelay:    cc.Retry.BaseDelay,
			MaxDelay:     cc.Retry.MaxDelay,
			SuccessDelay: cc.Retry.SuccessDelay,
		}, logger)

		client, err := evm.Dial(ctx, cc.ChainID, cc.RPCURL, guard, logger)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cc.Name, err)
		}

		source := fetcher.New(client, fetcher.Params{
			LogChunk:     cc.LogChunk,
			DexLogChunk:  cc.DexLogChunk,
			AddressBatch: cc.AddressBatch,
			ReorgCushion: cc.ReorgCushion,
		}, logger)

		chains = append(chains, orchestrator.Chain{
			ChainID:    cc.ChainID,
			MaxWindow:  cfg.Sync.MaxWindowBlocks,
			Source:     source,
			Classifier: classifier.New(client, db, r.transfers, logger),
			Dex:        dexproc.New(client, db, r.transfers, r.trades, logger),
			Graduation: graduation.New(db, r.tokens, r.transfers, cc.ChainID, logger),
			Aggregate:  aggregate.New(db, r.transfers, r.trades, r.balances, r.candles, r.prices, cc.ChainID, logger),
			PoolState:  poolstate.New(source, db, r.pools, r.transfers, cc.ChainID, logger),
		})
		logger.Info("chain wired", "chain_id", cc.ChainID, "name", cc.Name, "log_chunk", cc.LogChunk)
	}
	return chains, nil
}

// syncRunner is the slice of the orchestrator the scheduler drives.
type syncRunner interface {
	Run(ctx context.Context) (*model.RunSummary, error)
}

// runScheduler fires sync runs on the cron spec until the context is
// canceled. Overlapping ticks are skipped rather than queued; the advisory
// lock already guards cross-process overlap.
func runScheduler(ctx context.Context, spec string, runner syncRunner, logger *slog.Logger) error {
	cronLog := cronLogger{logger: logger.With("component", "scheduler")}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cronLog), cron.Recover(cronLog)),
	)

	_, err := c.AddFunc(spec, func() {
		if _, err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduled run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}

	c.Start()
	logger.Info("scheduler started", "schedule", spec)

	<-ctx.Done()
	// Stop returns once no job is mid-flight; the in-flight run observes ctx
	// and winds down on its own.
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts slog to the cron.Logger interface. Info only fires from
// the SkipIfStillRunning wrapper, so it stays at info level.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

func runHealthServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
