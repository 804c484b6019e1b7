package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jettran001/diamondBotV2/internal/admin"
	"github.com/jettran001/diamondBotV2/internal/alert"
	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/chain/evm"
	"github.com/jettran001/diamondBotV2/internal/chain/near"
	"github.com/jettran001/diamondBotV2/internal/chain/runtime"
	"github.com/jettran001/diamondBotV2/internal/chain/solana"
	"github.com/jettran001/diamondBotV2/internal/chain/sui"
	"github.com/jettran001/diamondBotV2/internal/chain/ton"
	"github.com/jettran001/diamondBotV2/internal/config"
	"github.com/jettran001/diamondBotV2/internal/nonce"
	"github.com/jettran001/diamondBotV2/internal/rpcpool"
	"github.com/jettran001/diamondBotV2/internal/stream"
	"github.com/jettran001/diamondBotV2/internal/tracing"
)

const defaultNonceTTL = 30 * time.Second

// starter is implemented by every adapter; it launches the background
// health loop once a lifecycle context exists.
type starter interface {
	Start(ctx context.Context)
}

// poolProvider exposes an adapter's endpoint pool for the ops API.
type poolProvider interface {
	Pool() *rpcpool.Pool
}

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

func buildFactory(nonces *nonce.Manager, alerter alert.Alerter, logger *slog.Logger) chain.AdapterFactory {
	return func(cfg chain.Config) (chain.Adapter, error) {
		rtOpts := []runtime.Option{
			runtime.WithBreakerChange(alert.BreakerHook(alerter, cfg.Name)),
			runtime.WithHealthChange(alert.HealthHook(alerter, cfg.Name)),
		}
		switch cfg.Type {
		case chain.TypeEVM:
			return evm.NewAdapter(cfg, nonces, logger, evm.WithRuntimeOptions(rtOpts...)), nil
		case chain.TypeSolana:
			return solana.NewAdapter(cfg, logger, solana.WithRuntimeOptions(rtOpts...)), nil
		case chain.TypeNEAR:
			return near.NewAdapter(cfg, nonces, logger, near.WithRuntimeOptions(rtOpts...)), nil
		case chain.TypeTON:
			return ton.NewAdapter(cfg, nonces, logger, ton.WithRuntimeOptions(rtOpts...)), nil
		case chain.TypeSui:
			return sui.NewAdapter(cfg, logger, sui.WithRuntimeOptions(rtOpts...)), nil
		default:
			return nil, fmt.Errorf("chain %s: %w", cfg.Type, chain.ErrUnknownChain)
		}
	}
}

func buildPublisher(redisURL string, logger *slog.Logger) (stream.Publisher, error) {
	if redisURL == "" {
		logger.Info("no redis configured, pending feed stays in-process")
		return stream.NewMemoryPublisher(0), nil
	}
	pub, err := stream.NewRedisPublisher(redisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis publisher: %w", err)
	}
	logger.Info("redis pending-tx transport enabled", "redis_url", redisURL)
	return pub, nil
}

// runPendingPump keeps one chain's mempool feed flowing into the
// publisher, reopening the watch after transient failures.
func runPendingPump(ctx context.Context, cfg chain.Config, adapter chain.Adapter, pub stream.Publisher, logger *slog.Logger) error {
	log := logger.With("chain", cfg.Name)
	for {
		if ctx.Err() != nil {
			return nil
		}
		pending, err := adapter.WatchPending(ctx)
		if err != nil {
			return fmt.Errorf("chain %s: watch pending: %w", cfg.Name, err)
		}
		if err := stream.Pump(ctx, cfg.Name, pending, pub); err != nil && ctx.Err() == nil {
			log.Warn("pending pump interrupted, reopening", "err", err)
			continue
		}
		return nil
	}
}

func runHealthServer(ctx context.Context, port int, opsHandler http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ops/", opsHandler)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
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

	logger.Info("starting diamond bot core",
		"chains", len(cfg.Chains),
		"health_port", cfg.Server.HealthPort,
	)

	shutdownTracing, err := tracing.Init(context.Background(), "diamond-bot", cfg.Trace.OTLPEndpoint, true, cfg.Trace.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	alerter := buildAlerter(cfg.Alert, logger)
	nonces := nonce.NewManager(defaultNonceTTL, logger)
	registry := chain.NewRegistry(buildFactory(nonces, alerter, logger))
	defer registry.Close()

	for _, chainCfg := range cfg.Chains {
		if err := registry.Register(chainCfg); err != nil {
			logger.Error("failed to register chain", "chain", chainCfg.Name, "error", err)
			os.Exit(1)
		}
		logger.Info("chain registered",
			"chain", chainCfg.Name,
			"chain_id", chainCfg.ChainID,
			"type", chainCfg.Type,
			"endpoints", len(chainCfg.Endpoints),
		)
	}

	publisher, err := buildPublisher(cfg.Redis.URL, logger)
	if err != nil {
		logger.Error("failed to build pending-tx publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// Per-chain wiring: health loops, nonce sources, pending pumps.
	for _, chainCfg := range cfg.Chains {
		adapter, err := registry.Get(chainCfg.ChainID)
		if err != nil {
			logger.Error("registered chain missing from registry", "chain", chainCfg.Name, "error", err)
			os.Exit(1)
		}

		if s, ok := adapter.(starter); ok {
			s.Start(gCtx)
		}

		switch adapter.Type() {
		case chain.TypeEVM, chain.TypeNEAR, chain.TypeTON:
			nonces.RegisterSourceTTL(chainCfg.ChainID, adapter, chainCfg.NonceTTL)
		}

		if adapter.Type() == chain.TypeEVM {
			cc := chainCfg
			ad := adapter
			g.Go(func() error {
				return runPendingPump(gCtx, cc, ad, publisher, logger)
			})
		}
	}

	opsServer := admin.NewServer(registry, func(chainID uint64) (*rpcpool.Pool, error) {
		adapter, err := registry.Get(chainID)
		if err != nil {
			return nil, err
		}
		provider, ok := adapter.(poolProvider)
		if !ok {
			return nil, fmt.Errorf("chain %d exposes no endpoint pool", chainID)
		}
		return provider.Pool(), nil
	}, nonces, logger)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, opsServer.Handler(), logger)
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

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("bot exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("bot shut down gracefully")
}
