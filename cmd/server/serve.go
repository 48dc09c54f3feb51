package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/lending-engine/internal/api"
	"github.com/atmx/lending-engine/internal/config"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/loan"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/pool"
	"github.com/atmx/lending-engine/internal/token"
)

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lending HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func migrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := migrate(cmd.Context(), cfg.Storage); err != nil {
				return err
			}
			slog.Info("schema migrated")
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// --- Initialize store ---
	be, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer be.Close()

	// --- Ledger ---
	var opts []ledger.Option
	if ttl := cfg.Ledger.RecordTTL.Duration; ttl > 0 {
		opts = append(opts, ledger.WithRecordTTL(ttl))
	}
	l := ledger.New(be.store, ledger.SystemClock{}, opts...)

	// --- Price feed ---
	var (
		prices oracle.Source
		sink   priceSink
		feed   *oracle.MemoryFeed
	)
	if be.redis != nil {
		rf := oracle.NewRedisFeed(be.redis)
		prices, sink = rf, rf
		slog.Info("reading prices from Redis")
	} else {
		feed = oracle.NewMemoryFeed()
		prices, sink = feed, memorySink{feed}
	}
	if err := seedPrices(ctx, sink, cfg.Prices, uint64(time.Now().Unix())); err != nil {
		return fmt.Errorf("seed prices: %w", err)
	}

	// --- Pools and manager ---
	bank := token.NewBank()
	curve := cfg.Curve()
	pools := func(addr model.Address) *pool.Pool { return pool.New(addr, bank, curve) }
	mgr := loan.NewManager(cfg.Ledger.Manager,
		func(addr model.Address) loan.PoolClient { return pools(addr) },
		prices,
		cfg.Policy(),
		loan.WithBorrowCaps(cfg.BorrowCaps()),
	)
	if err := bootstrap(ctx, l, mgr, cfg); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)
	l.OnCommit(hub.Publish)

	// --- HTTP router ---
	svc := api.NewService(api.Config{
		Ledger:  l,
		Manager: mgr,
		Bank:    bank,
		Pools:   pools,
		Prices:  prices,
		Feed:    feed,
		Faucet:  cfg.Server.Faucet,
	})
	limiter := api.NewRateLimiter(api.RateLimit{
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		Burst:             cfg.Server.Burst,
	})
	go limiter.Run(ctx)
	if cfg.Server.Faucet {
		slog.Warn("token faucet enabled")
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewRouter(svc, hub, limiter),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("lending-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	slog.Info("shutting down lending-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("lending-engine stopped")
	return nil
}
