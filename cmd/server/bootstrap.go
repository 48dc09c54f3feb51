package main

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/config"
	"github.com/atmx/lending-engine/internal/currency"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/loan"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
)

// bootstrap initializes the manager on first start and registers every
// configured pool the registry does not hold yet, in one transaction.
func bootstrap(ctx context.Context, l *ledger.Ledger, mgr *loan.Manager, cfg *config.Config) error {
	admin := cfg.Ledger.Admin
	err := l.Atomic(ctx, []model.Address{admin}, func(tx *ledger.Tx) error {
		env := tx.As(admin)
		if _, err := mgr.Admin(env); errors.Is(err, model.ErrNotInitialized) {
			if err := mgr.Initialize(env, admin); err != nil {
				return err
			}
			slog.Info("loan manager initialized", "manager", mgr.Address(), "admin", admin)
		} else if err != nil {
			return err
		}

		registered, err := mgr.Pools(env)
		if err != nil {
			return err
		}
		for _, p := range cfg.Pools {
			if slices.Contains(registered, p.Address) {
				continue
			}
			cur, err := currency.Parse(p.AssetHandle, p.Ticker)
			if err != nil {
				return err
			}
			threshold := p.LiquidationThreshold
			if threshold.IsZero() {
				threshold = cfg.Risk.LiquidationThreshold
			}
			if err := mgr.RegisterPool(env, p.Address, cur, threshold); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Seed the open-loans gauge from the borrower index.
	return l.View(ctx, func(tx *ledger.Tx) error {
		loans, err := mgr.Loans(tx.As(mgr.Address()))
		if err != nil {
			return err
		}
		metrics.ActiveLoans.Set(float64(len(loans)))
		return nil
	})
}

// priceSink is a feed that accepts static prices.
type priceSink interface {
	oracle.Source
	Publish(ctx context.Context, ticker string, pd model.PriceData) error
}

// memorySink adapts MemoryFeed to priceSink.
type memorySink struct{ *oracle.MemoryFeed }

func (s memorySink) Publish(_ context.Context, ticker string, pd model.PriceData) error {
	s.Set(ticker, pd.Price, pd.Timestamp)
	return nil
}

// seedPrices writes the configured static prices into the feed.
func seedPrices(ctx context.Context, feed priceSink, prices map[string]decimal.Decimal, timestamp uint64) error {
	for ticker, price := range prices {
		if err := feed.Publish(ctx, ticker, model.PriceData{Price: price, Timestamp: timestamp}); err != nil {
			return err
		}
	}
	if len(prices) > 0 {
		slog.Info("static prices seeded", "count", len(prices))
	}
	return nil
}
