// Package oracle adapts external price feeds. A feed reports the last
// price for a ticker or nothing; absence is never replaced by a default.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// Source is a price feed. LastPrice returns nil, nil when the feed has no
// price for ticker.
type Source interface {
	LastPrice(ctx context.Context, ticker string) (*model.PriceData, error)
}

// Price returns the last price for ticker, or model.ErrNoPriceAvailable.
func Price(ctx context.Context, src Source, ticker string) (decimal.Decimal, error) {
	pd, err := src.LastPrice(ctx, ticker)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %s: %w", ticker, err)
	}
	if pd == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrNoPriceAvailable, ticker)
	}
	return pd.Price, nil
}

// MemoryFeed is an in-process feed whose prices are set directly. Used in
// tests, development and for static prices from configuration.
type MemoryFeed struct {
	mu     sync.RWMutex
	prices map[string]model.PriceData
}

// NewMemoryFeed creates an empty feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{prices: make(map[string]model.PriceData)}
}

// Set records price for ticker at timestamp.
func (f *MemoryFeed) Set(ticker string, price decimal.Decimal, timestamp uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[normalize(ticker)] = model.PriceData{Price: price, Timestamp: timestamp}
}

// Remove drops the price for ticker.
func (f *MemoryFeed) Remove(ticker string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prices, normalize(ticker))
}

func (f *MemoryFeed) LastPrice(_ context.Context, ticker string) (*model.PriceData, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	pd, ok := f.prices[normalize(ticker)]
	if !ok {
		return nil, nil
	}
	return &pd, nil
}

func normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}
