package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// RedisFeed reads prices an external feeder publishes as redis hashes
// under price:{TICKER} with fields "price" and "timestamp".
type RedisFeed struct {
	rdb *redis.Client
}

// NewRedisFeed creates a feed backed by rdb.
func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{rdb: rdb}
}

func (f *RedisFeed) LastPrice(ctx context.Context, ticker string) (*model.PriceData, error) {
	fields, err := f.rdb.HGetAll(ctx, priceKey(ticker)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read price %s: %w", ticker, err)
	}
	raw, ok := fields["price"]
	if !ok {
		return nil, nil
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode price %s: %w", ticker, err)
	}
	var ts uint64
	if s, ok := fields["timestamp"]; ok {
		if ts, err = strconv.ParseUint(s, 10, 64); err != nil {
			return nil, fmt.Errorf("decode timestamp %s: %w", ticker, err)
		}
	}
	return &model.PriceData{Price: price, Timestamp: ts}, nil
}

// Publish writes a price observation. Used by feeders and tests.
func (f *RedisFeed) Publish(ctx context.Context, ticker string, pd model.PriceData) error {
	return f.rdb.HSet(ctx, priceKey(ticker),
		"price", pd.Price.String(),
		"timestamp", strconv.FormatUint(pd.Timestamp, 10),
	).Err()
}

func priceKey(ticker string) string { return "price:" + normalize(ticker) }
