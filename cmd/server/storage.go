package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-engine/internal/config"
	"github.com/atmx/lending-engine/internal/store"
)

// backend is the opened store plus the connections it holds.
type backend struct {
	store   store.Store
	redis   *redis.Client
	cleanup []func()
}

func (b *backend) Close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

// openBackend picks PostgreSQL (optionally behind a Redis cache), then
// LevelDB, then memory. The Redis client is opened whenever REDIS_URL is
// set so the price feed can use it too.
func openBackend(ctx context.Context, cfg config.Storage) (*backend, error) {
	b := &backend{}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.redis = redis.NewClient(opt)
		b.cleanup = append(b.cleanup, func() { b.redis.Close() })
	}

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.cleanup = append(b.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.store = pg
		slog.Info("connected to PostgreSQL")

		if b.redis != nil {
			b.store = store.NewCachedStore(pg, b.redis, cfg.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}

	case cfg.LevelDBPath != "":
		lvl, err := store.OpenLevelStore(cfg.LevelDBPath)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.cleanup = append(b.cleanup, func() { lvl.Close() })
		b.store = lvl
		slog.Info("opened LevelDB store", "path", cfg.LevelDBPath)

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		b.store = store.NewMemoryStore()
	}
	return b, nil
}

// migrate creates the PostgreSQL schema.
func migrate(ctx context.Context, cfg config.Storage) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migrate: DATABASE_URL is not set")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	return store.NewPostgresStore(pool).Migrate(ctx)
}
