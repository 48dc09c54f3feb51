package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/health"
	"github.com/atmx/lending-engine/internal/interest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lending.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, health.DefaultPolicy(), cfg.Policy())
	assert.Equal(t, interest.DefaultCurve(), cfg.Curve())
	assert.True(t, cfg.BorrowCaps().Disabled())
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Storage.CacheTTL.Duration)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
[server]
port = "9090"
requests_per_minute = 120.0
burst = 10
faucet = true

[storage]
cache_ttl = "1m"

[ledger]
manager = "lending-manager"
admin = "ops"
record_ttl = "720h"

[risk]
creation_threshold = 13000000
liquidation_threshold = "12000000"
liquidation_bonus = 10500000

[caps]
max_per_loan = 50000
max_utilization = 95000000

[prices]
USDC = 10000000
XLM = 1200000

[[pools]]
address = "pool:USDC"
asset_handle = "asset:USDC"
ticker = "USDC"
liquidation_threshold = 12000000

[[pools]]
address = "pool:XLM"
asset_handle = "asset:XLM"
ticker = "XLM"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 120.0, cfg.Server.RequestsPerMinute)
	assert.True(t, cfg.Server.Faucet)
	assert.Equal(t, time.Minute, cfg.Storage.CacheTTL.Duration)
	assert.Equal(t, 720*time.Hour, cfg.Ledger.RecordTTL.Duration)
	assert.Equal(t, "lending-manager", string(cfg.Ledger.Manager))

	assert.True(t, cfg.Policy().CreationThreshold.Equal(decimal.NewFromInt(13_000_000)))
	assert.True(t, cfg.Policy().LiquidationThreshold.Equal(decimal.NewFromInt(12_000_000)))
	// Unset sections keep their defaults.
	assert.True(t, cfg.Curve().PanicRate.Equal(interest.DefaultCurve().PanicRate))

	caps := cfg.BorrowCaps()
	assert.False(t, caps.Disabled())
	assert.True(t, caps.MaxPerLoan.Equal(decimal.NewFromInt(50_000)))

	require.Len(t, cfg.Prices, 2)
	assert.True(t, cfg.Prices["XLM"].Equal(decimal.NewFromInt(1_200_000)))

	require.Len(t, cfg.Pools, 2)
	assert.Equal(t, "pool:XLM", string(cfg.Pools[1].Address))
	assert.True(t, cfg.Pools[1].LiquidationThreshold.IsZero())
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[server]
port = "9090"

[storage]
database_url = "postgres://file"
`)
	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LEVELDB_PATH", "/var/lib/lending")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "postgres://env", cfg.Storage.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Storage.RedisURL)
	assert.Equal(t, "/var/lib/lending", cfg.Storage.LevelDBPath)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[server]
prot = "9090"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.prot")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
[ledger]
record_ttl = "forever"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"zero burst", func(c *Config) { c.Server.Burst = 0 }},
		{"no admin", func(c *Config) { c.Ledger.Admin = "" }},
		{"negative ttl", func(c *Config) { c.Ledger.RecordTTL = Duration{-time.Second} }},
		{"creation below liquidation", func(c *Config) { c.Risk.CreationThreshold = decimal.NewFromInt(11_000_000) }},
		{"bonus below par", func(c *Config) { c.Risk.LiquidationBonus = decimal.NewFromInt(9_000_000) }},
		{"inverted curve", func(c *Config) { c.Interest.MaxRate = decimal.NewFromInt(1) }},
		{"negative cap", func(c *Config) { c.Caps.MaxPerLoan = decimal.NewFromInt(-1) }},
		{"utilization cap above 100%", func(c *Config) { c.Caps.MaxUtilization = decimal.NewFromInt(100_000_001) }},
		{"zero price", func(c *Config) { c.Prices["USDC"] = decimal.Zero }},
		{"pool without address", func(c *Config) {
			c.Pools = []Pool{{AssetHandle: "asset:USDC", Ticker: "USDC"}}
		}},
		{"duplicate pool", func(c *Config) {
			p := Pool{Address: "pool:USDC", AssetHandle: "asset:USDC", Ticker: "USDC"}
			c.Pools = []Pool{p, p}
		}},
		{"bad ticker", func(c *Config) {
			c.Pools = []Pool{{Address: "pool:x", AssetHandle: "asset:x", Ticker: "not a ticker"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRateLimitingDisabledAllowsZeroBurst(t *testing.T) {
	cfg := Default()
	cfg.Server.RequestsPerMinute = 0
	cfg.Server.Burst = 0
	assert.NoError(t, cfg.Validate())
}
