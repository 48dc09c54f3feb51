// Package config loads the lending engine's TOML configuration and applies
// environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/currency"
	"github.com/atmx/lending-engine/internal/health"
	"github.com/atmx/lending-engine/internal/interest"
	"github.com/atmx/lending-engine/internal/limits"
	"github.com/atmx/lending-engine/internal/model"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full service configuration.
type Config struct {
	Server   Server                     `toml:"server"`
	Storage  Storage                    `toml:"storage"`
	Ledger   Ledger                     `toml:"ledger"`
	Risk     Risk                       `toml:"risk"`
	Interest Interest                   `toml:"interest"`
	Caps     Caps                       `toml:"caps"`
	Prices   map[string]decimal.Decimal `toml:"prices"`
	Pools    []Pool                     `toml:"pools"`
}

// Server configures the HTTP listener.
type Server struct {
	Port              string   `toml:"port"`
	RequestsPerMinute float64  `toml:"requests_per_minute"`
	Burst             int      `toml:"burst"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`
	// Faucet enables the token mint endpoint. Never enable in production.
	Faucet bool `toml:"faucet"`
}

// Storage selects the backing store. DatabaseURL wins over LevelDBPath;
// with neither set the engine runs in memory.
type Storage struct {
	DatabaseURL string   `toml:"database_url"`
	RedisURL    string   `toml:"redis_url"`
	LevelDBPath string   `toml:"leveldb_path"`
	CacheTTL    Duration `toml:"cache_ttl"`
}

// Ledger names the manager and its administrator.
type Ledger struct {
	Manager   model.Address `toml:"manager"`
	Admin     model.Address `toml:"admin"`
	RecordTTL Duration      `toml:"record_ttl"`
}

// Risk holds the health factor policy, fixed-point ×1e7.
type Risk struct {
	CreationThreshold    decimal.Decimal `toml:"creation_threshold"`
	LiquidationThreshold decimal.Decimal `toml:"liquidation_threshold"`
	LiquidationBonus     decimal.Decimal `toml:"liquidation_bonus"`
}

// Interest holds the rate curve. Rates are ×1e7, the threshold ×1e8.
type Interest struct {
	BaseRate       decimal.Decimal `toml:"base_rate"`
	PanicRate      decimal.Decimal `toml:"panic_rate"`
	MaxRate        decimal.Decimal `toml:"max_rate"`
	PanicThreshold decimal.Decimal `toml:"panic_threshold"`
}

// Caps bounds new borrowing. Zero disables a cap.
type Caps struct {
	MaxPerLoan     decimal.Decimal `toml:"max_per_loan"`
	MaxUtilization decimal.Decimal `toml:"max_utilization"`
}

// Pool is a pool registered with the manager at startup.
type Pool struct {
	Address              model.Address   `toml:"address"`
	AssetHandle          string          `toml:"asset_handle"`
	Ticker               string          `toml:"ticker"`
	LiquidationThreshold decimal.Decimal `toml:"liquidation_threshold"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	policy := health.DefaultPolicy()
	curve := interest.DefaultCurve()
	return &Config{
		Server: Server{
			Port:              "8080",
			RequestsPerMinute: 600,
			Burst:             60,
			ShutdownTimeout:   Duration{5 * time.Second},
		},
		Storage: Storage{CacheTTL: Duration{30 * time.Second}},
		Ledger: Ledger{
			Manager: "manager",
			Admin:   "admin",
		},
		Risk: Risk{
			CreationThreshold:    policy.CreationThreshold,
			LiquidationThreshold: policy.LiquidationThreshold,
			LiquidationBonus:     policy.LiquidationBonus,
		},
		Interest: Interest{
			BaseRate:       curve.BaseRate,
			PanicRate:      curve.PanicRate,
			MaxRate:        curve.MaxRate,
			PanicThreshold: curve.PanicThreshold,
		},
		Caps:   Caps{MaxPerLoan: decimal.Zero, MaxUtilization: decimal.Zero},
		Prices: map[string]decimal.Decimal{},
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides connection settings from the environment, as the
// deployment manifests set them.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	}
	if v := getenv("LEVELDB_PATH"); v != "" {
		c.Storage.LevelDBPath = v
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is empty"))
	}
	if c.Server.RequestsPerMinute > 0 && c.Server.Burst <= 0 {
		errs = append(errs, errors.New("server.burst must be positive when rate limiting"))
	}
	if c.Ledger.Manager == "" || c.Ledger.Admin == "" {
		errs = append(errs, errors.New("ledger.manager and ledger.admin are required"))
	}
	if c.Ledger.RecordTTL.Duration < 0 {
		errs = append(errs, errors.New("ledger.record_ttl is negative"))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Curve().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Caps.MaxPerLoan.IsNegative() || c.Caps.MaxUtilization.IsNegative() {
		errs = append(errs, errors.New("caps must not be negative"))
	}
	if c.Caps.MaxUtilization.GreaterThan(interest.UtilizationScale) {
		errs = append(errs, fmt.Errorf("caps.max_utilization above %s", interest.UtilizationScale))
	}
	for ticker, price := range c.Prices {
		if !price.IsPositive() {
			errs = append(errs, fmt.Errorf("prices.%s must be positive", ticker))
		}
	}
	seen := make(map[model.Address]bool, len(c.Pools))
	for i, p := range c.Pools {
		if p.Address == "" {
			errs = append(errs, fmt.Errorf("pools[%d].address is empty", i))
		} else if seen[p.Address] {
			errs = append(errs, fmt.Errorf("pools[%d]: duplicate address %s", i, p.Address))
		}
		seen[p.Address] = true
		if _, err := currency.Parse(p.AssetHandle, p.Ticker); err != nil {
			errs = append(errs, fmt.Errorf("pools[%d]: %w", i, err))
		}
		if p.LiquidationThreshold.IsNegative() {
			errs = append(errs, fmt.Errorf("pools[%d].liquidation_threshold is negative", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Policy returns the health policy.
func (c *Config) Policy() health.Policy {
	return health.Policy{
		CreationThreshold:    c.Risk.CreationThreshold,
		LiquidationThreshold: c.Risk.LiquidationThreshold,
		LiquidationBonus:     c.Risk.LiquidationBonus,
	}
}

// Curve returns the interest rate curve.
func (c *Config) Curve() interest.Curve {
	return interest.Curve{
		BaseRate:       c.Interest.BaseRate,
		PanicRate:      c.Interest.PanicRate,
		MaxRate:        c.Interest.MaxRate,
		PanicThreshold: c.Interest.PanicThreshold,
	}
}

// BorrowCaps returns the borrow caps.
func (c *Config) BorrowCaps() limits.BorrowCaps {
	return limits.BorrowCaps{
		MaxPerLoan:     c.Caps.MaxPerLoan,
		MaxUtilization: c.Caps.MaxUtilization,
	}
}
