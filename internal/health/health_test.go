package health

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestFactor(t *testing.T) {
	tests := []struct {
		name                                           string
		borrowPrice, borrowed, collPrice, coll, want int64
	}{
		{"10x collateralized", 1, 10_000, 1, 100_000, 100_000_000},
		{"after a year at 99.99%", 1, 12_998, 1, 100_000, 76_934_913},
		{"after a year at 0.1%", 1, 10_208, 1, 100_000, 97_962_382},
		{"price weighted", 20_000_000, 10, 10_000_000, 30, 15_000_000},
		{"exactly covered", 3, 5, 5, 3, 10_000_000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Factor(d(tc.borrowPrice), d(tc.borrowed), d(tc.collPrice), d(tc.coll))
			require.NoError(t, err)
			assert.True(t, got.Equal(d(tc.want)), "got %s, want %d", got, tc.want)
		})
	}
}

func TestFactor_ZeroBorrowedValue(t *testing.T) {
	_, err := Factor(d(1), d(0), d(1), d(100))
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)

	_, err = Factor(d(0), d(10), d(1), d(100))
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)
}

func TestCompute(t *testing.T) {
	feed := oracle.NewMemoryFeed()
	ctx := context.Background()

	_, err := Compute(ctx, feed, "USDC", d(10), "XLM", d(100))
	assert.ErrorIs(t, err, model.ErrNoPriceAvailable)

	feed.Set("XLM", d(1_000_000), 1)
	_, err = Compute(ctx, feed, "USDC", d(10), "XLM", d(100))
	assert.ErrorIs(t, err, model.ErrNoPriceAvailable, "borrow price missing")

	feed.Set("USDC", d(10_000_000), 1)
	hf, err := Compute(ctx, feed, "USDC", d(10), "XLM", d(100))
	require.NoError(t, err)
	assert.True(t, hf.Equal(d(10_000_000)), "got %s", hf)
}

func TestPolicy_Thresholds(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	assert.False(t, p.CanOpen(d(12_000_000)), "creation requires strictly above 1.2")
	assert.True(t, p.CanOpen(d(12_000_001)))
	assert.False(t, p.Liquidatable(d(12_000_000)))
	assert.True(t, p.Liquidatable(d(11_999_999)))
}

func TestPolicy_Validate(t *testing.T) {
	p := DefaultPolicy()
	p.LiquidationThreshold = d(13_000_000)
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.LiquidationBonus = d(9_000_000)
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.LiquidationThreshold = d(10_000_000)
	assert.NoError(t, p.Validate())
}

func TestCheckLiquidationAmount(t *testing.T) {
	p := DefaultPolicy()
	assert.NoError(t, p.CheckLiquidationAmount(d(49), d(100)))
	assert.ErrorIs(t, p.CheckLiquidationAmount(d(50), d(100)), model.ErrLiquidationTooLarge)
	assert.ErrorIs(t, p.CheckLiquidationAmount(d(50), d(101)), model.ErrLiquidationTooLarge)
}

func TestSeizedCollateral(t *testing.T) {
	p := DefaultPolicy()

	// 1000 debt at price 1 against collateral at price 1: 5% bonus.
	got, err := p.SeizedCollateral(d(1000), d(1), d(1), d(100_000))
	require.NoError(t, err)
	assert.True(t, got.Equal(d(1050)), "got %s", got)

	// Collateral worth twice the debt asset halves the units seized.
	got, err = p.SeizedCollateral(d(1000), d(10_000_000), d(20_000_000), d(100_000))
	require.NoError(t, err)
	assert.True(t, got.Equal(d(525)), "got %s", got)

	// Never more than the loan's collateral.
	got, err = p.SeizedCollateral(d(1000), d(1), d(1), d(700))
	require.NoError(t, err)
	assert.True(t, got.Equal(d(700)))

	_, err = p.SeizedCollateral(d(1000), d(1), d(0), d(700))
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)
}
