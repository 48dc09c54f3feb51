package interest

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestRate_Curve(t *testing.T) {
	c := DefaultCurve()
	require.NoError(t, c.Validate())

	tests := []struct {
		name             string
		total, available int64
		want             int64
	}{
		{"empty pool", 0, 0, 200_000},
		{"no borrows", 1000, 1000, 200_000},
		{"0.1% utilized", 1_000_000, 999_000, 200_888},
		{"50% utilized", 1000, 500, 644_440},
		{"just below kink", 1000, 101, 999_103},
		{"at kink", 1000, 100, 1_000_000},
		{"99.9% utilized", 1000, 1, 2_980_000},
		{"99.99% utilized", 10_001, 1, 2_998_000},
		{"fully utilized", 1000, 0, 3_000_000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.Rate(d(tc.total), d(tc.available))
			require.NoError(t, err)
			assert.True(t, got.Equal(d(tc.want)), "got %s, want %d", got, tc.want)
		})
	}
}

func TestUtilization(t *testing.T) {
	u, err := Utilization(d(10_001), d(1))
	require.NoError(t, err)
	assert.True(t, u.Equal(d(99_990_000)), "got %s", u)

	u, err = Utilization(d(0), d(0))
	require.NoError(t, err)
	assert.True(t, u.IsZero())
}

func TestAccrue_OneYear(t *testing.T) {
	tests := []struct {
		rate, want int64
	}{
		{2_980_000, 12_980_000},
		{644_440, 10_644_440},
		{2_998_000, 12_998_000},
		{200_888, 10_200_888},
	}
	for _, tc := range tests {
		got, err := Accrue(InitialIndex, d(tc.rate), SecondsPerYear)
		require.NoError(t, err)
		assert.True(t, got.Equal(d(tc.want)), "rate %d: got %s, want %d", tc.rate, got, tc.want)
	}
}

func TestAccrue_NoElapsedTime(t *testing.T) {
	got, err := Accrue(d(12_345_678), d(3_000_000), 0)
	require.NoError(t, err)
	assert.True(t, got.Equal(d(12_345_678)))

	got, err = Accrue(d(12_345_678), d(3_000_000), -60)
	require.NoError(t, err)
	assert.True(t, got.Equal(d(12_345_678)))
}

func TestAccrue_Monotone(t *testing.T) {
	c := DefaultCurve()
	index := InitialIndex
	for _, avail := range []int64{1000, 700, 300, 50, 1, 0} {
		rate, err := c.Rate(d(1000), d(avail))
		require.NoError(t, err)
		next, err := Accrue(index, rate, 86_400)
		require.NoError(t, err)
		assert.True(t, next.GreaterThanOrEqual(index))
		index = next
	}
}

func TestValidate_Rejects(t *testing.T) {
	c := DefaultCurve()
	c.MaxRate = d(1)
	assert.Error(t, c.Validate())

	c = DefaultCurve()
	c.PanicThreshold = UtilizationScale
	assert.Error(t, c.Validate())
}
