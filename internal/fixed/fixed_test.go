package fixed

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/model"
)

func TestQuo_TruncatesTowardZero(t *testing.T) {
	tests := []struct {
		a, b, want int64
	}{
		{7, 2, 3},
		{-7, 2, -3},
		{7, -2, -3},
		{1_000_000_000_000, 12_998, 76_934_913},
		{800_000 * 10_000_000, 90_000_000, 88_888},
	}
	for _, tc := range tests {
		got, err := Quo(Int(tc.a), Int(tc.b))
		require.NoError(t, err)
		assert.True(t, got.Equal(Int(tc.want)), "%d/%d: got %s, want %d", tc.a, tc.b, got, tc.want)
	}
}

func TestQuo_DivisionByZero(t *testing.T) {
	_, err := Quo(Int(1), decimal.Zero)
	assert.True(t, errors.Is(err, model.ErrArithmeticOverflow))
}

func TestMul_Overflow(t *testing.T) {
	_, err := Mul(maxInt, Int(2))
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)

	got, err := Mul(maxInt, Int(1))
	require.NoError(t, err)
	assert.True(t, got.Equal(maxInt))
}

func TestAddSub_Bounds(t *testing.T) {
	_, err := Add(maxInt, Int(1))
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)

	_, err = Sub(minInt, Int(1))
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)

	got, err := Sub(Int(10), Int(25))
	require.NoError(t, err)
	assert.True(t, got.Equal(Int(-15)))
}

func TestCheck_RejectsFractions(t *testing.T) {
	_, err := Check(decimal.RequireFromString("1.5"))
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)
}

func TestMulDiv(t *testing.T) {
	got, err := MulDiv(Int(10_000), Int(12_998_000), Scale)
	require.NoError(t, err)
	assert.True(t, got.Equal(Int(12_998)))

	_, err = MulDiv(Int(1), Int(1), decimal.Zero)
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)
}

func TestMin(t *testing.T) {
	assert.True(t, Min(Int(3), Int(5)).Equal(Int(3)))
	assert.True(t, Min(Int(5), Int(3)).Equal(Int(3)))
}
