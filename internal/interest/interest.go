// Package interest implements the utilization-based rate curve and the
// accrual index math pools use to grow debt over time.
//
// Rates and the accrual index are fixed-point ×1e7 (10_000_000 = 100% or
// 1.0). Utilization is fixed-point ×1e8.
package interest

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
	"github.com/atmx/lending-engine/internal/model"
)

// SecondsPerYear is the year length used to prorate annual rates.
const SecondsPerYear = 31_556_926

// InitialIndex is the accrual index of a fresh pool.
var InitialIndex = fixed.Scale

// UtilizationScale represents 100% utilization.
var UtilizationScale = decimal.NewFromInt(100_000_000)

// Curve is a two-segment kinked rate curve. Below PanicThreshold the rate
// climbs from BaseRate to PanicRate; above it, steeply toward MaxRate at
// full utilization.
type Curve struct {
	BaseRate       decimal.Decimal `json:"base_rate"`
	PanicRate      decimal.Decimal `json:"panic_rate"`
	MaxRate        decimal.Decimal `json:"max_rate"`
	PanicThreshold decimal.Decimal `json:"panic_threshold"` // ×1e8
}

// DefaultCurve is 2% base, 10% at 90% utilization, 30% at 100%.
func DefaultCurve() Curve {
	return Curve{
		BaseRate:       decimal.NewFromInt(200_000),
		PanicRate:      decimal.NewFromInt(1_000_000),
		MaxRate:        decimal.NewFromInt(3_000_000),
		PanicThreshold: decimal.NewFromInt(90_000_000),
	}
}

// Validate checks the curve is monotone with a threshold strictly inside
// (0, 100%).
func (c Curve) Validate() error {
	switch {
	case c.BaseRate.IsNegative():
		return fmt.Errorf("interest: base rate %s is negative", c.BaseRate)
	case c.PanicRate.LessThan(c.BaseRate):
		return fmt.Errorf("interest: panic rate %s below base rate %s", c.PanicRate, c.BaseRate)
	case c.MaxRate.LessThan(c.PanicRate):
		return fmt.Errorf("interest: max rate %s below panic rate %s", c.MaxRate, c.PanicRate)
	case !c.PanicThreshold.IsPositive() || !c.PanicThreshold.LessThan(UtilizationScale):
		return fmt.Errorf("interest: panic threshold %s outside (0, %s)", c.PanicThreshold, UtilizationScale)
	}
	return nil
}

// Utilization returns (total - available) * 1e8 / total. An empty pool has
// zero utilization.
func Utilization(total, available decimal.Decimal) (decimal.Decimal, error) {
	if total.IsZero() {
		return decimal.Zero, nil
	}
	borrowed, err := fixed.Sub(total, available)
	if err != nil {
		return decimal.Zero, err
	}
	return fixed.MulDiv(borrowed, UtilizationScale, total)
}

// Rate returns the annual rate for a pool with the given balances.
func (c Curve) Rate(total, available decimal.Decimal) (decimal.Decimal, error) {
	if total.IsZero() {
		return c.BaseRate, nil
	}
	ratio, err := Utilization(total, available)
	if err != nil {
		return decimal.Zero, err
	}

	if ratio.LessThan(c.PanicThreshold) {
		rise, err := fixed.Sub(c.PanicRate, c.BaseRate)
		if err != nil {
			return decimal.Zero, err
		}
		slope, err := fixed.MulDiv(rise, fixed.Scale, c.PanicThreshold)
		if err != nil {
			return decimal.Zero, err
		}
		r, err := fixed.MulDiv(slope, ratio, fixed.Scale)
		if err != nil {
			return decimal.Zero, err
		}
		return fixed.Add(r, c.BaseRate)
	}

	rise, err := fixed.Sub(c.MaxRate, c.PanicRate)
	if err != nil {
		return decimal.Zero, err
	}
	run, err := fixed.Sub(UtilizationScale, c.PanicThreshold)
	if err != nil {
		return decimal.Zero, err
	}
	slope, err := fixed.MulDiv(rise, fixed.Scale, run)
	if err != nil {
		return decimal.Zero, err
	}
	// Intercept of the steep segment, so the line passes through
	// (PanicThreshold, PanicRate).
	offset, err := fixed.MulDiv(slope, c.PanicThreshold, fixed.Scale)
	if err != nil {
		return decimal.Zero, err
	}
	intercept, err := fixed.Sub(c.PanicRate, offset)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := fixed.MulDiv(slope, ratio, fixed.Scale)
	if err != nil {
		return decimal.Zero, err
	}
	return fixed.Add(r, intercept)
}

// Accrue advances index by rate over elapsed seconds:
//
//	ratio = elapsed * 1e7 / SecondsPerYear
//	delta = (index * rate / 1e7) * ratio / 1e7
//
// Non-positive elapsed time accrues nothing.
func Accrue(index, rate decimal.Decimal, elapsed int64) (decimal.Decimal, error) {
	if elapsed <= 0 {
		return index, nil
	}
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative rate %s", model.ErrArithmeticOverflow, rate)
	}
	ratio, err := fixed.MulDiv(decimal.NewFromInt(elapsed), fixed.Scale, decimal.NewFromInt(SecondsPerYear))
	if err != nil {
		return decimal.Zero, err
	}
	annual, err := fixed.MulDiv(index, rate, fixed.Scale)
	if err != nil {
		return decimal.Zero, err
	}
	delta, err := fixed.MulDiv(annual, ratio, fixed.Scale)
	if err != nil {
		return decimal.Zero, err
	}
	return fixed.Add(index, delta)
}
