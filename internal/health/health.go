// Package health computes loan health factors from oracle prices and holds
// the liquidation policy.
//
// A health factor is collateral value over borrowed value, fixed-point
// ×1e7: 10_000_000 means the collateral exactly covers the debt.
package health

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
)

// Policy sets the thresholds loans are opened and liquidated against.
type Policy struct {
	// CreationThreshold is the health factor a new loan must exceed.
	CreationThreshold decimal.Decimal
	// LiquidationThreshold is the health factor below which a loan can be
	// liquidated.
	LiquidationThreshold decimal.Decimal
	// LiquidationBonus multiplies the value of repaid debt to get the
	// collateral value a liquidator receives.
	LiquidationBonus decimal.Decimal
}

// DefaultPolicy opens loans above 1.2, liquidates below 1.2, and pays a 5%
// bonus.
func DefaultPolicy() Policy {
	return Policy{
		CreationThreshold:    decimal.NewFromInt(12_000_000),
		LiquidationThreshold: decimal.NewFromInt(12_000_000),
		LiquidationBonus:     decimal.NewFromInt(10_500_000),
	}
}

// Validate rejects thresholds that would let a loan be liquidatable the
// moment it opens, and bonuses below 1.0.
func (p Policy) Validate() error {
	switch {
	case !p.LiquidationThreshold.IsPositive():
		return fmt.Errorf("health: liquidation threshold %s must be positive", p.LiquidationThreshold)
	case p.CreationThreshold.LessThan(p.LiquidationThreshold):
		return fmt.Errorf("health: creation threshold %s below liquidation threshold %s",
			p.CreationThreshold, p.LiquidationThreshold)
	case p.LiquidationBonus.LessThan(fixed.Scale):
		return fmt.Errorf("health: liquidation bonus %s below 1.0", p.LiquidationBonus)
	}
	return nil
}

// Factor computes collateralPrice*collateral*1e7 / (borrowPrice*borrowed).
// A zero borrowed value fails with model.ErrArithmeticOverflow.
func Factor(borrowPrice, borrowed, collateralPrice, collateral decimal.Decimal) (decimal.Decimal, error) {
	collateralValue, err := fixed.Mul(collateralPrice, collateral)
	if err != nil {
		return decimal.Zero, err
	}
	borrowedValue, err := fixed.Mul(borrowPrice, borrowed)
	if err != nil {
		return decimal.Zero, err
	}
	if borrowedValue.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: borrowed value is zero", model.ErrArithmeticOverflow)
	}
	return fixed.MulDiv(collateralValue, fixed.Scale, borrowedValue)
}

// Compute fetches both prices and returns the health factor. A missing
// price fails with model.ErrNoPriceAvailable.
func Compute(ctx context.Context, prices oracle.Source, borrowTicker string, borrowed decimal.Decimal, collateralTicker string, collateral decimal.Decimal) (decimal.Decimal, error) {
	collateralPrice, err := oracle.Price(ctx, prices, collateralTicker)
	if err != nil {
		return decimal.Zero, err
	}
	borrowPrice, err := oracle.Price(ctx, prices, borrowTicker)
	if err != nil {
		return decimal.Zero, err
	}
	return Factor(borrowPrice, borrowed, collateralPrice, collateral)
}

// CanOpen reports whether a loan with health factor hf may be created.
func (p Policy) CanOpen(hf decimal.Decimal) bool {
	return hf.GreaterThan(p.CreationThreshold)
}

// Liquidatable reports whether a loan with health factor hf may be
// liquidated.
func (p Policy) Liquidatable(hf decimal.Decimal) bool {
	return hf.LessThan(p.LiquidationThreshold)
}

// CheckLiquidationAmount enforces amount < borrowed/2.
func (p Policy) CheckLiquidationAmount(amount, borrowed decimal.Decimal) error {
	half, err := fixed.Quo(borrowed, decimal.NewFromInt(2))
	if err != nil {
		return err
	}
	if !amount.LessThan(half) {
		return fmt.Errorf("%w: %s >= %s", model.ErrLiquidationTooLarge, amount, half)
	}
	return nil
}

// SeizedCollateral converts repaid debt into the collateral a liquidator
// receives: amount*borrowPrice*bonus / (collateralPrice*1e7), capped at
// available.
func (p Policy) SeizedCollateral(amount, borrowPrice, collateralPrice, available decimal.Decimal) (decimal.Decimal, error) {
	value, err := fixed.Mul(amount, borrowPrice)
	if err != nil {
		return decimal.Zero, err
	}
	withBonus, err := fixed.Mul(value, p.LiquidationBonus)
	if err != nil {
		return decimal.Zero, err
	}
	denom, err := fixed.Mul(collateralPrice, fixed.Scale)
	if err != nil {
		return decimal.Zero, err
	}
	seized, err := fixed.Quo(withBonus, denom)
	if err != nil {
		return decimal.Zero, err
	}
	return fixed.Min(seized, available), nil
}
