// Package limits enforces risk caps on new borrows, on top of the pool's own
// liquidity checks.
//
// A borrow is checked twice: against a per-loan maximum, and against the
// utilization the pool would reach after lending the amount. A zero cap
// disables that check.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
	"github.com/atmx/lending-engine/internal/interest"
	"github.com/atmx/lending-engine/internal/model"
)

var (
	// ErrLoanCapExceeded is returned when a single borrow exceeds the
	// per-loan maximum.
	ErrLoanCapExceeded = errors.New("limits: per-loan borrow cap exceeded")

	// ErrUtilizationCapExceeded is returned when a borrow would push pool
	// utilization above the configured maximum.
	ErrUtilizationCapExceeded = errors.New("limits: pool utilization cap exceeded")
)

// BorrowCaps bounds the size of new loans.
type BorrowCaps struct {
	// MaxPerLoan is the largest amount a single loan may borrow, in tokens.
	MaxPerLoan decimal.Decimal

	// MaxUtilization is the highest post-borrow utilization allowed,
	// scaled by interest.UtilizationScale (90_000_000 = 90%).
	MaxUtilization decimal.Decimal
}

// Disabled reports whether no cap is configured.
func (c BorrowCaps) Disabled() bool {
	return c.MaxPerLoan.IsZero() && c.MaxUtilization.IsZero()
}

// Check validates borrowing amount from a pool in state st.
//
// Returns nil if the borrow is within caps, or an error naming the cap.
func (c BorrowCaps) Check(amount decimal.Decimal, st model.PoolState) error {
	// 1. Per-loan cap.
	if c.MaxPerLoan.IsPositive() && amount.GreaterThan(c.MaxPerLoan) {
		return fmt.Errorf("%w: %s > %s", ErrLoanCapExceeded, amount, c.MaxPerLoan)
	}

	// 2. Utilization after the borrow leaves the pool.
	if !c.MaxUtilization.IsPositive() {
		return nil
	}
	after, err := fixed.Sub(st.AvailableBalanceTokens, amount)
	if err != nil {
		return err
	}
	if after.IsNegative() {
		return fmt.Errorf("%w: %s available, %s requested",
			model.ErrInsufficientLiquidity, st.AvailableBalanceTokens, amount)
	}
	util, err := interest.Utilization(st.TotalBalanceTokens, after)
	if err != nil {
		return err
	}
	if util.GreaterThan(c.MaxUtilization) {
		return fmt.Errorf("%w: %s > %s", ErrUtilizationCapExceeded, util, c.MaxUtilization)
	}
	return nil
}
