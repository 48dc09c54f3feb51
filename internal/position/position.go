// Package position keeps each user's per-pool bookkeeping: receivable
// shares (lender side), liabilities (borrower side) and posted collateral.
// Positions are created on first touch and no field ever goes negative.
package position

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/model"
)

// Delta is a change to a position; each field is a non-negative magnitude.
type Delta struct {
	Receivables decimal.Decimal
	Liabilities decimal.Decimal
	Collateral  decimal.Decimal
}

// Read returns user's position in pool, zero-valued if untouched.
func Read(tx *ledger.Tx, pool, user model.Address) (model.Position, error) {
	var p model.Position
	if _, err := tx.Get(ledger.PositionKey{Pool: pool, User: user}, &p); err != nil {
		return model.Position{}, err
	}
	return p, nil
}

// Increase adds delta to user's position.
func Increase(tx *ledger.Tx, pool, user model.Address, delta Delta) (model.Position, error) {
	if err := delta.validate(); err != nil {
		return model.Position{}, err
	}
	p, err := Read(tx, pool, user)
	if err != nil {
		return model.Position{}, err
	}
	if p.ReceivableShares, err = fixed.Add(p.ReceivableShares, delta.Receivables); err != nil {
		return model.Position{}, err
	}
	if p.Liabilities, err = fixed.Add(p.Liabilities, delta.Liabilities); err != nil {
		return model.Position{}, err
	}
	if p.Collateral, err = fixed.Add(p.Collateral, delta.Collateral); err != nil {
		return model.Position{}, err
	}
	return p, tx.Put(ledger.PositionKey{Pool: pool, User: user}, p)
}

// Decrease subtracts delta from user's position. It fails with
// model.ErrInsufficientPosition rather than let any field go negative.
func Decrease(tx *ledger.Tx, pool, user model.Address, delta Delta) (model.Position, error) {
	if err := delta.validate(); err != nil {
		return model.Position{}, err
	}
	p, err := Read(tx, pool, user)
	if err != nil {
		return model.Position{}, err
	}
	if p.ReceivableShares, err = sub(p.ReceivableShares, delta.Receivables, "receivable shares"); err != nil {
		return model.Position{}, err
	}
	if p.Liabilities, err = sub(p.Liabilities, delta.Liabilities, "liabilities"); err != nil {
		return model.Position{}, err
	}
	if p.Collateral, err = sub(p.Collateral, delta.Collateral, "collateral"); err != nil {
		return model.Position{}, err
	}
	return p, tx.Put(ledger.PositionKey{Pool: pool, User: user}, p)
}

func sub(have, take decimal.Decimal, field string) (decimal.Decimal, error) {
	if take.GreaterThan(have) {
		return decimal.Zero, fmt.Errorf("%w: %s %s < %s", model.ErrInsufficientPosition, field, have, take)
	}
	return fixed.Sub(have, take)
}

func (d Delta) validate() error {
	if d.Receivables.IsNegative() || d.Liabilities.IsNegative() || d.Collateral.IsNegative() {
		return fmt.Errorf("%w: position delta", model.ErrNegativeAmount)
	}
	return nil
}
