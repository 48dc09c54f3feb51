// Package token provides the fungible asset service pools move funds
// through. Bank keeps balances as ledger records, so transfers commit or
// roll back with the transaction that made them.
package token

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/model"
)

// ErrInsufficientBalance is returned when a holder cannot cover a transfer.
var ErrInsufficientBalance = errors.New("token: insufficient balance")

// Service transfers and reports balances of an asset. Implementations
// enforce authorization and balance checks themselves.
type Service interface {
	Transfer(env *ledger.Env, asset, from, to model.Address, amount decimal.Decimal) error
	Balance(env *ledger.Env, asset, holder model.Address) (decimal.Decimal, error)
}

// Bank is the in-ledger Service.
type Bank struct{}

// NewBank creates a bank.
func NewBank() *Bank {
	return &Bank{}
}

// Transfer moves amount of asset from one holder to another. The sender
// must authorize it from the calling frame.
func (b *Bank) Transfer(env *ledger.Env, asset, from, to model.Address, amount decimal.Decimal) error {
	frame := env.Call(asset)
	if err := frame.RequireAuth(from); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: transfer %s", model.ErrNegativeAmount, amount)
	}
	if amount.IsZero() || from == to {
		return nil
	}

	tx := frame.Tx()
	fromBal, err := b.read(tx, asset, from)
	if err != nil {
		return err
	}
	if fromBal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, from, fromBal, asset, amount)
	}
	toBal, err := b.read(tx, asset, to)
	if err != nil {
		return err
	}

	if fromBal, err = fixed.Sub(fromBal, amount); err != nil {
		return err
	}
	if toBal, err = fixed.Add(toBal, amount); err != nil {
		return err
	}
	if err := b.write(tx, asset, from, fromBal); err != nil {
		return err
	}
	if err := b.write(tx, asset, to, toBal); err != nil {
		return err
	}
	tx.Emit(model.EventTransfer, "", from, to, amount)
	return nil
}

// Balance returns holder's balance of asset.
func (b *Bank) Balance(env *ledger.Env, asset, holder model.Address) (decimal.Decimal, error) {
	return b.read(env.Tx(), asset, holder)
}

// Mint credits amount of asset to holder. It is an issuer operation and
// performs no authorization of its own.
func (b *Bank) Mint(tx *ledger.Tx, asset, to model.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: mint %s", model.ErrNegativeAmount, amount)
	}
	bal, err := b.read(tx, asset, to)
	if err != nil {
		return err
	}
	if bal, err = fixed.Add(bal, amount); err != nil {
		return err
	}
	if err := b.write(tx, asset, to, bal); err != nil {
		return err
	}
	tx.Emit(model.EventMint, "", to, asset, amount)
	return nil
}

func (b *Bank) read(tx *ledger.Tx, asset, holder model.Address) (decimal.Decimal, error) {
	var bal decimal.Decimal
	if _, err := tx.Get(ledger.BalanceKey{Asset: asset, Holder: holder}, &bal); err != nil {
		return decimal.Zero, err
	}
	return bal, nil
}

func (b *Bank) write(tx *ledger.Tx, asset, holder model.Address, bal decimal.Decimal) error {
	return tx.Put(ledger.BalanceKey{Asset: asset, Holder: holder}, bal)
}
