// Package pool implements the per-asset liquidity ledger: deposits and
// share accounting for lenders, borrows and repayments routed by the loan
// manager, collateral custody, and the pool accrual index.
//
// Every field of a pool is a separate ledger record. Every mutating
// operation first advances the accrual index so balances are read against
// the current index.
package pool

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/interest"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/position"
	"github.com/atmx/lending-engine/internal/token"
)

// Pool is a handle on one pool's ledger records. It holds no state of its
// own, so handles are cheap and safe to create per call.
type Pool struct {
	addr   model.Address
	tokens token.Service
	curve  interest.Curve
}

// New returns the pool at addr.
func New(addr model.Address, tokens token.Service, curve interest.Curve) *Pool {
	return &Pool{addr: addr, tokens: tokens, curve: curve}
}

// Address returns the pool's address.
func (p *Pool) Address() model.Address { return p.addr }

// Initialize sets up an empty pool managed by manager. The manager must
// authorize the call.
func (p *Pool) Initialize(env *ledger.Env, manager model.Address, cur model.Currency, liquidationThreshold decimal.Decimal) error {
	frame := env.Call(p.addr)
	if err := frame.RequireAuth(manager); err != nil {
		return err
	}
	if liquidationThreshold.IsNegative() {
		return fmt.Errorf("%w: liquidation threshold %s", model.ErrNegativeAmount, liquidationThreshold)
	}
	tx := frame.Tx()

	var existing model.Currency
	ok, err := tx.Get(p.key(ledger.FieldCurrency), &existing)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: pool %s", model.ErrAlreadyInitialized, p.addr)
	}

	writes := []struct {
		field ledger.PoolField
		value any
	}{
		{ledger.FieldCurrency, cur},
		{ledger.FieldAuthorizedCaller, manager},
		{ledger.FieldLiquidationThreshold, liquidationThreshold},
		{ledger.FieldTotalBalance, decimal.Zero},
		{ledger.FieldAvailableBalance, decimal.Zero},
		{ledger.FieldTotalShares, decimal.Zero},
		{ledger.FieldAccrual, interest.InitialIndex},
		{ledger.FieldAccrualLastUpdated, tx.Timestamp()},
	}
	for _, w := range writes {
		if err := tx.Put(p.key(w.field), w.value); err != nil {
			return err
		}
	}
	tx.Emit(model.EventPoolInitialized, p.addr, manager, cur.AssetHandle, liquidationThreshold)
	return nil
}

// AddInterestToAccrual advances the accrual index to the transaction time.
// Calling it again at the same timestamp changes nothing.
func (p *Pool) AddInterestToAccrual(env *ledger.Env) error {
	frame := env.Call(p.addr)
	_, err := p.open(frame)
	return err
}

// accrue advances the index and returns it. A clock behind the last update
// accrues nothing and leaves the last update in place.
func (p *Pool) accrue(tx *ledger.Tx) (decimal.Decimal, error) {
	index, err := p.amount(tx, ledger.FieldAccrual)
	if err != nil {
		return decimal.Zero, err
	}
	var last uint64
	if _, err := tx.Get(p.key(ledger.FieldAccrualLastUpdated), &last); err != nil {
		return decimal.Zero, err
	}
	now := tx.Timestamp()
	if now <= last {
		return index, nil
	}

	total, available, err := p.balances(tx)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := p.curve.Rate(total, available)
	if err != nil {
		return decimal.Zero, err
	}
	next, err := interest.Accrue(index, rate, int64(now-last))
	if err != nil {
		return decimal.Zero, err
	}
	if err := tx.Put(p.key(ledger.FieldAccrual), next); err != nil {
		return decimal.Zero, err
	}
	if err := tx.Put(p.key(ledger.FieldAccrualLastUpdated), now); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

// --- Reads ---

// Currency returns the pool's asset and ticker.
func (p *Pool) Currency(env *ledger.Env) (model.Currency, error) {
	return p.currency(env.Tx())
}

// Accrual returns the stored accrual index without advancing it.
func (p *Pool) Accrual(env *ledger.Env) (decimal.Decimal, error) {
	tx := env.Tx()
	if _, err := p.currency(tx); err != nil {
		return decimal.Zero, err
	}
	return p.amount(tx, ledger.FieldAccrual)
}

// AccrualLastUpdated returns the unix time of the last accrual.
func (p *Pool) AccrualLastUpdated(env *ledger.Env) (uint64, error) {
	var last uint64
	_, err := env.Tx().Get(p.key(ledger.FieldAccrualLastUpdated), &last)
	return last, err
}

// LiquidationThreshold returns the threshold the pool was initialized with.
func (p *Pool) LiquidationThreshold(env *ledger.Env) (decimal.Decimal, error) {
	tx := env.Tx()
	if _, err := p.currency(tx); err != nil {
		return decimal.Zero, err
	}
	return p.amount(tx, ledger.FieldLiquidationThreshold)
}

// AnnualRate returns the rate at the current utilization.
func (p *Pool) AnnualRate(env *ledger.Env) (decimal.Decimal, error) {
	tx := env.Tx()
	if _, err := p.currency(tx); err != nil {
		return decimal.Zero, err
	}
	total, available, err := p.balances(tx)
	if err != nil {
		return decimal.Zero, err
	}
	return p.curve.Rate(total, available)
}

// State returns the pool's balances and current annual rate.
func (p *Pool) State(env *ledger.Env) (model.PoolState, error) {
	tx := env.Tx()
	if _, err := p.currency(tx); err != nil {
		return model.PoolState{}, err
	}
	return p.state(tx)
}

// Position returns user's position in this pool.
func (p *Pool) Position(env *ledger.Env, user model.Address) (model.Position, error) {
	return position.Read(env.Tx(), p.addr, user)
}

// Snapshot returns every pool field in one read model.
func (p *Pool) Snapshot(env *ledger.Env) (model.PoolSnapshot, error) {
	tx := env.Tx()
	cur, err := p.currency(tx)
	if err != nil {
		return model.PoolSnapshot{}, err
	}
	st, err := p.state(tx)
	if err != nil {
		return model.PoolSnapshot{}, err
	}
	util, err := interest.Utilization(st.TotalBalanceTokens, st.AvailableBalanceTokens)
	if err != nil {
		return model.PoolSnapshot{}, err
	}
	index, err := p.amount(tx, ledger.FieldAccrual)
	if err != nil {
		return model.PoolSnapshot{}, err
	}
	last, err := p.AccrualLastUpdated(env)
	if err != nil {
		return model.PoolSnapshot{}, err
	}
	threshold, err := p.amount(tx, ledger.FieldLiquidationThreshold)
	if err != nil {
		return model.PoolSnapshot{}, err
	}
	manager, err := p.manager(tx)
	if err != nil {
		return model.PoolSnapshot{}, err
	}
	return model.PoolSnapshot{
		Address:              p.addr,
		Currency:             cur,
		State:                st,
		Utilization:          util,
		AccrualIndex:         index,
		AccrualLastUpdated:   last,
		LiquidationThreshold: threshold,
		AuthorizedCaller:     manager,
	}, nil
}

// --- Record helpers ---

func (p *Pool) key(field ledger.PoolField) ledger.PoolFieldKey {
	return ledger.PoolFieldKey{Pool: p.addr, Field: field}
}

func (p *Pool) currency(tx *ledger.Tx) (model.Currency, error) {
	var cur model.Currency
	ok, err := tx.Get(p.key(ledger.FieldCurrency), &cur)
	if err != nil {
		return model.Currency{}, err
	}
	if !ok {
		return model.Currency{}, fmt.Errorf("%w: pool %s", model.ErrNotInitialized, p.addr)
	}
	return cur, nil
}

func (p *Pool) manager(tx *ledger.Tx) (model.Address, error) {
	var addr model.Address
	ok, err := tx.Get(p.key(ledger.FieldAuthorizedCaller), &addr)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: pool %s has no manager", model.ErrNotInitialized, p.addr)
	}
	return addr, nil
}

func (p *Pool) amount(tx *ledger.Tx, field ledger.PoolField) (decimal.Decimal, error) {
	var v decimal.Decimal
	if _, err := tx.Get(p.key(field), &v); err != nil {
		return decimal.Zero, err
	}
	return v, nil
}

func (p *Pool) setAmount(tx *ledger.Tx, field ledger.PoolField, v decimal.Decimal) error {
	return tx.Put(p.key(field), v)
}

func (p *Pool) balances(tx *ledger.Tx) (total, available decimal.Decimal, err error) {
	if total, err = p.amount(tx, ledger.FieldTotalBalance); err != nil {
		return
	}
	available, err = p.amount(tx, ledger.FieldAvailableBalance)
	return
}

// setBalances writes both balances after checking 0 ≤ available ≤ total.
func (p *Pool) setBalances(tx *ledger.Tx, total, available decimal.Decimal) error {
	if available.IsNegative() || available.GreaterThan(total) {
		return fmt.Errorf("%w: pool %s available %s outside [0, %s]", model.ErrArithmeticOverflow, p.addr, available, total)
	}
	if err := p.setAmount(tx, ledger.FieldTotalBalance, total); err != nil {
		return err
	}
	return p.setAmount(tx, ledger.FieldAvailableBalance, available)
}

func (p *Pool) state(tx *ledger.Tx) (model.PoolState, error) {
	total, available, err := p.balances(tx)
	if err != nil {
		return model.PoolState{}, err
	}
	shares, err := p.amount(tx, ledger.FieldTotalShares)
	if err != nil {
		return model.PoolState{}, err
	}
	rate, err := p.curve.Rate(total, available)
	if err != nil {
		return model.PoolState{}, err
	}
	return model.PoolState{
		TotalBalanceTokens:     total,
		AvailableBalanceTokens: available,
		TotalBalanceShares:     shares,
		AnnualInterestRate:     rate,
	}, nil
}

func requirePositive(amount decimal.Decimal, op string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s %s", model.ErrNegativeAmount, op, amount)
	}
	if !amount.IsInteger() {
		return fmt.Errorf("%w: %s %s is not a whole token amount", model.ErrArithmeticOverflow, op, amount)
	}
	return nil
}
