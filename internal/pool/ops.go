package pool

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/position"
)

// feeDivisor takes a tenth of the interest portion of a repayment as the
// protocol fee.
var feeDivisor = decimal.NewFromInt(10)

// open runs the checks shared by every mutator: the pool exists and its
// accrual index is current. It also reads every configuration field and
// the pool's own token balance so a pool in use never lets them lapse.
func (p *Pool) open(frame *ledger.Env) (model.Currency, error) {
	tx := frame.Tx()
	cur, err := p.currency(tx)
	if err != nil {
		return model.Currency{}, err
	}
	if _, err := p.manager(tx); err != nil {
		return model.Currency{}, err
	}
	if _, err := p.amount(tx, ledger.FieldLiquidationThreshold); err != nil {
		return model.Currency{}, err
	}
	if _, err := p.amount(tx, ledger.FieldTotalShares); err != nil {
		return model.Currency{}, err
	}
	if _, _, err := p.balances(tx); err != nil {
		return model.Currency{}, err
	}
	if _, err := p.tokens.Balance(frame, cur.AssetHandle, p.addr); err != nil {
		return model.Currency{}, err
	}
	if _, err := p.accrue(tx); err != nil {
		return model.Currency{}, err
	}
	return cur, nil
}

// requireManager checks the authorized caller is driving this frame.
func (p *Pool) requireManager(frame *ledger.Env) (model.Address, error) {
	manager, err := p.manager(frame.Tx())
	if err != nil {
		return "", err
	}
	return manager, frame.RequireAuth(manager)
}

// Deposit moves amount from user into the pool and mints shares 1:1.
func (p *Pool) Deposit(env *ledger.Env, user model.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	frame := env.Call(p.addr)
	if err := frame.RequireAuth(user); err != nil {
		return decimal.Zero, err
	}
	if err := requirePositive(amount, "deposit"); err != nil {
		return decimal.Zero, err
	}
	tx := frame.Tx()
	cur, err := p.open(frame)
	if err != nil {
		return decimal.Zero, err
	}

	if err := p.tokens.Transfer(frame, cur.AssetHandle, user, p.addr, amount); err != nil {
		return decimal.Zero, err
	}

	total, available, err := p.balances(tx)
	if err != nil {
		return decimal.Zero, err
	}
	shares, err := p.amount(tx, ledger.FieldTotalShares)
	if err != nil {
		return decimal.Zero, err
	}
	if total, err = fixed.Add(total, amount); err != nil {
		return decimal.Zero, err
	}
	if available, err = fixed.Add(available, amount); err != nil {
		return decimal.Zero, err
	}
	if shares, err = fixed.Add(shares, amount); err != nil {
		return decimal.Zero, err
	}
	if err := p.setBalances(tx, total, available); err != nil {
		return decimal.Zero, err
	}
	if err := p.setAmount(tx, ledger.FieldTotalShares, shares); err != nil {
		return decimal.Zero, err
	}
	if _, err := position.Increase(tx, p.addr, user, position.Delta{Receivables: amount}); err != nil {
		return decimal.Zero, err
	}

	tx.Emit(model.EventDeposit, p.addr, user, "", amount)
	return amount, nil
}

// Withdraw pays amount of tokens back to user and burns the proportional
// shares: amount * total_shares / total_balance, truncated.
func (p *Pool) Withdraw(env *ledger.Env, user model.Address, amount decimal.Decimal) (model.PoolState, error) {
	frame := env.Call(p.addr)
	if err := frame.RequireAuth(user); err != nil {
		return model.PoolState{}, err
	}
	if err := requirePositive(amount, "withdraw"); err != nil {
		return model.PoolState{}, err
	}
	tx := frame.Tx()
	cur, err := p.open(frame)
	if err != nil {
		return model.PoolState{}, err
	}

	pos, err := position.Read(tx, p.addr, user)
	if err != nil {
		return model.PoolState{}, err
	}
	if amount.GreaterThan(pos.ReceivableShares) {
		return model.PoolState{}, fmt.Errorf("%w: %s holds %s, requested %s",
			model.ErrInsufficientReceivables, user, pos.ReceivableShares, amount)
	}
	total, available, err := p.balances(tx)
	if err != nil {
		return model.PoolState{}, err
	}
	if amount.GreaterThan(available) {
		return model.PoolState{}, fmt.Errorf("%w: pool %s has %s available, requested %s",
			model.ErrInsufficientLiquidity, p.addr, available, amount)
	}
	shares, err := p.amount(tx, ledger.FieldTotalShares)
	if err != nil {
		return model.PoolState{}, err
	}

	burn, err := fixed.MulDiv(amount, shares, total)
	if err != nil {
		return model.PoolState{}, err
	}
	if total, err = fixed.Sub(total, amount); err != nil {
		return model.PoolState{}, err
	}
	if available, err = fixed.Sub(available, amount); err != nil {
		return model.PoolState{}, err
	}
	if shares, err = fixed.Sub(shares, burn); err != nil {
		return model.PoolState{}, err
	}
	if err := p.setBalances(tx, total, available); err != nil {
		return model.PoolState{}, err
	}
	if err := p.setAmount(tx, ledger.FieldTotalShares, shares); err != nil {
		return model.PoolState{}, err
	}
	if _, err := position.Decrease(tx, p.addr, user, position.Delta{Receivables: burn}); err != nil {
		return model.PoolState{}, err
	}
	if err := p.tokens.Transfer(frame, cur.AssetHandle, p.addr, user, amount); err != nil {
		return model.PoolState{}, err
	}

	tx.Emit(model.EventWithdraw, p.addr, user, "", amount)
	return p.state(tx)
}

// Borrow lends amount to user. Callable only by the manager, with the
// borrower's authorization. The pool always keeps some liquidity: amount
// must be strictly below the available balance.
func (p *Pool) Borrow(env *ledger.Env, user model.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	frame := env.Call(p.addr)
	if _, err := p.requireManager(frame); err != nil {
		return decimal.Zero, err
	}
	if err := frame.RequireAuth(user); err != nil {
		return decimal.Zero, err
	}
	if err := requirePositive(amount, "borrow"); err != nil {
		return decimal.Zero, err
	}
	tx := frame.Tx()
	cur, err := p.open(frame)
	if err != nil {
		return decimal.Zero, err
	}

	total, available, err := p.balances(tx)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.GreaterThanOrEqual(available) {
		return decimal.Zero, fmt.Errorf("%w: pool %s has %s available, requested %s",
			model.ErrInsufficientLiquidity, p.addr, available, amount)
	}
	if available, err = fixed.Sub(available, amount); err != nil {
		return decimal.Zero, err
	}
	if err := p.setBalances(tx, total, available); err != nil {
		return decimal.Zero, err
	}
	if _, err := position.Increase(tx, p.addr, user, position.Delta{Liabilities: amount}); err != nil {
		return decimal.Zero, err
	}
	if err := p.tokens.Transfer(frame, cur.AssetHandle, p.addr, user, amount); err != nil {
		return decimal.Zero, err
	}

	tx.Emit(model.EventBorrow, p.addr, user, "", amount)
	return amount, nil
}

// DepositCollateral takes custody of amount as user's collateral. Shares
// and pool balances are untouched.
func (p *Pool) DepositCollateral(env *ledger.Env, user model.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	frame := env.Call(p.addr)
	if err := frame.RequireAuth(user); err != nil {
		return decimal.Zero, err
	}
	if err := requirePositive(amount, "deposit collateral"); err != nil {
		return decimal.Zero, err
	}
	tx := frame.Tx()
	cur, err := p.open(frame)
	if err != nil {
		return decimal.Zero, err
	}

	if err := p.tokens.Transfer(frame, cur.AssetHandle, user, p.addr, amount); err != nil {
		return decimal.Zero, err
	}
	if _, err := position.Increase(tx, p.addr, user, position.Delta{Collateral: amount}); err != nil {
		return decimal.Zero, err
	}

	tx.Emit(model.EventCollateralDeposit, p.addr, user, "", amount)
	return amount, nil
}

// WithdrawCollateral releases amount of user's collateral. Needs both the
// user's and the manager's authorization.
func (p *Pool) WithdrawCollateral(env *ledger.Env, user model.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	frame := env.Call(p.addr)
	if err := frame.RequireAuth(user); err != nil {
		return decimal.Zero, err
	}
	if _, err := p.requireManager(frame); err != nil {
		return decimal.Zero, err
	}
	if err := requirePositive(amount, "withdraw collateral"); err != nil {
		return decimal.Zero, err
	}
	tx := frame.Tx()
	cur, err := p.open(frame)
	if err != nil {
		return decimal.Zero, err
	}

	if _, err := position.Decrease(tx, p.addr, user, position.Delta{Collateral: amount}); err != nil {
		return decimal.Zero, err
	}
	if err := p.tokens.Transfer(frame, cur.AssetHandle, p.addr, user, amount); err != nil {
		return decimal.Zero, err
	}

	tx.Emit(model.EventCollateralWithdraw, p.addr, user, "", amount)
	return amount, nil
}

// Repay takes amount from user against their debt. A tenth of the interest
// portion, min(amount, unpaidInterest), goes to the manager as a fee; the
// rest is credited to the pool.
func (p *Pool) Repay(env *ledger.Env, user model.Address, amount, unpaidInterest decimal.Decimal) error {
	frame := env.Call(p.addr)
	manager, err := p.requireManager(frame)
	if err != nil {
		return err
	}
	if err := requirePositive(amount, "repay"); err != nil {
		return err
	}
	cur, err := p.open(frame)
	if err != nil {
		return err
	}
	if err := p.settle(frame, cur, manager, user, user, amount, unpaidInterest); err != nil {
		return err
	}
	frame.Tx().Emit(model.EventRepay, p.addr, user, "", amount)
	return nil
}

// Liquidate takes amount from liquidator against owner's debt, with the
// same fee split as Repay.
func (p *Pool) Liquidate(env *ledger.Env, liquidator model.Address, amount, unpaidInterest decimal.Decimal, owner model.Address) error {
	frame := env.Call(p.addr)
	manager, err := p.requireManager(frame)
	if err != nil {
		return err
	}
	if err := requirePositive(amount, "liquidate"); err != nil {
		return err
	}
	cur, err := p.open(frame)
	if err != nil {
		return err
	}
	if err := p.settle(frame, cur, manager, liquidator, owner, amount, unpaidInterest); err != nil {
		return err
	}
	frame.Tx().Emit(model.EventLiquidate, p.addr, owner, liquidator, amount)
	return nil
}

// LiquidateTransferCollateral moves amount of owner's collateral to the
// liquidator.
func (p *Pool) LiquidateTransferCollateral(env *ledger.Env, liquidator model.Address, amount decimal.Decimal, owner model.Address) error {
	frame := env.Call(p.addr)
	if _, err := p.requireManager(frame); err != nil {
		return err
	}
	if err := requirePositive(amount, "seize collateral"); err != nil {
		return err
	}
	tx := frame.Tx()
	cur, err := p.open(frame)
	if err != nil {
		return err
	}

	if _, err := position.Decrease(tx, p.addr, owner, position.Delta{Collateral: amount}); err != nil {
		return err
	}
	if err := p.tokens.Transfer(frame, cur.AssetHandle, p.addr, liquidator, amount); err != nil {
		return err
	}

	tx.Emit(model.EventCollateralSeized, p.addr, owner, liquidator, amount)
	return nil
}

// IncreaseLiabilities records interest the manager has accrued on user's
// loan, keeping the pool position in step with the loan record.
func (p *Pool) IncreaseLiabilities(env *ledger.Env, user model.Address, amount decimal.Decimal) error {
	frame := env.Call(p.addr)
	if _, err := p.requireManager(frame); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: liabilities %s", model.ErrNegativeAmount, amount)
	}
	if amount.IsZero() {
		return nil
	}
	tx := frame.Tx()
	if _, err := position.Increase(tx, p.addr, user, position.Delta{Liabilities: amount}); err != nil {
		return err
	}
	tx.Emit(model.EventInterest, p.addr, user, "", amount)
	return nil
}

// settle moves a debt payment from payer into the pool and reduces owner's
// liabilities. Available grows by everything the pool keeps. Total grows
// by the interest net of the manager fee, not by the whole interest
// portion, since the fee leaves the pool and lent principal never did.
// The pool and the manager cannot pay: their transfers to themselves
// would move no tokens while still reducing the debt.
func (p *Pool) settle(frame *ledger.Env, cur model.Currency, manager, payer, owner model.Address, amount, unpaidInterest decimal.Decimal) error {
	if unpaidInterest.IsNegative() {
		return fmt.Errorf("%w: unpaid interest %s", model.ErrNegativeAmount, unpaidInterest)
	}
	if payer == p.addr || payer == manager {
		return fmt.Errorf("%w: %s cannot pay debt owed to %s", model.ErrNotAuthorized, payer, p.addr)
	}
	tx := frame.Tx()

	interestPart := fixed.Min(amount, unpaidInterest)
	fee, err := fixed.Quo(interestPart, feeDivisor)
	if err != nil {
		return err
	}
	toPool, err := fixed.Sub(amount, fee)
	if err != nil {
		return err
	}
	kept, err := fixed.Sub(interestPart, fee)
	if err != nil {
		return err
	}

	if err := p.tokens.Transfer(frame, cur.AssetHandle, payer, p.addr, toPool); err != nil {
		return err
	}
	if fee.IsPositive() {
		if err := p.tokens.Transfer(frame, cur.AssetHandle, payer, manager, fee); err != nil {
			return err
		}
		tx.Emit(model.EventFee, p.addr, payer, manager, fee)
	}

	if _, err := position.Decrease(tx, p.addr, owner, position.Delta{Liabilities: amount}); err != nil {
		return err
	}

	total, available, err := p.balances(tx)
	if err != nil {
		return err
	}
	if available, err = fixed.Add(available, toPool); err != nil {
		return err
	}
	if total, err = fixed.Add(total, kept); err != nil {
		return err
	}
	return p.setBalances(tx, total, available)
}
