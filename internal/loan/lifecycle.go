package loan

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
	"github.com/atmx/lending-engine/internal/health"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
)

// Liquidation is the outcome of one liquidation call.
type Liquidation struct {
	Loan     model.Loan      `json:"loan"`
	Repaid   decimal.Decimal `json:"repaid"`
	Seized   decimal.Decimal `json:"seized"`
	Borrower model.Address   `json:"borrower"`
}

// CreateLoan opens a loan for user: borrowed from borrowFrom against
// collateral held by collateralFrom. The health factor at the requested
// amounts must exceed the creation threshold before any funds move.
func (m *Manager) CreateLoan(env *ledger.Env, user, borrowFrom model.Address, borrowedAmount decimal.Decimal, collateralFrom model.Address, collateralAmount decimal.Decimal) (model.Loan, error) {
	frame := env.Call(m.addr)
	if err := frame.RequireAuth(user); err != nil {
		return model.Loan{}, err
	}
	if err := requirePositive(borrowedAmount, "borrow"); err != nil {
		return model.Loan{}, err
	}
	if err := requirePositive(collateralAmount, "collateral"); err != nil {
		return model.Loan{}, err
	}
	tx := frame.Tx()
	if err := m.touch(tx); err != nil {
		return model.Loan{}, err
	}

	ok, err := tx.Get(ledger.LoanKey{Borrower: user}, &model.Loan{})
	if err != nil {
		return model.Loan{}, err
	}
	if ok {
		return model.Loan{}, fmt.Errorf("%w: %s", model.ErrLoanAlreadyExists, user)
	}

	borrowPool, err := m.registered(tx, borrowFrom)
	if err != nil {
		return model.Loan{}, err
	}
	collateralPool, err := m.registered(tx, collateralFrom)
	if err != nil {
		return model.Loan{}, err
	}
	borrowCur, err := borrowPool.Currency(frame)
	if err != nil {
		return model.Loan{}, err
	}
	collateralCur, err := collateralPool.Currency(frame)
	if err != nil {
		return model.Loan{}, err
	}

	hf, err := health.Compute(tx.Context(), m.prices, borrowCur.Ticker, borrowedAmount, collateralCur.Ticker, collateralAmount)
	if err != nil {
		return model.Loan{}, err
	}
	if !m.policy.CanOpen(hf) {
		return model.Loan{}, fmt.Errorf("%w: %s <= %s", model.ErrHealthFactorTooLow, hf, m.policy.CreationThreshold)
	}

	if !m.caps.Disabled() {
		st, err := borrowPool.State(frame)
		if err != nil {
			return model.Loan{}, err
		}
		if err := m.caps.Check(borrowedAmount, st); err != nil {
			return model.Loan{}, err
		}
	}

	if _, err := collateralPool.DepositCollateral(frame, user, collateralAmount); err != nil {
		return model.Loan{}, err
	}
	if _, err := borrowPool.Borrow(frame, user, borrowedAmount); err != nil {
		return model.Loan{}, err
	}
	index, err := borrowPool.Accrual(frame)
	if err != nil {
		return model.Loan{}, err
	}

	l := model.Loan{
		Borrower:         user,
		BorrowedAmount:   borrowedAmount,
		BorrowedFrom:     borrowFrom,
		CollateralAmount: collateralAmount,
		CollateralFrom:   collateralFrom,
		HealthFactor:     hf,
		UnpaidInterest:   decimal.Zero,
		LastAccrualIndex: index,
	}
	if err := m.save(tx, l); err != nil {
		return model.Loan{}, err
	}
	if err := m.indexBorrower(tx, user); err != nil {
		return model.Loan{}, err
	}
	tx.Emit(model.EventLoanOpened, borrowFrom, user, collateralFrom, borrowedAmount)
	return l, nil
}

// AddInterest brings user's loan up to the borrow pool's current accrual
// index and recomputes its health factor.
func (m *Manager) AddInterest(env *ledger.Env, user model.Address) (model.Loan, error) {
	frame := env.Call(m.addr)
	l, err := m.load(frame.Tx(), user)
	if err != nil {
		return model.Loan{}, err
	}
	return m.accrue(frame, l)
}

// accrue applies interest since the loan's last index, keeps the pool
// position's liabilities in step, and persists the loan.
func (m *Manager) accrue(frame *ledger.Env, l model.Loan) (model.Loan, error) {
	tx := frame.Tx()
	if err := m.touch(tx); err != nil {
		return model.Loan{}, err
	}
	borrowPool := m.pools(l.BorrowedFrom)
	if err := borrowPool.AddInterestToAccrual(frame); err != nil {
		return model.Loan{}, err
	}
	if l.CollateralFrom != l.BorrowedFrom {
		if err := m.pools(l.CollateralFrom).AddInterestToAccrual(frame); err != nil {
			return model.Loan{}, err
		}
	}
	index, err := borrowPool.Accrual(frame)
	if err != nil {
		return model.Loan{}, err
	}

	multiplier, err := fixed.MulDiv(index, fixed.Scale, l.LastAccrualIndex)
	if err != nil {
		return model.Loan{}, err
	}
	next, err := fixed.MulDiv(l.BorrowedAmount, multiplier, fixed.Scale)
	if err != nil {
		return model.Loan{}, err
	}
	delta, err := fixed.Sub(next, l.BorrowedAmount)
	if err != nil {
		return model.Loan{}, err
	}
	if delta.IsPositive() {
		if err := borrowPool.IncreaseLiabilities(frame, l.Borrower, delta); err != nil {
			return model.Loan{}, err
		}
		if l.UnpaidInterest, err = fixed.Add(l.UnpaidInterest, delta); err != nil {
			return model.Loan{}, err
		}
		l.BorrowedAmount = next
	}
	l.LastAccrualIndex = index

	if err := m.refreshHealth(frame, &l); err != nil {
		return model.Loan{}, err
	}
	if err := m.save(tx, l); err != nil {
		return model.Loan{}, err
	}
	if err := tx.Put(ledger.LastUpdatedKey{}, tx.Timestamp()); err != nil {
		return model.Loan{}, err
	}
	return l, nil
}

// Repay pays amount against user's loan after bringing it current. It
// returns the borrowed amount before the call and after it. A loan repaid
// to zero is closed and its collateral released.
func (m *Manager) Repay(env *ledger.Env, user model.Address, amount decimal.Decimal) (before, after decimal.Decimal, err error) {
	frame := env.Call(m.addr)
	if err := frame.RequireAuth(user); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if err := requirePositive(amount, "repay"); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	l, err := m.load(frame.Tx(), user)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	before = l.BorrowedAmount

	if l, err = m.accrue(frame, l); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if amount.GreaterThan(l.BorrowedAmount) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: repay %s, owed %s", model.ErrRepayExceedsDebt, amount, l.BorrowedAmount)
	}
	if err := m.pools(l.BorrowedFrom).Repay(frame, user, amount, l.UnpaidInterest); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if err := payDown(&l, amount); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	if l.BorrowedAmount.IsZero() {
		if err := m.close(frame, l); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		return before, decimal.Zero, nil
	}
	if err := m.refreshHealth(frame, &l); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if err := m.save(frame.Tx(), l); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return before, l.BorrowedAmount, nil
}

// RepayAndClose repays the whole accrued debt, releases all collateral and
// deletes the loan. It fails with model.ErrSlippageExceeded when the debt
// has grown past maxAllowed. It returns the amount repaid.
func (m *Manager) RepayAndClose(env *ledger.Env, user model.Address, maxAllowed decimal.Decimal) (decimal.Decimal, error) {
	frame := env.Call(m.addr)
	if err := frame.RequireAuth(user); err != nil {
		return decimal.Zero, err
	}
	l, err := m.load(frame.Tx(), user)
	if err != nil {
		return decimal.Zero, err
	}
	if l, err = m.accrue(frame, l); err != nil {
		return decimal.Zero, err
	}
	owed := l.BorrowedAmount
	if owed.GreaterThan(maxAllowed) {
		return decimal.Zero, fmt.Errorf("%w: owed %s, max %s", model.ErrSlippageExceeded, owed, maxAllowed)
	}
	if err := m.pools(l.BorrowedFrom).Repay(frame, user, owed, l.UnpaidInterest); err != nil {
		return decimal.Zero, err
	}
	if err := payDown(&l, owed); err != nil {
		return decimal.Zero, err
	}
	if err := m.close(frame, l); err != nil {
		return decimal.Zero, err
	}
	return owed, nil
}

// Liquidate repays amount of borrower's debt on the liquidator's behalf and
// pays the liquidator the equivalent collateral plus the liquidation bonus.
// The loan's health is re-derived from current interest and prices first.
func (m *Manager) Liquidate(env *ledger.Env, liquidator, borrower model.Address, amount decimal.Decimal) (Liquidation, error) {
	frame := env.Call(m.addr)
	if err := frame.RequireAuth(liquidator); err != nil {
		return Liquidation{}, err
	}
	if err := requirePositive(amount, "liquidate"); err != nil {
		return Liquidation{}, err
	}
	tx := frame.Tx()
	l, err := m.load(tx, borrower)
	if err != nil {
		return Liquidation{}, err
	}
	if l, err = m.accrue(frame, l); err != nil {
		return Liquidation{}, err
	}
	if !m.policy.Liquidatable(l.HealthFactor) {
		return Liquidation{}, fmt.Errorf("%w: %s health factor %s", model.ErrNotLiquidatable, borrower, l.HealthFactor)
	}
	if err := m.policy.CheckLiquidationAmount(amount, l.BorrowedAmount); err != nil {
		return Liquidation{}, err
	}

	borrowPool := m.pools(l.BorrowedFrom)
	collateralPool := m.pools(l.CollateralFrom)
	borrowCur, err := borrowPool.Currency(frame)
	if err != nil {
		return Liquidation{}, err
	}
	collateralCur, err := collateralPool.Currency(frame)
	if err != nil {
		return Liquidation{}, err
	}
	switch liquidator {
	case m.addr, l.BorrowedFrom, l.CollateralFrom, borrowCur.AssetHandle, collateralCur.AssetHandle:
		return Liquidation{}, fmt.Errorf("%w: protocol account %s cannot liquidate", model.ErrNotAuthorized, liquidator)
	}
	borrowPrice, err := oracle.Price(tx.Context(), m.prices, borrowCur.Ticker)
	if err != nil {
		return Liquidation{}, err
	}
	collateralPrice, err := oracle.Price(tx.Context(), m.prices, collateralCur.Ticker)
	if err != nil {
		return Liquidation{}, err
	}
	seized, err := m.policy.SeizedCollateral(amount, borrowPrice, collateralPrice, l.CollateralAmount)
	if err != nil {
		return Liquidation{}, err
	}

	if err := borrowPool.Liquidate(frame, liquidator, amount, l.UnpaidInterest, borrower); err != nil {
		return Liquidation{}, err
	}
	if seized.IsPositive() {
		if err := collateralPool.LiquidateTransferCollateral(frame, liquidator, seized, borrower); err != nil {
			return Liquidation{}, err
		}
	}
	if err := payDown(&l, amount); err != nil {
		return Liquidation{}, err
	}
	if l.CollateralAmount, err = fixed.Sub(l.CollateralAmount, seized); err != nil {
		return Liquidation{}, err
	}
	if l.HealthFactor, err = health.Factor(borrowPrice, l.BorrowedAmount, collateralPrice, l.CollateralAmount); err != nil {
		return Liquidation{}, err
	}
	if err := m.save(tx, l); err != nil {
		return Liquidation{}, err
	}

	m.logger.Info("loan liquidated",
		"borrower", borrower,
		"liquidator", liquidator,
		"repaid", amount.String(),
		"seized", seized.String(),
		"health_factor", l.HealthFactor.String(),
	)
	return Liquidation{Loan: l, Repaid: amount, Seized: seized, Borrower: borrower}, nil
}

// close releases the loan's collateral to the borrower and deletes it.
func (m *Manager) close(frame *ledger.Env, l model.Loan) error {
	tx := frame.Tx()
	if l.CollateralAmount.IsPositive() {
		if _, err := m.pools(l.CollateralFrom).WithdrawCollateral(frame, l.Borrower, l.CollateralAmount); err != nil {
			return err
		}
	}
	tx.Delete(ledger.LoanKey{Borrower: l.Borrower})
	if err := m.unindexBorrower(tx, l.Borrower); err != nil {
		return err
	}
	tx.Emit(model.EventLoanClosed, l.BorrowedFrom, l.Borrower, l.CollateralFrom, l.CollateralAmount)
	return nil
}

func (m *Manager) refreshHealth(frame *ledger.Env, l *model.Loan) error {
	borrowPool, collateralPool := m.pools(l.BorrowedFrom), m.pools(l.CollateralFrom)
	borrowCur, err := borrowPool.Currency(frame)
	if err != nil {
		return err
	}
	collateralCur, err := collateralPool.Currency(frame)
	if err != nil {
		return err
	}
	// Both positions back the loan; reading them keeps them alive.
	if _, err := borrowPool.Position(frame, l.Borrower); err != nil {
		return err
	}
	if _, err := collateralPool.Position(frame, l.Borrower); err != nil {
		return err
	}
	hf, err := health.Compute(frame.Tx().Context(), m.prices, borrowCur.Ticker, l.BorrowedAmount, collateralCur.Ticker, l.CollateralAmount)
	if err != nil {
		return err
	}
	l.HealthFactor = hf
	return nil
}

// payDown applies a payment: interest first, the rest to principal.
func payDown(l *model.Loan, amount decimal.Decimal) error {
	var err error
	interestPart := fixed.Min(amount, l.UnpaidInterest)
	if l.UnpaidInterest, err = fixed.Sub(l.UnpaidInterest, interestPart); err != nil {
		return err
	}
	if l.BorrowedAmount, err = fixed.Sub(l.BorrowedAmount, amount); err != nil {
		return err
	}
	if l.BorrowedAmount.IsNegative() {
		return fmt.Errorf("%w: borrowed amount below zero", model.ErrArithmeticOverflow)
	}
	return nil
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
