// Package loan implements the loan manager: the only component allowed to
// drive pools through borrow, repay, collateral release and liquidation.
//
// Each borrower has at most one loan. Interest is applied lazily: a loan
// remembers the borrow pool's accrual index it was last brought up to, and
// catches up whenever it is touched.
package loan

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/currency"
	"github.com/atmx/lending-engine/internal/health"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/limits"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
)

// PoolClient is the pool surface the manager calls into.
type PoolClient interface {
	Address() model.Address
	Initialize(env *ledger.Env, manager model.Address, cur model.Currency, liquidationThreshold decimal.Decimal) error
	AddInterestToAccrual(env *ledger.Env) error
	Accrual(env *ledger.Env) (decimal.Decimal, error)
	Currency(env *ledger.Env) (model.Currency, error)
	State(env *ledger.Env) (model.PoolState, error)
	Borrow(env *ledger.Env, user model.Address, amount decimal.Decimal) (decimal.Decimal, error)
	DepositCollateral(env *ledger.Env, user model.Address, amount decimal.Decimal) (decimal.Decimal, error)
	WithdrawCollateral(env *ledger.Env, user model.Address, amount decimal.Decimal) (decimal.Decimal, error)
	Repay(env *ledger.Env, user model.Address, amount, unpaidInterest decimal.Decimal) error
	Liquidate(env *ledger.Env, liquidator model.Address, amount, unpaidInterest decimal.Decimal, owner model.Address) error
	LiquidateTransferCollateral(env *ledger.Env, liquidator model.Address, amount decimal.Decimal, owner model.Address) error
	IncreaseLiabilities(env *ledger.Env, user model.Address, amount decimal.Decimal) error
	Position(env *ledger.Env, user model.Address) (model.Position, error)
}

// Resolver returns the client for the pool at addr.
type Resolver func(addr model.Address) PoolClient

// Manager is the loan manager at one address.
type Manager struct {
	addr   model.Address
	pools  Resolver
	prices oracle.Source
	policy health.Policy
	caps   limits.BorrowCaps
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithBorrowCaps enables borrow caps on new loans.
func WithBorrowCaps(caps limits.BorrowCaps) Option {
	return func(m *Manager) { m.caps = caps }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates the manager at addr.
func NewManager(addr model.Address, pools Resolver, prices oracle.Source, policy health.Policy, opts ...Option) *Manager {
	m := &Manager{
		addr:   addr,
		pools:  pools,
		prices: prices,
		policy: policy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Address returns the manager's address.
func (m *Manager) Address() model.Address { return m.addr }

// Policy returns the health policy loans are checked against.
func (m *Manager) Policy() health.Policy { return m.policy }

// Initialize records admin as the manager's administrator.
func (m *Manager) Initialize(env *ledger.Env, admin model.Address) error {
	frame := env.Call(m.addr)
	if err := frame.RequireAuth(admin); err != nil {
		return err
	}
	tx := frame.Tx()
	var existing model.Address
	ok, err := tx.Get(ledger.AdminKey{}, &existing)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: manager %s", model.ErrAlreadyInitialized, m.addr)
	}
	if err := tx.Put(ledger.AdminKey{}, admin); err != nil {
		return err
	}
	if err := tx.Put(ledger.PoolRegistryKey{}, []model.Address{}); err != nil {
		return err
	}
	return tx.Put(ledger.BorrowerIndexKey{}, []model.Address{})
}

// Admin returns the administrator address.
func (m *Manager) Admin(env *ledger.Env) (model.Address, error) {
	var admin model.Address
	ok, err := env.Tx().Get(ledger.AdminKey{}, &admin)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: manager %s", model.ErrNotInitialized, m.addr)
	}
	return admin, nil
}

// RegisterPool initializes the pool at poolAddr under this manager and
// adds it to the registry. Only the admin may register pools.
func (m *Manager) RegisterPool(env *ledger.Env, poolAddr model.Address, cur model.Currency, liquidationThreshold decimal.Decimal) error {
	frame := env.Call(m.addr)
	admin, err := m.Admin(frame)
	if err != nil {
		return err
	}
	if err := frame.RequireAuth(admin); err != nil {
		return err
	}
	if err := currency.Validate(cur); err != nil {
		return err
	}
	if err := m.pools(poolAddr).Initialize(frame, m.addr, cur, liquidationThreshold); err != nil {
		return err
	}

	tx := frame.Tx()
	registry, err := m.addresses(tx, ledger.PoolRegistryKey{})
	if err != nil {
		return err
	}
	if err := tx.Put(ledger.PoolRegistryKey{}, append(registry, poolAddr)); err != nil {
		return err
	}
	m.logger.Info("pool registered",
		"pool", poolAddr,
		"ticker", cur.Ticker,
		"asset", cur.AssetHandle,
	)
	return nil
}

// --- Reads ---

// GetLoan returns user's loan, or model.ErrInvalidLoanState if there is
// none.
func (m *Manager) GetLoan(env *ledger.Env, user model.Address) (model.Loan, error) {
	return m.load(env.Tx(), user)
}

// Loans returns every open loan, in the order they were opened.
func (m *Manager) Loans(env *ledger.Env) ([]model.Loan, error) {
	tx := env.Tx()
	borrowers, err := m.addresses(tx, ledger.BorrowerIndexKey{})
	if err != nil {
		return nil, err
	}
	loans := make([]model.Loan, 0, len(borrowers))
	for _, b := range borrowers {
		l, err := m.load(tx, b)
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, nil
}

// Pools returns the registered pool addresses.
func (m *Manager) Pools(env *ledger.Env) ([]model.Address, error) {
	return m.addresses(env.Tx(), ledger.PoolRegistryKey{})
}

// LastUpdated returns when loan interest was last applied.
func (m *Manager) LastUpdated(env *ledger.Env) (uint64, error) {
	var ts uint64
	_, err := env.Tx().Get(ledger.LastUpdatedKey{}, &ts)
	return ts, err
}

// Price returns the oracle price for ticker.
func (m *Manager) Price(ctx context.Context, ticker string) (decimal.Decimal, error) {
	return oracle.Price(ctx, m.prices, ticker)
}

// HealthFactor computes a health factor at current oracle prices.
func (m *Manager) HealthFactor(ctx context.Context, borrowTicker string, borrowed decimal.Decimal, collateralTicker string, collateral decimal.Decimal) (decimal.Decimal, error) {
	return health.Compute(ctx, m.prices, borrowTicker, borrowed, collateralTicker, collateral)
}

// --- Record helpers ---

func (m *Manager) load(tx *ledger.Tx, user model.Address) (model.Loan, error) {
	var l model.Loan
	ok, err := tx.Get(ledger.LoanKey{Borrower: user}, &l)
	if err != nil {
		return model.Loan{}, err
	}
	if !ok {
		return model.Loan{}, fmt.Errorf("%w: %s has no loan", model.ErrInvalidLoanState, user)
	}
	return l, nil
}

// touch reads the manager's own records so every loan operation keeps
// them alive.
func (m *Manager) touch(tx *ledger.Tx) error {
	var admin model.Address
	if _, err := tx.Get(ledger.AdminKey{}, &admin); err != nil {
		return err
	}
	for _, key := range []ledger.Key{ledger.PoolRegistryKey{}, ledger.BorrowerIndexKey{}} {
		if _, err := m.addresses(tx, key); err != nil {
			return err
		}
	}
	var ts uint64
	_, err := tx.Get(ledger.LastUpdatedKey{}, &ts)
	return err
}

func (m *Manager) save(tx *ledger.Tx, l model.Loan) error {
	return tx.Put(ledger.LoanKey{Borrower: l.Borrower}, l)
}

func (m *Manager) addresses(tx *ledger.Tx, key ledger.Key) ([]model.Address, error) {
	var addrs []model.Address
	if _, err := tx.Get(key, &addrs); err != nil {
		return nil, err
	}
	return addrs, nil
}

// registered resolves addr after checking it is in the registry.
func (m *Manager) registered(tx *ledger.Tx, addr model.Address) (PoolClient, error) {
	registry, err := m.addresses(tx, ledger.PoolRegistryKey{})
	if err != nil {
		return nil, err
	}
	if !slices.Contains(registry, addr) {
		return nil, fmt.Errorf("%w: pool %s is not registered with %s", model.ErrNotInitialized, addr, m.addr)
	}
	return m.pools(addr), nil
}

func (m *Manager) indexBorrower(tx *ledger.Tx, user model.Address) error {
	borrowers, err := m.addresses(tx, ledger.BorrowerIndexKey{})
	if err != nil {
		return err
	}
	if slices.Contains(borrowers, user) {
		return nil
	}
	return tx.Put(ledger.BorrowerIndexKey{}, append(borrowers, user))
}

func (m *Manager) unindexBorrower(tx *ledger.Tx, user model.Address) error {
	borrowers, err := m.addresses(tx, ledger.BorrowerIndexKey{})
	if err != nil {
		return err
	}
	borrowers = slices.DeleteFunc(borrowers, func(b model.Address) bool { return b == user })
	return tx.Put(ledger.BorrowerIndexKey{}, borrowers)
}
