// Package model defines the core domain types shared across the lending engine.
// All amounts are integer token units carried in shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Address identifies an account, a pool, an asset or the loan manager.
type Address string

// Currency identifies a pool's underlying asset and the ticker used for
// price lookups. Immutable once the pool is initialized.
type Currency struct {
	AssetHandle Address `json:"asset_handle"`
	Ticker      string  `json:"ticker"`
}

// PoolState is the balance summary of one pool.
type PoolState struct {
	TotalBalanceTokens     decimal.Decimal `json:"total_balance_tokens"`
	AvailableBalanceTokens decimal.Decimal `json:"available_balance_tokens"`
	TotalBalanceShares     decimal.Decimal `json:"total_balance_shares"`
	AnnualInterestRate     decimal.Decimal `json:"annual_interest_rate"` // ×1e7
}

// PoolSnapshot is the full read model of a pool.
type PoolSnapshot struct {
	Address              Address         `json:"address"`
	Currency             Currency        `json:"currency"`
	State                PoolState       `json:"state"`
	Utilization          decimal.Decimal `json:"utilization"` // ×1e8
	AccrualIndex         decimal.Decimal `json:"accrual_index"`
	AccrualLastUpdated   uint64          `json:"accrual_last_updated"`
	LiquidationThreshold decimal.Decimal `json:"liquidation_threshold"`
	AuthorizedCaller     Address         `json:"authorized_caller"`
}

// Position is one user's bookkeeping in one pool. No field is ever negative.
type Position struct {
	ReceivableShares decimal.Decimal `json:"receivable_shares"`
	Liabilities      decimal.Decimal `json:"liabilities"`
	Collateral       decimal.Decimal `json:"collateral"`
}

// Loan is the canonical record of a borrower's cross-pool position.
// LastAccrualIndex is the borrow pool index the loan was last brought up to.
type Loan struct {
	Borrower         Address         `json:"borrower"`
	BorrowedAmount   decimal.Decimal `json:"borrowed_amount"`
	BorrowedFrom     Address         `json:"borrowed_from"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	CollateralFrom   Address         `json:"collateral_from"`
	HealthFactor     decimal.Decimal `json:"health_factor"` // ×1e7
	UnpaidInterest   decimal.Decimal `json:"unpaid_interest"`
	LastAccrualIndex decimal.Decimal `json:"last_accrual_index"`
}

// PriceData is one oracle observation.
type PriceData struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp uint64          `json:"timestamp"`
}

// Event kinds recorded in the journal.
const (
	EventDeposit            = "deposit"
	EventWithdraw           = "withdraw"
	EventBorrow             = "borrow"
	EventCollateralDeposit  = "collateral_deposit"
	EventCollateralWithdraw = "collateral_withdraw"
	EventRepay              = "repay"
	EventFee                = "fee"
	EventLiquidate          = "liquidate"
	EventCollateralSeized   = "collateral_seized"
	EventInterest           = "interest"
	EventLoanOpened         = "loan_opened"
	EventLoanClosed         = "loan_closed"
	EventPoolInitialized    = "pool_initialized"
	EventTransfer           = "transfer"
	EventMint               = "mint"
)

// Event is an immutable journal entry committed atomically with the
// transaction that produced it. Once written it is never modified or deleted.
type Event struct {
	ID           string          `json:"id" db:"id"`
	Kind         string          `json:"kind" db:"kind"`
	Pool         Address         `json:"pool,omitempty" db:"pool"`
	Account      Address         `json:"account" db:"account"`
	Counterparty Address         `json:"counterparty,omitempty" db:"counterparty"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}
