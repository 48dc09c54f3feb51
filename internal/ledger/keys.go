package ledger

import (
	"fmt"
	"net/url"

	"github.com/atmx/lending-engine/internal/model"
)

// Key is a typed ledger key. The set of implementations is closed.
type Key interface {
	storageKey() string
}

// segment escapes an address for use as one key component, so an address
// containing '/' cannot collide with another key.
func segment(a model.Address) string {
	return url.PathEscape(string(a))
}

// PoolField names one separately stored field of a pool.
type PoolField string

const (
	FieldCurrency             PoolField = "currency"
	FieldTotalBalance         PoolField = "total_balance"
	FieldAvailableBalance     PoolField = "available_balance"
	FieldTotalShares          PoolField = "total_shares"
	FieldAccrual              PoolField = "accrual"
	FieldAccrualLastUpdated   PoolField = "accrual_last_updated"
	FieldLiquidationThreshold PoolField = "liquidation_threshold"
	FieldAuthorizedCaller     PoolField = "authorized_caller"
)

// PoolFieldKey addresses one field of one pool.
type PoolFieldKey struct {
	Pool  model.Address
	Field PoolField
}

func (k PoolFieldKey) storageKey() string {
	return fmt.Sprintf("pool/%s/%s", segment(k.Pool), k.Field)
}

// PositionKey addresses a user's position in a pool.
type PositionKey struct {
	Pool model.Address
	User model.Address
}

func (k PositionKey) storageKey() string {
	return fmt.Sprintf("position/%s/%s", segment(k.Pool), segment(k.User))
}

// LoanKey addresses a borrower's loan.
type LoanKey struct {
	Borrower model.Address
}

func (k LoanKey) storageKey() string {
	return fmt.Sprintf("loan/%s", segment(k.Borrower))
}

// AdminKey holds the loan manager's admin address.
type AdminKey struct{}

func (AdminKey) storageKey() string { return "manager/admin" }

// PoolRegistryKey holds the addresses of pools registered with the manager.
type PoolRegistryKey struct{}

func (PoolRegistryKey) storageKey() string { return "manager/pools" }

// BorrowerIndexKey holds the borrowers that have an open loan.
type BorrowerIndexKey struct{}

func (BorrowerIndexKey) storageKey() string { return "manager/borrowers" }

// LastUpdatedKey holds the timestamp of the last loan interest update.
type LastUpdatedKey struct{}

func (LastUpdatedKey) storageKey() string { return "manager/last_updated" }

// BalanceKey addresses a holder's balance of an asset.
type BalanceKey struct {
	Asset  model.Address
	Holder model.Address
}

func (k BalanceKey) storageKey() string {
	return fmt.Sprintf("balance/%s/%s", segment(k.Asset), segment(k.Holder))
}
