package model

import "errors"

// Error kinds returned by the pool, position and loan components. Callers
// match them with errors.Is; wrapping adds context only.
var (
	ErrAlreadyInitialized      = errors.New("lending: already initialized")
	ErrNotInitialized          = errors.New("lending: not initialized")
	ErrLoanAlreadyExists       = errors.New("lending: loan already exists")
	ErrNotAuthorized           = errors.New("lending: not authorized")
	ErrArithmeticOverflow      = errors.New("lending: arithmetic overflow")
	ErrNoPriceAvailable        = errors.New("lending: no price available")
	ErrInsufficientLiquidity   = errors.New("lending: insufficient liquidity")
	ErrInsufficientReceivables = errors.New("lending: insufficient receivable shares")
	ErrInsufficientPosition    = errors.New("lending: position would become negative")
	ErrNegativeAmount          = errors.New("lending: amount must be positive")
	ErrInvalidLoanState        = errors.New("lending: invalid loan state")
	ErrHealthFactorTooLow      = errors.New("lending: health factor too low")
	ErrNotLiquidatable         = errors.New("lending: loan is not liquidatable")
	ErrLiquidationTooLarge     = errors.New("lending: liquidation amount must be below half the debt")
	ErrRepayExceedsDebt        = errors.New("lending: amount exceeds borrowed amount")
	ErrSlippageExceeded        = errors.New("lending: debt exceeds max allowed amount")
)

// Retryable reports whether err is a condition the caller can resolve by
// submitting different parameters.
func Retryable(err error) bool {
	return errors.Is(err, ErrInsufficientLiquidity) ||
		errors.Is(err, ErrInsufficientReceivables) ||
		errors.Is(err, ErrHealthFactorTooLow) ||
		errors.Is(err, ErrLiquidationTooLarge) ||
		errors.Is(err, ErrRepayExceedsDebt) ||
		errors.Is(err, ErrSlippageExceeded)
}
