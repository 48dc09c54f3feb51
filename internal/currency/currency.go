// Package currency validates the asset descriptors pools are registered with.
package currency

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/lending-engine/internal/model"
)

// tickerRegex matches an oracle ticker: 1-12 upper-case letters or digits,
// starting with a letter. Example: XLM, USDC, BTC2
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,11}$`)

// handleRegex matches an asset handle: a lower-case kind prefix and a
// non-empty identifier. Example: asset:XLM, token:usdc-01
var handleRegex = regexp.MustCompile(`^[a-z]+:[A-Za-z0-9._-]+$`)

var (
	ErrInvalidTicker = errors.New("currency: invalid ticker")
	ErrInvalidHandle = errors.New("currency: invalid asset handle")
)

// NormalizeTicker upper-cases and trims ticker.
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// Parse builds a currency from a raw asset handle and ticker.
func Parse(handle, ticker string) (model.Currency, error) {
	cur := model.Currency{
		AssetHandle: model.Address(strings.TrimSpace(handle)),
		Ticker:      NormalizeTicker(ticker),
	}
	if err := Validate(cur); err != nil {
		return model.Currency{}, err
	}
	return cur, nil
}

// Validate checks both fields of cur.
func Validate(cur model.Currency) error {
	if !tickerRegex.MatchString(cur.Ticker) {
		return fmt.Errorf("%w: %q (expected 1-12 upper-case letters or digits)", ErrInvalidTicker, cur.Ticker)
	}
	if !handleRegex.MatchString(string(cur.AssetHandle)) {
		return fmt.Errorf("%w: %q (expected {kind}:{id})", ErrInvalidHandle, cur.AssetHandle)
	}
	return nil
}
