// Package fixed implements checked integer arithmetic over decimal values
// restricted to the signed 128-bit range. Every result is an integer;
// division truncates toward zero. Any overflow, non-integer operand or
// division by zero yields model.ErrArithmeticOverflow.
package fixed

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// Scale is the fixed-point unit: 10_000_000 represents 1.0.
var Scale = decimal.NewFromInt(10_000_000)

var (
	maxInt = decimal.RequireFromString("170141183460469231731687303715884105727")
	minInt = decimal.RequireFromString("-170141183460469231731687303715884105728")
)

// Int returns v as a decimal.
func Int(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// Check validates that d is an integer within range.
func Check(d decimal.Decimal) (decimal.Decimal, error) {
	if !d.IsInteger() {
		return decimal.Zero, fmt.Errorf("%w: %s is not an integer", model.ErrArithmeticOverflow, d)
	}
	if d.GreaterThan(maxInt) || d.LessThan(minInt) {
		return decimal.Zero, fmt.Errorf("%w: %s out of range", model.ErrArithmeticOverflow, d)
	}
	return d, nil
}

// Add returns a+b, failing when the sum leaves the representable range.
func Add(a, b decimal.Decimal) (decimal.Decimal, error) {
	return Check(a.Add(b))
}

// Sub returns a-b, failing when the difference leaves the representable range.
func Sub(a, b decimal.Decimal) (decimal.Decimal, error) {
	return Check(a.Sub(b))
}

// Mul returns a*b without rescaling, failing when the product leaves the
// representable range.
func Mul(a, b decimal.Decimal) (decimal.Decimal, error) {
	return Check(a.Mul(b))
}

// Quo divides a by b, truncating toward zero.
func Quo(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: division by zero", model.ErrArithmeticOverflow)
	}
	if _, err := Check(a); err != nil {
		return decimal.Zero, err
	}
	if _, err := Check(b); err != nil {
		return decimal.Zero, err
	}
	q, _ := a.QuoRem(b, 0)
	return Check(q)
}

// MulDiv computes a*b/c with the intermediate product range-checked.
func MulDiv(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	p, err := Mul(a, b)
	if err != nil {
		return decimal.Zero, err
	}
	return Quo(p, c)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
