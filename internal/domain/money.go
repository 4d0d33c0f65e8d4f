package domain

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Amounts are int64 minor units of the order currency. The exponent table
// is the only place that knows how many minor units make a major unit.
var currencyExponents = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CAD": 2,
	"JPY": 0,
}

// NormalizeCurrency upper-cases an ISO-4217 code and checks that amounts in
// it can be represented.
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if _, ok := currencyExponents[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return c, nil
}

// FormatMinor renders minor units as a fixed-point decimal string, e.g.
// 4000 USD -> "40.00".
func FormatMinor(amount int64, currency string) (string, error) {
	exp, ok := currencyExponents[strings.ToUpper(currency)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	return decimal.New(amount, -exp).StringFixed(exp), nil
}

// ParseMinor converts a decimal string into minor units. Values with more
// precision than the currency allows are rejected rather than rounded.
func ParseMinor(value, currency string) (int64, error) {
	exp, ok := currencyExponents[strings.ToUpper(currency)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, value, err)
	}
	shifted := d.Shift(exp)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %q has too many decimal places for %s", ErrInvalidAmount, value, currency)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, value)
	}
	return shifted.IntPart(), nil
}

// LineTotal multiplies a unit price by a quantity, refusing to overflow.
func LineTotal(unitPrice int64, quantity int) (int64, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	if unitPrice < 0 {
		return 0, fmt.Errorf("%w: negative unit price", ErrInvalidAmount)
	}
	q := int64(quantity)
	if unitPrice != 0 && q > math.MaxInt64/unitPrice {
		return 0, fmt.Errorf("%w: line total overflows", ErrInvalidAmount)
	}
	return unitPrice * q, nil
}

func addMinor(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, fmt.Errorf("%w: total overflows", ErrInvalidAmount)
	}
	return a + b, nil
}
