package ledger

import (
    "fmt"
    "math"

    "github.com/govalues/money"

    "github.com/veslink/transferd/internal/errs"
)

// Money is an amount of a single currency in minor units (cents, pence).
// Amounts are never negative; arithmetic that would produce a negative or
// overflowing value fails instead of wrapping.
type Money struct {
    MinorUnits int64
    Currency   string
}

// NewMoney validates the currency code and sign and returns a Money value.
func NewMoney(minorUnits int64, currency string) (Money, error) {
    if !ValidCurrency(currency) {
        return Money{}, fmt.Errorf("%w: currency must be a 3-letter uppercase code", errs.ErrValidation)
    }
    if minorUnits < 0 {
        return Money{}, fmt.Errorf("%w: amount must not be negative", errs.ErrValidation)
    }
    return Money{MinorUnits: minorUnits, Currency: currency}, nil
}

// MustMoney is a test/seed helper; it panics on invalid input.
func MustMoney(minorUnits int64, currency string) Money {
    m, err := NewMoney(minorUnits, currency)
    if err != nil { panic(err) }
    return m
}

// ValidCurrency reports whether code is three uppercase ASCII letters.
func ValidCurrency(code string) bool {
    if len(code) != 3 { return false }
    for i := 0; i < 3; i++ {
        if code[i] < 'A' || code[i] > 'Z' { return false }
    }
    return true
}

// Add returns m+o. Fails with ErrCurrencyMismatch across currencies and
// ErrBalanceOverflow when the sum exceeds int64.
func (m Money) Add(o Money) (Money, error) {
    if !m.SameCurrency(o) {
        return Money{}, fmt.Errorf("%w: %s vs %s", errs.ErrCurrencyMismatch, m.Currency, o.Currency)
    }
    if o.MinorUnits > math.MaxInt64-m.MinorUnits {
        return Money{}, fmt.Errorf("%w: %d + %d exceeds int64", errs.ErrBalanceOverflow, m.MinorUnits, o.MinorUnits)
    }
    return Money{MinorUnits: m.MinorUnits + o.MinorUnits, Currency: m.Currency}, nil
}

// Sub returns m-o. Fails with ErrCurrencyMismatch across currencies and
// ErrInsufficientFunds when the result would be negative.
func (m Money) Sub(o Money) (Money, error) {
    if !m.SameCurrency(o) {
        return Money{}, fmt.Errorf("%w: %s vs %s", errs.ErrCurrencyMismatch, m.Currency, o.Currency)
    }
    if o.MinorUnits > m.MinorUnits {
        return Money{}, fmt.Errorf("%w: have %d, need %d", errs.ErrInsufficientFunds, m.MinorUnits, o.MinorUnits)
    }
    return Money{MinorUnits: m.MinorUnits - o.MinorUnits, Currency: m.Currency}, nil
}

func (m Money) IsZero() bool     { return m.MinorUnits == 0 }
func (m Money) IsPositive() bool { return m.MinorUnits > 0 }

// SameCurrency reports whether both amounts share a currency.
func (m Money) SameCurrency(o Money) bool { return m.Currency == o.Currency }

// Equal is total equality: currency and minor units.
func (m Money) Equal(o Money) bool { return m.Currency == o.Currency && m.MinorUnits == o.MinorUnits }

// Format renders the amount in major units for human-facing output,
// e.g. "USD 12.34". Storage and arithmetic stay in minor units.
func (m Money) Format() string {
    if amt, err := money.NewAmountFromMinorUnits(m.Currency, m.MinorUnits); err == nil {
        return amt.String()
    }
    return fmt.Sprintf("%s %d", m.Currency, m.MinorUnits)
}

// FormatMinor is Format for a bare minor-unit value.
func FormatMinor(minorUnits int64, currency string) string {
    return Money{MinorUnits: minorUnits, Currency: currency}.Format()
}
