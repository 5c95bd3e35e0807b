// Package finance holds the engine's monetary types and the pure
// settlement calculator for cancellations and partial completion.
package finance

import (
	"fmt"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Money is a monetary value in a specific currency. It uses integer
// math (minor units) to avoid floating point errors.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
}

// NewMoney creates a Money value from minor units.
func NewMoney(amountMinor int64, cur string) Money {
	return Money{AmountMinor: amountMinor, Currency: cur}
}

// Add adds two Money amounts. Returns error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// Sub subtracts other from m. Returns error on currency mismatch.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency}, nil
}

// Percent returns pct% of m, truncated toward zero to whole minor
// units. Settlement math never rounds up; any sub-unit remainder is the
// caller's to allocate.
func (m Money) Percent(pct int) Money {
	return Money{AmountMinor: m.AmountMinor * int64(pct) / 100, Currency: m.Currency}
}

// IsZero reports whether the amount is 0.
func (m Money) IsZero() bool { return m.AmountMinor == 0 }

// IsNegative reports whether the amount is < 0.
func (m Money) IsNegative() bool { return m.AmountMinor < 0 }

// String renders the amount with its currency code for logs and
// outcome previews, e.g. "USD 500.00".
func (m Money) String() string {
	unit, err := currency.ParseISO(m.Currency)
	if err != nil {
		return fmt.Sprintf("%s %d", m.Currency, m.AmountMinor)
	}
	scale, _ := currency.Cash.Rounding(unit)
	p := message.NewPrinter(language.English)
	if scale == 0 {
		return p.Sprintf("%v %d", unit, m.AmountMinor)
	}
	div := int64(1)
	for i := 0; i < scale; i++ {
		div *= 10
	}
	return p.Sprintf("%v %d.%0*d", unit, m.AmountMinor/div, scale, m.AmountMinor%div)
}
