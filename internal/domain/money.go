package domain

import (
	"bytes"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MoneyScale is the number of decimal places kept for peso amounts.
	MoneyScale = 2
	// RateScale is the number of decimal places kept for per-unit utility rates.
	RateScale = 6

	periodLayout = "2006-01"
)

// RoundMoney rounds an amount to centavos.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// NonNegative coerces negative amounts to zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Period is a billing month in YYYY-MM form.
type Period string

// ParsePeriod validates and normalizes a billing period.
func ParsePeriod(raw string) (Period, error) {
	t, err := time.Parse(periodLayout, strings.TrimSpace(raw))
	if err != nil {
		return "", NewValidationError("period", "must be a month in YYYY-MM format")
	}
	return Period(t.Format(periodLayout)), nil
}

// PeriodOf returns the billing period containing t.
func PeriodOf(t time.Time) Period {
	return Period(t.UTC().Format(periodLayout))
}

// Start returns the first instant of the period in UTC.
func (p Period) Start() time.Time {
	t, err := time.Parse(periodLayout, string(p))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// End returns the first instant of the following period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

func (p Period) String() string {
	return string(p)
}

// NumberField is a JSON number that tolerates non-numeric input. Instead of failing the
// whole decode, the raw text is kept so validation can name the offending field.
type NumberField struct {
	Value decimal.Decimal
	Valid bool
	Raw   string
}

// Number returns a set NumberField.
func Number(d decimal.Decimal) NumberField {
	return NumberField{Value: d, Valid: true}
}

// NumberFromString parses s, returning an invalid field when s is not numeric.
func NumberFromString(s string) NumberField {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return NumberField{Raw: s}
	}
	return NumberField{Value: d, Valid: true}
}

func (n *NumberField) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`)) {
		*n = NumberField{}
		return nil
	}
	*n = NumberFromString(strings.Trim(string(trimmed), `"`))
	if !n.Valid {
		n.Raw = string(trimmed)
	}
	return nil
}

func (n NumberField) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return []byte(n.Value.String()), nil
}

// Invalid reports whether a value was supplied but was not a number.
func (n NumberField) Invalid() bool {
	return !n.Valid && n.Raw != ""
}

// Ptr returns the value, or nil when it is absent or invalid.
func (n NumberField) Ptr() *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// Or returns the value, or fallback when it is absent or invalid.
func (n NumberField) Or(fallback decimal.Decimal) decimal.Decimal {
	if !n.Valid {
		return fallback
	}
	return n.Value
}
