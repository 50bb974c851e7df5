// Package money provides fixed-precision decimal arithmetic for everything
// that touches a credit balance or a price. Every monetary value in the
// gateway flows through an Amount; none of it is ever stored or computed as
// a binary float, so rounding drift can never accumulate across a large
// number of settlements.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount wraps decimal.Decimal so it marshals to/from JSON and SQL as a
// plain string, matching how the external API and the ledger tables
// represent money (the SQL store keeps credit_balance and amount columns as
// TEXT).
type Amount struct {
	decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{decimal.Zero}

// NewFromString parses a decimal string (e.g. "0.0042") into an Amount.
func NewFromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	return Amount{d}, nil
}

// MustFromString is NewFromString but panics on a malformed literal. Only
// meant for package-level constants derived from string literals.
func MustFromString(s string) Amount {
	a, err := NewFromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromFloat converts a float64 to an Amount. Used only at the boundary where
// an upstream SDK hands us a float (never for anything already computed in
// decimal space).
func FromFloat(f float64) Amount {
	return Amount{decimal.NewFromFloat(f)}
}

// FromInt converts an integer token count (or similar whole quantity) to an
// Amount.
func FromInt(n int64) Amount {
	return Amount{decimal.NewFromInt(n)}
}

func (a Amount) Add(b Amount) Amount { return Amount{a.Decimal.Add(b.Decimal)} }
func (a Amount) Sub(b Amount) Amount { return Amount{a.Decimal.Sub(b.Decimal)} }
func (a Amount) Mul(b Amount) Amount { return Amount{a.Decimal.Mul(b.Decimal)} }

// Div divides a by b, returning Zero if b is zero (a price/quantity of zero
// should never panic a request in flight).
func (a Amount) Div(b Amount) Amount {
	if b.Decimal.IsZero() {
		return Zero
	}
	return Amount{a.Decimal.Div(b.Decimal)}
}

func (a Amount) IsZero() bool              { return a.Decimal.IsZero() }
func (a Amount) IsNegative() bool          { return a.Decimal.IsNegative() }
func (a Amount) IsPositive() bool          { return a.Decimal.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool { return a.Decimal.GreaterThan(b.Decimal) }
func (a Amount) LessThan(b Amount) bool    { return a.Decimal.LessThan(b.Decimal) }
func (a Amount) Cmp(b Amount) int          { return a.Decimal.Cmp(b.Decimal) }

// PerThousand computes price * n / 1000, the unit the pricing resolver uses
// for token pricing ("$X per 1k tokens").
func PerThousand(pricePer1k Amount, n int64) Amount {
	if n == 0 || pricePer1k.IsZero() {
		return Zero
	}
	return pricePer1k.Mul(FromInt(n)).Div(FromInt(1000))
}

func (a Amount) String() string { return a.Decimal.String() }

// MarshalJSON encodes as a JSON string, not a JSON number, so that clients
// never lose precision parsing the response body.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.Decimal.String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a JSON number for
// leniency with upstream provider payloads that emit numeric pricing.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		a.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	a.Decimal = d
	return nil
}

// Value implements driver.Valuer so an Amount can be written directly to a
// database/sql column (stored as its canonical decimal string).
func (a Amount) Value() (driver.Value, error) {
	return a.Decimal.String(), nil
}

// Scan implements sql.Scanner, accepting the string/[]byte/float forms a
// SQL driver may hand back.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		a.Decimal = decimal.Zero
		return nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		a.Decimal = d
		return nil
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return err
		}
		a.Decimal = d
		return nil
	case float64:
		a.Decimal = decimal.NewFromFloat(v)
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
}
