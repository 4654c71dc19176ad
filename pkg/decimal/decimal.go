package decimal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// LedgerScale is the number of fractional digits carried by ledger Numeric values.
const LedgerScale = 10

var (
	ErrNotPositive = errors.New("value must be positive")
	ErrEmpty       = errors.New("empty numeric value")

	hundred = decimal.NewFromInt(100)
	bpsBase = decimal.NewFromInt(10000)
)

// Parse parses a numeric string such as "100.0" or "3001.25".
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrEmpty
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid numeric %q: %w", s, err)
	}
	return d, nil
}

// ParsePositive parses s and rejects zero or negative values.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: %w", s, ErrNotPositive)
	}
	return d, nil
}

// FromAny converts a decoded JSON value into a decimal. Ledger and price APIs
// encode numbers either as JSON numbers or as strings.
func FromAny(v interface{}) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return Parse(t)
	case json.Number:
		return Parse(t.String())
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case decimal.Decimal:
		return t, nil
	case nil:
		return decimal.Zero, ErrEmpty
	default:
		return decimal.Zero, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// LedgerString renders d in the form the ledger JSON API expects for Numeric
// fields: always with a fractional part and at most LedgerScale digits.
func LedgerString(d decimal.Decimal) string {
	s := d.Truncate(LedgerScale).String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// PercentChange returns |to-from| / from * 100. A zero base yields zero.
func PercentChange(from, to decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	return to.Sub(from).Abs().Div(from.Abs()).Mul(hundred)
}

// Spread returns the widest pairwise divergence of values as a percentage of
// the smallest value.
func Spread(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v.LessThan(lo) {
			lo = v
		}
		if v.GreaterThan(hi) {
			hi = v
		}
	}
	return PercentChange(lo, hi)
}

// Mean returns the arithmetic mean of values.
func Mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(values[0], values[1:]...).Div(decimal.NewFromInt(int64(len(values))))
}

// Bps returns amount * bps / 10000, truncated to the ledger scale.
func Bps(amount decimal.Decimal, bps int64) decimal.Decimal {
	if bps <= 0 {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromInt(bps)).Div(bpsBase).Truncate(LedgerScale)
}

// Sum adds all values; the sum of nothing is zero.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
