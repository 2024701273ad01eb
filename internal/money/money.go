// Package money holds monetary amounts as integer cents so that
// aggregation stays exact. Binary floating point is never used: summing
// N items priced 0.10 must yield exactly N*10 cents.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Cents is an amount in one implicit currency, in hundredths.
type Cents int64

// Parse converts a decimal string like "3.50", "10" or "0.1" into Cents.
// At most two fractional digits are accepted and the amount must be
// non-negative.
func Parse(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("amount is required")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("amount must be non-negative")
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	// ParseInt alone would admit a stray sign inside either part.
	if !allDigits(whole) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	var cents int64
	if hasFrac {
		if frac == "" || len(frac) > 2 {
			return 0, fmt.Errorf("amount %q must have at most two decimal places", s)
		}
		if !allDigits(frac) {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		if len(frac) == 1 {
			f *= 10
		}
		cents = f
	}
	return Cents(units*100 + cents), nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// String renders the amount with two decimal places, e.g. "3.50".
func (c Cents) String() string {
	neg := c < 0
	v := int64(c)
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%d.%02d", v/100, v%100)
	if neg {
		return "-" + s
	}
	return s
}

// MulQty multiplies the unit amount by an item quantity.
func (c Cents) MulQty(q int) Cents {
	return c * Cents(q)
}
