package schema

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnits holds ISO 4217 exponents that differ from the default of 2.
var minorUnits = map[string]int32{
	"BHD": 3, "BIF": 0, "CLF": 4, "CLP": 0, "DJF": 0, "GNF": 0, "IQD": 3,
	"ISK": 0, "JOD": 3, "JPY": 0, "KMF": 0, "KRW": 0, "KWD": 3, "LYD": 3,
	"OMR": 3, "PYG": 0, "RWF": 0, "TND": 3, "UGX": 0, "UYI": 0, "UYW": 4,
	"VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
}

// MinorUnits returns the number of decimal places of the currency's minor unit.
func MinorUnits(currency string) int32 {
	if n, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return n
	}
	return 2
}

// ParseAmount converts a decimal string ("12.34", "-5") into minor units of
// currency. More fractional digits than the currency allows is an error;
// amounts are never rounded.
func ParseAmount(s, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	exp := MinorUnits(currency)
	minor := d.Shift(exp)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than %d decimal places for %s", s, exp, strings.ToUpper(currency))
	}
	bi := minor.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("amount %q is out of range", s)
	}
	return bi.Int64(), nil
}

// FormatDecimal renders minor units as a plain decimal string ("12.34").
func FormatDecimal(minor int64, currency string) string {
	exp := MinorUnits(currency)
	return decimal.New(minor, -exp).StringFixed(exp)
}

// FormatAmount renders minor units with the currency code ("12.34 USD").
func FormatAmount(minor int64, currency string) string {
	return FormatDecimal(minor, currency) + " " + strings.ToUpper(currency)
}
