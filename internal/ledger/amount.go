package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Amount is a currency amount in cents. Balances are never held as floats.
type Amount int64

const (
	amountDecimals = 2
	rateDecimals   = 6
)

var errMalformedDecimal = errors.New("malformed decimal")

// ParseAmount parses a decimal string such as "5", "4.98" or "$0.02".
// More than two fractional digits is an error rather than a silent rounding.
func ParseAmount(s string) (Amount, error) {
	v, err := parseFixed(s, amountDecimals)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount(v), nil
}

// MustAmount is ParseAmount for constants in tests and defaults.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Cents returns the raw value.
func (a Amount) Cents() int64 { return int64(a) }

func (a Amount) String() string {
	return formatFixed(int64(a), amountDecimals)
}

// Decode implements envconfig.Decoder.
func (a *Amount) Decode(value string) error {
	v, err := ParseAmount(value)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalText(text []byte) error {
	return a.Decode(string(text))
}

// Rate is a price per million tokens with six fractional digits,
// so "1.25" is stored as 1_250_000.
type Rate int64

// ParseRate parses a per-million-token price such as "1.25" or "10.00".
func ParseRate(s string) (Rate, error) {
	v, err := parseFixed(s, rateDecimals)
	if err != nil {
		return 0, fmt.Errorf("parse rate %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("parse rate %q: negative rate", s)
	}
	return Rate(v), nil
}

// MustRate is ParseRate for constants in tests and defaults.
func MustRate(s string) Rate {
	r, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rate) String() string {
	s := formatFixed(int64(r), rateDecimals)
	// keep at least two decimals: 1.250000 -> 1.25
	for strings.HasSuffix(s, "0") && len(s)-strings.IndexByte(s, '.') > 3 {
		s = s[:len(s)-1]
	}
	return s
}

// Decode implements envconfig.Decoder.
func (r *Rate) Decode(value string) error {
	v, err := ParseRate(value)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func parseFixed(s string, decimals int) (int64, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return 0, errMalformedDecimal
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasDot && frac == "" {
		return 0, errMalformedDecimal
	}
	if len(frac) > decimals {
		return 0, fmt.Errorf("%w: more than %d fractional digits", errMalformedDecimal, decimals)
	}
	if len(whole) > 12 {
		return 0, fmt.Errorf("%w: too large", errMalformedDecimal)
	}
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, errMalformedDecimal
		}
	}

	frac += strings.Repeat("0", decimals-len(frac))
	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errMalformedDecimal, err)
	}
	if neg {
		v = -v
	}
	return v, nil
}

func formatFixed(v int64, decimals int) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	scale := int64(1)
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	return fmt.Sprintf("%s%d.%0*d", sign, v/scale, decimals, v%scale)
}
