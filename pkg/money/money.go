package money

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
)

// Decimals is the number of fractional digits of the settlement token (USDC).
const Decimals = 6

const unit int64 = 1_000_000

// Amount represents a token quantity in minor units.
// It uses integer math to avoid floating point errors.
type Amount int64

// Units converts whole tokens to an Amount.
func Units(whole int64) Amount {
	return Amount(whole * unit)
}

// Parse reads a decimal string such as "100.00" or "0.000001".
// Negative values and more than six fractional digits are rejected.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errcode.InvalidAmount.Withf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, errcode.InvalidAmount.Withf("negative amount %q", s)
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && (!hasDot || frac == "") {
		return 0, errcode.InvalidAmount.Withf("malformed amount %q", s)
	}
	if len(frac) > Decimals {
		return 0, errcode.InvalidAmount.Withf("amount %q has more than %d decimals", s, Decimals)
	}
	if whole == "" {
		whole = "0"
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, errcode.InvalidAmount.Withf("malformed amount %q", s)
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > math.MaxInt64/unit {
		return 0, errcode.InvalidAmount.Withf("amount %q out of range", s)
	}
	var f int64
	if frac != "" {
		padded := frac + strings.Repeat("0", Decimals-len(frac))
		f, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return 0, errcode.InvalidAmount.Withf("malformed amount %q", s)
		}
	}
	total := w*unit + f
	if total < 0 {
		return 0, errcode.InvalidAmount.Withf("amount %q out of range", s)
	}
	return Amount(total), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// String formats the amount with at least two fractional digits ("1000.00", "1.234567").
func (a Amount) String() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	frac := fmt.Sprintf("%06d", v%unit)
	frac = strings.TrimRight(frac, "0")
	for len(frac) < 2 {
		frac += "0"
	}
	out := fmt.Sprintf("%d.%s", v/unit, frac)
	if neg {
		return "-" + out
	}
	return out
}

// Add returns a+b, failing on overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, fmt.Errorf("money: overflow adding %s and %s", a, b)
	}
	return a + b, nil
}

// Sub returns a-b, failing when the result would be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, fmt.Errorf("money: %s is less than %s", a, b)
	}
	return a - b, nil
}

// MulBps returns a * bps / 10000, rounded down.
func (a Amount) MulBps(bps int64) Amount {
	return Amount(int64(a)/10_000*bps + int64(a)%10_000*bps/10_000)
}

// IsZero returns true if the amount is 0.
func (a Amount) IsZero() bool { return a == 0 }

// IsPositive returns true if the amount is > 0.
func (a Amount) IsPositive() bool { return a > 0 }

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalText implements encoding.TextMarshaler for YAML and query parameters.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
