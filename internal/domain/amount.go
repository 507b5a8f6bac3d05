package domain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Amount is an unsigned 256-bit quantity of asset units, shares or scores.
// It is a value type: every operation returns a new Amount.
type Amount struct {
	v uint256.Int
}

// Zero is the zero Amount.
var Zero Amount

// NewAmount builds an Amount from a uint64.
func NewAmount(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// ParseAmount parses a base-10 string.
func ParseAmount(s string) (Amount, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("domain.ParseAmount: %q: %w", s, err)
	}
	return Amount{v: *v}, nil
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseUnits parses a human amount such as "12.5" into raw units with the
// given decimals. More fractional digits than decimals is an error.
func ParseUnits(s string, decimals uint8) (Amount, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(s), ".")
	if whole == "" && frac == "" {
		return Amount{}, fmt.Errorf("domain.ParseUnits: empty amount")
	}
	if len(frac) > int(decimals) {
		return Amount{}, fmt.Errorf("domain.ParseUnits: %q has more than %d decimals", s, decimals)
	}
	if whole == "" {
		whole = "0"
	}
	raw, err := ParseAmount(whole + frac + strings.Repeat("0", int(decimals)-len(frac)))
	if err != nil {
		return Amount{}, fmt.Errorf("domain.ParseUnits: %w", err)
	}
	return raw, nil
}

// FormatUnits renders a raw amount with decimals digits after the point,
// trimming trailing zeros.
func FormatUnits(a Amount, decimals uint8) string {
	s := a.String()
	if decimals == 0 {
		return s
	}
	d := int(decimals)
	if len(s) <= d {
		s = strings.Repeat("0", d-len(s)+1) + s
	}
	whole, frac := s[:len(s)-d], strings.TrimRight(s[len(s)-d:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// Pow10 returns 10^exp.
func Pow10(exp uint8) Amount {
	var a Amount
	a.v.Exp(uint256.NewInt(10), uint256.NewInt(uint64(exp)))
	return a
}

// Add returns a+b. Overflowing 2^256 is not reachable with real token supplies
// and is treated as a programming error.
func (a Amount) Add(b Amount) Amount {
	var z Amount
	if _, overflow := z.v.AddOverflow(&a.v, &b.v); overflow {
		panic("domain: amount addition overflow")
	}
	return z
}

// Sub returns a-b, or ErrArithmeticUnderflow when b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	var z Amount
	if _, underflow := z.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, fmt.Errorf("%w: %s - %s", ErrArithmeticUnderflow, a, b)
	}
	return z, nil
}

// Mul returns a*b.
func (a Amount) Mul(b Amount) Amount {
	var z Amount
	if _, overflow := z.v.MulOverflow(&a.v, &b.v); overflow {
		panic("domain: amount multiplication overflow")
	}
	return z
}

// MulUint64 returns a*n.
func (a Amount) MulUint64(n uint64) Amount {
	return a.Mul(NewAmount(n))
}

// MulDiv returns floor(a*b/d) using a 512-bit intermediate product.
// d must be non-zero.
func (a Amount) MulDiv(b, d Amount) Amount {
	if d.IsZero() {
		panic("domain: MulDiv by zero")
	}
	var z Amount
	if _, overflow := z.v.MulDivOverflow(&a.v, &b.v, &d.v); overflow {
		panic("domain: MulDiv result overflow")
	}
	return z
}

// Div returns floor(a/d). d must be non-zero.
func (a Amount) Div(d Amount) Amount {
	if d.IsZero() {
		panic("domain: Div by zero")
	}
	var z Amount
	z.v.Div(&a.v, &d.v)
	return z
}

// Bps returns floor(a*bps/10000).
func (a Amount) Bps(bps uint64) Amount {
	return a.MulDiv(NewAmount(bps), NewAmount(BasisPoints))
}

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) Amount {
	if a.LT(b) {
		return a
	}
	return b
}

// AbsDiff returns |a-b|.
func (a Amount) AbsDiff(b Amount) Amount {
	if a.LT(b) {
		d, _ := b.Sub(a)
		return d
	}
	d, _ := a.Sub(b)
	return d
}

func (a Amount) Cmp(b Amount) int  { return a.v.Cmp(&b.v) }
func (a Amount) LT(b Amount) bool  { return a.v.Lt(&b.v) }
func (a Amount) GT(b Amount) bool  { return a.v.Gt(&b.v) }
func (a Amount) LTE(b Amount) bool { return !a.v.Gt(&b.v) }
func (a Amount) GTE(b Amount) bool { return !a.v.Lt(&b.v) }
func (a Amount) Eq(b Amount) bool  { return a.v.Eq(&b.v) }
func (a Amount) IsZero() bool      { return a.v.IsZero() }

// Uint64 returns the value as uint64 and whether it fit.
func (a Amount) Uint64() (uint64, bool) {
	return a.v.Uint64(), a.v.IsUint64()
}

// String renders the base-10 value.
func (a Amount) String() string {
	return a.v.Dec()
}

// MarshalText encodes the amount as a base-10 string (JSON and YAML use it).
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.v.Dec()), nil
}

// UnmarshalText parses a base-10 string.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Big returns the value as a new big.Int.
func (a Amount) Big() *big.Int {
	return a.v.ToBig()
}

// AmountFromBig converts b, rejecting nil, negative and out-of-range values.
func AmountFromBig(b *big.Int) (Amount, error) {
	if b == nil || b.Sign() < 0 {
		return Amount{}, fmt.Errorf("domain.AmountFromBig: %v is not an unsigned amount", b)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, fmt.Errorf("domain.AmountFromBig: %s overflows 256 bits", b)
	}
	return Amount{v: *v}, nil
}

// Sum adds all amounts.
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
