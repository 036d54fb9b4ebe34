// Package money handles marketplace amounts. Every amount on the wire
// is a non-negative integer string denominated in the token's smallest
// unit (or the shielded unit for tongo transfers), so arithmetic runs
// on big.Int and never touches floating point.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrInvalidFormat occurs when parsing fails.
	ErrInvalidFormat = errors.New("money: invalid amount format")

	// ErrNegativeAmount occurs when an amount parses below zero.
	ErrNegativeAmount = errors.New("money: negative amount not allowed")
)

// Amount is a non-negative integer quantity in token smallest units.
type Amount struct {
	value *big.Int
}

// Parse validates and parses an amount string. Leading plus signs,
// decimal points and exponents are all rejected; the wire format is
// strictly base-10 digits.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty string", ErrInvalidFormat)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			if r == '-' {
				return Amount{}, ErrNegativeAmount
			}
			return Amount{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
		}
	}
	value, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	return Amount{value: value}, nil
}

// MustParse parses a known-good amount literal. Panics on failure, so
// it is only for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{value: big.NewInt(0)}
}

// Valid reports whether s parses as an amount.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Cmp compares a to b: -1 if a < b, 0 if equal, 1 if a > b.
func (a Amount) Cmp(b Amount) int {
	return a.big().Cmp(b.big())
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.big().Sign() == 0
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{value: new(big.Int).Add(a.big(), b.big())}
}

// Sub returns a - b, or an error if the result would be negative.
// Allowance accounting never goes below zero.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Cmp(b) < 0 {
		return Amount{}, ErrNegativeAmount
	}
	return Amount{value: new(big.Int).Sub(a.big(), b.big())}, nil
}

// String renders the canonical wire form.
func (a Amount) String() string {
	return a.big().String()
}

func (a Amount) big() *big.Int {
	if a.value == nil {
		return big.NewInt(0)
	}
	return a.value
}
