package money

import (
	"errors"
	"testing"
)

func TestParseValid(t *testing.T) {
	cases := []string{"0", "1", "1000000", "340282366920938463463374607431768211455"}
	for _, c := range cases {
		a, err := Parse(c)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c, err)
		}
		if a.String() != c {
			t.Fatalf("Parse(%q) round-trip = %q", c, a.String())
		}
	}
}

func TestParseRejects(t *testing.T) {
	for _, c := range []string{"", " ", "1.5", "1e6", "+1", "0x10", "abc", "1 000"} {
		if _, err := Parse(c); err == nil {
			t.Fatalf("Parse(%q) should fail", c)
		}
	}
	if _, err := Parse("-1"); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("Parse(-1) = %v, want ErrNegativeAmount", err)
	}
}

func TestCmpAndArithmetic(t *testing.T) {
	a := MustParse("1000")
	b := MustParse("250")

	if a.Cmp(b) != 1 || b.Cmp(a) != -1 || a.Cmp(a) != 0 {
		t.Fatal("Cmp ordering wrong")
	}
	if got := a.Add(b).String(); got != "1250" {
		t.Fatalf("Add = %s", got)
	}

	diff, err := a.Sub(b)
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	if diff.String() != "750" {
		t.Fatalf("Sub = %s", diff.String())
	}

	if _, err := b.Sub(a); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("underflow Sub = %v, want ErrNegativeAmount", err)
	}
}

func TestZeroValueSafe(t *testing.T) {
	var a Amount
	if !a.IsZero() || a.String() != "0" {
		t.Fatalf("zero value Amount misbehaves: %q", a.String())
	}
	if !Zero().IsZero() {
		t.Fatal("Zero() not zero")
	}
}
