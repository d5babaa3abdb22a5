package core

import "testing"

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in  string
		out string
		ok  bool
	}{
		{"1", "1.00", true},
		{"1.0", "1.00", true},
		{"1.23", "1.23", true},
		{"1,23", "1.23", true},
		{"0", "0.00", true},
		{"0.01", "0.01", true},
		{"1.005", "1.01", true}, // half-up rounding
		{" 2.50 ", "2.50", true},
		{"-1", "", false},
		{"+1", "", false},
		{"abc", "", false},
		{"1.2.3", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok {
			if err != nil || got.StringFixed(2) != tc.out {
				t.Fatalf("%q expected %s, got %s (err=%v)", tc.in, tc.out, got, err)
			}
		} else {
			if err == nil {
				t.Fatalf("%q expected error", tc.in)
			}
		}
	}
}

func TestCentsRoundTrip(t *testing.T) {
	cases := []int64{0, 1, 99, 100, 12345, 999999999}
	for _, cents := range cases {
		if got := AmountToCents(CentsToAmount(cents)); got != cents {
			t.Fatalf("round trip %d -> %d", cents, got)
		}
	}
}

func TestAmountToCentsRounds(t *testing.T) {
	d, err := ParseAmount("10.994")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := AmountToCents(d); got != 1099 {
		t.Fatalf("expected 1099 cents, got %d", got)
	}
}
