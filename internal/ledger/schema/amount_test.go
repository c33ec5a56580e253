package schema

import "testing"

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		currency string
		want     int64
		wantErr  bool
	}{
		{name: "two decimals", in: "12.34", currency: "USD", want: 1234},
		{name: "whole number", in: "5", currency: "EUR", want: 500},
		{name: "negative", in: "-0.99", currency: "usd", want: -99},
		{name: "zero decimal currency", in: "1000", currency: "JPY", want: 1000},
		{name: "three decimal currency", in: "1.234", currency: "KWD", want: 1234},
		{name: "trailing zeros allowed", in: "1.2300", currency: "USD", want: 123},
		{name: "too many decimals", in: "12.345", currency: "USD", wantErr: true},
		{name: "fraction of yen", in: "1.5", currency: "JPY", wantErr: true},
		{name: "not a number", in: "twelve", currency: "USD", wantErr: true},
		{name: "empty", in: "", currency: "USD", wantErr: true},
		{name: "overflow", in: "999999999999999999999", currency: "USD", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.in, tt.currency)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAmount(%q) = %d, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAmount(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseAmount(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		minor    int64
		currency string
		want     string
	}{
		{1234, "USD", "12.34 USD"},
		{-500, "EUR", "-5.00 EUR"},
		{7, "USD", "0.07 USD"},
		{1000, "JPY", "1000 JPY"},
		{5, "KWD", "0.005 KWD"},
	}

	for _, tt := range tests {
		if got := FormatAmount(tt.minor, tt.currency); got != tt.want {
			t.Errorf("FormatAmount(%d, %s) = %q, want %q", tt.minor, tt.currency, got, tt.want)
		}
	}
}

func TestFormatDecimal_RoundTrip(t *testing.T) {
	for _, cur := range []string{"USD", "JPY", "BHD", "CLF"} {
		for _, minor := range []int64{0, 1, -1, 123456789, -42} {
			s := FormatDecimal(minor, cur)
			got, err := ParseAmount(s, cur)
			if err != nil {
				t.Fatalf("ParseAmount(%q, %s) failed: %v", s, cur, err)
			}
			if got != minor {
				t.Errorf("round trip %d %s via %q = %d", minor, cur, s, got)
			}
		}
	}
}
