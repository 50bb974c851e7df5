package money_test

import (
	"encoding/json"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/money"
)

func TestPerThousand(t *testing.T) {
	tests := []struct {
		name     string
		price    string
		tokens   int64
		expected string
	}{
		{"zero tokens", "0.03", 0, "0"},
		{"zero price", "0", 1000, "0"},
		{"exact thousand", "0.03", 1000, "0.03"},
		{"fractional", "0.0015", 500, "0.00075"},
		{"large count", "10", 2_500_000, "25000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, err := money.NewFromString(tt.price)
			if err != nil {
				t.Fatalf("NewFromString(%q): %v", tt.price, err)
			}
			got := money.PerThousand(price, tt.tokens)
			if got.String() != tt.expected {
				t.Errorf("PerThousand(%s, %d) = %s, want %s", tt.price, tt.tokens, got, tt.expected)
			}
		})
	}
}

func TestAmountJSONRoundTrip(t *testing.T) {
	a := money.MustFromString("12.3456")

	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `"12.3456"` {
		t.Errorf("Marshal = %s, want \"12.3456\"", b)
	}

	var out money.Amount
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Cmp(a) != 0 {
		t.Errorf("round trip mismatch: got %s, want %s", out, a)
	}
}

func TestAmountUnmarshalNumeric(t *testing.T) {
	var a money.Amount
	if err := json.Unmarshal([]byte(`0.5`), &a); err != nil {
		t.Fatalf("Unmarshal numeric: %v", err)
	}
	if a.String() != "0.5" {
		t.Errorf("got %s, want 0.5", a)
	}
}

func TestAmountArithmetic(t *testing.T) {
	a := money.MustFromString("1.5")
	b := money.MustFromString("0.25")

	if got := a.Add(b).String(); got != "1.75" {
		t.Errorf("Add = %s, want 1.75", got)
	}
	if got := a.Sub(b).String(); got != "1.25" {
		t.Errorf("Sub = %s, want 1.25", got)
	}
	if !a.GreaterThan(b) {
		t.Errorf("expected %s > %s", a, b)
	}
	if money.Zero.Div(money.MustFromString("0")).String() != "0" {
		t.Errorf("Div by zero should yield zero, not panic")
	}
}
