package allocation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDefaultPolicyWeights(t *testing.T) {
	p := DefaultPolicy()

	if !p.Weight("housing_rent").Equal(amt("0.45")) {
		t.Fatalf("housing_rent weight = %s", p.Weight("housing_rent"))
	}
	if !p.Weight("some_custom_category").Equal(amt("0.02")) {
		t.Fatalf("unknown slug weight = %s, want default 0.02", p.Weight("some_custom_category"))
	}
}

func TestDefaultPolicyFloorsAndCaps(t *testing.T) {
	p := DefaultPolicy()

	if r, ok := p.FloorRatio("food"); !ok || !r.Equal(amt("0.10")) {
		t.Fatalf("food floor = %s (ok=%v)", r, ok)
	}
	if _, ok := p.FloorRatio("housing_rent"); ok {
		t.Fatal("housing_rent should not carry a floor")
	}
	if r, ok := p.CapRatio("shopping"); !ok || !r.Equal(amt("0.12")) {
		t.Fatalf("shopping cap = %s (ok=%v)", r, ok)
	}
	if _, ok := p.CapRatio("transport"); ok {
		t.Fatal("transport should not carry a cap")
	}
	// Unknown slugs are unconstrained.
	if _, ok := p.FloorRatio("velociraptor_care"); ok {
		t.Fatal("unknown slug should have no floor")
	}
	if _, ok := p.CapRatio("velociraptor_care"); ok {
		t.Fatal("unknown slug should have no cap")
	}
}

func TestNewPolicyCopiesTables(t *testing.T) {
	weights := map[string]decimal.Decimal{"a": amt("0.5")}
	p := NewPolicy(weights, amt("0.1"), nil, nil)

	weights["a"] = amt("0.9")
	if !p.Weight("a").Equal(amt("0.5")) {
		t.Fatalf("policy saw caller mutation: %s", p.Weight("a"))
	}
}
