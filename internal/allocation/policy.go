// Package allocation implements the monthly budget allocation engine.
//
// Given a total budget and a set of expense categories it deterministically
// splits the total into per-category limits that sum exactly to the total in
// cents, honor per-category floor and cap ratios, and never touch rows a
// user pinned by hand. The engine is a pure function of its inputs: no I/O,
// no shared mutable state.
package allocation

import "github.com/shopspring/decimal"

// StrategyDefaultWeightsV1 names the allocation strategy implemented here,
// recorded alongside regenerated budgets.
const StrategyDefaultWeightsV1 = "default_weights_v1"

// Policy carries the per-slug weight, floor and cap tables. It is the only
// place knowledge about category importance lives; swapping percentages here
// changes allocation behavior without touching the algorithm. A Policy is
// immutable after construction and safe for concurrent use.
type Policy struct {
	weights       map[string]decimal.Decimal
	defaultWeight decimal.Decimal
	floorRatios   map[string]decimal.Decimal
	capRatios     map[string]decimal.Decimal
}

// NewPolicy builds a policy from explicit tables. The maps are copied.
func NewPolicy(weights map[string]decimal.Decimal, defaultWeight decimal.Decimal, floors, caps map[string]decimal.Decimal) Policy {
	return Policy{
		weights:       cloneRatios(weights),
		defaultWeight: defaultWeight,
		floorRatios:   cloneRatios(floors),
		capRatios:     cloneRatios(caps),
	}
}

// DefaultPolicy returns the built-in weighting: housing takes the largest
// share, essentials carry floors, discretionary categories are capped.
// Unknown slugs get a small nonzero weight so novel categories still receive
// a share, and no floor or cap.
func DefaultPolicy() Policy {
	return NewPolicy(
		map[string]decimal.Decimal{
			"housing_rent":    ratio("0.45"),
			"food":            ratio("0.20"),
			"transport":       ratio("0.10"),
			"bills_utilities": ratio("0.10"),
			"entertainment":   ratio("0.05"),
			"shopping":        ratio("0.05"),
			"health":          ratio("0.03"),
			"other":           ratio("0.02"),
		},
		ratio("0.02"),
		map[string]decimal.Decimal{
			"food":            ratio("0.10"),
			"transport":       ratio("0.05"),
			"bills_utilities": ratio("0.05"),
		},
		map[string]decimal.Decimal{
			"housing_rent":  ratio("0.60"),
			"food":          ratio("0.30"),
			"entertainment": ratio("0.12"),
			"shopping":      ratio("0.12"),
			"other":         ratio("0.10"),
		},
	)
}

// Weight returns the allocation weight for a slug, falling back to the
// default weight for unrecognized slugs.
func (p Policy) Weight(slug string) decimal.Decimal {
	if w, ok := p.weights[slug]; ok {
		return w
	}
	return p.defaultWeight
}

// FloorRatio returns the minimum recommended share of the total for a slug.
func (p Policy) FloorRatio(slug string) (decimal.Decimal, bool) {
	r, ok := p.floorRatios[slug]
	return r, ok
}

// CapRatio returns the maximum recommended share of the total for a slug.
func (p Policy) CapRatio(slug string) (decimal.Decimal, bool) {
	r, ok := p.capRatios[slug]
	return r, ok
}

func cloneRatios(src map[string]decimal.Decimal) map[string]decimal.Decimal {
	dst := make(map[string]decimal.Decimal, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ratio(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
