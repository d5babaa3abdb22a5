package allocation

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bilancio/internal/core"
)

const (
	// capIterationLimit bounds the cap-overflow redistribution. The loop is
	// a fixed-point iteration, not a closed-form solve; pathological
	// weight/cap configurations may leave residual overflow after the last
	// pass, which is then distributed ignoring caps. Caps are advisory
	// budget hygiene, not hard accounting constraints.
	capIterationLimit = 10
)

// capOverflowEpsilon is the convergence tolerance for residual cap overflow.
var capOverflowEpsilon = decimal.New(1, -7)

// Category is one expense category eligible for allocation in a run.
type Category struct {
	ID   uuid.UUID
	Slug string
}

// Allocator splits monthly totals across categories according to a Policy.
// The zero value is not usable; construct with New.
type Allocator struct {
	policy Policy
}

func New(policy Policy) *Allocator {
	return &Allocator{policy: policy}
}

// Allocate maps every category to a two-decimal amount such that the amounts
// sum exactly to total. The same inputs always produce the same output.
// A negative total is the only error.
func (a *Allocator) Allocate(total decimal.Decimal, categories []Category) (map[uuid.UUID]decimal.Decimal, error) {
	total = core.QuantizeAmount(total)

	if total.IsNegative() {
		return nil, core.ErrNegativeTotal
	}

	if len(categories) == 0 {
		return map[uuid.UUID]decimal.Decimal{}, nil
	}

	if len(categories) == 1 {
		return map[uuid.UUID]decimal.Decimal{categories[0].ID: total}, nil
	}

	if total.IsZero() {
		allocations := make(map[uuid.UUID]decimal.Decimal, len(categories))
		for _, c := range categories {
			allocations[c.ID] = decimal.Zero.Round(2)
		}
		return allocations, nil
	}

	// When the total cannot give every category at least one cent, degrade
	// to handing single cents to the highest-priority categories.
	if total.LessThan(core.Cent.Mul(decimal.NewFromInt(int64(len(categories))))) {
		return a.allocateCentSlots(total, categories), nil
	}

	weights := make(map[uuid.UUID]decimal.Decimal, len(categories))
	for _, c := range categories {
		weights[c.ID] = a.policy.Weight(c.Slug)
	}

	floors := make(map[uuid.UUID]decimal.Decimal, len(categories))
	for _, c := range categories {
		if r, ok := a.policy.FloorRatio(c.Slug); ok {
			floors[c.ID] = total.Mul(r)
		} else {
			floors[c.ID] = decimal.Zero
		}
	}

	floorTotal := decimal.Zero
	for _, f := range floors {
		floorTotal = floorTotal.Add(f)
	}

	allocations := make(map[uuid.UUID]decimal.Decimal, len(categories))

	if floorTotal.GreaterThan(total) && floorTotal.IsPositive() {
		// Floors alone exceed the budget: scale them down proportionally
		// and skip the weighted split.
		scale := total.Div(floorTotal)
		for id, f := range floors {
			allocations[id] = f.Mul(scale)
		}
	} else {
		remaining := total.Sub(floorTotal)
		weightSum := decimal.Zero
		for _, w := range weights {
			weightSum = weightSum.Add(w)
		}
		for _, c := range categories {
			share := decimal.Zero
			if weightSum.IsPositive() {
				share = remaining.Mul(weights[c.ID]).Div(weightSum)
			}
			allocations[c.ID] = floors[c.ID].Add(share)
		}
	}

	a.enforceCaps(total, categories, weights, allocations)

	return a.rebalanceRemainder(total, categories, allocations), nil
}

// allocateCentSlots awards one cent each to the top-ranked categories until
// the whole-cent budget is exhausted; everything else gets 0.00.
func (a *Allocator) allocateCentSlots(total decimal.Decimal, categories []Category) map[uuid.UUID]decimal.Decimal {
	slots := total.Shift(2).IntPart()
	ranked := a.rankForDistribution(categories)

	awarded := make(map[uuid.UUID]bool, slots)
	for i := int64(0); i < slots && i < int64(len(ranked)); i++ {
		awarded[ranked[i].ID] = true
	}

	allocations := make(map[uuid.UUID]decimal.Decimal, len(categories))
	for _, c := range categories {
		if awarded[c.ID] {
			allocations[c.ID] = core.Cent
		} else {
			allocations[c.ID] = decimal.Zero.Round(2)
		}
	}
	return allocations
}

// rankForDistribution orders categories by descending weight, then by the
// textual form of the id ascending. The id tie-break keeps allocation
// deterministic regardless of the caller's list order.
func (a *Allocator) rankForDistribution(categories []Category) []Category {
	ranked := make([]Category, len(categories))
	copy(ranked, categories)
	sort.SliceStable(ranked, func(i, j int) bool {
		wi, wj := a.policy.Weight(ranked[i].Slug), a.policy.Weight(ranked[j].Slug)
		if cmp := wi.Cmp(wj); cmp != 0 {
			return cmp > 0
		}
		return ranked[i].ID.String() < ranked[j].ID.String()
	})
	return ranked
}

// enforceCaps clamps categories above their cap and redistributes the
// overflow to categories with headroom, proportionally to weight. The loop
// is bounded; see capIterationLimit.
func (a *Allocator) enforceCaps(total decimal.Decimal, categories []Category, weights, allocations map[uuid.UUID]decimal.Decimal) {
	caps := make(map[uuid.UUID]decimal.Decimal, len(categories))
	hasCap := make(map[uuid.UUID]bool, len(categories))
	for _, c := range categories {
		if r, ok := a.policy.CapRatio(c.Slug); ok {
			caps[c.ID] = total.Mul(r)
			hasCap[c.ID] = true
		}
	}

	// Iterate in sorted id order so redistribution is order-independent.
	ids := make([]uuid.UUID, 0, len(categories))
	for _, c := range categories {
		ids = append(ids, c.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for pass := 0; pass < capIterationLimit; pass++ {
		overflow := decimal.Zero
		clamped := make(map[uuid.UUID]bool)

		for _, id := range ids {
			if hasCap[id] && allocations[id].GreaterThan(caps[id]) {
				overflow = overflow.Add(allocations[id].Sub(caps[id]))
				allocations[id] = caps[id]
				clamped[id] = true
			}
		}

		if overflow.LessThanOrEqual(capOverflowEpsilon) {
			return
		}

		var recipients []uuid.UUID
		for _, id := range ids {
			if clamped[id] {
				continue
			}
			if hasCap[id] && !allocations[id].LessThan(caps[id]) {
				continue
			}
			recipients = append(recipients, id)
		}

		if len(recipients) == 0 {
			// Every category sits at its cap: place the overflow anyway.
			// Caps are soft and yield when the total cannot fit under them.
			recipients = ids
		}

		recipientWeightSum := decimal.Zero
		for _, id := range recipients {
			recipientWeightSum = recipientWeightSum.Add(weights[id])
		}
		if recipientWeightSum.IsPositive() {
			for _, id := range recipients {
				allocations[id] = allocations[id].Add(overflow.Mul(weights[id]).Div(recipientWeightSum))
			}
		} else {
			equalShare := overflow.Div(decimal.NewFromInt(int64(len(recipients))))
			for _, id := range recipients {
				allocations[id] = allocations[id].Add(equalShare)
			}
		}
	}
}

// rebalanceRemainder quantizes the raw allocations and reconciles rounding
// drift so the mapping sums exactly to total. Raw amounts are rounded down
// first; leftover cents go one at a time to the categories with the largest
// fractional remainder (ties by id). A negative diff removes cents from the
// smallest remainders instead, never taking a category below zero.
func (a *Allocator) rebalanceRemainder(total decimal.Decimal, categories []Category, raw map[uuid.UUID]decimal.Decimal) map[uuid.UUID]decimal.Decimal {
	rounded := make(map[uuid.UUID]decimal.Decimal, len(raw))
	sum := decimal.Zero
	for id, amount := range raw {
		rounded[id] = amount.RoundDown(2)
		sum = sum.Add(rounded[id])
	}

	diff := total.Sub(sum)
	steps := diff.Shift(2).IntPart()

	if steps > 0 {
		order := idsByFraction(categories, raw, true)
		for i := int64(0); i < steps; i++ {
			id := order[i%int64(len(order))]
			rounded[id] = rounded[id].Add(core.Cent)
		}
	} else if steps < 0 {
		order := idsByFraction(categories, raw, false)
		for i := int64(0); i < -steps; i++ {
			id := order[i%int64(len(order))]
			if !rounded[id].LessThan(core.Cent) {
				rounded[id] = rounded[id].Sub(core.Cent)
			}
		}
	}

	// Any residual left after the cent walk lands on the lexicographically
	// first id; the exact-sum invariant holds unconditionally.
	current := decimal.Zero
	for _, amount := range rounded {
		current = current.Add(amount)
	}
	if !current.Equal(total) && len(rounded) > 0 {
		first := categories[0].ID
		for _, c := range categories[1:] {
			if c.ID.String() < first.String() {
				first = c.ID
			}
		}
		rounded[first] = rounded[first].Add(total.Sub(current))
	}

	for id, amount := range rounded {
		rounded[id] = core.QuantizeAmount(amount)
	}
	return rounded
}

// idsByFraction orders category ids by the fractional cent remainder of
// their raw amount: largest first when desc, smallest first otherwise.
// Ties break on the textual id.
func idsByFraction(categories []Category, raw map[uuid.UUID]decimal.Decimal, desc bool) []uuid.UUID {
	ids := make([]uuid.UUID, len(categories))
	for i, c := range categories {
		ids[i] = c.ID
	}
	frac := func(id uuid.UUID) decimal.Decimal {
		return raw[id].Sub(raw[id].RoundDown(2))
	}
	sort.SliceStable(ids, func(i, j int) bool {
		cmp := frac(ids[i]).Cmp(frac(ids[j]))
		if cmp != 0 {
			if desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return ids[i].String() < ids[j].String()
	})
	return ids
}
