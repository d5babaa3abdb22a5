package allocation

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bilancio/internal/core"
)

// Regenerate recomputes the limits for every non-locked category of a month.
//
// Categories with an existing user-modified row are locked: they keep their
// stored limit and never appear in the returned mapping, so a caller cannot
// accidentally overwrite a user override. The budget left after subtracting
// the locked commitments is allocated across the remaining categories; when
// the locked rows consume the whole total (or more), every regenerable
// category maps to 0.00. That is a normal outcome, not an error.
func (a *Allocator) Regenerate(total decimal.Decimal, inScope []Category, existing []core.BudgetRow) (map[uuid.UUID]decimal.Decimal, error) {
	existingByID := make(map[uuid.UUID]core.BudgetRow, len(existing))
	lockedTotal := decimal.Zero
	for _, row := range existing {
		existingByID[row.CategoryID] = row
		if row.IsUserModified {
			lockedTotal = lockedTotal.Add(row.LimitAmount)
		}
	}

	var regenerable []Category
	for _, c := range inScope {
		if row, ok := existingByID[c.ID]; ok && row.IsUserModified {
			continue
		}
		regenerable = append(regenerable, c)
	}

	if len(regenerable) == 0 {
		return map[uuid.UUID]decimal.Decimal{}, nil
	}

	remaining := core.QuantizeAmount(total.Sub(lockedTotal))
	if !remaining.IsPositive() {
		allocations := make(map[uuid.UUID]decimal.Decimal, len(regenerable))
		for _, c := range regenerable {
			allocations[c.ID] = decimal.Zero.Round(2)
		}
		return allocations, nil
	}

	return a.Allocate(remaining, regenerable)
}
