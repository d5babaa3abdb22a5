package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bilancio/internal/allocation"
	"bilancio/internal/amqp"
	"bilancio/internal/core"
)

// Repository is the storage surface BudgetService needs. Satisfied by
// storage.Repository; tests use an in-memory fake.
type Repository interface {
	ListExpenseCategories(ctx context.Context) ([]core.Category, error)
	GetCategory(ctx context.Context, id uuid.UUID) (core.Category, error)
	CreateCategory(ctx context.Context, c core.Category) error
	GetBudgetRows(ctx context.Context, month core.Month) ([]core.BudgetRow, error)
	UpsertUserBudgetRow(ctx context.Context, month core.Month, categoryID uuid.UUID, limit decimal.Decimal) error
	ClearUserModified(ctx context.Context, month core.Month, categoryID uuid.UUID) error
	ApplyRegeneration(ctx context.Context, month core.Month, allocations map[uuid.UUID]decimal.Decimal) error
	GetMonthlyTotal(ctx context.Context, month core.Month) (decimal.Decimal, bool, error)
	UpsertMonthlyTotal(ctx context.Context, month core.Month, total decimal.Decimal, strategy string) error
	CreateExpense(ctx context.Context, e core.Expense) (int64, error)
	ListExpenses(ctx context.Context, month core.Month) ([]core.Expense, error)
	MonthSpending(ctx context.Context, month core.Month) (map[uuid.UUID]decimal.Decimal, error)
	SpendingBetween(ctx context.Context, start, end time.Time) (decimal.Decimal, error)
}

// EventPublisher is the AMQP surface used by the service. A nil publisher
// disables messaging; publish failures never fail the request.
type EventPublisher interface {
	PublishRegenerationRequest(ctx context.Context, month, reason string) error
	PublishBudgetRegenerated(ctx context.Context, msg *amqp.BudgetRegeneratedMessage) error
}

// Budget status values for summary rows.
const (
	StatusOK        = "ok"
	StatusWarning   = "warning"
	StatusOverspent = "overspent"
	StatusNoLimit   = "no_limit"
)

var (
	warningThreshold = decimal.NewFromInt(80)
	hundred          = decimal.NewFromInt(100)
)

// PlanEntry is one category's limit inside a budget plan.
type PlanEntry struct {
	CategoryID     uuid.UUID
	Name           string
	Slug           string
	Amount         decimal.Decimal
	IsUserModified bool
}

// SummaryEntry is one category's budget-versus-spending line.
type SummaryEntry struct {
	CategoryID  uuid.UUID
	Name        string
	Slug        string
	Limit       decimal.Decimal
	Spent       decimal.Decimal
	Remaining   decimal.Decimal
	PercentUsed decimal.Decimal
	Status      string
	HasLimit    bool
}

// Summary is the full budget-versus-spending view of one month.
type Summary struct {
	Month      core.Month
	Total      decimal.Decimal
	TotalSpent decimal.Decimal
	Entries    []SummaryEntry
}

// BudgetService orchestrates budget plans across SQLite, the allocation
// engine and AMQP.
type BudgetService struct {
	repo         Repository
	allocator    *allocation.Allocator
	publisher    EventPublisher
	defaultTotal decimal.Decimal
}

func NewBudgetService(repo Repository, allocator *allocation.Allocator, publisher EventPublisher, defaultTotal decimal.Decimal) *BudgetService {
	return &BudgetService{
		repo:         repo,
		allocator:    allocator,
		publisher:    publisher,
		defaultTotal: core.QuantizeAmount(defaultTotal),
	}
}

// RegenerateMonth rebuilds the month's plan around any user-pinned rows and
// persists it, then announces the new plan. The month total is the stored
// one when present, otherwise derived from spending history.
func (s *BudgetService) RegenerateMonth(ctx context.Context, month core.Month) error {
	if err := month.Validate(); err != nil {
		return err
	}

	categories, err := s.repo.ListExpenseCategories(ctx)
	if err != nil {
		return fmt.Errorf("load categories: %w", err)
	}

	total, err := s.resolveTotal(ctx, month)
	if err != nil {
		return err
	}

	existing, err := s.repo.GetBudgetRows(ctx, month)
	if err != nil {
		return fmt.Errorf("load budget snapshot: %w", err)
	}

	allocations, err := s.allocator.Regenerate(total, toAllocationCategories(categories), existing)
	if err != nil {
		return fmt.Errorf("regenerate allocations: %w", err)
	}

	if err := s.repo.ApplyRegeneration(ctx, month, allocations); err != nil {
		return fmt.Errorf("persist regenerated plan: %w", err)
	}
	if err := s.repo.UpsertMonthlyTotal(ctx, month, total, allocation.StrategyDefaultWeightsV1); err != nil {
		return fmt.Errorf("persist monthly total: %w", err)
	}

	s.publishRegenerated(ctx, month, total, categories, allocations)
	return nil
}

// SetMonthlyTotal stores a new total for the month and rebuilds the plan.
func (s *BudgetService) SetMonthlyTotal(ctx context.Context, month core.Month, total decimal.Decimal) error {
	if err := month.Validate(); err != nil {
		return err
	}
	if total.IsNegative() {
		return core.ErrNegativeTotal
	}

	total = core.QuantizeAmount(total)
	if err := s.repo.UpsertMonthlyTotal(ctx, month, total, allocation.StrategyDefaultWeightsV1); err != nil {
		return fmt.Errorf("store monthly total: %w", err)
	}

	return s.RegenerateMonth(ctx, month)
}

// PinCategoryLimit stores a user-chosen limit for one category and rebuilds
// the rest of the plan around it.
func (s *BudgetService) PinCategoryLimit(ctx context.Context, month core.Month, categoryID uuid.UUID, amount decimal.Decimal) error {
	if err := month.Validate(); err != nil {
		return err
	}
	if amount.IsNegative() {
		return core.ErrInvalidAmount
	}

	category, err := s.repo.GetCategory(ctx, categoryID)
	if err != nil {
		return err
	}
	if category.Kind != core.ExpenseKind {
		return core.ErrNotExpenseCategory
	}

	if err := s.repo.UpsertUserBudgetRow(ctx, month, categoryID, core.QuantizeAmount(amount)); err != nil {
		return fmt.Errorf("pin category limit: %w", err)
	}

	return s.RegenerateMonth(ctx, month)
}

// UnpinCategory releases a pinned row back to the allocator and rebuilds
// the plan.
func (s *BudgetService) UnpinCategory(ctx context.Context, month core.Month, categoryID uuid.UUID) error {
	if err := month.Validate(); err != nil {
		return err
	}
	if err := s.repo.ClearUserModified(ctx, month, categoryID); err != nil {
		return err
	}
	return s.RegenerateMonth(ctx, month)
}

// Limits returns the stored plan for a month joined with category metadata,
// sorted by category name.
func (s *BudgetService) Limits(ctx context.Context, month core.Month) ([]PlanEntry, error) {
	if err := month.Validate(); err != nil {
		return nil, err
	}

	categories, err := s.repo.ListExpenseCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	rows, err := s.repo.GetBudgetRows(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("load budget snapshot: %w", err)
	}

	byID := make(map[uuid.UUID]core.BudgetRow, len(rows))
	for _, row := range rows {
		byID[row.CategoryID] = row
	}

	entries := make([]PlanEntry, 0, len(rows))
	for _, c := range categories {
		row, ok := byID[c.ID]
		if !ok {
			continue
		}
		entries = append(entries, PlanEntry{
			CategoryID:     c.ID,
			Name:           c.Name,
			Slug:           c.Slug,
			Amount:         row.LimitAmount,
			IsUserModified: row.IsUserModified,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// SuggestPlan previews an allocation without writing anything. A nil total
// means "use the stored or derived total for the month".
func (s *BudgetService) SuggestPlan(ctx context.Context, month core.Month, total *decimal.Decimal) (decimal.Decimal, []PlanEntry, error) {
	if err := month.Validate(); err != nil {
		return decimal.Zero, nil, err
	}

	resolved := decimal.Zero
	if total != nil {
		if total.IsNegative() {
			return decimal.Zero, nil, core.ErrNegativeTotal
		}
		resolved = core.QuantizeAmount(*total)
	} else {
		var err error
		resolved, err = s.resolveTotal(ctx, month)
		if err != nil {
			return decimal.Zero, nil, err
		}
	}

	categories, err := s.repo.ListExpenseCategories(ctx)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("load categories: %w", err)
	}

	allocations, err := s.allocator.Allocate(resolved, toAllocationCategories(categories))
	if err != nil {
		return decimal.Zero, nil, err
	}

	entries := make([]PlanEntry, 0, len(allocations))
	for _, c := range categories {
		amount, ok := allocations[c.ID]
		if !ok {
			continue
		}
		entries = append(entries, PlanEntry{
			CategoryID: c.ID,
			Name:       c.Name,
			Slug:       c.Slug,
			Amount:     amount,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return resolved, entries, nil
}

// DeriveDefaultTotal estimates a month total when none is stored: average of
// the totals set for the three preceding months, else spending in the 30
// days before the month starts, else the configured default.
func (s *BudgetService) DeriveDefaultTotal(ctx context.Context, month core.Month) (decimal.Decimal, error) {
	if err := month.Validate(); err != nil {
		return decimal.Zero, err
	}

	sum := decimal.Zero
	monthsWithTotals := 0
	cursor := month
	for i := 0; i < 3; i++ {
		cursor = cursor.Prev()
		total, ok, err := s.repo.GetMonthlyTotal(ctx, cursor)
		if err != nil {
			return decimal.Zero, fmt.Errorf("total for %s: %w", cursor, err)
		}
		if ok && total.IsPositive() {
			monthsWithTotals++
			sum = sum.Add(total)
		}
	}
	if monthsWithTotals > 0 {
		return core.QuantizeAmount(sum.Div(decimal.NewFromInt(int64(monthsWithTotals)))), nil
	}

	start := month.Start()
	trailing, err := s.repo.SpendingBetween(ctx, start.AddDate(0, 0, -30), start)
	if err != nil {
		return decimal.Zero, fmt.Errorf("trailing spending: %w", err)
	}
	if trailing.IsPositive() {
		return core.QuantizeAmount(trailing), nil
	}

	return s.defaultTotal, nil
}

// MonthSummary reports per-category limits against actual spending.
func (s *BudgetService) MonthSummary(ctx context.Context, month core.Month) (Summary, error) {
	if err := month.Validate(); err != nil {
		return Summary{}, err
	}

	categories, err := s.repo.ListExpenseCategories(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load categories: %w", err)
	}
	rows, err := s.repo.GetBudgetRows(ctx, month)
	if err != nil {
		return Summary{}, fmt.Errorf("load budget snapshot: %w", err)
	}
	spending, err := s.repo.MonthSpending(ctx, month)
	if err != nil {
		return Summary{}, fmt.Errorf("load spending: %w", err)
	}
	total, _, err := s.repo.GetMonthlyTotal(ctx, month)
	if err != nil {
		return Summary{}, fmt.Errorf("load monthly total: %w", err)
	}

	byID := make(map[uuid.UUID]core.BudgetRow, len(rows))
	for _, row := range rows {
		byID[row.CategoryID] = row
	}

	summary := Summary{Month: month, Total: total}
	for _, c := range categories {
		spent := core.QuantizeAmount(spending[c.ID])
		summary.TotalSpent = summary.TotalSpent.Add(spent)

		entry := SummaryEntry{
			CategoryID: c.ID,
			Name:       c.Name,
			Slug:       c.Slug,
			Spent:      spent,
		}
		if row, ok := byID[c.ID]; ok {
			entry.HasLimit = true
			entry.Limit = row.LimitAmount
			entry.Remaining = row.LimitAmount.Sub(spent)
			entry.PercentUsed, entry.Status = usage(row.LimitAmount, spent)
		} else {
			entry.Status = StatusNoLimit
		}
		summary.Entries = append(summary.Entries, entry)
	}
	sort.Slice(summary.Entries, func(i, j int) bool {
		return summary.Entries[i].Name < summary.Entries[j].Name
	})
	summary.TotalSpent = core.QuantizeAmount(summary.TotalSpent)
	return summary, nil
}

// AddExpense records one spending ledger row after validating the category.
func (s *BudgetService) AddExpense(ctx context.Context, e core.Expense) (int64, error) {
	if !e.Amount.IsPositive() {
		return 0, core.ErrInvalidAmount
	}
	category, err := s.repo.GetCategory(ctx, e.CategoryID)
	if err != nil {
		return 0, err
	}
	if category.Kind != core.ExpenseKind {
		return 0, core.ErrNotExpenseCategory
	}
	e.Amount = core.QuantizeAmount(e.Amount)
	if e.OccurredOn.IsZero() {
		e.OccurredOn = time.Now().UTC()
	}
	return s.repo.CreateExpense(ctx, e)
}

// Expenses lists the month's spending ledger rows.
func (s *BudgetService) Expenses(ctx context.Context, month core.Month) ([]core.Expense, error) {
	if err := month.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListExpenses(ctx, month)
}

// CreateCategory registers a user-defined category with a derived slug.
func (s *BudgetService) CreateCategory(ctx context.Context, name string, kind core.CategoryKind) (core.Category, error) {
	slug, err := core.Slugify(name)
	if err != nil {
		return core.Category{}, err
	}
	category := core.Category{
		ID:   uuid.New(),
		Name: name,
		Slug: slug,
		Kind: kind,
	}
	if err := category.Validate(); err != nil {
		return core.Category{}, err
	}
	if err := s.repo.CreateCategory(ctx, category); err != nil {
		return core.Category{}, err
	}
	return category, nil
}

// Categories lists the budget-eligible categories.
func (s *BudgetService) Categories(ctx context.Context) ([]core.Category, error) {
	return s.repo.ListExpenseCategories(ctx)
}

// RequestRegeneration publishes an async regeneration request for the
// worker to pick up. Soft-fails without a broker.
func (s *BudgetService) RequestRegeneration(ctx context.Context, month core.Month, reason string) {
	if s.publisher == nil {
		slog.WarnContext(ctx, "AMQP client not available, skipping regeneration request")
		return
	}
	if err := s.publisher.PublishRegenerationRequest(ctx, month.String(), reason); err != nil {
		slog.ErrorContext(ctx, "Failed to publish regeneration request",
			"month", month.String(), "error", err)
	}
}

func (s *BudgetService) resolveTotal(ctx context.Context, month core.Month) (decimal.Decimal, error) {
	total, ok, err := s.repo.GetMonthlyTotal(ctx, month)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load monthly total: %w", err)
	}
	if ok {
		return total, nil
	}
	return s.DeriveDefaultTotal(ctx, month)
}

func (s *BudgetService) publishRegenerated(ctx context.Context, month core.Month, total decimal.Decimal, categories []core.Category, allocations map[uuid.UUID]decimal.Decimal) {
	if s.publisher == nil {
		slog.WarnContext(ctx, "AMQP client not available, skipping regenerated event")
		return
	}

	slugByID := make(map[uuid.UUID]string, len(categories))
	for _, c := range categories {
		slugByID[c.ID] = c.Slug
	}
	cents := make(map[string]int64, len(allocations))
	for id, amount := range allocations {
		cents[slugByID[id]] = core.AmountToCents(amount)
	}

	msg := amqp.NewBudgetRegeneratedMessage(month.String(), core.AmountToCents(total), cents)
	if err := s.publisher.PublishBudgetRegenerated(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "Failed to publish regenerated event",
			"month", month.String(), "error", err)
	}
}

func toAllocationCategories(categories []core.Category) []allocation.Category {
	out := make([]allocation.Category, len(categories))
	for i, c := range categories {
		out[i] = allocation.Category{ID: c.ID, Slug: c.Slug}
	}
	return out
}

func usage(limit, spent decimal.Decimal) (percent decimal.Decimal, status string) {
	if limit.IsZero() {
		if spent.IsPositive() {
			return hundred, StatusOverspent
		}
		return decimal.Zero, StatusOK
	}

	percent = spent.Div(limit).Mul(hundred).Round(1)
	switch {
	case percent.GreaterThanOrEqual(hundred):
		return percent, StatusOverspent
	case percent.GreaterThanOrEqual(warningThreshold):
		return percent, StatusWarning
	default:
		return percent, StatusOK
	}
}
