package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bilancio/internal/allocation"
	"bilancio/internal/amqp"
	"bilancio/internal/core"
)

type fakeRepo struct {
	categories    []core.Category
	rows          map[string]map[uuid.UUID]core.BudgetRow
	totals        map[string]decimal.Decimal
	strategies    map[string]string
	expenses      []core.Expense
	nextExpenseID int64
}

func newFakeRepo(categories ...core.Category) *fakeRepo {
	return &fakeRepo{
		categories: categories,
		rows:       make(map[string]map[uuid.UUID]core.BudgetRow),
		totals:     make(map[string]decimal.Decimal),
		strategies: make(map[string]string),
	}
}

func (r *fakeRepo) ListExpenseCategories(ctx context.Context) ([]core.Category, error) {
	var out []core.Category
	for _, c := range r.categories {
		if c.Kind == core.ExpenseKind {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetCategory(ctx context.Context, id uuid.UUID) (core.Category, error) {
	for _, c := range r.categories {
		if c.ID == id {
			return c, nil
		}
	}
	return core.Category{}, core.ErrCategoryNotFound
}

func (r *fakeRepo) CreateCategory(ctx context.Context, c core.Category) error {
	r.categories = append(r.categories, c)
	return nil
}

func (r *fakeRepo) GetBudgetRows(ctx context.Context, month core.Month) ([]core.BudgetRow, error) {
	var out []core.BudgetRow
	for _, row := range r.rows[month.String()] {
		out = append(out, row)
	}
	return out, nil
}

func (r *fakeRepo) UpsertUserBudgetRow(ctx context.Context, month core.Month, categoryID uuid.UUID, limit decimal.Decimal) error {
	m := r.monthRows(month)
	m[categoryID] = core.BudgetRow{CategoryID: categoryID, LimitAmount: limit, IsUserModified: true}
	return nil
}

func (r *fakeRepo) ClearUserModified(ctx context.Context, month core.Month, categoryID uuid.UUID) error {
	m := r.monthRows(month)
	row, ok := m[categoryID]
	if !ok {
		return core.ErrCategoryNotFound
	}
	row.IsUserModified = false
	m[categoryID] = row
	return nil
}

func (r *fakeRepo) ApplyRegeneration(ctx context.Context, month core.Month, allocations map[uuid.UUID]decimal.Decimal) error {
	m := r.monthRows(month)
	for id, row := range m {
		if !row.IsUserModified {
			delete(m, id)
		}
	}
	for id, amount := range allocations {
		m[id] = core.BudgetRow{CategoryID: id, LimitAmount: amount}
	}
	return nil
}

func (r *fakeRepo) GetMonthlyTotal(ctx context.Context, month core.Month) (decimal.Decimal, bool, error) {
	total, ok := r.totals[month.String()]
	return total, ok, nil
}

func (r *fakeRepo) UpsertMonthlyTotal(ctx context.Context, month core.Month, total decimal.Decimal, strategy string) error {
	r.totals[month.String()] = total
	r.strategies[month.String()] = strategy
	return nil
}

func (r *fakeRepo) CreateExpense(ctx context.Context, e core.Expense) (int64, error) {
	r.nextExpenseID++
	e.ID = r.nextExpenseID
	r.expenses = append(r.expenses, e)
	return e.ID, nil
}

func (r *fakeRepo) ListExpenses(ctx context.Context, month core.Month) ([]core.Expense, error) {
	start := month.Start()
	var out []core.Expense
	for _, e := range r.expenses {
		if !e.OccurredOn.Before(start) && e.OccurredOn.Before(start.AddDate(0, 1, 0)) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeRepo) MonthSpending(ctx context.Context, month core.Month) (map[uuid.UUID]decimal.Decimal, error) {
	start := month.Start()
	out := make(map[uuid.UUID]decimal.Decimal)
	for _, e := range r.expenses {
		if e.OccurredOn.Before(start) || !e.OccurredOn.Before(start.AddDate(0, 1, 0)) {
			continue
		}
		out[e.CategoryID] = out[e.CategoryID].Add(e.Amount)
	}
	return out, nil
}

func (r *fakeRepo) SpendingBetween(ctx context.Context, start, end time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, e := range r.expenses {
		if !e.OccurredOn.Before(start) && e.OccurredOn.Before(end) {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

func (r *fakeRepo) monthRows(month core.Month) map[uuid.UUID]core.BudgetRow {
	m, ok := r.rows[month.String()]
	if !ok {
		m = make(map[uuid.UUID]core.BudgetRow)
		r.rows[month.String()] = m
	}
	return m
}

type fakePublisher struct {
	requests    []string
	regenerated []*amqp.BudgetRegeneratedMessage
}

func (p *fakePublisher) PublishRegenerationRequest(ctx context.Context, month, reason string) error {
	p.requests = append(p.requests, month+"/"+reason)
	return nil
}

func (p *fakePublisher) PublishBudgetRegenerated(ctx context.Context, msg *amqp.BudgetRegeneratedMessage) error {
	p.regenerated = append(p.regenerated, msg)
	return nil
}

func expenseCategory(n byte, name, slug string) core.Category {
	id := uuid.MustParse("00000000-0000-4000-8000-0000000000" + string([]byte{'0', n}))
	return core.Category{ID: id, Name: name, Slug: slug, Kind: core.ExpenseKind, IsSystem: true}
}

func fullCategorySet() []core.Category {
	return []core.Category{
		expenseCategory('1', "Housing / Rent", "housing_rent"),
		expenseCategory('2', "Food", "food"),
		expenseCategory('3', "Transport", "transport"),
		expenseCategory('4', "Bills & Utilities", "bills_utilities"),
		expenseCategory('5', "Entertainment", "entertainment"),
		expenseCategory('6', "Shopping", "shopping"),
		expenseCategory('7', "Health", "health"),
		expenseCategory('8', "Other", "other"),
	}
}

func newService(repo *fakeRepo, pub EventPublisher) *BudgetService {
	allocator := allocation.New(allocation.DefaultPolicy())
	return NewBudgetService(repo, allocator, pub, decimal.RequireFromString("1000.00"))
}

func mustAmount(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	return decimal.RequireFromString(s)
}

func planSum(rows map[uuid.UUID]core.BudgetRow) decimal.Decimal {
	sum := decimal.Zero
	for _, row := range rows {
		sum = sum.Add(row.LimitAmount)
	}
	return sum
}

func TestRegenerateMonthUsesStoredTotal(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo(fullCategorySet()...)
	pub := &fakePublisher{}
	svc := newService(repo, pub)
	month := core.Month{Year: 2026, Month: 3}

	repo.totals[month.String()] = mustAmount(t, "1000.00")

	if err := svc.RegenerateMonth(ctx, month); err != nil {
		t.Fatalf("RegenerateMonth() error = %v", err)
	}

	rows := repo.rows[month.String()]
	if len(rows) != 8 {
		t.Fatalf("got %d rows, want 8", len(rows))
	}
	if sum := planSum(rows); !sum.Equal(mustAmount(t, "1000.00")) {
		t.Errorf("plan sum = %s, want 1000.00", sum)
	}

	housing := rows[fullCategorySet()[0].ID].LimitAmount
	if !housing.Equal(mustAmount(t, "360.00")) {
		t.Errorf("housing limit = %s, want 360.00", housing)
	}
	food := rows[fullCategorySet()[1].ID].LimitAmount
	if !food.Equal(mustAmount(t, "260.00")) {
		t.Errorf("food limit = %s, want 260.00", food)
	}

	if repo.strategies[month.String()] != allocation.StrategyDefaultWeightsV1 {
		t.Errorf("strategy = %q, want %q", repo.strategies[month.String()], allocation.StrategyDefaultWeightsV1)
	}

	if len(pub.regenerated) != 1 {
		t.Fatalf("got %d regenerated events, want 1", len(pub.regenerated))
	}
	event := pub.regenerated[0]
	if event.Month != "2026-03" {
		t.Errorf("event month = %q, want 2026-03", event.Month)
	}
	if event.TotalCents != 100000 {
		t.Errorf("event total cents = %d, want 100000", event.TotalCents)
	}
	if event.Categories["housing_rent"] != 36000 {
		t.Errorf("event housing cents = %d, want 36000", event.Categories["housing_rent"])
	}
}

func TestRegenerateMonthPreservesPinnedRows(t *testing.T) {
	ctx := context.Background()
	cats := fullCategorySet()
	repo := newFakeRepo(cats...)
	svc := newService(repo, nil)
	month := core.Month{Year: 2026, Month: 3}
	foodID := cats[1].ID

	if err := svc.SetMonthlyTotal(ctx, month, mustAmount(t, "1000.00")); err != nil {
		t.Fatalf("SetMonthlyTotal() error = %v", err)
	}
	if err := svc.PinCategoryLimit(ctx, month, foodID, mustAmount(t, "300.00")); err != nil {
		t.Fatalf("PinCategoryLimit() error = %v", err)
	}

	rows := repo.rows[month.String()]
	food := rows[foodID]
	if !food.IsUserModified {
		t.Error("pinned food row should stay user-modified after regeneration")
	}
	if !food.LimitAmount.Equal(mustAmount(t, "300.00")) {
		t.Errorf("pinned food limit = %s, want 300.00", food.LimitAmount)
	}
	if sum := planSum(rows); !sum.Equal(mustAmount(t, "1000.00")) {
		t.Errorf("plan sum with pinned row = %s, want 1000.00", sum)
	}

	regenerated := decimal.Zero
	for id, row := range rows {
		if id == foodID {
			continue
		}
		if row.IsUserModified {
			t.Errorf("row %s unexpectedly user-modified", id)
		}
		regenerated = regenerated.Add(row.LimitAmount)
	}
	if !regenerated.Equal(mustAmount(t, "700.00")) {
		t.Errorf("regenerated portion = %s, want 700.00", regenerated)
	}
}

func TestSetMonthlyTotalRejectsNegative(t *testing.T) {
	svc := newService(newFakeRepo(fullCategorySet()...), nil)
	err := svc.SetMonthlyTotal(context.Background(), core.Month{Year: 2026, Month: 3}, mustAmount(t, "-1.00"))
	if !errors.Is(err, core.ErrNegativeTotal) {
		t.Errorf("SetMonthlyTotal(-1.00) error = %v, want ErrNegativeTotal", err)
	}
}

func TestPinCategoryLimitValidation(t *testing.T) {
	ctx := context.Background()
	cats := fullCategorySet()
	salary := core.Category{ID: uuid.New(), Name: "Salary", Slug: "salary", Kind: core.IncomeKind}
	repo := newFakeRepo(append(cats, salary)...)
	svc := newService(repo, nil)
	month := core.Month{Year: 2026, Month: 3}

	t.Run("unknown category", func(t *testing.T) {
		err := svc.PinCategoryLimit(ctx, month, uuid.New(), mustAmount(t, "50.00"))
		if !errors.Is(err, core.ErrCategoryNotFound) {
			t.Errorf("error = %v, want ErrCategoryNotFound", err)
		}
	})

	t.Run("income category", func(t *testing.T) {
		err := svc.PinCategoryLimit(ctx, month, salary.ID, mustAmount(t, "50.00"))
		if !errors.Is(err, core.ErrNotExpenseCategory) {
			t.Errorf("error = %v, want ErrNotExpenseCategory", err)
		}
	})

	t.Run("negative amount", func(t *testing.T) {
		err := svc.PinCategoryLimit(ctx, month, cats[1].ID, mustAmount(t, "-50.00"))
		if !errors.Is(err, core.ErrInvalidAmount) {
			t.Errorf("error = %v, want ErrInvalidAmount", err)
		}
	})
}

func TestUnpinCategoryRequiresExistingRow(t *testing.T) {
	svc := newService(newFakeRepo(fullCategorySet()...), nil)
	err := svc.UnpinCategory(context.Background(), core.Month{Year: 2026, Month: 3}, uuid.New())
	if !errors.Is(err, core.ErrCategoryNotFound) {
		t.Errorf("UnpinCategory() error = %v, want ErrCategoryNotFound", err)
	}
}

func TestUnpinCategoryReleasesRowToAllocator(t *testing.T) {
	ctx := context.Background()
	cats := fullCategorySet()
	repo := newFakeRepo(cats...)
	svc := newService(repo, nil)
	month := core.Month{Year: 2026, Month: 3}
	foodID := cats[1].ID

	if err := svc.SetMonthlyTotal(ctx, month, mustAmount(t, "1000.00")); err != nil {
		t.Fatalf("SetMonthlyTotal() error = %v", err)
	}
	if err := svc.PinCategoryLimit(ctx, month, foodID, mustAmount(t, "300.00")); err != nil {
		t.Fatalf("PinCategoryLimit() error = %v", err)
	}
	if err := svc.UnpinCategory(ctx, month, foodID); err != nil {
		t.Fatalf("UnpinCategory() error = %v", err)
	}

	food := repo.rows[month.String()][foodID]
	if food.IsUserModified {
		t.Error("food row should no longer be user-modified")
	}
	if !food.LimitAmount.Equal(mustAmount(t, "260.00")) {
		t.Errorf("food limit after unpin = %s, want 260.00", food.LimitAmount)
	}
}

func TestDeriveDefaultTotal(t *testing.T) {
	ctx := context.Background()
	cats := fullCategorySet()
	month := core.Month{Year: 2026, Month: 4}

	t.Run("averages previous month totals", func(t *testing.T) {
		repo := newFakeRepo(cats...)
		svc := newService(repo, nil)
		repo.totals["2026-03"] = mustAmount(t, "900.00")
		repo.totals["2026-02"] = mustAmount(t, "1200.00")

		total, err := svc.DeriveDefaultTotal(ctx, month)
		if err != nil {
			t.Fatalf("DeriveDefaultTotal() error = %v", err)
		}
		if !total.Equal(mustAmount(t, "1050.00")) {
			t.Errorf("derived total = %s, want 1050.00", total)
		}
	})

	t.Run("falls back to trailing 30 days of spending", func(t *testing.T) {
		repo := newFakeRepo(cats...)
		svc := newService(repo, nil)
		repo.expenses = []core.Expense{
			{OccurredOn: time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), Amount: mustAmount(t, "750.00"), CategoryID: cats[0].ID},
		}

		total, err := svc.DeriveDefaultTotal(ctx, month)
		if err != nil {
			t.Fatalf("DeriveDefaultTotal() error = %v", err)
		}
		if !total.Equal(mustAmount(t, "750.00")) {
			t.Errorf("derived total = %s, want 750.00", total)
		}
	})

	t.Run("falls back to configured default", func(t *testing.T) {
		repo := newFakeRepo(cats...)
		svc := newService(repo, nil)

		total, err := svc.DeriveDefaultTotal(ctx, month)
		if err != nil {
			t.Fatalf("DeriveDefaultTotal() error = %v", err)
		}
		if !total.Equal(mustAmount(t, "1000.00")) {
			t.Errorf("derived total = %s, want configured default 1000.00", total)
		}
	})
}

func TestSuggestPlanDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo(fullCategorySet()...)
	svc := newService(repo, nil)
	month := core.Month{Year: 2026, Month: 3}
	total := mustAmount(t, "500.00")

	used, entries, err := svc.SuggestPlan(ctx, month, &total)
	if err != nil {
		t.Fatalf("SuggestPlan() error = %v", err)
	}
	if !used.Equal(total) {
		t.Errorf("used total = %s, want 500.00", used)
	}
	if len(entries) != 8 {
		t.Fatalf("got %d entries, want 8", len(entries))
	}

	sum := decimal.Zero
	for i, e := range entries {
		sum = sum.Add(e.Amount)
		if i > 0 && entries[i-1].Name > e.Name {
			t.Errorf("entries not sorted by name: %q before %q", entries[i-1].Name, e.Name)
		}
	}
	if !sum.Equal(total) {
		t.Errorf("suggested sum = %s, want 500.00", sum)
	}

	if len(repo.rows[month.String()]) != 0 {
		t.Error("SuggestPlan must not write budget rows")
	}
	if _, ok := repo.totals[month.String()]; ok {
		t.Error("SuggestPlan must not write the monthly total")
	}
}

func TestMonthSummaryStatuses(t *testing.T) {
	ctx := context.Background()
	cats := fullCategorySet()[:5]
	repo := newFakeRepo(cats...)
	svc := newService(repo, nil)
	month := core.Month{Year: 2026, Month: 3}

	rows := repo.monthRows(month)
	rows[cats[0].ID] = core.BudgetRow{CategoryID: cats[0].ID, LimitAmount: mustAmount(t, "100.00")}
	rows[cats[1].ID] = core.BudgetRow{CategoryID: cats[1].ID, LimitAmount: mustAmount(t, "100.00")}
	rows[cats[2].ID] = core.BudgetRow{CategoryID: cats[2].ID, LimitAmount: mustAmount(t, "100.00")}
	rows[cats[3].ID] = core.BudgetRow{CategoryID: cats[3].ID, LimitAmount: mustAmount(t, "100.00")}
	// cats[4] has no row: no_limit

	day := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	repo.expenses = []core.Expense{
		{OccurredOn: day, Amount: mustAmount(t, "50.00"), CategoryID: cats[0].ID},  // ok
		{OccurredOn: day, Amount: mustAmount(t, "85.00"), CategoryID: cats[1].ID},  // warning
		{OccurredOn: day, Amount: mustAmount(t, "150.00"), CategoryID: cats[2].ID}, // overspent
		{OccurredOn: day, Amount: mustAmount(t, "100.00"), CategoryID: cats[3].ID}, // exactly at the limit
	}

	summary, err := svc.MonthSummary(ctx, month)
	if err != nil {
		t.Fatalf("MonthSummary() error = %v", err)
	}
	if len(summary.Entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(summary.Entries))
	}

	byID := make(map[uuid.UUID]SummaryEntry)
	for _, e := range summary.Entries {
		byID[e.CategoryID] = e
	}

	if got := byID[cats[0].ID]; got.Status != StatusOK {
		t.Errorf("50%% used status = %q, want %q", got.Status, StatusOK)
	}
	if got := byID[cats[1].ID]; got.Status != StatusWarning {
		t.Errorf("85%% used status = %q, want %q", got.Status, StatusWarning)
	}
	if got := byID[cats[2].ID]; got.Status != StatusOverspent {
		t.Errorf("150%% used status = %q, want %q", got.Status, StatusOverspent)
	}
	if got := byID[cats[3].ID]; got.Status != StatusOverspent {
		t.Errorf("100%% used status = %q, want %q", got.Status, StatusOverspent)
	}
	if got := byID[cats[4].ID]; got.Status != StatusNoLimit || got.HasLimit {
		t.Errorf("missing row status = %q (hasLimit=%v), want %q", got.Status, got.HasLimit, StatusNoLimit)
	}

	if remaining := byID[cats[2].ID].Remaining; !remaining.Equal(mustAmount(t, "-50.00")) {
		t.Errorf("overspent remaining = %s, want -50.00", remaining)
	}
	if !summary.TotalSpent.Equal(mustAmount(t, "385.00")) {
		t.Errorf("total spent = %s, want 385.00", summary.TotalSpent)
	}
}

func TestAddExpenseValidatesCategory(t *testing.T) {
	ctx := context.Background()
	cats := fullCategorySet()
	salary := core.Category{ID: uuid.New(), Name: "Salary", Slug: "salary", Kind: core.IncomeKind}
	repo := newFakeRepo(append(cats, salary)...)
	svc := newService(repo, nil)

	if _, err := svc.AddExpense(ctx, core.Expense{Amount: mustAmount(t, "10.00"), CategoryID: salary.ID}); !errors.Is(err, core.ErrNotExpenseCategory) {
		t.Errorf("income category error = %v, want ErrNotExpenseCategory", err)
	}
	if _, err := svc.AddExpense(ctx, core.Expense{Amount: decimal.Zero, CategoryID: cats[0].ID}); !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("zero amount error = %v, want ErrInvalidAmount", err)
	}

	id, err := svc.AddExpense(ctx, core.Expense{Amount: mustAmount(t, "12.50"), CategoryID: cats[0].ID})
	if err != nil {
		t.Fatalf("AddExpense() error = %v", err)
	}
	if id == 0 {
		t.Error("AddExpense should return a positive id")
	}
}

func TestCreateCategorySlugifies(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, nil)

	category, err := svc.CreateCategory(context.Background(), "Pet Care & Vets", core.ExpenseKind)
	if err != nil {
		t.Fatalf("CreateCategory() error = %v", err)
	}
	if category.Slug != "pet_care_vets" {
		t.Errorf("slug = %q, want pet_care_vets", category.Slug)
	}
	if category.ID == uuid.Nil {
		t.Error("category should get a generated id")
	}
	if len(repo.categories) != 1 {
		t.Error("category should be persisted")
	}
}
