package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bilancio/internal/core"

	_ "modernc.org/sqlite"
)

// Repository is the SQLite persistence layer for categories, budgets and
// the spending ledger.
type Repository struct {
	db *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// ListExpenseCategories returns all budget-eligible categories ordered by
// name.
func (r *Repository) ListExpenseCategories(ctx context.Context) ([]core.Category, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, slug, kind, is_system
		FROM categories
		WHERE kind = 'expense'
		ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list expense categories: %w", err)
	}
	defer rows.Close()

	var categories []core.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// GetCategory looks up a single category by id.
func (r *Repository) GetCategory(ctx context.Context, id uuid.UUID) (core.Category, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, slug, kind, is_system
		FROM categories
		WHERE id = ?`, id.String())

	c, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Category{}, core.ErrCategoryNotFound
	}
	return c, err
}

// CreateCategory stores a user-defined category.
func (r *Repository) CreateCategory(ctx context.Context, c core.Category) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, slug, kind, is_system)
		VALUES (?, ?, ?, ?, 0)`,
		c.ID.String(), c.Name, c.Slug, string(c.Kind))
	if err != nil {
		return fmt.Errorf("create category: %w", err)
	}

	slog.InfoContext(ctx, "Category created", "id", c.ID, "slug", c.Slug)
	return nil
}

// GetBudgetRows returns the stored budget snapshot for a month.
func (r *Repository) GetBudgetRows(ctx context.Context, month core.Month) ([]core.BudgetRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT category_id, limit_amount_cents, is_user_modified
		FROM budgets
		WHERE month = ?`, month.String())
	if err != nil {
		return nil, fmt.Errorf("get budget rows: %w", err)
	}
	defer rows.Close()

	var result []core.BudgetRow
	for rows.Next() {
		var (
			idStr    string
			cents    int64
			modified int64
		)
		if err := rows.Scan(&idStr, &cents, &modified); err != nil {
			return nil, fmt.Errorf("scan budget row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse budget category id %q: %w", idStr, err)
		}
		result = append(result, core.BudgetRow{
			CategoryID:     id,
			LimitAmount:    core.CentsToAmount(cents),
			IsUserModified: modified != 0,
		})
	}
	return result, rows.Err()
}

// UpsertUserBudgetRow pins a category limit for a month as user-modified.
func (r *Repository) UpsertUserBudgetRow(ctx context.Context, month core.Month, categoryID uuid.UUID, limit decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO budgets (category_id, month, limit_amount_cents, is_user_modified, updated_at)
		VALUES (?, ?, ?, 1, datetime('now'))
		ON CONFLICT (category_id, month)
		DO UPDATE SET
			limit_amount_cents = excluded.limit_amount_cents,
			is_user_modified = 1,
			updated_at = excluded.updated_at`,
		categoryID.String(), month.String(), core.AmountToCents(limit))
	if err != nil {
		return fmt.Errorf("upsert user budget row: %w", err)
	}

	slog.InfoContext(ctx, "Budget row pinned",
		"month", month.String(),
		"category_id", categoryID,
		"limit_cents", core.AmountToCents(limit))
	return nil
}

// ClearUserModified drops the user-modified flag from a row so the next
// regeneration can overwrite it. Returns ErrCategoryNotFound when no row
// exists for the month.
func (r *Repository) ClearUserModified(ctx context.Context, month core.Month, categoryID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE budgets
		SET is_user_modified = 0, updated_at = datetime('now')
		WHERE category_id = ? AND month = ?`,
		categoryID.String(), month.String())
	if err != nil {
		return fmt.Errorf("clear user modified: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("clear user modified rows affected: %w", err)
	}
	if affected == 0 {
		return core.ErrCategoryNotFound
	}
	return nil
}

// ApplyRegeneration replaces every non-locked budget row of a month with
// the freshly allocated limits, in a single transaction. Locked rows are
// left untouched.
func (r *Repository) ApplyRegeneration(ctx context.Context, month core.Month, allocations map[uuid.UUID]decimal.Decimal) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin regeneration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM budgets
		WHERE month = ? AND is_user_modified = 0`, month.String()); err != nil {
		return fmt.Errorf("delete regenerable rows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO budgets (category_id, month, limit_amount_cents, is_user_modified, updated_at)
		VALUES (?, ?, ?, 0, datetime('now'))`)
	if err != nil {
		return fmt.Errorf("prepare regeneration insert: %w", err)
	}
	defer stmt.Close()

	for categoryID, amount := range allocations {
		if _, err := stmt.ExecContext(ctx, categoryID.String(), month.String(), core.AmountToCents(amount)); err != nil {
			return fmt.Errorf("insert regenerated row for %s: %w", categoryID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit regeneration tx: %w", err)
	}

	slog.InfoContext(ctx, "Budget regeneration applied",
		"month", month.String(),
		"rows", len(allocations))
	return nil
}

// GetMonthlyTotal returns the stored total for a month, or ok=false when no
// total has been set yet.
func (r *Repository) GetMonthlyTotal(ctx context.Context, month core.Month) (decimal.Decimal, bool, error) {
	var cents int64
	err := r.db.QueryRowContext(ctx, `
		SELECT total_amount_cents
		FROM monthly_budget_totals
		WHERE month = ?`, month.String()).Scan(&cents)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("get monthly total: %w", err)
	}
	return core.CentsToAmount(cents), true, nil
}

// UpsertMonthlyTotal stores the total budget and strategy for a month.
func (r *Repository) UpsertMonthlyTotal(ctx context.Context, month core.Month, total decimal.Decimal, strategy string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO monthly_budget_totals (month, total_amount_cents, allocation_strategy, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT (month)
		DO UPDATE SET
			total_amount_cents = excluded.total_amount_cents,
			allocation_strategy = excluded.allocation_strategy,
			updated_at = excluded.updated_at`,
		month.String(), core.AmountToCents(total), strategy)
	if err != nil {
		return fmt.Errorf("upsert monthly total: %w", err)
	}
	return nil
}

// CreateExpense appends one row to the spending ledger.
func (r *Repository) CreateExpense(ctx context.Context, e core.Expense) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO expenses (occurred_on, description, amount_cents, category_id)
		VALUES (?, ?, ?, ?)`,
		e.OccurredOn.UTC().Format(time.DateOnly), e.Description, core.AmountToCents(e.Amount), e.CategoryID.String())
	if err != nil {
		return 0, fmt.Errorf("create expense: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("expense insert id: %w", err)
	}

	slog.InfoContext(ctx, "Expense saved",
		"id", id,
		"amount_cents", core.AmountToCents(e.Amount),
		"category_id", e.CategoryID)
	return id, nil
}

// ListExpenses returns the non-deleted ledger rows inside the month window,
// oldest first.
func (r *Repository) ListExpenses(ctx context.Context, month core.Month) ([]core.Expense, error) {
	start, end := month.Window()
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, occurred_on, description, amount_cents, category_id
		FROM expenses
		WHERE deleted_at IS NULL
		  AND occurred_on >= ?
		  AND occurred_on <= ?
		ORDER BY occurred_on ASC, id ASC`,
		start.Format(time.DateOnly), end.Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var expenses []core.Expense
	for rows.Next() {
		var (
			e       core.Expense
			dateStr string
			cents   int64
			idStr   string
		)
		if err := rows.Scan(&e.ID, &dateStr, &e.Description, &cents, &idStr); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		occurredOn, err := time.Parse(time.DateOnly, dateStr)
		if err != nil {
			return nil, fmt.Errorf("parse expense date %q: %w", dateStr, err)
		}
		categoryID, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse expense category id %q: %w", idStr, err)
		}
		e.OccurredOn = occurredOn
		e.Amount = core.CentsToAmount(cents)
		e.CategoryID = categoryID
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// MonthSpending sums non-deleted expenses per category inside the month
// window.
func (r *Repository) MonthSpending(ctx context.Context, month core.Month) (map[uuid.UUID]decimal.Decimal, error) {
	start, end := month.Window()
	rows, err := r.db.QueryContext(ctx, `
		SELECT category_id, COALESCE(SUM(amount_cents), 0)
		FROM expenses
		WHERE deleted_at IS NULL
		  AND occurred_on >= ?
		  AND occurred_on <= ?
		GROUP BY category_id`,
		start.Format(time.DateOnly), end.Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("month spending: %w", err)
	}
	defer rows.Close()

	spending := make(map[uuid.UUID]decimal.Decimal)
	for rows.Next() {
		var (
			idStr string
			cents int64
		)
		if err := rows.Scan(&idStr, &cents); err != nil {
			return nil, fmt.Errorf("scan month spending: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse spending category id %q: %w", idStr, err)
		}
		spending[id] = core.CentsToAmount(cents)
	}
	return spending, rows.Err()
}

// SpendingBetween sums non-deleted expense cents in [start, end) across all
// categories, used to derive a default monthly total from history.
func (r *Repository) SpendingBetween(ctx context.Context, start, end time.Time) (decimal.Decimal, error) {
	var cents int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM expenses
		WHERE deleted_at IS NULL
		  AND occurred_on >= ?
		  AND occurred_on < ?`,
		start.Format(time.DateOnly), end.Format(time.DateOnly)).Scan(&cents)
	if err != nil {
		return decimal.Zero, fmt.Errorf("spending between: %w", err)
	}
	return core.CentsToAmount(cents), nil
}

type categoryScanner interface {
	Scan(dest ...any) error
}

func scanCategory(row categoryScanner) (core.Category, error) {
	var (
		idStr    string
		name     string
		slug     string
		kind     string
		isSystem int64
	)
	if err := row.Scan(&idStr, &name, &slug, &kind, &isSystem); err != nil {
		return core.Category{}, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return core.Category{}, fmt.Errorf("parse category id %q: %w", idStr, err)
	}
	return core.Category{
		ID:       id,
		Name:     name,
		Slug:     slug,
		Kind:     core.CategoryKind(kind),
		IsSystem: isSystem != 0,
	}, nil
}
