package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ExpenseKind CategoryKind = "expense"
	IncomeKind  CategoryKind = "income"
)

type (
	CategoryKind string

	// Category is one entry of the expense taxonomy. System categories are
	// seeded by migrations; user categories are created at runtime.
	Category struct {
		ID       uuid.UUID
		Name     string
		Slug     string
		Kind     CategoryKind
		IsSystem bool
	}

	// BudgetRow is the stored per-category limit for one month. Rows with
	// IsUserModified set were pinned by a human and are never regenerated.
	BudgetRow struct {
		CategoryID     uuid.UUID
		LimitAmount    decimal.Decimal
		IsUserModified bool
	}

	// Expense is one row of the spending ledger.
	Expense struct {
		ID          int64
		OccurredOn  time.Time
		Description string
		Amount      decimal.Decimal
		CategoryID  uuid.UUID
	}

	// Month is the canonical budget period key (first day of month).
	Month struct {
		Year  int
		Month int // 1-12
	}
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrNegativeTotal      = errors.New("total budget amount cannot be negative")
	ErrInvalidMonth       = errors.New("invalid month, expected YYYY-MM")
	ErrCategoryNotFound   = errors.New("category not found")
	ErrNotExpenseCategory = errors.New("budget is only supported for expense categories")
	ErrEmptyName          = errors.New("empty name")
)

// ParseMonth parses a "YYYY-MM" period key.
func ParseMonth(s string) (Month, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 || len(parts[0]) != 4 || len(parts[1]) != 2 {
		return Month{}, ErrInvalidMonth
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return Month{}, ErrInvalidMonth
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil {
		return Month{}, ErrInvalidMonth
	}
	m := Month{Year: year, Month: month}
	if err := m.Validate(); err != nil {
		return Month{}, err
	}
	return m, nil
}

// CurrentMonth returns the month containing now, in UTC.
func CurrentMonth(now time.Time) Month {
	return Month{Year: now.UTC().Year(), Month: int(now.UTC().Month())}
}

func (m Month) Validate() error {
	if m.Year < 1 || m.Month < 1 || m.Month > 12 {
		return ErrInvalidMonth
	}
	return nil
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, m.Month)
}

// Next returns the following calendar month.
func (m Month) Next() Month {
	if m.Month == 12 {
		return Month{Year: m.Year + 1, Month: 1}
	}
	return Month{Year: m.Year, Month: m.Month + 1}
}

// Prev returns the preceding calendar month.
func (m Month) Prev() Month {
	if m.Month == 1 {
		return Month{Year: m.Year - 1, Month: 12}
	}
	return Month{Year: m.Year, Month: m.Month - 1}
}

// Window returns the inclusive first and last day of the month, used for
// monthly spending aggregation.
func (m Month) Window() (time.Time, time.Time) {
	start := time.Date(m.Year, time.Month(m.Month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	return start, end
}

// Start returns the first day of the month as a UTC date.
func (m Month) Start() time.Time {
	start, _ := m.Window()
	return start
}

func (c Category) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyName
	}
	if strings.TrimSpace(c.Slug) == "" {
		return ErrEmptyName
	}
	switch c.Kind {
	case ExpenseKind, IncomeKind:
	default:
		return fmt.Errorf("invalid category kind: %s", c.Kind)
	}
	return nil
}

// Slugify derives a stable snake_case key from a category name. Returns an
// error when nothing slug-worthy remains.
func Slugify(name string) (string, error) {
	var b strings.Builder
	lastUnderscore := true // suppress leading separator
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "_")
	if slug == "" {
		return "", ErrEmptyName
	}
	return slug, nil
}
