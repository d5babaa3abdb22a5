package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bilancio/internal/core"
	"bilancio/internal/services"
)

type limitJSON struct {
	CategoryID     string `json:"category_id"`
	Name           string `json:"name"`
	Slug           string `json:"slug"`
	Amount         string `json:"amount"`
	IsUserModified bool   `json:"is_user_modified"`
}

type limitsResponse struct {
	Month  string      `json:"month"`
	Limits []limitJSON `json:"limits"`
}

type suggestResponse struct {
	Month  string      `json:"month"`
	Total  string      `json:"total"`
	Limits []limitJSON `json:"limits"`
}

type summaryEntryJSON struct {
	CategoryID  string `json:"category_id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Limit       string `json:"limit,omitempty"`
	Spent       string `json:"spent"`
	Remaining   string `json:"remaining,omitempty"`
	PercentUsed string `json:"percent_used,omitempty"`
	Status      string `json:"status"`
}

type summaryResponse struct {
	Month      string             `json:"month"`
	Total      string             `json:"total"`
	TotalSpent string             `json:"total_spent"`
	Categories []summaryEntryJSON `json:"categories"`
}

type categoryJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Kind     string `json:"kind"`
	IsSystem bool   `json:"is_system"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps domain sentinels onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidMonth):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrCategoryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrNotExpenseCategory):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrInvalidAmount), errors.Is(err, core.ErrNegativeTotal), errors.Is(err, core.ErrEmptyName):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "url", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// monthParam reads ?month=YYYY-MM, defaulting to the current month.
func monthParam(r *http.Request) (core.Month, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("month"))
	if raw == "" {
		return core.CurrentMonth(time.Now()), nil
	}
	return core.ParseMonth(raw)
}

func categoryIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("category_id"))
}

func toLimitsJSON(entries []services.PlanEntry) []limitJSON {
	out := make([]limitJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, limitJSON{
			CategoryID:     e.CategoryID.String(),
			Name:           e.Name,
			Slug:           e.Slug,
			Amount:         core.FormatAmount(e.Amount),
			IsUserModified: e.IsUserModified,
		})
	}
	return out
}

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	month, err := monthParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if cached, ok := s.limitsCache.Get(month.String()); ok {
		writeJSON(w, http.StatusOK, limitsResponse{Month: month.String(), Limits: toLimitsJSON(cached)})
		return
	}

	entries, err := s.service.Limits(r.Context(), month)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.limitsCache.Set(month.String(), entries)
	writeJSON(w, http.StatusOK, limitsResponse{Month: month.String(), Limits: toLimitsJSON(entries)})
}

func (s *Server) handlePinLimit(w http.ResponseWriter, r *http.Request) {
	month, err := monthParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	categoryID, err := categoryIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid category id")
		return
	}

	var body struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := core.ParseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.service.PinCategoryLimit(r.Context(), month, categoryID, amount); err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.invalidateMonth(month)
	s.respondWithLimits(w, r, month)
}

func (s *Server) handleUnpinLimit(w http.ResponseWriter, r *http.Request) {
	month, err := monthParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	categoryID, err := categoryIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid category id")
		return
	}

	if err := s.service.UnpinCategory(r.Context(), month, categoryID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.invalidateMonth(month)
	s.respondWithLimits(w, r, month)
}

func (s *Server) handleSetTotal(w http.ResponseWriter, r *http.Request) {
	month, err := monthParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		Total string `json:"total"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	total, err := core.ParseAmount(body.Total)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.service.SetMonthlyTotal(r.Context(), month, total); err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.invalidateMonth(month)
	s.respondWithLimits(w, r, month)
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Month string `json:"month"`
		Total string `json:"total"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	month := core.CurrentMonth(time.Now())
	if strings.TrimSpace(body.Month) != "" {
		var err error
		month, err = core.ParseMonth(body.Month)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var total *decimal.Decimal
	if strings.TrimSpace(body.Total) != "" {
		parsed, err := core.ParseAmount(body.Total)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		total = &parsed
	}

	used, entries, err := s.service.SuggestPlan(r.Context(), month, total)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestResponse{
		Month:  month.String(),
		Total:  core.FormatAmount(used),
		Limits: toLimitsJSON(entries),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	month, err := monthParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, ok := s.summaryCache.Get(month.String())
	if !ok {
		summary, err = s.service.MonthSummary(r.Context(), month)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		s.summaryCache.Set(month.String(), summary)
	}

	resp := summaryResponse{
		Month:      month.String(),
		Total:      core.FormatAmount(summary.Total),
		TotalSpent: core.FormatAmount(summary.TotalSpent),
	}
	for _, e := range summary.Entries {
		entry := summaryEntryJSON{
			CategoryID: e.CategoryID.String(),
			Name:       e.Name,
			Slug:       e.Slug,
			Spent:      core.FormatAmount(e.Spent),
			Status:     e.Status,
		}
		if e.HasLimit {
			entry.Limit = core.FormatAmount(e.Limit)
			entry.Remaining = core.FormatAmount(e.Remaining)
			entry.PercentUsed = e.PercentUsed.String()
		}
		resp.Categories = append(resp.Categories, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.service.Categories(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]categoryJSON, 0, len(categories))
	for _, c := range categories {
		out = append(out, categoryJSON{
			ID:       c.ID.String(),
			Name:     c.Name,
			Slug:     c.Slug,
			Kind:     string(c.Kind),
			IsSystem: c.IsSystem,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind := core.ExpenseKind
	if strings.TrimSpace(body.Kind) != "" {
		kind = core.CategoryKind(body.Kind)
	}

	category, err := s.service.CreateCategory(r.Context(), strings.TrimSpace(body.Name), kind)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, categoryJSON{
		ID:       category.ID.String(),
		Name:     category.Name,
		Slug:     category.Slug,
		Kind:     string(category.Kind),
		IsSystem: category.IsSystem,
	})
}

type expenseJSON struct {
	ID          int64  `json:"id"`
	OccurredOn  string `json:"occurred_on"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
	CategoryID  string `json:"category_id"`
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	month, err := monthParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	expenses, err := s.service.Expenses(r.Context(), month)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	out := make([]expenseJSON, 0, len(expenses))
	for _, e := range expenses {
		out = append(out, expenseJSON{
			ID:          e.ID,
			OccurredOn:  e.OccurredOn.Format(time.DateOnly),
			Description: e.Description,
			Amount:      core.FormatAmount(e.Amount),
			CategoryID:  e.CategoryID.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OccurredOn  string `json:"occurred_on"`
		Description string `json:"description"`
		Amount      string `json:"amount"`
		CategoryID  string `json:"category_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	categoryID, err := uuid.Parse(body.CategoryID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid category id")
		return
	}
	amount, err := core.ParseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	occurredOn := time.Now().UTC()
	if strings.TrimSpace(body.OccurredOn) != "" {
		occurredOn, err = time.Parse(time.DateOnly, body.OccurredOn)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid occurred_on, expected YYYY-MM-DD")
			return
		}
	}

	id, err := s.service.AddExpense(r.Context(), core.Expense{
		OccurredOn:  occurredOn,
		Description: strings.TrimSpace(body.Description),
		Amount:      amount,
		CategoryID:  categoryID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	month := core.CurrentMonth(occurredOn)
	s.invalidateMonth(month)
	s.service.RequestRegeneration(r.Context(), month, "expense_recorded")

	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) respondWithLimits(w http.ResponseWriter, r *http.Request, month core.Month) {
	entries, err := s.service.Limits(r.Context(), month)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.limitsCache.Set(month.String(), entries)
	writeJSON(w, http.StatusOK, limitsResponse{Month: month.String(), Limits: toLimitsJSON(entries)})
}
