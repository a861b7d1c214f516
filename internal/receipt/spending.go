package receipt

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const (
	recentTransactions = 5
	summaryMonths      = 6
)

// MonthTotal is the amount spent in one calendar month
type MonthTotal struct {
	Month string          `json:"month"` // "2006-01"
	Total decimal.Decimal `json:"total"`
}

// SpendingSummary is the dashboard view of a user's spending
type SpendingSummary struct {
	MonthTotal   decimal.Decimal `json:"month_total"`
	TopCategory  string          `json:"top_category"`
	Monthly      []MonthTotal    `json:"monthly"` // Oldest month first
	Recent       []*Receipt      `json:"recent"`
	ReceiptCount int             `json:"receipt_count"`
}

// Summarize builds a spending summary as of now. receipts must be sorted newest first.
func Summarize(receipts []*Receipt, now time.Time) SpendingSummary {
	summary := SpendingSummary{
		MonthTotal:   decimal.Zero,
		ReceiptCount: len(receipts),
		Recent:       append([]*Receipt{}, receipts[:min(recentTransactions, len(receipts))]...),
	}

	year, month, _ := now.Date()
	current := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)

	totals := make(map[string]decimal.Decimal, summaryMonths)
	categories := map[string]decimal.Decimal{}
	for _, r := range receipts {
		key := r.Date.Format("2006-01")
		totals[key] = totals[key].Add(r.Total)

		ry, rm, _ := r.Date.Date()
		if ry == year && rm == month {
			summary.MonthTotal = summary.MonthTotal.Add(r.Total)
			categories[r.Category] = categories[r.Category].Add(r.Total)
		}
	}

	for i := summaryMonths - 1; i >= 0; i-- {
		key := current.AddDate(0, -i, 0).Format("2006-01")
		total, ok := totals[key]
		if !ok {
			total = decimal.Zero
		}
		summary.Monthly = append(summary.Monthly, MonthTotal{Month: key, Total: total})
	}

	summary.TopCategory = topCategory(categories)
	return summary
}

// topCategory returns the highest-spend category, ties broken by name
func topCategory(categories map[string]decimal.Decimal) string {
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		top   string
		best  decimal.Decimal
		found bool
	)
	for _, name := range names {
		if !found || categories[name].GreaterThan(best) {
			top, best, found = name, categories[name], true
		}
	}
	return top
}

// Spending summarizes the user's receipts as of now
func (s *Service) Spending(ctx context.Context, userID string) (SpendingSummary, error) {
	receipts, err := s.db.ListReceipts(ctx, userID)
	if err != nil {
		return SpendingSummary{}, err
	}
	return Summarize(receipts, s.timeSource.Now()), nil
}
