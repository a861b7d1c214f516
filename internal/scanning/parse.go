package scanning

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
}

// parseDate accepts the date formats models commonly answer with
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// extractJSON cuts the JSON object out of a model answer, dropping markdown fences and prose
func extractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return "", errors.New("no JSON object found in response")
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return "", errors.New("invalid JSON object in response")
	}
	return text[start : end+1], nil
}

// decodeOutput validates a model answer against the kind's schema and decodes it into out
func decodeOutput(kind Kind, text string, out any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("unmarshaling json: %w", err)
	}
	if err := validateOutput(kind, doc); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decoding %s output: %w", kind, err)
	}
	return nil
}

type categorizeOutput struct {
	Receipts []struct {
		Vendor      string          `json:"vendor"`
		Category    string          `json:"category"`
		Items       []string        `json:"items"`
		TotalAmount decimal.Decimal `json:"totalAmount"`
		Date        *string         `json:"date"`
	} `json:"receipts"`
}

func parseCategorize(text string) ([]CategorizedReceipt, error) {
	var out categorizeOutput
	if err := decodeOutput(KindCategorize, text, &out); err != nil {
		return nil, err
	}

	receipts := make([]CategorizedReceipt, 0, len(out.Receipts))
	for _, r := range out.Receipts {
		cr := CategorizedReceipt{
			Vendor:      strings.TrimSpace(r.Vendor),
			Category:    strings.ToLower(strings.TrimSpace(r.Category)),
			Items:       cleanNames(r.Items),
			TotalAmount: r.TotalAmount,
		}
		if cr.Vendor == "" {
			cr.Vendor = "Unknown Vendor"
		}
		if cr.Category == "" {
			cr.Category = "other"
		}
		// An unreadable transaction date is not fatal; the caller falls back to the upload time
		if r.Date != nil {
			if d, err := parseDate(*r.Date); err == nil {
				cr.Date = &d
			}
		}
		receipts = append(receipts, cr)
	}
	return receipts, nil
}

type itemizeOutput struct {
	Receipts []ItemizedReceipt `json:"receipts"`
}

func parseItemize(text string) ([]ItemizedReceipt, error) {
	var out itemizeOutput
	if err := decodeOutput(KindItemize, text, &out); err != nil {
		return nil, err
	}
	for i := range out.Receipts {
		if out.Receipts[i].Items == nil {
			out.Receipts[i].Items = []LineItem{}
		}
	}
	if out.Receipts == nil {
		out.Receipts = []ItemizedReceipt{}
	}
	return out.Receipts, nil
}

func parseFraud(text string) (*FraudResult, error) {
	var out FraudResult
	if err := decodeOutput(KindFraud, text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type warrantyOutput struct {
	Items []struct {
		ProductName     string `json:"productName"`
		PurchaseDate    string `json:"purchaseDate"`
		WarrantyEndDate string `json:"warrantyEndDate"`
	} `json:"items"`
}

func parseWarranties(text string) ([]WarrantyItem, error) {
	var out warrantyOutput
	if err := decodeOutput(KindWarranty, text, &out); err != nil {
		return nil, err
	}

	items := make([]WarrantyItem, 0, len(out.Items))
	for i, it := range out.Items {
		purchased, err := parseDate(it.PurchaseDate)
		if err != nil {
			return nil, fmt.Errorf("item %d purchaseDate: %w", i, err)
		}
		ends, err := parseDate(it.WarrantyEndDate)
		if err != nil {
			return nil, fmt.Errorf("item %d warrantyEndDate: %w", i, err)
		}
		items = append(items, WarrantyItem{
			ProductName:     strings.TrimSpace(it.ProductName),
			PurchaseDate:    purchased,
			WarrantyEndDate: ends,
		})
	}
	return items, nil
}

type returnOutput struct {
	Reminders []struct {
		ProductName  string `json:"productName"`
		PurchaseDate string `json:"purchaseDate"`
		ReturnByDate string `json:"returnByDate"`
	} `json:"reminders"`
}

func parseReturns(text string) ([]ReturnItem, error) {
	var out returnOutput
	if err := decodeOutput(KindReturn, text, &out); err != nil {
		return nil, err
	}

	items := make([]ReturnItem, 0, len(out.Reminders))
	for i, it := range out.Reminders {
		purchased, err := parseDate(it.PurchaseDate)
		if err != nil {
			return nil, fmt.Errorf("reminder %d purchaseDate: %w", i, err)
		}
		returnBy, err := parseDate(it.ReturnByDate)
		if err != nil {
			return nil, fmt.Errorf("reminder %d returnByDate: %w", i, err)
		}
		items = append(items, ReturnItem{
			ProductName:  strings.TrimSpace(it.ProductName),
			PurchaseDate: purchased,
			ReturnByDate: returnBy,
		})
	}
	return items, nil
}

func parseItems(text string) ([]string, error) {
	var out struct {
		Items []string `json:"items"`
	}
	if err := decodeOutput(KindItems, text, &out); err != nil {
		return nil, err
	}
	return cleanNames(out.Items), nil
}

func parseQuery(text string) (string, error) {
	var out struct {
		Response string `json:"response"`
	}
	if err := decodeOutput(KindQuery, text, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Response), nil
}

func parseSavings(text string) (*Savings, error) {
	var out Savings
	if err := decodeOutput(KindSavings, text, &out); err != nil {
		return nil, err
	}
	out.Suggestions = cleanNames(out.Suggestions)
	return &out, nil
}

func parseShoppingList(text string) (*ShoppingList, error) {
	var out ShoppingList
	if err := decodeOutput(KindShopping, text, &out); err != nil {
		return nil, err
	}
	out.Title = strings.TrimSpace(out.Title)
	if out.Title == "" {
		out.Title = "Shopping List"
	}
	out.Items = cleanNames(out.Items)
	return &out, nil
}

// cleanNames trims entries and drops blanks, always returning a non-nil slice
func cleanNames(names []string) []string {
	cleaned := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			cleaned = append(cleaned, n)
		}
	}
	return cleaned
}
