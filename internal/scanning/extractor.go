package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind names one extraction contract
type Kind string

const (
	KindCategorize Kind = "categorize"
	KindItemize    Kind = "itemize"
	KindFraud      Kind = "fraud"
	KindWarranty   Kind = "warranty"
	KindReturn     Kind = "return"
	KindItems      Kind = "items"
	KindQuery      Kind = "query"
	KindSavings    Kind = "savings"
	KindShopping   Kind = "shopping_list"
)

// ErrExtraction matches every failed or malformed extraction call
var ErrExtraction = errors.New("extraction failed")

// ExtractionError reports which extraction kind failed and why
type ExtractionError struct {
	Kind Kind
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s extraction: %v", e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrExtraction) match any ExtractionError
func (e *ExtractionError) Is(target error) bool {
	return target == ErrExtraction
}

// CategorizedReceipt is one receipt found by the categorize extraction
type CategorizedReceipt struct {
	Vendor      string
	Category    string
	Items       []string
	TotalAmount decimal.Decimal
	// Date is nil when the model could not read a transaction date
	Date *time.Time
}

// LineItem is one itemized line of a receipt
type LineItem struct {
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Taxes  decimal.Decimal `json:"taxes"`
}

// ItemizedReceipt is the detailed itemization of one receipt
type ItemizedReceipt struct {
	Items []LineItem      `json:"items"`
	Total decimal.Decimal `json:"total"`
}

// FraudInput carries the optional side-channel data for a fraud check
type FraudInput struct {
	ReceiptData   string
	PriorReceipts []string
}

// FraudResult is the verdict of a fraud check
type FraudResult struct {
	IsFraudulent    bool    `json:"isFraudulent"`
	Explanation     string  `json:"fraudExplanation"`
	ConfidenceScore float64 `json:"confidenceScore"`
}

// WarrantyItem is a product found by the warranty scan
type WarrantyItem struct {
	ProductName     string
	PurchaseDate    time.Time
	WarrantyEndDate time.Time
}

// ReturnItem is a product found by the return-reminder scan
type ReturnItem struct {
	ProductName  string
	PurchaseDate time.Time
	ReturnByDate time.Time
}

// Savings holds spending insights and suggestions
type Savings struct {
	Insights          string   `json:"insights"`
	Suggestions       []string `json:"suggestions"`
	OverallAssessment string   `json:"overallAssessment"`
}

// ShoppingList is a titled list of things to buy
type ShoppingList struct {
	Title string   `json:"title"`
	Items []string `json:"items"`
}

// Extractor defines the media-understanding calls the application depends on.
// Every method either returns a value of its declared shape or an *ExtractionError.
type Extractor interface {
	Categorize(ctx context.Context, media Media) ([]CategorizedReceipt, error)
	Itemize(ctx context.Context, media Media) ([]ItemizedReceipt, error)
	CheckFraud(ctx context.Context, media Media, input FraudInput) (*FraudResult, error)
	ScanWarranties(ctx context.Context, media Media) ([]WarrantyItem, error)
	ScanReturns(ctx context.Context, media Media) ([]ReturnItem, error)
	ExtractItems(ctx context.Context, media Media) ([]string, error)
	Query(ctx context.Context, query, context string) (string, error)
	SuggestSavings(ctx context.Context, spendingData, preferences string) (*Savings, error)
	ShoppingList(ctx context.Context, request, history string) (*ShoppingList, error)
	// Close closes the extractor and releases resources
	Close() error
}

// Backend sends one prompt, with optional media, to a model and returns its raw text answer
type Backend interface {
	Generate(ctx context.Context, prompt string, media *Media) (string, error)
	Close() error
}
