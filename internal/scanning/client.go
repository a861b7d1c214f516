package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultCallTimeout = 60 * time.Second
	defaultBackoff     = time.Second
)

// Client implements Extractor on top of a model Backend. It owns prompt
// selection, media preparation, the per-call timeout and the retry policy,
// and validates every answer against the kind's output contract.
type Client struct {
	backend Backend
	timeout time.Duration
	retries uint64
	backoff time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithCallTimeout bounds each individual backend call
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetries retries failed backend calls up to n extra times, waiting backoff between attempts.
// Answers that violate the output contract are never retried.
func WithRetries(n uint64, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// NewClient creates a Client. By default every call is attempted exactly once.
func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{
		backend: backend,
		timeout: defaultCallTimeout,
		backoff: defaultBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ Extractor = (*Client)(nil)

// generate runs one prompt through the backend under the timeout and retry policy
func (c *Client) generate(ctx context.Context, kind Kind, prompt string, media *Media) (string, error) {
	var prepared *Media
	if media != nil {
		m, err := prepareMedia(*media)
		if err != nil {
			return "", &ExtractionError{Kind: kind, Err: fmt.Errorf("preparing media: %w", err)}
		}
		prepared = &m
	}

	start := time.Now()
	attempt := 0
	var text string
	backoff := retry.WithMaxRetries(c.retries, retry.NewConstant(c.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		out, err := c.backend.Generate(callCtx, prompt, prepared)
		if err != nil {
			slog.Warn("Extraction call failed",
				"kind", kind,
				"attempt", attempt,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		text = out
		return nil
	})
	if err != nil {
		return "", &ExtractionError{Kind: kind, Err: err}
	}

	slog.Debug("Extraction call finished",
		"kind", kind,
		"attempts", attempt,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

// Categorize finds every receipt in the media and extracts vendor, category, items and total
func (c *Client) Categorize(ctx context.Context, media Media) ([]CategorizedReceipt, error) {
	text, err := c.generate(ctx, KindCategorize, categorizePrompt, &media)
	if err != nil {
		return nil, err
	}
	receipts, err := parseCategorize(text)
	if err != nil {
		return nil, &ExtractionError{Kind: KindCategorize, Err: err}
	}
	return receipts, nil
}

// Itemize extracts detailed line items for every receipt in the media
func (c *Client) Itemize(ctx context.Context, media Media) ([]ItemizedReceipt, error) {
	text, err := c.generate(ctx, KindItemize, itemizePrompt, &media)
	if err != nil {
		return nil, err
	}
	receipts, err := parseItemize(text)
	if err != nil {
		return nil, &ExtractionError{Kind: KindItemize, Err: err}
	}
	return receipts, nil
}

// CheckFraud asks the model whether the receipt looks fraudulent
func (c *Client) CheckFraud(ctx context.Context, media Media, input FraudInput) (*FraudResult, error) {
	text, err := c.generate(ctx, KindFraud, fraudPrompt(input), &media)
	if err != nil {
		return nil, err
	}
	result, err := parseFraud(text)
	if err != nil {
		return nil, &ExtractionError{Kind: KindFraud, Err: err}
	}
	return result, nil
}

// ScanWarranties lists purchased items that carry a warranty
func (c *Client) ScanWarranties(ctx context.Context, media Media) ([]WarrantyItem, error) {
	text, err := c.generate(ctx, KindWarranty, warrantyPrompt, &media)
	if err != nil {
		return nil, err
	}
	items, err := parseWarranties(text)
	if err != nil {
		return nil, &ExtractionError{Kind: KindWarranty, Err: err}
	}
	return items, nil
}

// ScanReturns lists returnable items with their return-by dates
func (c *Client) ScanReturns(ctx context.Context, media Media) ([]ReturnItem, error) {
	text, err := c.generate(ctx, KindReturn, returnPrompt, &media)
	if err != nil {
		return nil, err
	}
	items, err := parseReturns(text)
	if err != nil {
		return nil, &ExtractionError{Kind: KindReturn, Err: err}
	}
	return items, nil
}

// ExtractItems reads only the item names from the media
func (c *Client) ExtractItems(ctx context.Context, media Media) ([]string, error) {
	text, err := c.generate(ctx, KindItems, itemsPrompt, &media)
	if err != nil {
		return nil, err
	}
	items, err := parseItems(text)
	if err != nil {
		return nil, &ExtractionError{Kind: KindItems, Err: err}
	}
	return items, nil
}

// Query answers a natural-language question, optionally grounded in a context string
func (c *Client) Query(ctx context.Context, query, context string) (string, error) {
	text, err := c.generate(ctx, KindQuery, fmt.Sprintf(queryPrompt, context, query), nil)
	if err != nil {
		return "", err
	}
	answer, err := parseQuery(text)
	if err != nil {
		return "", &ExtractionError{Kind: KindQuery, Err: err}
	}
	return answer, nil
}

// SuggestSavings analyzes spending data and returns savings suggestions
func (c *Client) SuggestSavings(ctx context.Context, spendingData, preferences string) (*Savings, error) {
	text, err := c.generate(ctx, KindSavings, fmt.Sprintf(savingsPrompt, spendingData, preferences), nil)
	if err != nil {
		return nil, err
	}
	savings, err := parseSavings(text)
	if err != nil {
		return nil, &ExtractionError{Kind: KindSavings, Err: err}
	}
	return savings, nil
}

// ShoppingList turns a request such as "shopping list for taco night" into a list,
// using the purchase history to pick familiar products
func (c *Client) ShoppingList(ctx context.Context, request, history string) (*ShoppingList, error) {
	text, err := c.generate(ctx, KindShopping, fmt.Sprintf(shoppingListPrompt, history, request), nil)
	if err != nil {
		return nil, err
	}
	list, err := parseShoppingList(text)
	if err != nil {
		return nil, &ExtractionError{Kind: KindShopping, Err: err}
	}
	return list, nil
}

// Close closes the underlying backend
func (c *Client) Close() error {
	return c.backend.Close()
}
