package receipt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-wallet/internal/countdown"
	"github.com/zombor/receipt-wallet/internal/scanning"
	"github.com/zombor/receipt-wallet/internal/wallet"
)

// ErrInvalidRecord is returned for records that fail validation
var ErrInvalidRecord = errors.New("invalid record")

// ErrInvalidDates is returned when an end date precedes its purchase date
var ErrInvalidDates = fmt.Errorf("%w: end date is before purchase date", ErrInvalidRecord)

const passDateLayout = "Jan 2, 2006"

// Receipt represents one purchase transaction
type Receipt struct {
	ID          string          `json:"id"`
	Vendor      string          `json:"vendor"`
	Date        time.Time       `json:"date"`
	Total       decimal.Decimal `json:"total"`
	Category    string          `json:"category"`
	Items       []string        `json:"items"`
	SourceMedia string          `json:"source_media"` // Storage key of the original upload
	ContentType string          `json:"content_type"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	// ItemsMalformed is set when the stored item list is not a list of names and needs repair
	ItemsMalformed bool `json:"items_malformed,omitempty"`
}

// PassContent describes the receipt as a wallet pass
func (r *Receipt) PassContent(currencySymbol string) wallet.Content {
	return wallet.Content{
		Class:     "receipt",
		Color:     "#3f51b5",
		CardTitle: "Purchase Receipt",
		Subheader: "From " + r.Vendor,
		Header:    currencySymbol + r.Total.StringFixed(2),
		TextModules: []wallet.TextModule{
			{
				ID:     "purchase_details",
				Header: "Purchase Details",
				Body:   fmt.Sprintf("Date: %s\nCategory: %s", r.Date.Format(passDateLayout), r.Category),
			},
			{
				ID:     "items_list",
				Header: "Items Purchased",
				Body:   strings.Join(r.Items, "\n"),
			},
		},
		LinkPath:        "/receipts?id=" + r.ID,
		LinkDescription: "View Receipt in App",
	}
}

// shoppingListContent describes a shopping list as a wallet pass
func shoppingListContent(list *scanning.ShoppingList) wallet.Content {
	return wallet.Content{
		Class:     "shopping_list",
		Color:     "#00796b",
		CardTitle: "Shopping List",
		Subheader: list.Title,
		Header:    fmt.Sprintf("%d items", len(list.Items)),
		TextModules: []wallet.TextModule{{
			ID:     "shopping_items",
			Header: "Items",
			Body:   strings.Join(list.Items, "\n"),
		}},
	}
}

// Warranty tracks the warranty period of one purchased product
type Warranty struct {
	ID              string    `json:"id"`
	ProductName     string    `json:"product_name"`
	PurchaseDate    time.Time `json:"purchase_date"`
	WarrantyEndDate time.Time `json:"warranty_end_date"`
	ReceiptID       string    `json:"receipt_id,omitempty"` // Informational only, never enforced
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks the product name and date ordering
func (w *Warranty) Validate() error {
	if strings.TrimSpace(w.ProductName) == "" {
		return fmt.Errorf("%w: product name is required", ErrInvalidRecord)
	}
	if w.WarrantyEndDate.Before(w.PurchaseDate) {
		return ErrInvalidDates
	}
	return nil
}

// PassContent describes the warranty as a wallet pass
func (w *Warranty) PassContent() wallet.Content {
	return wallet.Content{
		Class:     "warranty",
		Color:     "#388e3c",
		CardTitle: "Product Warranty",
		Subheader: w.ProductName,
		Header:    "Warranty Information",
		TextModules: []wallet.TextModule{{
			ID:     "warranty_details",
			Header: "Warranty Details",
			Body: fmt.Sprintf("Product: %s\nPurchase Date: %s\nExpires On: %s",
				w.ProductName, w.PurchaseDate.Format(passDateLayout), w.WarrantyEndDate.Format(passDateLayout)),
		}},
		LinkPath:        "/warranty?id=" + w.ID,
		LinkDescription: "View Warranty in App",
	}
}

// Reminder tracks the last day a purchased product can be returned
type Reminder struct {
	ID           string    `json:"id"`
	ProductName  string    `json:"product_name"`
	PurchaseDate time.Time `json:"purchase_date"`
	ReturnByDate time.Time `json:"return_by_date"`
	ReceiptID    string    `json:"receipt_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks the product name and date ordering
func (r *Reminder) Validate() error {
	if strings.TrimSpace(r.ProductName) == "" {
		return fmt.Errorf("%w: product name is required", ErrInvalidRecord)
	}
	if r.ReturnByDate.Before(r.PurchaseDate) {
		return ErrInvalidDates
	}
	return nil
}

// PassContent describes the reminder as a wallet pass
func (r *Reminder) PassContent() wallet.Content {
	return wallet.Content{
		Class:     "reminder",
		Color:     "#f57c00",
		CardTitle: "Return Reminder",
		Subheader: r.ProductName,
		Header:    "Return by " + r.ReturnByDate.Format(passDateLayout),
		TextModules: []wallet.TextModule{{
			ID:     "reminder_details",
			Header: "Return Details",
			Body:   fmt.Sprintf("Product: %s\nPurchase Date: %s", r.ProductName, r.PurchaseDate.Format(passDateLayout)),
		}},
		LinkPath:        "/reminders?id=" + r.ID,
		LinkDescription: "View Reminder in App",
	}
}

// WarrantyView is a warranty with its status as of today
type WarrantyView struct {
	*Warranty
	Status   countdown.Status `json:"status"`
	DaysLeft int              `json:"days_left"`
}

// NewWarrantyView projects w onto today
func NewWarrantyView(w *Warranty, today time.Time) WarrantyView {
	return WarrantyView{
		Warranty: w,
		Status:   countdown.WarrantyStatus(w.WarrantyEndDate, today),
		DaysLeft: countdown.DaysLeft(w.WarrantyEndDate, today),
	}
}

// ReminderView is a reminder with its countdown as of today
type ReminderView struct {
	*Reminder
	DaysLeft int `json:"days_left"`
}

// NewReminderView projects r onto today
func NewReminderView(r *Reminder, today time.Time) ReminderView {
	return ReminderView{
		Reminder: r,
		DaysLeft: countdown.DaysLeft(r.ReturnByDate, today),
	}
}
