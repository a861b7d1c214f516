package receipt

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

const (
	usersBucketName      = "users"
	receiptsBucketName   = "receipts"
	warrantiesBucketName = "warranties"
	remindersBucketName  = "reminders"
)

var (
	// ErrNotFound is returned when a record does not exist for the user
	ErrNotFound = errors.New("record not found")
	// ErrPermissionDenied is returned when a call is not scoped to a user
	ErrPermissionDenied = errors.New("permission denied")
	// ErrStorageUnavailable is returned when the database cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// DB defines the interface for per-user record storage.
// Every record lives under (user id, collection, record id).
type DB interface {
	// CreateReceipt stores a receipt, assigns its ID and returns it
	CreateReceipt(ctx context.Context, userID string, receipt *Receipt) (string, error)

	// GetReceipt retrieves a receipt by ID
	GetReceipt(ctx context.Context, userID, id string) (*Receipt, error)

	// ListReceipts returns the user's receipts, newest transaction first
	ListReceipts(ctx context.Context, userID string) ([]*Receipt, error)

	// UpdateReceiptItems replaces the item list of a receipt
	UpdateReceiptItems(ctx context.Context, userID, id string, items []string, updatedAt time.Time) error

	// DeleteReceipt removes a receipt. Deleting a missing receipt is not an error.
	DeleteReceipt(ctx context.Context, userID, id string) error

	CreateWarranty(ctx context.Context, userID string, warranty *Warranty) (string, error)
	GetWarranty(ctx context.Context, userID, id string) (*Warranty, error)
	// ListWarranties returns the user's warranties, earliest end date first
	ListWarranties(ctx context.Context, userID string) ([]*Warranty, error)
	DeleteWarranty(ctx context.Context, userID, id string) error

	CreateReminder(ctx context.Context, userID string, reminder *Reminder) (string, error)
	GetReminder(ctx context.Context, userID, id string) (*Reminder, error)
	// ListReminders returns the user's reminders, earliest return-by date first
	ListReminders(ctx context.Context, userID string) ([]*Reminder, error)
	DeleteReminder(ctx context.Context, userID, id string) error

	// Close closes the database connection
	Close() error
}

// IDGenerator generates unique record IDs
type IDGenerator interface {
	Generate() string
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

// BoltDB implements the DB interface using BoltDB.
// Layout: users/<user id>/{receipts,warranties,reminders}/<record id> -> JSON document.
type BoltDB struct {
	db          *bbolt.DB
	idGenerator IDGenerator
}

// BoltOption configures a BoltDB
type BoltOption func(*BoltDB)

// WithIDGenerator overrides how record IDs are assigned
func WithIDGenerator(g IDGenerator) BoltOption {
	return func(b *BoltDB) {
		b.idGenerator = g
	}
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string, opts ...BoltOption) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(usersBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	b := &BoltDB{db: db, idGenerator: uuidGenerator{}}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// mapErr translates bbolt failures into store errors
func mapErr(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) || errors.Is(err, bbolt.ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}

func checkScope(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrPermissionDenied
	}
	return ctx.Err()
}

// update runs fn against the user's collection bucket, creating it as needed
func (b *BoltDB) update(ctx context.Context, userID, collection string, fn func(*bbolt.Bucket) error) error {
	if err := checkScope(ctx, userID); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket([]byte(usersBucketName))
		user, err := users.CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("creating user bucket: %w", err)
		}
		bucket, err := user.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return fmt.Errorf("creating %s bucket: %w", collection, err)
		}
		return fn(bucket)
	})
	return mapErr(err)
}

// view runs fn against the user's collection bucket; fn receives nil if the user has none
func (b *BoltDB) view(ctx context.Context, userID, collection string, fn func(*bbolt.Bucket) error) error {
	if err := checkScope(ctx, userID); err != nil {
		return err
	}
	err := b.db.View(func(tx *bbolt.Tx) error {
		var bucket *bbolt.Bucket
		if user := tx.Bucket([]byte(usersBucketName)).Bucket([]byte(userID)); user != nil {
			bucket = user.Bucket([]byte(collection))
		}
		return fn(bucket)
	})
	return mapErr(err)
}

func putDoc(bucket *bbolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return bucket.Put([]byte(id), data)
}

func getDoc[T any](bucket *bbolt.Bucket, id string) (*T, error) {
	if bucket == nil {
		return nil, ErrNotFound
	}
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshaling record %s: %w", id, err)
	}
	return &v, nil
}

func listDocs[T any](bucket *bbolt.Bucket) ([]*T, error) {
	docs := make([]*T, 0)
	if bucket == nil {
		return docs, nil
	}
	err := bucket.ForEach(func(k, v []byte) error {
		var doc T
		if err := json.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("unmarshaling record %s: %w", k, err)
		}
		docs = append(docs, &doc)
		return nil
	})
	return docs, err
}

func (b *BoltDB) create(ctx context.Context, userID, collection string, assign func(id string) any) (string, error) {
	id := b.idGenerator.Generate()
	err := b.update(ctx, userID, collection, func(bucket *bbolt.Bucket) error {
		return putDoc(bucket, id, assign(id))
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *BoltDB) remove(ctx context.Context, userID, collection, id string) error {
	return b.update(ctx, userID, collection, func(bucket *bbolt.Bucket) error {
		return bucket.Delete([]byte(id))
	})
}

// receiptDoc is the stored shape of a receipt. Items stays raw so that
// legacy documents, which stored an item count, can still be read.
type receiptDoc struct {
	ID          string          `json:"id"`
	Vendor      string          `json:"vendor"`
	Date        time.Time       `json:"date"`
	Total       decimal.Decimal `json:"total"`
	Category    string          `json:"category"`
	Items       json.RawMessage `json:"items"`
	SourceMedia string          `json:"source_media"`
	ContentType string          `json:"content_type"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func newReceiptDoc(r *Receipt) (receiptDoc, error) {
	items := r.Items
	if items == nil {
		items = []string{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return receiptDoc{}, fmt.Errorf("marshaling items: %w", err)
	}
	return receiptDoc{
		ID:          r.ID,
		Vendor:      r.Vendor,
		Date:        r.Date,
		Total:       r.Total,
		Category:    r.Category,
		Items:       raw,
		SourceMedia: r.SourceMedia,
		ContentType: r.ContentType,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func (d *receiptDoc) receipt() *Receipt {
	r := &Receipt{
		ID:          d.ID,
		Vendor:      d.Vendor,
		Date:        d.Date,
		Total:       d.Total,
		Category:    d.Category,
		SourceMedia: d.SourceMedia,
		ContentType: d.ContentType,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	var items []string
	if trimmed := bytes.TrimSpace(d.Items); len(trimmed) > 0 && trimmed[0] == '[' && json.Unmarshal(trimmed, &items) == nil {
		r.Items = items
	} else {
		r.ItemsMalformed = true
	}
	return r
}

// CreateReceipt stores a receipt and assigns its ID
func (b *BoltDB) CreateReceipt(ctx context.Context, userID string, receipt *Receipt) (string, error) {
	doc, err := newReceiptDoc(receipt)
	if err != nil {
		return "", err
	}
	id, err := b.create(ctx, userID, receiptsBucketName, func(id string) any {
		doc.ID = id
		return doc
	})
	if err != nil {
		return "", fmt.Errorf("creating receipt: %w", err)
	}
	receipt.ID = id
	if receipt.Items == nil {
		receipt.Items = []string{}
	}
	return id, nil
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(ctx context.Context, userID, id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.view(ctx, userID, receiptsBucketName, func(bucket *bbolt.Bucket) error {
		doc, err := getDoc[receiptDoc](bucket, id)
		if err != nil {
			return err
		}
		receipt = doc.receipt()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("getting receipt %s: %w", id, err)
	}
	return receipt, nil
}

// ListReceipts returns the user's receipts, newest transaction first
func (b *BoltDB) ListReceipts(ctx context.Context, userID string) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.view(ctx, userID, receiptsBucketName, func(bucket *bbolt.Bucket) error {
		docs, err := listDocs[receiptDoc](bucket)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			receipts = append(receipts, doc.receipt())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}

	slices.SortFunc(receipts, func(a, b *Receipt) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return receipts, nil
}

// UpdateReceiptItems replaces the item list of a receipt
func (b *BoltDB) UpdateReceiptItems(ctx context.Context, userID, id string, items []string, updatedAt time.Time) error {
	if items == nil {
		items = []string{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshaling items: %w", err)
	}

	err = b.update(ctx, userID, receiptsBucketName, func(bucket *bbolt.Bucket) error {
		doc, err := getDoc[receiptDoc](bucket, id)
		if err != nil {
			return err
		}
		doc.Items = raw
		doc.UpdatedAt = updatedAt
		return putDoc(bucket, id, doc)
	})
	if err != nil {
		return fmt.Errorf("updating items of receipt %s: %w", id, err)
	}
	return nil
}

// DeleteReceipt removes a receipt
func (b *BoltDB) DeleteReceipt(ctx context.Context, userID, id string) error {
	if err := b.remove(ctx, userID, receiptsBucketName, id); err != nil {
		return fmt.Errorf("deleting receipt %s: %w", id, err)
	}
	return nil
}

// CreateWarranty stores a warranty and assigns its ID
func (b *BoltDB) CreateWarranty(ctx context.Context, userID string, warranty *Warranty) (string, error) {
	doc := *warranty
	id, err := b.create(ctx, userID, warrantiesBucketName, func(id string) any {
		doc.ID = id
		return doc
	})
	if err != nil {
		return "", fmt.Errorf("creating warranty: %w", err)
	}
	warranty.ID = id
	return id, nil
}

// GetWarranty retrieves a warranty by ID
func (b *BoltDB) GetWarranty(ctx context.Context, userID, id string) (*Warranty, error) {
	var warranty *Warranty
	err := b.view(ctx, userID, warrantiesBucketName, func(bucket *bbolt.Bucket) error {
		var err error
		warranty, err = getDoc[Warranty](bucket, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting warranty %s: %w", id, err)
	}
	return warranty, nil
}

// ListWarranties returns the user's warranties, earliest end date first
func (b *BoltDB) ListWarranties(ctx context.Context, userID string) ([]*Warranty, error) {
	var warranties []*Warranty
	err := b.view(ctx, userID, warrantiesBucketName, func(bucket *bbolt.Bucket) error {
		var err error
		warranties, err = listDocs[Warranty](bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing warranties: %w", err)
	}

	slices.SortFunc(warranties, func(a, b *Warranty) int {
		if c := a.WarrantyEndDate.Compare(b.WarrantyEndDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return warranties, nil
}

// DeleteWarranty removes a warranty
func (b *BoltDB) DeleteWarranty(ctx context.Context, userID, id string) error {
	if err := b.remove(ctx, userID, warrantiesBucketName, id); err != nil {
		return fmt.Errorf("deleting warranty %s: %w", id, err)
	}
	return nil
}

// CreateReminder stores a reminder and assigns its ID
func (b *BoltDB) CreateReminder(ctx context.Context, userID string, reminder *Reminder) (string, error) {
	doc := *reminder
	id, err := b.create(ctx, userID, remindersBucketName, func(id string) any {
		doc.ID = id
		return doc
	})
	if err != nil {
		return "", fmt.Errorf("creating reminder: %w", err)
	}
	reminder.ID = id
	return id, nil
}

// GetReminder retrieves a reminder by ID
func (b *BoltDB) GetReminder(ctx context.Context, userID, id string) (*Reminder, error) {
	var reminder *Reminder
	err := b.view(ctx, userID, remindersBucketName, func(bucket *bbolt.Bucket) error {
		var err error
		reminder, err = getDoc[Reminder](bucket, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting reminder %s: %w", id, err)
	}
	return reminder, nil
}

// ListReminders returns the user's reminders, earliest return-by date first
func (b *BoltDB) ListReminders(ctx context.Context, userID string) ([]*Reminder, error) {
	var reminders []*Reminder
	err := b.view(ctx, userID, remindersBucketName, func(bucket *bbolt.Bucket) error {
		var err error
		reminders, err = listDocs[Reminder](bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing reminders: %w", err)
	}

	slices.SortFunc(reminders, func(a, b *Reminder) int {
		if c := a.ReturnByDate.Compare(b.ReturnByDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return reminders, nil
}

// DeleteReminder removes a reminder
func (b *BoltDB) DeleteReminder(ctx context.Context, userID, id string) error {
	if err := b.remove(ctx, userID, remindersBucketName, id); err != nil {
		return fmt.Errorf("deleting reminder %s: %w", id, err)
	}
	return nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
