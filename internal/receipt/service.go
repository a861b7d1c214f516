package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-wallet/internal/scanning"
	"github.com/zombor/receipt-wallet/internal/wallet"
)

const (
	// fraudConfidenceThreshold is the confidence above which a fraudulent verdict blocks the save
	fraudConfidenceThreshold = 0.75

	priorReceiptsForFraud = 10

	noticeWarrantyScan = "warranty_scan"
	noticeReturnScan   = "return_scan"
)

var (
	// ErrFraudRejected matches every *FraudRejection
	ErrFraudRejected = errors.New("receipt rejected as potentially fraudulent")
	// ErrNoReceipts is returned when the media contains no receipt
	ErrNoReceipts = errors.New("no receipts found in media")
)

// FraudRejection is returned when the fraud check blocks a save
type FraudRejection struct {
	Explanation     string
	ConfidenceScore float64
}

func (e *FraudRejection) Error() string {
	return fmt.Sprintf("receipt rejected as potentially fraudulent (confidence %.0f%%): %s", e.ConfidenceScore*100, e.Explanation)
}

// Is lets errors.Is(err, ErrFraudRejected) match any FraudRejection
func (e *FraudRejection) Is(target error) bool {
	return target == ErrFraudRejected
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// PassIssuer issues wallet passes
type PassIssuer interface {
	Issue(ctx context.Context, content wallet.Content) (*wallet.Pass, error)
}

// Service handles receipt, warranty and reminder operations
type Service struct {
	db          DB
	extractor   scanning.Extractor
	storage     Storage
	issuer      PassIssuer
	timeSource  TimeSource
	idGenerator IDGenerator
	reporter    NoticeReporter
	background  *Background
	fraudCheck  bool
	currency    string
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithTimeSource overrides the clock
func WithTimeSource(t TimeSource) ServiceOption {
	return func(s *Service) {
		s.timeSource = t
	}
}

// WithMediaIDs overrides how media storage keys are generated
func WithMediaIDs(g IDGenerator) ServiceOption {
	return func(s *Service) {
		s.idGenerator = g
	}
}

// WithReporter sets where background outcomes are reported
func WithReporter(r NoticeReporter) ServiceOption {
	return func(s *Service) {
		s.reporter = r
	}
}

// WithBackground sets the runner for background scans
func WithBackground(b *Background) ServiceOption {
	return func(s *Service) {
		s.background = b
	}
}

// WithFraudCheck runs a fraud check alongside categorization on every upload
func WithFraudCheck(enabled bool) ServiceOption {
	return func(s *Service) {
		s.fraudCheck = enabled
	}
}

// WithPassIssuer enables wallet passes
func WithPassIssuer(i PassIssuer) ServiceOption {
	return func(s *Service) {
		s.issuer = i
	}
}

// WithCurrencySymbol sets the symbol shown on receipt passes
func WithCurrencySymbol(symbol string) ServiceOption {
	return func(s *Service) {
		s.currency = symbol
	}
}

// NewService creates a new Service
func NewService(db DB, extractor scanning.Extractor, storage Storage, opts ...ServiceOption) *Service {
	s := &Service{
		db:          db,
		extractor:   extractor,
		storage:     storage,
		timeSource:  defaultTimeSource{},
		idGenerator: uuidGenerator{},
		currency:    "₹",
	}
	for _, o := range opts {
		o(s)
	}
	if s.reporter == nil {
		s.reporter = NewNotifications()
	}
	if s.background == nil {
		s.background = NewBackground(s.reporter)
	}
	return s
}

// Background returns the runner used for background scans
func (s *Service) Background() *Background {
	return s.background
}

var (
	unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9\-_]`)
	validExtension = regexp.MustCompile(`^\.[a-zA-Z0-9]{1,8}$`)
)

// mediaKey builds the storage key for an upload: <user>/<id><ext>
func (s *Service) mediaKey(userID, filename, contentType string) string {
	user := unsafeKeyChars.ReplaceAllString(userID, "_")
	if len(user) > 64 {
		user = user[:64]
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !validExtension.MatchString(ext) {
		ext = scanning.ExtensionForContentType(contentType)
	}
	return user + "/" + s.idGenerator.Generate() + ext
}

func (s *Service) discardMedia(key string) {
	if err := s.storage.Delete(key); err != nil {
		slog.Warn("Failed to delete media", "key", key, "error", err)
	}
}

// SaveReceipts stores the media, extracts every receipt in it and persists them.
// Warranty and return scans start in the background only after every receipt is saved.
func (s *Service) SaveReceipts(ctx context.Context, userID, filename string, media scanning.Media) ([]*Receipt, error) {
	if userID == "" {
		return nil, ErrPermissionDenied
	}
	if len(media.Data) == 0 {
		return nil, fmt.Errorf("%w: empty media", ErrInvalidRecord)
	}
	if media.MIMEType == "" {
		media.MIMEType = scanning.ContentTypeForExtension(filepath.Ext(filename))
	}

	key, err := s.storage.Save(s.mediaKey(userID, filename, media.MIMEType), media.Data)
	if err != nil {
		return nil, fmt.Errorf("saving media: %w", err)
	}

	found, err := s.extract(ctx, userID, media)
	if err != nil {
		slog.Error("Failed to analyze receipt",
			"user", userID,
			"filename", filename,
			"content_type", media.MIMEType,
			"file_size", len(media.Data),
			"error", err,
		)
		s.discardMedia(key)
		return nil, err
	}
	if len(found) == 0 {
		s.discardMedia(key)
		return nil, ErrNoReceipts
	}

	now := s.timeSource.Now()
	saved := make([]*Receipt, 0, len(found))
	for _, cr := range found {
		date := now
		if cr.Date != nil {
			date = *cr.Date
		}
		items := cr.Items
		if items == nil {
			items = []string{}
		}
		r := &Receipt{
			Vendor:      cr.Vendor,
			Date:        date,
			Total:       cr.TotalAmount,
			Category:    cr.Category,
			Items:       items,
			SourceMedia: key,
			ContentType: media.MIMEType,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if _, err := s.db.CreateReceipt(ctx, userID, r); err != nil {
			slog.Error("Failed to save receipt", "user", userID, "saved", len(saved), "error", err)
			if len(saved) == 0 {
				s.discardMedia(key)
			}
			return nil, fmt.Errorf("saving receipt: %w", err)
		}
		saved = append(saved, r)
	}

	s.startScans(userID, media, saved)
	return saved, nil
}

// extract runs categorization, and the fraud check when enabled, in parallel
func (s *Service) extract(ctx context.Context, userID string, media scanning.Media) ([]scanning.CategorizedReceipt, error) {
	if !s.fraudCheck {
		return s.extractor.Categorize(ctx, media)
	}

	var (
		found   []scanning.CategorizedReceipt
		verdict *scanning.FraudResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		found, err = s.extractor.Categorize(gctx, media)
		return err
	})
	g.Go(func() error {
		var err error
		verdict, err = s.extractor.CheckFraud(gctx, media, scanning.FraudInput{
			PriorReceipts: s.priorReceipts(gctx, userID),
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if verdict.IsFraudulent && verdict.ConfidenceScore > fraudConfidenceThreshold {
		slog.Warn("Receipt rejected by fraud check",
			"user", userID,
			"confidence", verdict.ConfidenceScore,
			"explanation", verdict.Explanation,
		)
		return nil, &FraudRejection{Explanation: verdict.Explanation, ConfidenceScore: verdict.ConfidenceScore}
	}
	return found, nil
}

// priorReceipts summarizes the user's most recent receipts for the fraud check
func (s *Service) priorReceipts(ctx context.Context, userID string) []string {
	receipts, err := s.db.ListReceipts(ctx, userID)
	if err != nil {
		slog.Warn("Failed to load prior receipts for fraud check", "user", userID, "error", err)
		return nil
	}
	if len(receipts) > priorReceiptsForFraud {
		receipts = receipts[:priorReceiptsForFraud]
	}
	prior := make([]string, 0, len(receipts))
	for _, r := range receipts {
		prior = append(prior, fmt.Sprintf("%s %s %s (%s)", r.Date.Format("2006-01-02"), r.Vendor, r.Total.StringFixed(2), r.Category))
	}
	return prior
}

// startScans schedules the warranty and return scans for saved receipts
func (s *Service) startScans(userID string, media scanning.Media, receipts []*Receipt) {
	// Scans cover the whole upload; only a single-receipt upload links its records back
	var receiptID string
	if len(receipts) == 1 {
		receiptID = receipts[0].ID
	}
	s.background.Go(userID, "scan", func(ctx context.Context) error {
		s.scanDerived(ctx, userID, receiptID, media)
		return nil
	})
}

// scanDerived runs the warranty and return scans independently. Neither scan's
// failure affects the other; each reports its own outcome.
func (s *Service) scanDerived(ctx context.Context, userID, receiptID string, media scanning.Media) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		var created int
		err := safely(func() (err error) {
			created, err = s.scanWarranties(ctx, userID, receiptID, media)
			return err
		})
		s.report(userID, noticeWarrantyScan, "warranties", created, err)
	}()
	go func() {
		defer wg.Done()
		var created int
		err := safely(func() (err error) {
			created, err = s.scanReturns(ctx, userID, receiptID, media)
			return err
		})
		s.report(userID, noticeReturnScan, "return reminders", created, err)
	}()
	wg.Wait()
}

func (s *Service) report(userID, kind, noun string, created int, err error) {
	if err != nil {
		s.reporter.Report(userID, Notice{Kind: kind, Level: LevelError, Message: err.Error()})
	}
	if created > 0 {
		s.reporter.Report(userID, Notice{Kind: kind, Level: LevelInfo, Message: fmt.Sprintf("Added %d %s", created, noun)})
	}
}

func (s *Service) scanWarranties(ctx context.Context, userID, receiptID string, media scanning.Media) (int, error) {
	items, err := s.extractor.ScanWarranties(ctx, media)
	if err != nil {
		return 0, fmt.Errorf("scanning warranties: %w", err)
	}

	now := s.timeSource.Now()
	records := make([]*Warranty, 0, len(items))
	for _, it := range items {
		records = append(records, &Warranty{
			ProductName:     it.ProductName,
			PurchaseDate:    it.PurchaseDate,
			WarrantyEndDate: it.WarrantyEndDate,
			ReceiptID:       receiptID,
			CreatedAt:       now,
		})
	}
	return createEach(records, func(w *Warranty) error {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("skipping warranty %q: %w", w.ProductName, err)
		}
		if _, err := s.db.CreateWarranty(ctx, userID, w); err != nil {
			return fmt.Errorf("saving warranty %q: %w", w.ProductName, err)
		}
		return nil
	})
}

func (s *Service) scanReturns(ctx context.Context, userID, receiptID string, media scanning.Media) (int, error) {
	items, err := s.extractor.ScanReturns(ctx, media)
	if err != nil {
		return 0, fmt.Errorf("scanning return policies: %w", err)
	}

	now := s.timeSource.Now()
	records := make([]*Reminder, 0, len(items))
	for _, it := range items {
		records = append(records, &Reminder{
			ProductName:  it.ProductName,
			PurchaseDate: it.PurchaseDate,
			ReturnByDate: it.ReturnByDate,
			ReceiptID:    receiptID,
			CreatedAt:    now,
		})
	}
	return createEach(records, func(r *Reminder) error {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("skipping reminder %q: %w", r.ProductName, err)
		}
		if _, err := s.db.CreateReminder(ctx, userID, r); err != nil {
			return fmt.Errorf("saving reminder %q: %w", r.ProductName, err)
		}
		return nil
	})
}

// createEach runs create for every record concurrently. A failing record never
// stops its siblings; all failures are combined.
func createEach[T any](records []T, create func(T) error) (int, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    error
	)
	for _, rec := range records {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := safely(func() error { return create(rec) })
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				return
			}
			created++
		}()
	}
	wg.Wait()
	return created, errs
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(ctx context.Context, userID, id string) (*Receipt, error) {
	return s.db.GetReceipt(ctx, userID, id)
}

// ListReceipts returns the user's receipts, newest first
func (s *Service) ListReceipts(ctx context.Context, userID string) ([]*Receipt, error) {
	return s.db.ListReceipts(ctx, userID)
}

// DeleteReceipt removes a receipt and its media. Deleting a missing receipt succeeds.
func (s *Service) DeleteReceipt(ctx context.Context, userID, id string) error {
	receipt, err := s.db.GetReceipt(ctx, userID, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if err := s.db.DeleteReceipt(ctx, userID, id); err != nil {
		return err
	}

	if receipt.SourceMedia != "" && !s.mediaShared(ctx, userID, receipt.SourceMedia) {
		s.discardMedia(receipt.SourceMedia)
	}
	return nil
}

// mediaShared reports whether another receipt from the same upload still uses key
func (s *Service) mediaShared(ctx context.Context, userID, key string) bool {
	receipts, err := s.db.ListReceipts(ctx, userID)
	if err != nil {
		// Keep the media when unsure
		return true
	}
	for _, r := range receipts {
		if r.SourceMedia == key {
			return true
		}
	}
	return false
}

// GetReceiptFile retrieves the original upload of a receipt
func (s *Service) GetReceiptFile(ctx context.Context, userID, id string) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(ctx, userID, id)
	if err != nil {
		return nil, "", err
	}
	data, err := s.storage.Get(receipt.SourceMedia)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}
	return data, receipt.ContentType, nil
}

func (s *Service) receiptMedia(r *Receipt) (scanning.Media, error) {
	data, err := s.storage.Get(r.SourceMedia)
	if err != nil {
		return scanning.Media{}, fmt.Errorf("getting receipt file: %w", err)
	}
	return scanning.Media{Data: data, MIMEType: r.ContentType}, nil
}

// RepairItems re-extracts the item list of a receipt whose stored items are malformed.
// Well-formed receipts are returned untouched. When repair fails the receipt is
// returned with an empty item list and nothing is written.
func (s *Service) RepairItems(ctx context.Context, userID, id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !receipt.ItemsMalformed {
		return receipt, nil
	}

	items, err := s.repairedItems(ctx, userID, receipt)
	if err != nil || len(items) == 0 {
		slog.Warn("Could not repair receipt items", "user", userID, "receipt", id, "error", err)
		receipt.Items = []string{}
		return receipt, nil
	}

	now := s.timeSource.Now()
	if err := s.db.UpdateReceiptItems(ctx, userID, id, items, now); err != nil {
		slog.Warn("Failed to store repaired items", "user", userID, "receipt", id, "error", err)
		receipt.Items = items
		return receipt, nil
	}

	receipt.Items = items
	receipt.ItemsMalformed = false
	receipt.UpdatedAt = now
	return receipt, nil
}

func (s *Service) repairedItems(ctx context.Context, userID string, receipt *Receipt) ([]string, error) {
	media, err := s.receiptMedia(receipt)
	if err != nil {
		return nil, err
	}
	return s.extractor.ExtractItems(ctx, media)
}

// Itemize extracts detailed line items from a stored receipt. The result is not persisted.
func (s *Service) Itemize(ctx context.Context, userID, id string) ([]scanning.ItemizedReceipt, error) {
	receipt, err := s.db.GetReceipt(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	media, err := s.receiptMedia(receipt)
	if err != nil {
		return nil, err
	}
	return s.extractor.Itemize(ctx, media)
}

const noReceiptsAnswer = "You don't have any receipts yet. Upload a receipt and I can answer questions about your purchases."

type queryRecord struct {
	Vendor   string   `json:"vendor"`
	Date     string   `json:"date"`
	Total    string   `json:"total"`
	Category string   `json:"category"`
	Items    []string `json:"items"`
}

func queryRecords(receipts []*Receipt) []queryRecord {
	records := make([]queryRecord, 0, len(receipts))
	for _, r := range receipts {
		records = append(records, queryRecord{
			Vendor:   r.Vendor,
			Date:     r.Date.Format("2006-01-02"),
			Total:    r.Total.StringFixed(2),
			Category: r.Category,
			Items:    r.Items,
		})
	}
	return records
}

// Ask answers a free-text question about the user's purchases
func (s *Service) Ask(ctx context.Context, userID, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("%w: question is required", ErrInvalidRecord)
	}
	receipts, err := s.db.ListReceipts(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(receipts) == 0 {
		return noReceiptsAnswer, nil
	}

	history, err := json.Marshal(queryRecords(receipts))
	if err != nil {
		return "", fmt.Errorf("marshaling purchase history: %w", err)
	}
	return s.extractor.Query(ctx, question, string(history))
}

// SuggestSavings analyzes the user's spending and suggests ways to save
func (s *Service) SuggestSavings(ctx context.Context, userID, preferences string) (*scanning.Savings, error) {
	receipts, err := s.db.ListReceipts(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(receipts) == 0 {
		return nil, ErrNoReceipts
	}

	data, err := json.Marshal(queryRecords(receipts))
	if err != nil {
		return nil, fmt.Errorf("marshaling spending data: %w", err)
	}
	return s.extractor.SuggestSavings(ctx, string(data), preferences)
}

// AddWarranty stores a manually entered warranty
func (s *Service) AddWarranty(ctx context.Context, userID string, w *Warranty) (*Warranty, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	w.CreatedAt = s.timeSource.Now()
	if _, err := s.db.CreateWarranty(ctx, userID, w); err != nil {
		return nil, err
	}
	return w, nil
}

// ListWarranties returns the user's warranties with their status as of now
func (s *Service) ListWarranties(ctx context.Context, userID string) ([]WarrantyView, error) {
	warranties, err := s.db.ListWarranties(ctx, userID)
	if err != nil {
		return nil, err
	}
	today := s.timeSource.Now()
	views := make([]WarrantyView, 0, len(warranties))
	for _, w := range warranties {
		views = append(views, NewWarrantyView(w, today))
	}
	return views, nil
}

// DeleteWarranty removes a warranty
func (s *Service) DeleteWarranty(ctx context.Context, userID, id string) error {
	return s.db.DeleteWarranty(ctx, userID, id)
}

// AddReminder stores a manually entered return reminder
func (s *Service) AddReminder(ctx context.Context, userID string, r *Reminder) (*Reminder, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.CreatedAt = s.timeSource.Now()
	if _, err := s.db.CreateReminder(ctx, userID, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListReminders returns the user's reminders with days left as of now
func (s *Service) ListReminders(ctx context.Context, userID string) ([]ReminderView, error) {
	reminders, err := s.db.ListReminders(ctx, userID)
	if err != nil {
		return nil, err
	}
	today := s.timeSource.Now()
	views := make([]ReminderView, 0, len(reminders))
	for _, r := range reminders {
		views = append(views, NewReminderView(r, today))
	}
	return views, nil
}

// DeleteReminder removes a reminder
func (s *Service) DeleteReminder(ctx context.Context, userID, id string) error {
	return s.db.DeleteReminder(ctx, userID, id)
}

// ErrPassesDisabled is returned when no pass issuer is configured
var ErrPassesDisabled = fmt.Errorf("%w: no pass issuer", wallet.ErrNotConfigured)

func (s *Service) issue(ctx context.Context, content wallet.Content) (*wallet.Pass, error) {
	if s.issuer == nil {
		return nil, ErrPassesDisabled
	}
	return s.issuer.Issue(ctx, content)
}

// ReceiptPass issues a wallet pass for a receipt, repairing its items first
func (s *Service) ReceiptPass(ctx context.Context, userID, id string) (*wallet.Pass, error) {
	receipt, err := s.RepairItems(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, receipt.PassContent(s.currency))
}

// WarrantyPass issues a wallet pass for a warranty
func (s *Service) WarrantyPass(ctx context.Context, userID, id string) (*wallet.Pass, error) {
	w, err := s.db.GetWarranty(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, w.PassContent())
}

// ReminderPass issues a wallet pass for a reminder
func (s *Service) ReminderPass(ctx context.Context, userID, id string) (*wallet.Pass, error) {
	r, err := s.db.GetReminder(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, r.PassContent())
}

// ShoppingListPass is a generated shopping list and the pass that carries it
type ShoppingListPass struct {
	List *scanning.ShoppingList `json:"list"`
	Pass *wallet.Pass           `json:"pass"`
}

// ShoppingListPass builds a shopping list from a free-text request, informed by the
// user's purchase history, and issues it as a wallet pass
func (s *Service) ShoppingListPass(ctx context.Context, userID, request string) (*ShoppingListPass, error) {
	if strings.TrimSpace(request) == "" {
		return nil, fmt.Errorf("%w: request is required", ErrInvalidRecord)
	}
	receipts, err := s.db.ListReceipts(ctx, userID)
	if err != nil {
		return nil, err
	}
	history, err := json.Marshal(queryRecords(receipts))
	if err != nil {
		return nil, fmt.Errorf("marshaling purchase history: %w", err)
	}

	list, err := s.extractor.ShoppingList(ctx, request, string(history))
	if err != nil {
		return nil, err
	}
	if len(list.Items) == 0 {
		return nil, fmt.Errorf("%w: the shopping list is empty", ErrInvalidRecord)
	}

	pass, err := s.issue(ctx, shoppingListContent(list))
	if err != nil {
		return nil, err
	}
	return &ShoppingListPass{List: list, Pass: pass}, nil
}

// NoticeFeed lists the notices reported for a user
type NoticeFeed interface {
	List(userID string) []Notice
}

// Notices returns the user's recent background notices, newest first
func (s *Service) Notices(userID string) []Notice {
	feed, ok := s.reporter.(NoticeFeed)
	if !ok {
		return []Notice{}
	}
	return feed.List(userID)
}
