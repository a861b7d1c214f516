package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/zombor/receipt-wallet/internal/auth"
	"github.com/zombor/receipt-wallet/internal/scanning"
	"github.com/zombor/receipt-wallet/internal/wallet"
)

// maxUploadSize bounds multipart uploads (high-resolution phone photos and short videos)
const maxUploadSize = int64(50 << 20)

// maxDataURISize leaves room for base64 expansion of a maxUploadSize file
const maxDataURISize = maxUploadSize*4/3 + 1024

const requestDateLayout = "2006-01-02"

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// statusFor maps service errors onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrNoIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, ErrFraudRejected), errors.Is(err, ErrNoReceipts):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scanning.ErrExtraction):
		return http.StatusBadGateway
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error body with the status for err
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}

	var rejection *FraudRejection
	switch {
	case errors.As(err, &rejection):
		body["explanation"] = rejection.Explanation
		body["confidence_score"] = rejection.ConfidenceScore
	case status == http.StatusInternalServerError && !errors.Is(err, wallet.ErrNotConfigured):
		body["error"] = "Internal server error"
	}

	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": message})
}

// decodeBody decodes and validates a JSON request body
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			badRequest(w, "Request body is too large")
			return false
		}
		badRequest(w, "Invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		badRequest(w, err.Error())
		return false
	}
	return true
}

func userID(r *http.Request) string {
	id, _ := auth.UserFromContext(r.Context())
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListReceipts returns the user's receipts, newest first
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if receipts == nil {
		receipts = []*Receipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

type uploadRequest struct {
	MediaDataURI string `json:"mediaDataUri" validate:"required,startswith=data:"`
	Filename     string `json:"filename" validate:"max=255"`
}

// readUpload accepts a multipart "file" field or a JSON data URI body
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (string, scanning.Media, bool) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		var req uploadRequest
		if !s.decodeBody(w, r, maxDataURISize, &req) {
			return "", scanning.Media{}, false
		}
		media, err := scanning.ParseDataURI(req.MediaDataURI)
		if err != nil {
			badRequest(w, err.Error())
			return "", scanning.Media{}, false
		}
		filename := req.Filename
		if filename == "" {
			filename = "upload" + scanning.ExtensionForContentType(media.MIMEType)
		}
		return filename, media, true
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+1<<20)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			badRequest(w, "File is too large. Maximum size is 50MB. Please compress or resize your image.")
		} else {
			badRequest(w, "Error parsing form")
		}
		return "", scanning.Media{}, false
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			badRequest(w, "No file was selected. Please choose a file to upload.")
		} else {
			badRequest(w, "No file provided")
		}
		return "", scanning.Media{}, false
	}
	defer f.Close()

	if header.Size > maxUploadSize {
		badRequest(w, "File is too large. Maximum size is 50MB. Please compress or resize your image.")
		return "", scanning.Media{}, false
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, fmt.Errorf("reading upload: %w", err))
		return "", scanning.Media{}, false
	}

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = scanning.ContentTypeForExtension(filepath.Ext(header.Filename))
	}
	return header.Filename, scanning.Media{Data: data, MIMEType: contentType}, true
}

// handleUploadReceipt extracts and saves every receipt in the uploaded media
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	filename, media, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	receipts, err := s.service.SaveReceipts(r.Context(), userID(r), filename, media)
	if err != nil {
		slog.Error("Error processing receipt", "filename", filename, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipts)
}

// handleGetReceipt returns a single receipt, repairing a malformed item list first
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.RepairItems(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleRepairReceipt re-extracts a malformed item list
func (s *Server) handleRepairReceipt(w http.ResponseWriter, r *http.Request) {
	s.handleGetReceipt(w, r)
}

// handleItemizeReceipt returns a detailed itemization without storing it
func (s *Server) handleItemizeReceipt(w http.ResponseWriter, r *http.Request) {
	itemized, err := s.service.Itemize(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, itemized)
}

// handleGetReceiptFile returns the original upload for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(r.Context(), userID(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExportReceipts returns the user's receipts as a spreadsheet
func (s *Server) handleExportReceipts(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.ExportReceipts(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="receipts.xlsx"`)
	w.Write(data)
}

type warrantyRequest struct {
	ProductName     string `json:"product_name" validate:"required,max=200"`
	PurchaseDate    string `json:"purchase_date" validate:"required,datetime=2006-01-02"`
	WarrantyEndDate string `json:"warranty_end_date" validate:"required,datetime=2006-01-02"`
	ReceiptID       string `json:"receipt_id"`
}

type reminderRequest struct {
	ProductName  string `json:"product_name" validate:"required,max=200"`
	PurchaseDate string `json:"purchase_date" validate:"required,datetime=2006-01-02"`
	ReturnByDate string `json:"return_by_date" validate:"required,datetime=2006-01-02"`
	ReceiptID    string `json:"receipt_id"`
}

// parseDates parses validated request dates
func parseDates(values ...string) ([]time.Time, error) {
	out := make([]time.Time, 0, len(values))
	for _, v := range values {
		t, err := time.Parse(requestDateLayout, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// handleListWarranties returns warranties with their status
func (s *Server) handleListWarranties(w http.ResponseWriter, r *http.Request) {
	views, err := s.service.ListWarranties(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// handleCreateWarranty stores a manually entered warranty
func (s *Server) handleCreateWarranty(w http.ResponseWriter, r *http.Request) {
	var req warrantyRequest
	if !s.decodeBody(w, r, 1<<20, &req) {
		return
	}
	dates, err := parseDates(req.PurchaseDate, req.WarrantyEndDate)
	if err != nil {
		writeError(w, err)
		return
	}

	warranty, err := s.service.AddWarranty(r.Context(), userID(r), &Warranty{
		ProductName:     req.ProductName,
		PurchaseDate:    dates[0],
		WarrantyEndDate: dates[1],
		ReceiptID:       req.ReceiptID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, warranty)
}

// handleDeleteWarranty deletes a warranty
func (s *Server) handleDeleteWarranty(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteWarranty(r.Context(), userID(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListReminders returns reminders with days left
func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	views, err := s.service.ListReminders(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// handleCreateReminder stores a manually entered return reminder
func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	var req reminderRequest
	if !s.decodeBody(w, r, 1<<20, &req) {
		return
	}
	dates, err := parseDates(req.PurchaseDate, req.ReturnByDate)
	if err != nil {
		writeError(w, err)
		return
	}

	reminder, err := s.service.AddReminder(r.Context(), userID(r), &Reminder{
		ProductName:  req.ProductName,
		PurchaseDate: dates[0],
		ReturnByDate: dates[1],
		ReceiptID:    req.ReceiptID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reminder)
}

// handleDeleteReminder deletes a reminder
func (s *Server) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReminder(r.Context(), userID(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writePass(w http.ResponseWriter, pass *wallet.Pass, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pass)
}

func (s *Server) handleReceiptPass(w http.ResponseWriter, r *http.Request) {
	pass, err := s.service.ReceiptPass(r.Context(), userID(r), r.PathValue("id"))
	s.writePass(w, pass, err)
}

func (s *Server) handleWarrantyPass(w http.ResponseWriter, r *http.Request) {
	pass, err := s.service.WarrantyPass(r.Context(), userID(r), r.PathValue("id"))
	s.writePass(w, pass, err)
}

func (s *Server) handleReminderPass(w http.ResponseWriter, r *http.Request) {
	pass, err := s.service.ReminderPass(r.Context(), userID(r), r.PathValue("id"))
	s.writePass(w, pass, err)
}

// handleSpending returns the dashboard summary
func (s *Server) handleSpending(w http.ResponseWriter, r *http.Request) {
	summary, err := s.service.Spending(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type queryRequest struct {
	Query string `json:"query" validate:"required,max=2000"`
}

// handleQuery answers a question about the user's purchases
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !s.decodeBody(w, r, 1<<20, &req) {
		return
	}
	answer, err := s.service.Ask(r.Context(), userID(r), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

type savingsRequest struct {
	Preferences string `json:"preferences" validate:"max=2000"`
}

// handleSavings suggests ways to spend less
func (s *Server) handleSavings(w http.ResponseWriter, r *http.Request) {
	var req savingsRequest
	if !s.decodeBody(w, r, 1<<20, &req) {
		return
	}
	savings, err := s.service.SuggestSavings(r.Context(), userID(r), req.Preferences)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, savings)
}

// handleShoppingListPass turns a request into a shopping list saved as a wallet pass
func (s *Server) handleShoppingListPass(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !s.decodeBody(w, r, 1<<20, &req) {
		return
	}
	result, err := s.service.ShoppingListPass(r.Context(), userID(r), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleNotifications returns the outcomes of the user's background scans
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Notices(userID(r)))
}
