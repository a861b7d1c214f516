package receipt

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/zombor/receipt-wallet/internal/auth"
)

// Server handles HTTP requests for receipts, warranties and reminders
type Server struct {
	service  *Service
	auth     auth.Authenticator
	validate *validator.Validate
	mux      *http.ServeMux
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, authenticator auth.Authenticator) *Server {
	return NewServerWithMux(service, authenticator, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, authenticator auth.Authenticator, mux *http.ServeMux) *Server {
	s := &Server{
		service:  service,
		auth:     authenticator,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		mux:      mux,
	}
	s.registerRoutes()
	return s
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth resolves the user before any store access
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.Authenticate(r)
		if err != nil {
			slog.Debug("Rejected request", "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="receipt-wallet"`)
			writeError(w, auth.ErrNoIdentity)
			return
		}
		next(w, r.WithContext(auth.WithUser(r.Context(), userID)))
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// Receipts
	s.mux.HandleFunc("GET /api/receipts/export", s.requireAuth(s.handleExportReceipts))
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("POST /api/receipts/{id}/repair", s.requireAuth(s.handleRepairReceipt))
	s.mux.HandleFunc("POST /api/receipts/{id}/itemize", s.requireAuth(s.handleItemizeReceipt))
	s.mux.HandleFunc("POST /api/receipts/{id}/pass", s.requireAuth(s.handleReceiptPass))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireAuth(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))
	s.mux.HandleFunc("POST /api/receipts", s.requireAuth(s.handleUploadReceipt))

	// Warranties
	s.mux.HandleFunc("POST /api/warranties/{id}/pass", s.requireAuth(s.handleWarrantyPass))
	s.mux.HandleFunc("DELETE /api/warranties/{id}", s.requireAuth(s.handleDeleteWarranty))
	s.mux.HandleFunc("GET /api/warranties", s.requireAuth(s.handleListWarranties))
	s.mux.HandleFunc("POST /api/warranties", s.requireAuth(s.handleCreateWarranty))

	// Return reminders
	s.mux.HandleFunc("POST /api/reminders/{id}/pass", s.requireAuth(s.handleReminderPass))
	s.mux.HandleFunc("DELETE /api/reminders/{id}", s.requireAuth(s.handleDeleteReminder))
	s.mux.HandleFunc("GET /api/reminders", s.requireAuth(s.handleListReminders))
	s.mux.HandleFunc("POST /api/reminders", s.requireAuth(s.handleCreateReminder))

	// Insights
	s.mux.HandleFunc("GET /api/spending", s.requireAuth(s.handleSpending))
	s.mux.HandleFunc("POST /api/query", s.requireAuth(s.handleQuery))
	s.mux.HandleFunc("POST /api/insights/savings", s.requireAuth(s.handleSavings))
	s.mux.HandleFunc("GET /api/notifications", s.requireAuth(s.handleNotifications))

	// Shopping lists
	s.mux.HandleFunc("POST /api/shopping-list/pass", s.requireAuth(s.handleShoppingListPass))
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
