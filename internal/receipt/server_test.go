package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-wallet/internal/auth"
	"github.com/zombor/receipt-wallet/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		log           *callLog
		db            *mockDB
		storage       *mockStorage
		extractor     *mockExtractor
		authenticator auth.Authenticator
		service       *Service
		server        *Server
		ghttpServer   *ghttp.Server
	)

	BeforeEach(func() {
		log = &callLog{}
		db = newMockDB(log)
		storage = newMockStorage()
		extractor = &mockExtractor{
			log: log,
			receipts: []scanning.CategorizedReceipt{{
				Vendor:      "Grocery Mart",
				Category:    "groceries",
				Items:       []string{"Milk", "Bread"},
				TotalAmount: decimal.RequireFromString("45.50"),
				Date:        datePtr("2024-06-01"),
			}},
		}
		authenticator = auth.Static("user-1")
		ghttpServer = ghttp.NewServer()
	})

	JustBeforeEach(func() {
		service = NewService(db, extractor, storage,
			WithTimeSource(&mockTimeSource{now: time.Date(2024, 6, 5, 10, 0, 0, 0, time.UTC)}),
		)
		server = NewServerWithMux(service, authenticator, http.NewServeMux())
	})

	AfterEach(func() {
		service.Background().Wait()
		ghttpServer.Close()
	})

	// do routes exactly one request through the server
	do := func(method, path, contentType string, body io.Reader) *http.Response {
		ghttpServer.AppendHandlers(server.ServeHTTP)
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	doJSON := func(method, path string, v any) *http.Response {
		body, err := json.Marshal(v)
		Expect(err).NotTo(HaveOccurred())
		return do(method, path, "application/json", bytes.NewReader(body))
	}

	decode := func(resp *http.Response, v any) {
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, v)).To(Succeed())
	}

	upload := func(filename string, data []byte) *http.Response {
		var b bytes.Buffer
		writer := multipart.NewWriter(&b)
		part, err := writer.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())
		return do(http.MethodPost, "/api/receipts", writer.FormDataContentType(), &b)
	}

	Describe("health and CORS", func() {
		BeforeEach(func() {
			authenticator = auth.Static("")
		})

		It("serves the health check without authentication", func() {
			resp := do(http.MethodGet, "/healthz", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("answers preflight requests", func() {
			resp := do(http.MethodOptions, "/api/receipts", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("rejects API calls without an identity", func() {
			resp := do(http.MethodGet, "/api/receipts", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Bearer"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("handleListReceipts", func() {
		When("no receipts exist", func() {
			It("returns an empty array", func() {
				resp := do(http.MethodGet, "/api/receipts", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				var receipts []*Receipt
				decode(resp, &receipts)
				Expect(receipts).NotTo(BeNil())
				Expect(receipts).To(BeEmpty())
			})
		})

		When("the store fails", func() {
			BeforeEach(func() {
				db.listErr = errors.New("disk on fire")
			})

			It("hides the cause behind a 500", func() {
				resp := do(http.MethodGet, "/api/receipts", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				body, _ := io.ReadAll(resp.Body)
				Expect(string(body)).To(ContainSubstring("Internal server error"))
				Expect(string(body)).NotTo(ContainSubstring("disk on fire"))
			})
		})

		When("storage is unavailable", func() {
			BeforeEach(func() {
				db.listErr = ErrStorageUnavailable
			})

			It("returns 503", func() {
				resp := do(http.MethodGet, "/api/receipts", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			})
		})
	})

	Describe("handleUploadReceipt", func() {
		When("a file is uploaded", func() {
			It("returns the saved receipts", func() {
				resp := upload("test.jpg", []byte("fake image data"))
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				var receipts []*Receipt
				decode(resp, &receipts)
				Expect(receipts).To(HaveLen(1))
				Expect(receipts[0].ID).NotTo(BeEmpty())
				Expect(receipts[0].ContentType).To(Equal("image/jpeg"))
			})
		})

		When("a data URI is posted", func() {
			It("returns the saved receipts", func() {
				media := scanning.Media{Data: []byte("png bytes"), MIMEType: "image/png"}
				resp := doJSON(http.MethodPost, "/api/receipts", map[string]string{"mediaDataUri": media.DataURI()})
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(storage.files).To(HaveLen(1))
			})
		})

		When("the data URI is missing", func() {
			It("returns Bad Request", func() {
				resp := doJSON(http.MethodPost, "/api/receipts", map[string]string{})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("no file is provided", func() {
			It("returns Bad Request", func() {
				var b bytes.Buffer
				writer := multipart.NewWriter(&b)
				Expect(writer.Close()).To(Succeed())
				resp := do(http.MethodPost, "/api/receipts", writer.FormDataContentType(), &b)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				body, _ := io.ReadAll(resp.Body)
				Expect(string(body)).To(ContainSubstring("file"))
			})
		})

		When("the multipart form is invalid", func() {
			It("returns Bad Request", func() {
				resp := do(http.MethodPost, "/api/receipts", "multipart/form-data", bytes.NewBufferString("invalid"))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				body, _ := io.ReadAll(resp.Body)
				Expect(string(body)).To(ContainSubstring("Error parsing form"))
			})
		})

		When("extraction fails", func() {
			BeforeEach(func() {
				extractor.categoryErr = &scanning.ExtractionError{Kind: scanning.KindCategorize, Err: errors.New("no json")}
			})

			It("returns Bad Gateway", func() {
				resp := upload("test.jpg", []byte("fake image data"))
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			})
		})

		When("no receipt is found", func() {
			BeforeEach(func() {
				extractor.receipts = nil
			})

			It("returns Unprocessable Entity", func() {
				resp := upload("test.jpg", []byte("fake image data"))
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			})
		})
	})

	Describe("fraud rejection", func() {
		JustBeforeEach(func() {
			service = NewService(db, extractor, storage, WithFraudCheck(true))
			server = NewServerWithMux(service, authenticator, http.NewServeMux())
		})

		BeforeEach(func() {
			extractor.fraud = &scanning.FraudResult{IsFraudulent: true, Explanation: "duplicate", ConfidenceScore: 0.95}
		})

		It("explains the rejection", func() {
			resp := upload("test.jpg", []byte("fake image data"))
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			var body map[string]any
			decode(resp, &body)
			Expect(body["explanation"]).To(Equal("duplicate"))
			Expect(body["confidence_score"]).To(BeNumerically("==", 0.95))
		})
	})

	Describe("single receipts", func() {
		BeforeEach(func() {
			storage.files["user-1/a.jpg"] = []byte("file data")
			db.receipts["r-1"] = &Receipt{ID: "r-1", Vendor: "Grocery Mart", Items: []string{"Milk"}, SourceMedia: "user-1/a.jpg", ContentType: "image/jpeg"}
		})

		It("returns a receipt", func() {
			resp := do(http.MethodGet, "/api/receipts/r-1", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var got Receipt
			decode(resp, &got)
			Expect(got.Vendor).To(Equal("Grocery Mart"))
		})

		It("returns Not Found for an unknown receipt", func() {
			resp := do(http.MethodGet, "/api/receipts/nonexistent", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("serves the original file", func() {
			resp := do(http.MethodGet, "/api/receipts/r-1/file", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("file data"))
		})

		It("deletes idempotently", func() {
			Expect(do(http.MethodDelete, "/api/receipts/r-1", "", nil).StatusCode).To(Equal(http.StatusNoContent))
			Expect(do(http.MethodDelete, "/api/receipts/r-1", "", nil).StatusCode).To(Equal(http.StatusNoContent))
		})

		It("reports missing wallet configuration", func() {
			resp := do(http.MethodPost, "/api/receipts/r-1/pass", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(ContainSubstring("not configured"))
		})

		It("exports a spreadsheet", func() {
			resp := do(http.MethodGet, "/api/receipts/export", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("spreadsheetml"))
			body, _ := io.ReadAll(resp.Body)
			Expect(bytes.HasPrefix(body, []byte("PK"))).To(BeTrue())
		})
	})

	Describe("warranties", func() {
		It("creates and lists with status", func() {
			resp := doJSON(http.MethodPost, "/api/warranties", map[string]string{
				"product_name":      "TV",
				"purchase_date":     "2024-06-01",
				"warranty_end_date": "2024-06-20",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			resp = do(http.MethodGet, "/api/warranties", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var views []map[string]any
			decode(resp, &views)
			Expect(views).To(HaveLen(1))
			Expect(views[0]["product_name"]).To(Equal("TV"))
			Expect(views[0]["status"]).To(Equal("Expiring Soon"))
			Expect(views[0]["days_left"]).To(BeNumerically("==", 15))
		})

		It("rejects a malformed date", func() {
			resp := doJSON(http.MethodPost, "/api/warranties", map[string]string{
				"product_name":      "TV",
				"purchase_date":     "June 1st",
				"warranty_end_date": "2024-06-20",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects an end date before the purchase date", func() {
			resp := doJSON(http.MethodPost, "/api/warranties", map[string]string{
				"product_name":      "TV",
				"purchase_date":     "2024-06-20",
				"warranty_end_date": "2024-06-01",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(db.warranties).To(BeEmpty())
		})
	})

	Describe("reminders", func() {
		It("creates and lists with days left", func() {
			resp := doJSON(http.MethodPost, "/api/reminders", map[string]string{
				"product_name":   "Milk",
				"purchase_date":  "2024-06-01",
				"return_by_date": "2024-06-15",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			resp = do(http.MethodGet, "/api/reminders", "", nil)
			var views []map[string]any
			decode(resp, &views)
			Expect(views).To(HaveLen(1))
			Expect(views[0]["days_left"]).To(BeNumerically("==", 10))
		})

		It("rejects a missing product name", func() {
			resp := doJSON(http.MethodPost, "/api/reminders", map[string]string{
				"purchase_date":  "2024-06-01",
				"return_by_date": "2024-06-15",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("insights", func() {
		BeforeEach(func() {
			db.receipts["r-1"] = &Receipt{ID: "r-1", Vendor: "Grocery Mart", Category: "groceries", Date: day("2024-06-01"), Total: decimal.RequireFromString("45.50")}
			extractor.answer = "About 45.50"
		})

		It("answers a question", func() {
			resp := doJSON(http.MethodPost, "/api/query", map[string]string{"query": "How much on groceries?"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body map[string]string
			decode(resp, &body)
			Expect(body["answer"]).To(Equal("About 45.50"))
		})

		It("requires a question", func() {
			resp := doJSON(http.MethodPost, "/api/query", map[string]string{})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("summarizes spending", func() {
			resp := do(http.MethodGet, "/api/spending", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var summary SpendingSummary
			decode(resp, &summary)
			Expect(summary.TopCategory).To(Equal("groceries"))
			Expect(summary.Monthly).To(HaveLen(6))
		})

		It("accepts an empty savings request", func() {
			extractor.savings = &scanning.Savings{Insights: "ok"}
			resp := do(http.MethodPost, "/api/insights/savings", "application/json", strings.NewReader(""))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("issues a shopping list pass", func() {
			extractor.shopping = &scanning.ShoppingList{Title: "Weekend", Items: []string{"Milk"}}
			resp := doJSON(http.MethodPost, "/api/shopping-list/pass", map[string]string{"query": "shopping list for the weekend"})
			// No issuer is configured on this server
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(ContainSubstring("not configured"))
		})

		It("requires a shopping list request", func() {
			resp := doJSON(http.MethodPost, "/api/shopping-list/pass", map[string]string{})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("lists notifications", func() {
			resp := do(http.MethodGet, "/api/notifications", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var notices []Notice
			decode(resp, &notices)
			Expect(notices).To(BeEmpty())
		})
	})
})
