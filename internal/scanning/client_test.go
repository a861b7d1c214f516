package scanning

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type mockBackend struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	prompts   []string
	media     []*Media
	block     bool
	closed    bool
}

func (m *mockBackend) Generate(ctx context.Context, prompt string, media *Media) (string, error) {
	m.mu.Lock()
	call := len(m.prompts)
	m.prompts = append(m.prompts, prompt)
	m.media = append(m.media, media)
	block := m.block
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if call < len(m.errs) && m.errs[call] != nil {
		return "", m.errs[call]
	}
	if call < len(m.responses) {
		return m.responses[call], nil
	}
	return m.responses[len(m.responses)-1], nil
}

func (m *mockBackend) Close() error {
	m.closed = true
	return nil
}

func (m *mockBackend) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func jpegBytes() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	Expect(jpeg.Encode(&buf, img, nil)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Client", func() {
	var (
		backend *mockBackend
		client  *Client
		opts    []Option
		media   Media
	)

	BeforeEach(func() {
		backend = &mockBackend{}
		opts = nil
		media = Media{Data: []byte("png-bytes"), MIMEType: "image/png"}
	})

	JustBeforeEach(func() {
		client = NewClient(backend, opts...)
	})

	Describe("Categorize", func() {
		var (
			receipts []CategorizedReceipt
			err      error
		)

		JustBeforeEach(func() {
			receipts, err = client.Categorize(context.Background(), media)
		})

		When("the backend answers with a valid document", func() {
			BeforeEach(func() {
				backend.responses = []string{`{"receipts": [{"vendor": "Store", "category": "groceries", "items": ["Milk"], "totalAmount": 4.2, "date": "2024-05-01"}]}`}
			})

			It("returns the receipts", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipts).To(HaveLen(1))
				Expect(receipts[0].Vendor).To(Equal("Store"))
			})

			It("sends the categorize prompt with the media", func() {
				Expect(backend.prompts[0]).To(Equal(categorizePrompt))
				Expect(backend.media[0].MIMEType).To(Equal("image/png"))
				Expect(backend.media[0].Data).To(Equal([]byte("png-bytes")))
			})
		})

		When("the backend answers with a malformed document", func() {
			BeforeEach(func() {
				backend.responses = []string{`{"receipts": "nope"}`}
				opts = []Option{WithRetries(3, time.Millisecond)}
			})

			It("returns an extraction error", func() {
				Expect(err).To(MatchError(ErrExtraction))
				var extErr *ExtractionError
				Expect(errors.As(err, &extErr)).To(BeTrue())
				Expect(extErr.Kind).To(Equal(KindCategorize))
			})

			It("does not retry", func() {
				Expect(backend.calls()).To(Equal(1))
			})
		})

		When("the backend fails", func() {
			BeforeEach(func() {
				backend.errs = []error{errors.New("unavailable")}
				backend.responses = []string{`{"receipts": []}`}
			})

			It("makes a single attempt by default", func() {
				Expect(err).To(MatchError(ErrExtraction))
				Expect(err).To(MatchError(ContainSubstring("unavailable")))
				Expect(backend.calls()).To(Equal(1))
			})
		})

		When("retries are configured and the backend recovers", func() {
			BeforeEach(func() {
				backend.errs = []error{errors.New("one"), errors.New("two")}
				backend.responses = []string{"", "", `{"receipts": []}`}
				opts = []Option{WithRetries(2, time.Millisecond)}
			})

			It("succeeds on the last attempt", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipts).To(BeEmpty())
				Expect(backend.calls()).To(Equal(3))
			})
		})

		When("the backend never answers", func() {
			BeforeEach(func() {
				backend.block = true
				opts = []Option{WithCallTimeout(20 * time.Millisecond)}
			})

			It("gives up after the call timeout", func() {
				Expect(err).To(MatchError(ErrExtraction))
				Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			})
		})

		When("the media is a JPEG", func() {
			BeforeEach(func() {
				media = Media{Data: jpegBytes(), MIMEType: "image/jpeg"}
				backend.responses = []string{`{"receipts": []}`}
			})

			It("converts it to PNG before sending", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(backend.media[0].MIMEType).To(Equal("image/png"))
				_, format, decodeErr := image.Decode(bytes.NewReader(backend.media[0].Data))
				Expect(decodeErr).NotTo(HaveOccurred())
				Expect(format).To(Equal("png"))
			})
		})

		When("the media is a video", func() {
			BeforeEach(func() {
				media = Media{Data: []byte("mp4"), MIMEType: "video/mp4"}
				backend.responses = []string{`{"receipts": []}`}
			})

			It("passes it through untouched", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(backend.media[0].MIMEType).To(Equal("video/mp4"))
				Expect(backend.media[0].Data).To(Equal([]byte("mp4")))
			})
		})

		When("the media cannot be decoded", func() {
			BeforeEach(func() {
				media = Media{Data: []byte("garbage"), MIMEType: "image/jpeg"}
			})

			It("fails without calling the backend", func() {
				Expect(err).To(MatchError(ErrExtraction))
				Expect(backend.calls()).To(Equal(0))
			})
		})
	})

	Describe("CheckFraud", func() {
		BeforeEach(func() {
			backend.responses = []string{`{"isFraudulent": false, "fraudExplanation": "looks fine", "confidenceScore": 0.2}`}
		})

		It("includes the prior receipts in the prompt", func() {
			result, err := client.CheckFraud(context.Background(), media, FraudInput{PriorReceipts: []string{"Store A $10"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsFraudulent).To(BeFalse())
			Expect(backend.prompts[0]).To(ContainSubstring("Store A $10"))
		})
	})

	Describe("Query", func() {
		BeforeEach(func() {
			backend.responses = []string{`{"response": "About $40"}`}
		})

		It("sends no media and embeds the question", func() {
			answer, err := client.Query(context.Background(), "How much on groceries?", `[{"vendor":"A"}]`)
			Expect(err).NotTo(HaveOccurred())
			Expect(answer).To(Equal("About $40"))
			Expect(backend.media[0]).To(BeNil())
			Expect(backend.prompts[0]).To(ContainSubstring("How much on groceries?"))
			Expect(backend.prompts[0]).To(ContainSubstring(`[{"vendor":"A"}]`))
		})
	})

	Describe("ShoppingList", func() {
		It("embeds the request and history without media", func() {
			backend.responses = []string{`{"title": " Taco night ", "items": ["Tortillas", " ", "Salsa"]}`}
			list, err := client.ShoppingList(context.Background(), "shopping list for taco night", `[{"vendor":"A"}]`)
			Expect(err).NotTo(HaveOccurred())
			Expect(list.Title).To(Equal("Taco night"))
			Expect(list.Items).To(Equal([]string{"Tortillas", "Salsa"}))
			Expect(backend.media[0]).To(BeNil())
			Expect(backend.prompts[0]).To(ContainSubstring("shopping list for taco night"))
			Expect(backend.prompts[0]).To(ContainSubstring(`[{"vendor":"A"}]`))
		})

		It("rejects a list without items", func() {
			backend.responses = []string{`{"title": "Groceries"}`}
			_, err := client.ShoppingList(context.Background(), "groceries", "[]")
			var extErr *ExtractionError
			Expect(errors.As(err, &extErr)).To(BeTrue())
			Expect(extErr.Kind).To(Equal(KindShopping))
		})
	})

	Describe("Close", func() {
		It("closes the backend", func() {
			Expect(client.Close()).To(Succeed())
			Expect(backend.closed).To(BeTrue())
		})
	})
})
