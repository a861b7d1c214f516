package receipt

import (
	"bytes"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

func decimal2(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var _ = Describe("Summarize", func() {
	var (
		now      time.Time
		receipts []*Receipt
	)

	BeforeEach(func() {
		now = time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC)
		receipts = []*Receipt{
			{ID: "1", Category: "groceries", Date: day("2024-06-18"), Total: decimal2("20.00")},
			{ID: "2", Category: "electronics", Date: day("2024-06-10"), Total: decimal2("15.00")},
			{ID: "3", Category: "groceries", Date: day("2024-06-02"), Total: decimal2("5.00")},
			{ID: "4", Category: "travel", Date: day("2024-05-30"), Total: decimal2("100.00")},
			{ID: "5", Category: "travel", Date: day("2024-02-01"), Total: decimal2("10.00")},
			{ID: "6", Category: "travel", Date: day("2023-06-01"), Total: decimal2("999.00")},
		}
	})

	It("totals the current month", func() {
		s := Summarize(receipts, now)
		Expect(s.MonthTotal.String()).To(Equal("40"))
		Expect(s.TopCategory).To(Equal("groceries"))
		Expect(s.ReceiptCount).To(Equal(6))
	})

	It("keeps the five most recent transactions", func() {
		s := Summarize(receipts, now)
		Expect(s.Recent).To(HaveLen(5))
		Expect(s.Recent[0].ID).To(Equal("1"))
	})

	It("reports six months, oldest first", func() {
		s := Summarize(receipts, now)
		Expect(s.Monthly).To(HaveLen(6))
		Expect(s.Monthly[0].Month).To(Equal("2024-01"))
		Expect(s.Monthly[5].Month).To(Equal("2024-06"))
		Expect(s.Monthly[1].Total.String()).To(Equal("10"))
		Expect(s.Monthly[4].Total.String()).To(Equal("100"))
		Expect(s.Monthly[2].Total.IsZero()).To(BeTrue())
	})

	It("handles no receipts", func() {
		s := Summarize(nil, now)
		Expect(s.MonthTotal.IsZero()).To(BeTrue())
		Expect(s.TopCategory).To(BeEmpty())
		Expect(s.Recent).NotTo(BeNil())
	})
})

var _ = Describe("WriteReceiptsXLSX", func() {
	It("writes a workbook", func() {
		data, err := WriteReceiptsXLSX([]*Receipt{
			{Vendor: "Grocery Mart", Date: day("2024-06-01"), Total: decimal2("45.50"), Items: []string{"Milk", "Bread"}},
		})
		Expect(err).NotTo(HaveOccurred())

		f, err := excelize.OpenReader(bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()
		rows, err := f.GetRows(exportSheet)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(2))
		Expect(rows[0]).To(Equal(exportHeaders))
		Expect(rows[1][:4]).To(Equal([]string{"2024-06-01", "Grocery Mart", "", "Milk, Bread"}))
		Expect(rows[1][4]).To(Equal("45.5"))
	})
})
