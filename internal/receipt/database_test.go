package receipt

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

// sequenceIDs hands out ids in order
type sequenceIDs struct {
	ids []string
}

func (s *sequenceIDs) Generate() string {
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id
}

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		ids    *sequenceIDs
		db     *BoltDB
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		ids = &sequenceIDs{ids: []string{"id-1", "id-2", "id-3", "id-4"}}
		var err error
		db, err = NewBoltDB(dbPath, WithIDGenerator(ids))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("CreateReceipt", func() {
		var (
			receipt *Receipt
			id      string
			err     error
		)

		BeforeEach(func() {
			receipt = &Receipt{
				Vendor:      "Grocery Mart",
				Date:        time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
				Total:       decimal.RequireFromString("45.50"),
				Category:    "groceries",
				Items:       []string{"Milk", "Bread"},
				SourceMedia: "user-1/a.png",
				ContentType: "image/png",
			}
		})

		JustBeforeEach(func() {
			id, err = db.CreateReceipt(ctx, "user-1", receipt)
		})

		It("assigns the generated id", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("id-1"))
			Expect(receipt.ID).To(Equal("id-1"))
		})

		It("round-trips the receipt", func() {
			saved, getErr := db.GetReceipt(ctx, "user-1", id)
			Expect(getErr).NotTo(HaveOccurred())
			Expect(saved.Vendor).To(Equal("Grocery Mart"))
			Expect(saved.Items).To(Equal([]string{"Milk", "Bread"}))
			Expect(saved.Total.Equal(decimal.RequireFromString("45.5"))).To(BeTrue())
			Expect(saved.ItemsMalformed).To(BeFalse())
		})

		It("is invisible to other users", func() {
			_, getErr := db.GetReceipt(ctx, "user-2", id)
			Expect(getErr).To(MatchError(ErrNotFound))
			receipts, listErr := db.ListReceipts(ctx, "user-2")
			Expect(listErr).NotTo(HaveOccurred())
			Expect(receipts).To(BeEmpty())
		})

		When("there are no items", func() {
			BeforeEach(func() {
				receipt.Items = nil
			})

			It("stores an empty list", func() {
				saved, getErr := db.GetReceipt(ctx, "user-1", id)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Items).To(BeEmpty())
				Expect(saved.ItemsMalformed).To(BeFalse())
			})
		})
	})

	When("the user id is empty", func() {
		It("denies every operation", func() {
			_, err := db.CreateReceipt(ctx, "", &Receipt{})
			Expect(err).To(MatchError(ErrPermissionDenied))
			_, err = db.ListWarranties(ctx, "")
			Expect(err).To(MatchError(ErrPermissionDenied))
			Expect(db.DeleteReminder(ctx, "", "x")).To(MatchError(ErrPermissionDenied))
		})
	})

	When("the database is closed", func() {
		It("reports storage unavailable", func() {
			Expect(db.Close()).To(Succeed())
			_, err := db.ListReceipts(ctx, "user-1")
			Expect(err).To(MatchError(ErrStorageUnavailable))
			db = nil
		})
	})

	When("the context is cancelled", func() {
		It("does not touch the database", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			_, err := db.CreateWarranty(cancelled, "user-1", &Warranty{ProductName: "TV"})
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Describe("legacy receipts", func() {
		BeforeEach(func() {
			err := db.db.Update(func(tx *bbolt.Tx) error {
				user, err := tx.Bucket([]byte(usersBucketName)).CreateBucketIfNotExists([]byte("user-1"))
				if err != nil {
					return err
				}
				bucket, err := user.CreateBucketIfNotExists([]byte(receiptsBucketName))
				if err != nil {
					return err
				}
				return bucket.Put([]byte("legacy"), []byte(`{"id":"legacy","vendor":"Old Shop","total":"3.20","items":2}`))
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("reads an item count as malformed", func() {
			r, err := db.GetReceipt(ctx, "user-1", "legacy")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.ItemsMalformed).To(BeTrue())
			Expect(r.Items).To(BeNil())
		})

		It("repairs the items in place", func() {
			now := time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)
			Expect(db.UpdateReceiptItems(ctx, "user-1", "legacy", []string{"Tea"}, now)).To(Succeed())

			r, err := db.GetReceipt(ctx, "user-1", "legacy")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.ItemsMalformed).To(BeFalse())
			Expect(r.Items).To(Equal([]string{"Tea"}))
			Expect(r.UpdatedAt).To(Equal(now))
			Expect(r.Vendor).To(Equal("Old Shop"))
		})
	})

	Describe("UpdateReceiptItems", func() {
		It("returns ErrNotFound for an unknown receipt", func() {
			err := db.UpdateReceiptItems(ctx, "user-1", "missing", []string{"x"}, time.Now())
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("ListReceipts", func() {
		BeforeEach(func() {
			for _, d := range []string{"2024-01-10", "2024-03-01", "2024-02-15"} {
				date, err := time.Parse("2006-01-02", d)
				Expect(err).NotTo(HaveOccurred())
				_, err = db.CreateReceipt(ctx, "user-1", &Receipt{Vendor: d, Date: date})
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("orders by date, newest first", func() {
			receipts, err := db.ListReceipts(ctx, "user-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(3))
			Expect(receipts[0].Vendor).To(Equal("2024-03-01"))
			Expect(receipts[1].Vendor).To(Equal("2024-02-15"))
			Expect(receipts[2].Vendor).To(Equal("2024-01-10"))
		})
	})

	Describe("DeleteReceipt", func() {
		It("is idempotent", func() {
			id, err := db.CreateReceipt(ctx, "user-1", &Receipt{Vendor: "x"})
			Expect(err).NotTo(HaveOccurred())

			Expect(db.DeleteReceipt(ctx, "user-1", id)).To(Succeed())
			Expect(db.DeleteReceipt(ctx, "user-1", id)).To(Succeed())
			Expect(db.DeleteReceipt(ctx, "user-1", "never-existed")).To(Succeed())

			_, err = db.GetReceipt(ctx, "user-1", id)
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("warranties", func() {
		BeforeEach(func() {
			for _, end := range []string{"2025-06-01", "2024-12-01"} {
				date, err := time.Parse("2006-01-02", end)
				Expect(err).NotTo(HaveOccurred())
				_, err = db.CreateWarranty(ctx, "user-1", &Warranty{ProductName: end, WarrantyEndDate: date, ReceiptID: "r-1"})
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("lists by end date, earliest first", func() {
			warranties, err := db.ListWarranties(ctx, "user-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(warranties).To(HaveLen(2))
			Expect(warranties[0].ProductName).To(Equal("2024-12-01"))
			Expect(warranties[0].ID).To(Equal("id-2"))
			Expect(warranties[1].ReceiptID).To(Equal("r-1"))
		})

		It("gets and deletes by id", func() {
			w, err := db.GetWarranty(ctx, "user-1", "id-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(w.ProductName).To(Equal("2025-06-01"))

			Expect(db.DeleteWarranty(ctx, "user-1", "id-1")).To(Succeed())
			Expect(db.DeleteWarranty(ctx, "user-1", "id-1")).To(Succeed())
			_, err = db.GetWarranty(ctx, "user-1", "id-1")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("reminders", func() {
		BeforeEach(func() {
			for _, end := range []string{"2024-06-20", "2024-06-10"} {
				date, err := time.Parse("2006-01-02", end)
				Expect(err).NotTo(HaveOccurred())
				_, err = db.CreateReminder(ctx, "user-1", &Reminder{ProductName: end, ReturnByDate: date})
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("lists by return-by date, earliest first", func() {
			reminders, err := db.ListReminders(ctx, "user-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(reminders).To(HaveLen(2))
			Expect(reminders[0].ProductName).To(Equal("2024-06-10"))
		})

		It("deletes idempotently", func() {
			Expect(db.DeleteReminder(ctx, "user-1", "id-1")).To(Succeed())
			Expect(db.DeleteReminder(ctx, "user-1", "id-1")).To(Succeed())
			_, err := db.GetReminder(ctx, "user-1", "id-1")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})
})
