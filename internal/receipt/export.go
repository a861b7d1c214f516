package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Receipts"

var exportHeaders = []string{"Date", "Vendor", "Category", "Items", "Total"}

// WriteReceiptsXLSX renders receipts as a single-sheet workbook
func WriteReceiptsXLSX(receipts []*Receipt) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return nil, fmt.Errorf("writing header: %w", err)
		}
	}

	for i, r := range receipts {
		row := i + 2
		total, _ := r.Total.Float64()
		values := []any{
			r.Date.Format("2006-01-02"),
			r.Vendor,
			r.Category,
			strings.Join(r.Items, ", "),
			total,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(exportSheet, cell, v); err != nil {
				return nil, fmt.Errorf("writing row %d: %w", row, err)
			}
		}
	}

	_ = f.SetColWidth(exportSheet, "A", "A", 12)
	_ = f.SetColWidth(exportSheet, "B", "C", 24)
	_ = f.SetColWidth(exportSheet, "D", "D", 60)
	_ = f.SetColWidth(exportSheet, "E", "E", 12)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportReceipts returns the user's receipts as an XLSX workbook
func (s *Service) ExportReceipts(ctx context.Context, userID string) ([]byte, error) {
	receipts, err := s.db.ListReceipts(ctx, userID)
	if err != nil {
		return nil, err
	}
	data, err := WriteReceiptsXLSX(receipts)
	if err != nil {
		return nil, err
	}
	slog.Info("Exported receipts", "user", userID, "count", len(receipts), "bytes", len(data))
	return data, nil
}
