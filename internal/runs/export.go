package runs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/invoice-reconciler/internal/invoice"
)

const (
	matchesSheet = "Matches"
	invoiceSheet = "Invoice"
)

var lineItemHeaders = []string{"Description", "HSN/SAC", "Quantity", "Unit", "Rate", "Total Price"}

func lineItemRow(item invoice.LineItem) []any {
	return []any{item.Description, item.HSNSAC, item.Quantity, item.Unit, item.Rate, item.TotalPrice}
}

// ExportMatches builds an XLSX workbook for a run: its matches with every
// pending order field, and the extracted invoice.
func (s *Service) ExportMatches(id string) ([]byte, error) {
	start := time.Now()

	run, err := s.db.GetRun(id)
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", matchesSheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}
	if _, err := f.NewSheet(invoiceSheet); err != nil {
		return nil, fmt.Errorf("creating sheet: %w", err)
	}

	if err := writeMatches(f, run.Output.POMatch); err != nil {
		return nil, err
	}
	if err := writeInvoice(f, run); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	slog.Info("Exported matches",
		"id", id,
		"rows", len(run.Output.POMatch),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("writing %s row %d: %w", sheet, row, err)
	}
	return nil
}

// writeMatches puts one match per row, followed by the union of the
// pending order fields in name order
func writeMatches(f *excelize.File, matches []invoice.Match) error {
	orders := make([]map[string]any, len(matches))
	var keys []string
	for i, m := range matches {
		fields, err := m.POItem.Fields()
		if err != nil {
			return err
		}
		orders[i] = fields
		for k := range fields {
			if !slices.Contains(keys, k) {
				keys = append(keys, k)
			}
		}
	}
	slices.Sort(keys)

	header := make([]any, 0, len(lineItemHeaders)+len(keys))
	for _, h := range lineItemHeaders {
		header = append(header, h)
	}
	for _, k := range keys {
		header = append(header, "PO "+k)
	}
	if err := writeRow(f, matchesSheet, 1, header); err != nil {
		return err
	}

	for i, m := range matches {
		values := lineItemRow(m.InvoiceItem)
		for _, k := range keys {
			values = append(values, cellValue(orders[i][k]))
		}
		if err := writeRow(f, matchesSheet, i+2, values); err != nil {
			return err
		}
	}

	_ = f.SetColWidth(matchesSheet, "A", "A", 32)
	return nil
}

func writeInvoice(f *excelize.File, run *Run) error {
	rec := run.Output.InvoiceData
	rows := [][]any{
		{"Invoice Number", rec.InvoiceNumber},
		{"Invoice Date", rec.InvoiceDate},
		{"Supplier", rec.Supplier},
		{"GSTIN", run.Identifier},
		{"Outcome", string(run.Outcome)},
		{},
	}
	header := make([]any, 0, len(lineItemHeaders))
	for _, h := range lineItemHeaders {
		header = append(header, h)
	}
	rows = append(rows, header)
	for _, item := range rec.ProductsServices {
		rows = append(rows, lineItemRow(item))
	}

	for i, values := range rows {
		if len(values) == 0 {
			continue
		}
		if err := writeRow(f, invoiceSheet, i+1, values); err != nil {
			return err
		}
	}

	_ = f.SetColWidth(invoiceSheet, "A", "A", 32)
	return nil
}

// cellValue flattens nested order fields into text
func cellValue(v any) any {
	switch v := v.(type) {
	case nil:
		return ""
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return v
	}
}
