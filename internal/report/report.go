// Package report renders match reports as spreadsheets.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// Sheet names, in workbook order.
const (
	SheetSummary = "Summary"
	SheetHeader  = "Header"
	SheetItems   = "Items"
	SheetGRN     = "GRN"
)

// sheetWriter writes rows top-down on one sheet.
type sheetWriter struct {
	f     *excelize.File
	sheet string
	row   int
	err   error
}

func (w *sheetWriter) write(values ...any) {
	if w.err != nil {
		return
	}
	w.row++
	cell, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetSheetRow(w.sheet, cell, &values)
}

// Workbook builds the xlsx for a report.
func Workbook(r types.MatchReport) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), SheetSummary); err != nil {
		f.Close()
		return nil, err
	}
	for _, s := range []string{SheetHeader, SheetItems, SheetGRN} {
		if _, err := f.NewSheet(s); err != nil {
			f.Close()
			return nil, err
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}

	writers := []*sheetWriter{
		summary(f, r),
		headers(f, r),
		items(f, SheetItems, "PO", r.ItemMatches, r.ItemDiscrepancies),
		items(f, SheetGRN, "GRN", r.GRNMatches, r.GRNDiscrepancies),
	}
	for _, w := range writers {
		if w.err != nil {
			f.Close()
			return nil, fmt.Errorf("sheet %s: %w", w.sheet, w.err)
		}
		_ = f.SetRowStyle(w.sheet, 1, 1, bold)
		_ = f.SetColWidth(w.sheet, "A", "A", 24)
		_ = f.SetColWidth(w.sheet, "B", "E", 20)
	}

	idx, _ := f.GetSheetIndex(SheetSummary)
	f.SetActiveSheet(idx)
	return f, nil
}

// Write renders the report to w.
func Write(w io.Writer, r types.MatchReport) error {
	f, err := Workbook(r)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func summary(f *excelize.File, r types.MatchReport) *sheetWriter {
	w := &sheetWriter{f: f, sheet: SheetSummary}
	w.write("Field", "Value")
	w.write("Status", string(r.Status))
	w.write("Match %", r.MatchPercentage)
	w.write("Total checks", r.TotalChecks)
	w.write("Header matches", len(r.HeaderMatches))
	w.write("Item matches", len(r.ItemMatches))
	w.write("Item discrepancies", len(r.ItemDiscrepancies))
	w.write("GRN discrepancies", len(r.GRNDiscrepancies))
	w.write("Invoice", r.Documents.Invoice.Reference)
	w.write("Purchase order", r.Documents.PurchaseOrder.Reference)
	w.write("Goods receipt", r.Documents.GoodsReceipt.Reference)
	return w
}

func headers(f *excelize.File, r types.MatchReport) *sheetWriter {
	w := &sheetWriter{f: f, sheet: SheetHeader}
	w.write("Field", "Result", "Invoice", "PO")
	for _, m := range r.HeaderMatches {
		w.write(m.Field, "match", m.Value, m.Value)
	}
	for _, d := range r.HeaderDiscrepancies {
		w.write(d.Field, "mismatch", d.InvoiceValue, d.POValue)
	}
	return w
}

func items(f *excelize.File, sheet, against string, matches []types.ItemMatch, discrepancies []types.ItemDiscrepancy) *sheetWriter {
	w := &sheetWriter{f: f, sheet: sheet}
	w.write("Item", "Result", "Quantity", "Unit price", "Differences vs "+against)
	for _, m := range matches {
		w.write(m.Name, "match", m.Quantity, m.UnitPrice, "")
	}
	for _, d := range discrepancies {
		var diffs []string
		for _, fd := range d.Differences {
			diffs = append(diffs, fmt.Sprintf("%s: %s vs %s", fd.Field, fd.Invoice, fd.Other))
		}
		w.write(d.Name, d.Reason, "", "", strings.Join(diffs, "; "))
	}
	return w
}
