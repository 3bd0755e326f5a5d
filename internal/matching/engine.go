// ============================================================================
// docflow Matching Engine - three-way match
// ============================================================================
//
// Package: internal/matching
// File: engine.go
// Purpose: Reconcile an invoice against its purchase order and goods
//          receipt. Pure function, no I/O.
//
// Checks:
//   Header (invoice vs PO), fixed order:
//     PO Number     document_number
//     Vendor        counterparty_name
//     Bill To       counterpart_name
//     Total Amount  total_amount       (numeric when both sides parse)
//
//   Items (invoice-driven): every invoice line is looked up by exact
//   normalised name in the PO (first occurrence wins). Missing -> not_in_po;
//   quantity or unit price differing -> value_mismatch; else a match.
//   PO-only lines are not penalised.
//
//   GRN: the same walk against the goods receipt, reported separately in
//   grn_matches / grn_discrepancies. Quantity is always compared; unit
//   price only when the receipt line carries one. GRN results do not
//   affect the score.
//
// Score:
//   total_checks = 4 + len(invoice.line_items)
//   pct          = 100 * (header_matches + item_matches) / total_checks
//   status       = complete_match (100) | no_match (0) | partial_match
//
// ============================================================================

package matching

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/docflow/internal/normalize"
	"github.com/ChuLiYu/docflow/pkg/types"
)

var (
	// ErrMissingDocument means one of the three kinds was not supplied.
	ErrMissingDocument = errors.New("matching: missing document")
	// ErrDuplicateKind means two records share a kind.
	ErrDuplicateKind = errors.New("matching: duplicate document kind")
)

// Header field display names.
const (
	FieldPONumber    = "PO Number"
	FieldVendor      = "Vendor"
	FieldBillTo      = "Bill To"
	FieldTotalAmount = "Total Amount"
)

// HeaderFieldCount is the fixed number of header checks.
const HeaderFieldCount = 4

type headerField struct {
	name   string
	value  func(types.ExtractedRecord) string
	amount bool
}

var headerFields = [HeaderFieldCount]headerField{
	{name: FieldPONumber, value: func(r types.ExtractedRecord) string { return r.DocumentNumber }},
	{name: FieldVendor, value: func(r types.ExtractedRecord) string { return r.CounterpartyName }},
	{name: FieldBillTo, value: func(r types.ExtractedRecord) string { return r.CounterpartName }},
	{name: FieldTotalAmount, value: func(r types.ExtractedRecord) string { return r.TotalAmount }, amount: true},
}

// MatchRecords orders records by kind and runs Match. Input order is
// irrelevant; exactly one record per kind is required.
func MatchRecords(records []types.ExtractedRecord) (types.MatchReport, error) {
	byKind := make(map[types.DocumentKind]types.ExtractedRecord, 3)
	for _, r := range records {
		if !r.Kind.Valid() {
			return types.MatchReport{}, fmt.Errorf("matching: unknown document kind %q", r.Kind)
		}
		if _, dup := byKind[r.Kind]; dup {
			return types.MatchReport{}, fmt.Errorf("%w: %s", ErrDuplicateKind, r.Kind)
		}
		byKind[r.Kind] = r
	}
	for _, k := range []types.DocumentKind{types.DocInvoice, types.DocPurchaseOrder, types.DocGoodsReceipt} {
		if _, ok := byKind[k]; !ok {
			return types.MatchReport{}, fmt.Errorf("%w: %s", ErrMissingDocument, k)
		}
	}
	return Match(byKind[types.DocInvoice], byKind[types.DocPurchaseOrder], byKind[types.DocGoodsReceipt]), nil
}

// Match runs the three-way comparison.
func Match(invoice, po, grn types.ExtractedRecord) types.MatchReport {
	report := types.MatchReport{
		HeaderMatches:       []types.HeaderMatch{},
		HeaderDiscrepancies: []types.HeaderDiscrepancy{},
		ItemMatches:         []types.ItemMatch{},
		ItemDiscrepancies:   []types.ItemDiscrepancy{},
		GRNMatches:          []types.ItemMatch{},
		GRNDiscrepancies:    []types.ItemDiscrepancy{},
		Documents: types.MatchDocuments{
			Invoice:       invoice,
			PurchaseOrder: po,
			GoodsReceipt:  grn,
		},
	}

	// Header
	for _, f := range headerFields {
		iv, pv := f.value(invoice), f.value(po)
		if headerEqual(iv, pv, f.amount) {
			report.HeaderMatches = append(report.HeaderMatches, types.HeaderMatch{Field: f.name, Value: iv})
		} else {
			report.HeaderDiscrepancies = append(report.HeaderDiscrepancies, types.HeaderDiscrepancy{
				Field: f.name, InvoiceValue: iv, POValue: pv,
			})
		}
	}

	// Items vs PO
	poIndex := indexByName(po.LineItems)
	for _, item := range invoice.LineItems {
		other, ok := poIndex[normalize.Text(item.Name)]
		if !ok {
			report.ItemDiscrepancies = append(report.ItemDiscrepancies, types.ItemDiscrepancy{Name: item.Name, Reason: types.ReasonNotInPO})
			continue
		}
		if diffs := compareItem(item, other, true); len(diffs) > 0 {
			report.ItemDiscrepancies = append(report.ItemDiscrepancies, types.ItemDiscrepancy{
				Name: item.Name, Reason: types.ReasonValueMismatch, Differences: diffs,
			})
			continue
		}
		report.ItemMatches = append(report.ItemMatches, types.ItemMatch{Name: item.Name, Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}

	// Items vs GRN
	grnIndex := indexByName(grn.LineItems)
	for _, item := range invoice.LineItems {
		other, ok := grnIndex[normalize.Text(item.Name)]
		if !ok {
			report.GRNDiscrepancies = append(report.GRNDiscrepancies, types.ItemDiscrepancy{Name: item.Name, Reason: types.ReasonNotInGRN})
			continue
		}
		// 收貨單常沒有單價：只有在有值時才比較
		if diffs := compareItem(item, other, other.UnitPrice != ""); len(diffs) > 0 {
			report.GRNDiscrepancies = append(report.GRNDiscrepancies, types.ItemDiscrepancy{
				Name: item.Name, Reason: types.ReasonValueMismatch, Differences: diffs,
			})
			continue
		}
		report.GRNMatches = append(report.GRNMatches, types.ItemMatch{Name: item.Name, Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}

	// Score
	report.TotalChecks = HeaderFieldCount + len(invoice.LineItems)
	matches := len(report.HeaderMatches) + len(report.ItemMatches)
	report.MatchPercentage = 100 * float64(matches) / float64(report.TotalChecks)
	report.Status = statusFor(matches, report.TotalChecks)
	return report
}

func statusFor(matches, total int) types.MatchStatus {
	switch {
	case matches == total:
		return types.MatchComplete
	case matches == 0:
		return types.MatchNone
	default:
		return types.MatchPartial
	}
}

func headerEqual(a, b string, amount bool) bool {
	if amount {
		return normalize.EqualAmount(a, b)
	}
	return normalize.EqualText(a, b)
}

// indexByName maps normalised names to the first item carrying them.
func indexByName(items []types.LineItem) map[string]types.LineItem {
	idx := make(map[string]types.LineItem, len(items))
	for _, it := range items {
		key := normalize.Text(it.Name)
		if _, seen := idx[key]; !seen {
			idx[key] = it
		}
	}
	return idx
}

func compareItem(inv, other types.LineItem, withPrice bool) []types.FieldDifference {
	var diffs []types.FieldDifference
	if !normalize.EqualAmount(inv.Quantity, other.Quantity) {
		diffs = append(diffs, types.FieldDifference{Field: "quantity", Invoice: inv.Quantity, Other: other.Quantity})
	}
	if withPrice && !normalize.EqualAmount(inv.UnitPrice, other.UnitPrice) {
		diffs = append(diffs, types.FieldDifference{Field: "unit_price", Invoice: inv.UnitPrice, Other: other.UnitPrice})
	}
	return diffs
}
