// ============================================================================
// docflow Field Extractor
// ============================================================================
//
// Package: internal/extractor
// File: extractor.go
// Purpose: Turn parsed document elements into an ExtractedRecord.
//
// Algorithm:
//   1. Walk non-table elements line by line. For every field still empty,
//      try its label patterns (longest label first). The first line whose
//      label matches wins; the rest of the line is the value. A label that
//      ends in ":" with nothing after it takes the next non-label line.
//   2. Convert table elements into line items (tables.go).
//
// Extraction is best-effort: malformed input yields empty fields, never an
// error. Output depends only on the input elements.
//
// ============================================================================

package extractor

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ChuLiYu/docflow/internal/normalize"
	"github.com/ChuLiYu/docflow/pkg/types"
)

type field int

const (
	fieldReference field = iota
	fieldDocumentNumber
	fieldCounterparty
	fieldCounterpart
	fieldTotal
	numFields
)

var (
	poLabels = []string{
		"purchase order number", "purchase order no", "purchase order #",
		"po number", "po no", "po #", "po reference", "po ref", "p.o. number", "p.o. no",
		"order number",
	}
	counterpartyLabels = []string{"vendor name", "vendor", "supplier name", "supplier", "seller", "sold by"}
	counterpartLabels  = []string{"bill to", "billed to", "buyer", "customer", "ship to", "deliver to"}
	totalLabels        = []string{"total amount due", "total amount", "grand total", "amount due", "invoice total", "total due", "total"}

	referenceLabels = map[types.DocumentKind][]string{
		types.DocInvoice:       {"invoice number", "invoice no", "invoice #", "invoice id"},
		types.DocPurchaseOrder: poLabels,
		types.DocGoodsReceipt:  {"grn number", "grn no", "grn #", "goods receipt number", "goods receipt no", "receipt number"},
	}
)

// rule binds labels to a field.
type rule struct {
	field  field
	labels []string // 依長度遞減排序，避免 "po no" 搶走 "po number"
	amount bool
}

func byLengthDesc(labels []string) []string {
	out := append([]string(nil), labels...)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func rulesFor(kind types.DocumentKind) []rule {
	return []rule{
		{field: fieldReference, labels: byLengthDesc(referenceLabels[kind])},
		{field: fieldDocumentNumber, labels: byLengthDesc(poLabels)},
		{field: fieldCounterparty, labels: byLengthDesc(counterpartyLabels)},
		{field: fieldCounterpart, labels: byLengthDesc(counterpartLabels)},
		{field: fieldTotal, labels: byLengthDesc(totalLabels), amount: true},
	}
}

// Extract builds a record of the given kind from elements.
func Extract(elements []types.Element, kind types.DocumentKind) types.ExtractedRecord {
	rec := types.ExtractedRecord{Kind: kind, LineItems: []types.LineItem{}}

	lines := textLines(elements)
	values := scanLabels(lines, rulesFor(kind))

	rec.Reference = values[fieldReference]
	rec.DocumentNumber = values[fieldDocumentNumber]
	rec.CounterpartyName = values[fieldCounterparty]
	rec.CounterpartName = values[fieldCounterpart]
	rec.TotalAmount = values[fieldTotal]

	for _, el := range elements {
		if grid := tableGrid(el); len(grid) > 0 {
			rec.LineItems = append(rec.LineItems, lineItems(grid)...)
		}
	}
	return rec
}

// Degraded reports whether the record is missing header fields or items.
func Degraded(rec types.ExtractedRecord) bool {
	return rec.DocumentNumber == "" || rec.CounterpartyName == "" ||
		rec.CounterpartName == "" || rec.TotalAmount == "" || len(rec.LineItems) == 0
}

// MissingFields names the empty header fields, for logging.
func MissingFields(rec types.ExtractedRecord) []string {
	var missing []string
	if rec.DocumentNumber == "" {
		missing = append(missing, "document_number")
	}
	if rec.CounterpartyName == "" {
		missing = append(missing, "counterparty_name")
	}
	if rec.CounterpartName == "" {
		missing = append(missing, "counterpart_name")
	}
	if rec.TotalAmount == "" {
		missing = append(missing, "total_amount")
	}
	if len(rec.LineItems) == 0 {
		missing = append(missing, "line_items")
	}
	return missing
}

// textLines flattens every non-table element into cleaned lines.
func textLines(elements []types.Element) []string {
	var lines []string
	for _, el := range elements {
		if el.Type == types.ElementTable || el.Table != nil {
			continue
		}
		for _, l := range strings.Split(el.Text, "\n") {
			l = strings.TrimSpace(strings.ReplaceAll(l, "**", ""))
			if l != "" {
				lines = append(lines, l)
			}
		}
	}
	return lines
}

func scanLabels(lines []string, rules []rule) [numFields]string {
	var values [numFields]string
	for i, line := range lines {
		for _, r := range rules {
			if values[r.field] != "" {
				continue
			}
			rest, ok := matchLabel(line, r.labels)
			if !ok {
				continue
			}
			value := cleanValue(rest)
			if value == "" && strings.Contains(rest, ":") {
				value = nextValue(lines[i+1:], rules)
			}
			if value == "" {
				continue
			}
			if r.amount && !looksLikeAmount(value) {
				continue
			}
			values[r.field] = value
		}
	}
	return values
}

// matchLabel reports whether line starts with one of labels (case-insensitive)
// followed by a non-letter, and returns the remainder.
func matchLabel(line string, labels []string) (string, bool) {
	lower := strings.ToLower(line)
	for _, label := range labels {
		if !strings.HasPrefix(lower, label) {
			continue
		}
		rest := line[len(label):]
		if r, _ := utf8.DecodeRuneInString(rest); rest != "" && (unicode.IsLetter(r) || unicode.IsDigit(r) && isWordLabel(label)) {
			continue
		}
		return rest, true
	}
	return "", false
}

// isWordLabel is true when the label ends in a letter, so "po no123" is not
// read as the label "po no".
func isWordLabel(label string) bool {
	r, _ := utf8.DecodeLastRuneInString(label)
	return unicode.IsLetter(r)
}

func cleanValue(rest string) string {
	return strings.TrimSpace(strings.TrimLeft(rest, " \t:#.-–"))
}

// nextValue returns the first following line that is not itself a label line.
func nextValue(lines []string, rules []rule) string {
	for _, l := range lines {
		for _, r := range rules {
			if _, ok := matchLabel(l, r.labels); ok {
				return ""
			}
		}
		return l
	}
	return ""
}

// looksLikeAmount accepts values whose first token, after currency markers,
// starts with a digit, sign, decimal point or parenthesis.
func looksLikeAmount(v string) bool {
	a := normalize.Amount(v)
	if a == "" {
		return false
	}
	switch c := a[0]; {
	case c >= '0' && c <= '9', c == '-', c == '.', c == '(':
		return normalize.HasDigit(a)
	}
	return false
}
