package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/docflow/pkg/types"
)

func text(s string) types.Element {
	return types.Element{Type: types.ElementText, Text: s}
}

func invoiceElements() []types.Element {
	return []types.Element{
		{Type: types.ElementTitle, Text: "INVOICE"},
		text("Invoice Number: INV-1001\nPO Number: PO-77\nVendor: Acme Supplies Ltd\nBill To: Globex Corp"),
		{Type: types.ElementTable, Table: &types.Table{
			Headers: []string{"#", "Description", "Qty", "Unit Price", "Amount"},
			Rows: [][]string{
				{"1", "Widget", "10", "$5.00", "$50.00"},
				{"2", "Gadget", "2", "$100.00", "$200.00"},
				{"", "Subtotal", "", "", "$250.00"},
			},
		}},
		text("Subtotal: $250.00\nTotal: $253.00"),
	}
}

func TestExtract_Invoice(t *testing.T) {
	rec := Extract(invoiceElements(), types.DocInvoice)

	assert.Equal(t, types.DocInvoice, rec.Kind)
	assert.Equal(t, "INV-1001", rec.Reference)
	assert.Equal(t, "PO-77", rec.DocumentNumber)
	assert.Equal(t, "Acme Supplies Ltd", rec.CounterpartyName)
	assert.Equal(t, "Globex Corp", rec.CounterpartName)
	assert.Equal(t, "$253.00", rec.TotalAmount)

	require.Len(t, rec.LineItems, 2)
	assert.Equal(t, types.LineItem{Name: "Widget", Quantity: "10", UnitPrice: "$5.00", LineTotal: "$50.00"}, rec.LineItems[0])
	assert.Equal(t, "Gadget", rec.LineItems[1].Name)
	assert.False(t, Degraded(rec))
}

func TestExtract_PurchaseOrderUsesOwnNumber(t *testing.T) {
	els := []types.Element{
		{Type: types.ElementTitle, Text: "PURCHASE ORDER"},
		text("P.O. Number: PO-77\nSupplier: Acme Supplies Ltd\nBuyer: Globex Corp\nTotal: $900.00 Tax (10%)"),
	}
	rec := Extract(els, types.DocPurchaseOrder)

	assert.Equal(t, "PO-77", rec.Reference)
	assert.Equal(t, "PO-77", rec.DocumentNumber)
	assert.Equal(t, "Acme Supplies Ltd", rec.CounterpartyName)
	assert.Equal(t, "Globex Corp", rec.CounterpartName)
	assert.Equal(t, "$900.00 Tax (10%)", rec.TotalAmount)
}

func TestExtract_ValueOnNextLine(t *testing.T) {
	els := []types.Element{
		text("Bill To:\nGlobex Corp\n42 Main Street\nVendor:\nSupplier Name: Acme"),
	}
	rec := Extract(els, types.DocInvoice)

	assert.Equal(t, "Globex Corp", rec.CounterpartName)
	// "Vendor:" is followed by another label line, so the supplier label wins
	assert.Equal(t, "Acme", rec.CounterpartyName)
}

func TestExtract_FirstMatchWins(t *testing.T) {
	els := []types.Element{
		text("PO Number: PO-1"),
		text("PO Number: PO-2"),
	}
	rec := Extract(els, types.DocGoodsReceipt)
	assert.Equal(t, "PO-1", rec.DocumentNumber)
}

func TestExtract_TotalIgnoresNonAmounts(t *testing.T) {
	els := []types.Element{
		text("Total Quantity: 12\nSubtotal: $10.00\nGrand Total: USD 1,200.50"),
	}
	rec := Extract(els, types.DocInvoice)
	assert.Equal(t, "USD 1,200.50", rec.TotalAmount)
}

func TestExtract_LabelNeedsWordBoundary(t *testing.T) {
	els := []types.Element{
		text("Vendors list attached\nTotality of goods: none\nCustomerService: n/a"),
	}
	rec := Extract(els, types.DocInvoice)
	assert.Empty(t, rec.CounterpartyName)
	assert.Empty(t, rec.TotalAmount)
	assert.Empty(t, rec.CounterpartName)
}

func TestExtract_MarkdownBold(t *testing.T) {
	rec := Extract([]types.Element{text("**Invoice No.:** INV-9\n**Vendor:** Initech")}, types.DocInvoice)
	assert.Equal(t, "INV-9", rec.Reference)
	assert.Equal(t, "Initech", rec.CounterpartyName)
}

// A document with no recognisable table yields an empty, non-nil item list.
func TestExtract_NoTable(t *testing.T) {
	rec := Extract([]types.Element{text("Dear customer, thank you for your order.")}, types.DocInvoice)

	assert.NotNil(t, rec.LineItems)
	assert.Empty(t, rec.LineItems)
	assert.Empty(t, rec.DocumentNumber)
	assert.True(t, Degraded(rec))
	assert.Equal(t, []string{"document_number", "counterparty_name", "counterpart_name", "total_amount", "line_items"}, MissingFields(rec))
}

func TestExtract_NeverPanicsOnJunk(t *testing.T) {
	inputs := [][]types.Element{
		nil,
		{{Type: types.ElementTable}},
		{{Type: types.ElementTable, Table: &types.Table{}}},
		{{Type: types.ElementTable, Table: &types.Table{Rows: [][]string{{}, {"x"}}}}},
		{text(":::\n\n|||")},
		{text("Total:")},
	}
	for _, els := range inputs {
		assert.NotPanics(t, func() { Extract(els, types.DocInvoice) })
	}
}

func TestExtract_Deterministic(t *testing.T) {
	a := Extract(invoiceElements(), types.DocInvoice)
	b := Extract(invoiceElements(), types.DocInvoice)
	assert.Equal(t, a, b)
}

// ============================================================================
// Tables
// ============================================================================

func TestLineItems_HeaderMapping(t *testing.T) {
	grid := [][]string{
		{"Item Code", "Item Description", "Qty Ordered", "Qty Received", "Rate", "Total Price"},
		{"A-1", "Steel Bolt", "100", "90", "0.50", "45.00"},
	}
	items := lineItems(grid)
	require.Len(t, items, 1)
	assert.Equal(t, types.LineItem{Name: "Steel Bolt", Quantity: "90", UnitPrice: "0.50", LineTotal: "45.00"}, items[0])
}

func TestLineItems_PositionalFallback(t *testing.T) {
	grid := [][]string{
		{"Artikel", "Menge", "Preis", "Summe"}, // unrecognised header
		{"Widget", "10", "5.00", "50.00"},
		{"Gadget", "2", "100.00"},
	}
	items := lineItems(grid)
	require.Len(t, items, 2)
	assert.Equal(t, "Widget", items[0].Name)
	assert.Equal(t, "50.00", items[0].LineTotal)
	assert.Equal(t, "", items[1].LineTotal)
}

// The first row is the header even when it looks like data.
func TestLineItems_FirstRowIsAlwaysHeader(t *testing.T) {
	grid := [][]string{
		{"Widget", "10", "5.00", "50.00"},
		{"Gadget", "2", "100.00", "200.00"},
	}
	items := lineItems(grid)
	require.Len(t, items, 1)
	assert.Equal(t, "Gadget", items[0].Name)

	assert.Empty(t, lineItems([][]string{{"Widget", "10", "5.00"}}), "a lone header row has no items")
}

func TestLineItems_SkipsBadRows(t *testing.T) {
	grid := [][]string{
		{"Description", "Quantity", "Price"},
		{"", "1", "2"},          // no name
		{"Notes", "n/a", "tbd"}, // no numeric column
		{"Tax (10%)", "", "25"}, // summary row
		{"Cable", "3", "$4.99"},
	}
	items := lineItems(grid)
	require.Len(t, items, 1)
	assert.Equal(t, "Cable", items[0].Name)
}

func TestParseTextTable_Markdown(t *testing.T) {
	grid := ParseTextTable("| Item | Qty | Price |\n|------|:---:|------:|\n| Widget | 10 | $5.00 |\n| Gadget | 2 | $100 |\n")
	assert.Equal(t, [][]string{
		{"Item", "Qty", "Price"},
		{"Widget", "10", "$5.00"},
		{"Gadget", "2", "$100"},
	}, grid)
}

func TestParseTextTable_Whitespace(t *testing.T) {
	grid := ParseTextTable("Description    Qty    Unit Price\nBlue Pen       12     1.20\n\nRed Pen\t3\t1.10")
	assert.Equal(t, [][]string{
		{"Description", "Qty", "Unit Price"},
		{"Blue Pen", "12", "1.20"},
		{"Red Pen", "3", "1.10"},
	}, grid)
}

func TestExtract_TextTableElement(t *testing.T) {
	els := []types.Element{
		{Type: types.ElementTable, Text: "| Product | Quantity | Unit Price |\n|---|---|---|\n| Widget | 10 | 5.00 |"},
	}
	rec := Extract(els, types.DocPurchaseOrder)
	require.Len(t, rec.LineItems, 1)
	assert.Equal(t, "Widget", rec.LineItems[0].Name)
	assert.Equal(t, "10", rec.LineItems[0].Quantity)
}

// ============================================================================
// Kind inference
// ============================================================================

func TestInferKind(t *testing.T) {
	tests := []struct {
		name string
		els  []types.Element
		want types.DocumentKind
		ok   bool
	}{
		{"invoice title", invoiceElements(), types.DocInvoice, true},
		{"po title line", []types.Element{text("Purchase Order\nPO Number: 1")}, types.DocPurchaseOrder, true},
		{"grn title", []types.Element{{Type: types.ElementTitle, Text: "Goods Receipt Note"}, text("Invoice ref: INV-1")}, types.DocGoodsReceipt, true},
		{"by count", []types.Element{text("Please reference this purchase order on every invoice.\nThe purchase order governs.")}, types.DocPurchaseOrder, true},
		{"nothing", []types.Element{text("hello world")}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := InferKind(tt.els)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
