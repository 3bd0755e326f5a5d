package types

// DocumentKind 商業單據種類
type DocumentKind string

const (
	DocInvoice       DocumentKind = "invoice"
	DocPurchaseOrder DocumentKind = "purchase_order"
	DocGoodsReceipt  DocumentKind = "goods_receipt"
)

// Valid reports whether k is one of the three reconcilable document kinds.
func (k DocumentKind) Valid() bool {
	switch k {
	case DocInvoice, DocPurchaseOrder, DocGoodsReceipt:
		return true
	}
	return false
}

// ElementType classifies a parsed element.
type ElementType string

const (
	ElementTitle    ElementType = "Title"
	ElementText     ElementType = "NarrativeText"
	ElementListItem ElementType = "ListItem"
	ElementTable    ElementType = "Table"
	ElementHeader   ElementType = "Header"
)

// Element is one typed unit of parser output.
type Element struct {
	Type  ElementType `json:"type"`
	Text  string      `json:"text"`
	Table *Table      `json:"table,omitempty"` // 結構化表格（解析器有提供時）
	Page  int         `json:"page,omitempty"`
}

// Table is a grid of cells; Headers may be empty when the first row is the header.
type Table struct {
	Headers []string   `json:"headers,omitempty"`
	Rows    [][]string `json:"rows"`
}

// LineItem 單據明細行。數值欄位保留原始字串，比對時再正規化
type LineItem struct {
	Name      string `json:"name"`
	Quantity  string `json:"quantity,omitempty"`
	UnitPrice string `json:"unit_price,omitempty"`
	LineTotal string `json:"line_total,omitempty"`
}

// ExtractedRecord holds the fields pulled out of one business document.
// Missing fields are empty strings.
type ExtractedRecord struct {
	Kind             DocumentKind `json:"kind"`
	Reference        string       `json:"reference,omitempty"` // 單據自身編號
	DocumentNumber   string       `json:"document_number"`     // 所參照的採購單號
	CounterpartyName string       `json:"counterparty_name"`   // 供應商
	CounterpartName  string       `json:"counterpart_name"`    // 買方 / Bill To
	TotalAmount      string       `json:"total_amount"`
	LineItems        []LineItem   `json:"line_items"`
}

// MatchStatus 三方比對結果等級
type MatchStatus string

const (
	MatchComplete MatchStatus = "complete_match"
	MatchPartial  MatchStatus = "partial_match"
	MatchNone     MatchStatus = "no_match"
)

// Item discrepancy reasons.
const (
	ReasonNotInPO       = "not_in_po"
	ReasonNotInGRN      = "not_in_grn"
	ReasonValueMismatch = "value_mismatch"
)

type HeaderMatch struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type HeaderDiscrepancy struct {
	Field        string `json:"field"`
	InvoiceValue string `json:"invoice_value"`
	POValue      string `json:"po_value"`
}

type ItemMatch struct {
	Name      string `json:"name"`
	Quantity  string `json:"quantity,omitempty"`
	UnitPrice string `json:"unit_price,omitempty"`
}

// FieldDifference is one differing line-item field; Other is the PO or GRN value.
type FieldDifference struct {
	Field   string `json:"field"`
	Invoice string `json:"invoice"`
	Other   string `json:"other"`
}

type ItemDiscrepancy struct {
	Name        string            `json:"name"`
	Reason      string            `json:"reason"`
	Differences []FieldDifference `json:"differences,omitempty"`
}

type MatchDocuments struct {
	Invoice       ExtractedRecord `json:"invoice"`
	PurchaseOrder ExtractedRecord `json:"purchase_order"`
	GoodsReceipt  ExtractedRecord `json:"goods_receipt"`
}

// MatchReport is the outcome of a three-way match.
type MatchReport struct {
	Status              MatchStatus         `json:"status"`
	MatchPercentage     float64             `json:"match_percentage"`
	TotalChecks         int                 `json:"total_checks"`
	HeaderMatches       []HeaderMatch       `json:"header_matches"`
	HeaderDiscrepancies []HeaderDiscrepancy `json:"header_discrepancies"`
	ItemMatches         []ItemMatch         `json:"item_matches"`
	ItemDiscrepancies   []ItemDiscrepancy   `json:"item_discrepancies"`
	GRNMatches          []ItemMatch         `json:"grn_matches"`
	GRNDiscrepancies    []ItemDiscrepancy   `json:"grn_discrepancies"`
	Documents           MatchDocuments      `json:"documents"`
}
