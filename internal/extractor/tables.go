package extractor

import (
	"regexp"
	"strings"

	"github.com/ChuLiYu/docflow/internal/normalize"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// columns holds the cell index of each line-item field; -1 when absent.
type columns struct {
	name, qty, price, total int
}

var nameTerms = []string{"description", "product", "particulars", "article", "service", "material", "details", "name", "item"}

var summaryRows = []string{"subtotal", "sub total", "sub-total", "total", "grand total", "tax", "vat", "gst", "shipping", "freight", "discount", "amount due", "balance due"}

var (
	multiSpaceRe = regexp.MustCompile(`\t+|\s{2,}`)
	separatorRe  = regexp.MustCompile(`^[\s|:+=-]+$`)
)

// ParseTextTable splits a text table into a grid. Pipe tables (markdown)
// are split on "|", anything else on tabs or runs of two or more spaces.
// Markdown separator rows are dropped.
func ParseTextTable(text string) [][]string {
	var lines []string
	piped := 0
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
		if strings.Contains(l, "|") {
			piped++
		}
	}
	if len(lines) == 0 {
		return nil
	}

	var grid [][]string
	for _, l := range lines {
		if separatorRe.MatchString(l) {
			continue
		}
		var cells []string
		if piped*2 >= len(lines) {
			cells = splitPipeRow(l)
		} else {
			cells = multiSpaceRe.Split(strings.TrimSpace(l), -1)
		}
		if len(cells) < 2 {
			continue
		}
		grid = append(grid, cells)
	}
	return grid
}

func splitPipeRow(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	cells := strings.Split(line, "|")
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

// tableGrid returns the rows of a table element (header row first), or nil.
func tableGrid(el types.Element) [][]string {
	if el.Table != nil {
		grid := make([][]string, 0, len(el.Table.Rows)+1)
		if len(el.Table.Headers) > 0 {
			grid = append(grid, el.Table.Headers)
		}
		return append(grid, el.Table.Rows...)
	}
	if el.Type == types.ElementTable {
		return ParseTextTable(el.Text)
	}
	return nil
}

// lineItems maps grid rows to line items. The first row is always the
// header; when its cells do not name the columns, columns are positional
// (name, quantity, unit price, line total).
func lineItems(grid [][]string) []types.LineItem {
	if len(grid) < 2 {
		return nil
	}
	cols, ok := mapHeaders(grid[0])
	rows := grid[1:]
	if !ok {
		if len(grid[0]) < 2 {
			return nil
		}
		cols = columns{name: 0, qty: 1, price: 2, total: 3}
	}

	var items []types.LineItem
	for _, row := range rows {
		item := types.LineItem{
			Name:      cell(row, cols.name),
			Quantity:  cell(row, cols.qty),
			UnitPrice: cell(row, cols.price),
			LineTotal: cell(row, cols.total),
		}
		if item.Name == "" || isSummaryRow(item.Name) {
			continue
		}
		if !numeric(item.Quantity) && !numeric(item.UnitPrice) && !numeric(item.LineTotal) {
			continue
		}
		items = append(items, item)
	}
	return items
}

func mapHeaders(header []string) (columns, bool) {
	cols := columns{name: -1, qty: -1, price: -1, total: -1}
	namePriority := len(nameTerms)

	for i, h := range header {
		n := normalize.Text(h)
		switch {
		case n == "":
		case containsAny(n, "total", "amount", "extended", "ext."):
			if cols.total < 0 {
				cols.total = i
			}
		case containsAny(n, "price", "rate", "cost"):
			if cols.price < 0 {
				cols.price = i
			}
		case containsAny(n, "qty", "quantity", "units", "ordered", "received", "delivered"):
			// 收貨單同時有訂購量與實收量時，以實收量為準
			if cols.qty < 0 || containsAny(n, "received", "delivered") {
				cols.qty = i
			}
		default:
			for p, term := range nameTerms {
				if p < namePriority && strings.Contains(n, term) {
					cols.name = i
					namePriority = p
					break
				}
			}
		}
	}
	ok := cols.name >= 0 && (cols.qty >= 0 || cols.price >= 0 || cols.total >= 0)
	return cols, ok
}

func containsAny(s string, terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func numeric(s string) bool {
	_, ok := normalize.Number(s)
	return ok
}

func isSummaryRow(name string) bool {
	n := strings.TrimRight(normalize.Text(name), ": ")
	for _, s := range summaryRows {
		if n == s || strings.HasPrefix(n, s+" ") {
			return true
		}
	}
	return false
}
