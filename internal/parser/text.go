package parser

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ChuLiYu/docflow/internal/extractor"
	"github.com/ChuLiYu/docflow/pkg/types"
)

var (
	headingRe  = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	listItemRe = regexp.MustCompile(`^\s*(?:[-*+•]|\d+[.)])\s+(.*)$`)
	wideGapRe  = regexp.MustCompile(`\t|\s{2,}`)
)

// parseText splits plain text / markdown into blocks separated by blank lines.
func parseText(s string) []types.Element {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var (
		elements []types.Element
		block    []string
	)
	flush := func() {
		if len(block) > 0 {
			elements = append(elements, textBlock(block)...)
			block = block[:0]
		}
	}
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	flush()
	return elements
}

func textBlock(lines []string) []types.Element {
	if isTableBlock(lines) {
		text := strings.Join(lines, "\n")
		return []types.Element{{Type: types.ElementTable, Text: text, Table: &types.Table{Rows: extractor.ParseTextTable(text)}}}
	}

	var (
		out  []types.Element
		para []string
	)
	flushPara := func() {
		if len(para) > 0 {
			out = append(out, types.Element{Type: types.ElementText, Text: strings.Join(para, "\n")})
			para = nil
		}
	}
	for _, l := range lines {
		if m := headingRe.FindStringSubmatch(strings.TrimSpace(l)); m != nil {
			flushPara()
			typ := types.ElementHeader
			if len(m[1]) == 1 {
				typ = types.ElementTitle
			}
			out = append(out, types.Element{Type: typ, Text: strings.TrimSpace(m[2])})
			continue
		}
		if m := listItemRe.FindStringSubmatch(l); m != nil {
			flushPara()
			out = append(out, types.Element{Type: types.ElementListItem, Text: strings.TrimSpace(m[1])})
			continue
		}
		para = append(para, strings.TrimSpace(l))
	}
	flushPara()
	return out
}

// isTableBlock: at least two rows, and either mostly pipe-delimited or
// every row splitting into three or more wide-gap columns.
func isTableBlock(lines []string) bool {
	if len(lines) < 2 {
		return false
	}
	piped, wide := 0, 0
	for _, l := range lines {
		if strings.Count(l, "|") >= 2 {
			piped++
		}
		if len(wideGapRe.Split(strings.TrimSpace(l), -1)) >= 3 {
			wide++
		}
	}
	return piped*2 >= len(lines)+1 || wide == len(lines)
}

// ============================================================================
// Grids (CSV, spreadsheets)
// ============================================================================

// gridElements turns a sheet into elements: leading rows with at most two
// filled cells become "key: value" text, the rest is one table.
func gridElements(rows [][]string) []types.Element {
	var (
		preamble []string
		start    = len(rows)
	)
	for i, row := range rows {
		cells := filled(row)
		if len(cells) >= 3 {
			start = i
			break
		}
		switch len(cells) {
		case 1:
			preamble = append(preamble, cells[0])
		case 2:
			preamble = append(preamble, strings.TrimRight(cells[0], ": ")+": "+cells[1])
		}
	}

	var out []types.Element
	if len(preamble) > 0 {
		out = append(out, types.Element{Type: types.ElementText, Text: strings.Join(preamble, "\n")})
	}
	if start < len(rows) {
		var table [][]string
		for _, row := range rows[start:] {
			if len(filled(row)) > 0 {
				table = append(table, row)
			}
		}
		out = append(out, types.Element{Type: types.ElementTable, Text: renderRows(table), Table: &types.Table{Rows: table}})
	}
	return out
}

func filled(row []string) []string {
	var cells []string
	for _, c := range row {
		if c = strings.TrimSpace(c); c != "" {
			cells = append(cells, c)
		}
	}
	return cells
}

func renderRows(rows [][]string) string {
	var b strings.Builder
	for _, r := range rows {
		b.WriteString("| ")
		b.WriteString(strings.Join(r, " | "))
		b.WriteString(" |\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func parseCSV(data []byte) ([]types.Element, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return gridElements(rows), nil
}

func parseXLSX(data []byte) ([]types.Element, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var out []types.Element
	for i, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		for _, el := range gridElements(rows) {
			el.Page = i + 1
			out = append(out, el)
		}
	}
	return out, nil
}
