package parser

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// parseHTML walks the DOM in document order emitting title, headings,
// paragraphs, list items and tables. script/style content is ignored.
func parseHTML(data []byte) ([]types.Element, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var out []types.Element
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head:
				if n.DataAtom == atom.Head {
					if t := findFirst(n, atom.Title); t != nil {
						if s := nodeText(t); s != "" {
							out = append(out, types.Element{Type: types.ElementTitle, Text: s})
						}
					}
				}
				return
			case atom.H1:
				appendText(&out, types.ElementTitle, n)
				return
			case atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				appendText(&out, types.ElementHeader, n)
				return
			case atom.P, atom.Pre, atom.Address, atom.Blockquote:
				appendText(&out, types.ElementText, n)
				return
			case atom.Li:
				appendText(&out, types.ElementListItem, n)
				return
			case atom.Table:
				if rows := tableRows(n); len(rows) > 0 {
					out = append(out, types.Element{Type: types.ElementTable, Text: renderRows(rows), Table: &types.Table{Rows: rows}})
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out, nil
}

func appendText(out *[]types.Element, typ types.ElementType, n *html.Node) {
	if s := nodeText(n); s != "" {
		*out = append(*out, types.Element{Type: typ, Text: s})
	}
}

// nodeText collects visible text; <br> and block children become newlines.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style:
				return
			case atom.Br:
				b.WriteString("\n")
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Div || n.DataAtom == atom.P) {
			b.WriteString("\n")
		}
	}
	walk(n)

	lines := strings.Split(b.String(), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

func tableRows(table *html.Node) [][]string {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			var row []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
					row = append(row, strings.ReplaceAll(nodeText(c), "\n", " "))
				}
			}
			if len(filled(row)) > 0 {
				rows = append(rows, row)
			}
			return
		}
		// nested tables are flattened into their parent cell text
		if n != table && n.Type == html.ElementNode && n.DataAtom == atom.Table {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)
	return rows
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findFirst(c, a); f != nil {
			return f
		}
	}
	return nil
}
