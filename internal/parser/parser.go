// ============================================================================
// docflow Parser - document -> typed elements
// ============================================================================
//
// Package: internal/parser
// File: parser.go
// Purpose: The parse collaborator. Workers only see the Parser interface;
//          Local is the built-in implementation.
//
//   Loader.Load(ref)       read a file path or fetch a URL into a Document
//   Parser.Parse(doc)      Document -> []Element (title, text, list, table)
//   Chunk(elements, s)     optional re-splitting (sentence/paragraph/fixed)
//
// Supported by Local:
//   .txt .text .md .markdown   paragraphs, headings, lists, pipe tables
//   .csv                       key/value preamble + table
//   .xlsx .xlsm                one table per sheet (excelize)
//   .html .htm                 title, headings, paragraphs, tables (x/net/html)
//   .json                      single text element
//
// The parser never keeps the document after Parse returns.
//
// ============================================================================

package parser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/ChuLiYu/docflow/pkg/types"
)

var (
	// ErrUnsupportedFormat means no parser handles the document's format.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrTooLarge means the document exceeds the configured size limit.
	ErrTooLarge = errors.New("document too large")
)

// Document is loaded input content.
type Document struct {
	Name    string // 檔名，用來判斷格式
	Content []byte
}

// Options control parsing.
type Options struct {
	ChunkStrategy types.ChunkStrategy
}

// Parser turns a document into elements.
type Parser interface {
	Parse(ctx context.Context, doc Document, opts Options) ([]types.Element, error)
}

// Local parses common office and text formats in-process.
type Local struct{}

// NewLocal returns the built-in parser.
func NewLocal() *Local { return &Local{} }

// Parse implements Parser.
func (l *Local) Parse(ctx context.Context, doc Document, opts Options) ([]types.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		elements []types.Element
		err      error
	)
	switch format(doc) {
	case "text":
		elements = parseText(string(doc.Content))
	case "csv":
		elements, err = parseCSV(doc.Content)
	case "xlsx":
		elements, err = parseXLSX(doc.Content)
	case "html":
		elements, err = parseHTML(doc.Content)
	case "json":
		elements = []types.Element{{Type: types.ElementText, Text: strings.TrimSpace(string(doc.Content))}}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, doc.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", doc.Name, err)
	}
	return Chunk(elements, opts.ChunkStrategy), nil
}

// format picks a parser from the extension, falling back to content sniffing.
func format(doc Document) string {
	switch strings.ToLower(path.Ext(doc.Name)) {
	case ".txt", ".text", ".md", ".markdown":
		return "text"
	case ".csv":
		return "csv"
	case ".xlsx", ".xlsm":
		return "xlsx"
	case ".html", ".htm":
		return "html"
	case ".json":
		return "json"
	case "":
		ct := http.DetectContentType(doc.Content)
		switch {
		case strings.HasPrefix(ct, "text/html"):
			return "html"
		case strings.HasPrefix(ct, "text/plain"):
			return "text"
		case ct == "application/zip":
			return "xlsx"
		}
	}
	return ""
}

// Supported reports whether Local can parse a file with this name.
func Supported(name string) bool {
	return path.Ext(name) != "" && format(Document{Name: name}) != ""
}
