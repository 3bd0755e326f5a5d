package extractor

import (
	"strings"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// kindPhrases are checked in order; goods receipts and purchase orders often
// mention invoices or POs in passing, so the more specific phrases go first.
var kindPhrases = []struct {
	kind    types.DocumentKind
	phrases []string
}{
	{types.DocGoodsReceipt, []string{"goods receipt note", "goods received note", "goods receipt", "goods received", "grn"}},
	{types.DocPurchaseOrder, []string{"purchase order"}},
	{types.DocInvoice, []string{"tax invoice", "commercial invoice", "invoice"}},
}

// InferKind guesses the document kind. A title-like line that starts with a
// kind phrase decides; otherwise the kind whose phrases occur most often
// wins, ties resolved in kindPhrases order. ok is false when nothing matches.
func InferKind(elements []types.Element) (types.DocumentKind, bool) {
	lines := textLines(elements)

	// 1. 標題行
	for _, el := range elements {
		if el.Type != types.ElementTitle && el.Type != types.ElementHeader {
			continue
		}
		if k, ok := leadingKind(el.Text); ok {
			return k, true
		}
	}
	for i, l := range lines {
		if i >= 5 {
			break
		}
		if k, ok := leadingKind(l); ok && !strings.Contains(l, ":") && len(strings.Fields(l)) <= 4 {
			return k, true
		}
	}

	// 2. 出現次數
	text := strings.ToLower(strings.Join(lines, "\n"))
	best, bestCount := types.DocumentKind(""), 0
	for _, kp := range kindPhrases {
		count := 0
		for _, p := range kp.phrases {
			count += countWord(text, p)
		}
		if count > bestCount {
			best, bestCount = kp.kind, count
		}
	}
	return best, bestCount > 0
}

func leadingKind(line string) (types.DocumentKind, bool) {
	l := strings.ToLower(strings.TrimSpace(line))
	for _, kp := range kindPhrases {
		for _, p := range kp.phrases {
			if strings.HasPrefix(l, p) && (len(l) == len(p) || !isLetterByte(l[len(p)])) {
				return kp.kind, true
			}
		}
	}
	return "", false
}

// countWord counts occurrences of phrase delimited by non-letters.
func countWord(text, phrase string) int {
	n := 0
	for i := 0; ; {
		j := strings.Index(text[i:], phrase)
		if j < 0 {
			return n
		}
		start := i + j
		end := start + len(phrase)
		if (start == 0 || !isLetterByte(text[start-1])) && (end == len(text) || !isLetterByte(text[end])) {
			n++
		}
		i = end
	}
}

func isLetterByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
