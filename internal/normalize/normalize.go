// Package normalize holds the text and amount canonicalisation shared by
// the field extractor and the matching engine.
package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var currencyCodeRe = regexp.MustCompile(`(?i)\b(usd|eur|gbp|inr|jpy|cny|aud|cad|chf|sgd|hkd|nzd|zar)\b`)

const currencySymbols = "$€£¥₹₩₽¢"

// Text trims, collapses internal whitespace and case-folds s.
func Text(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Amount canonicalises a monetary or numeric string: Text plus removal of
// currency symbols/codes, thousands separators and inner spaces.
func Amount(s string) string {
	s = currencyCodeRe.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(currencySymbols, r) || r == ',' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.ToLower(s)
}

// Number parses s as a decimal after Amount normalisation. A value wrapped
// in parentheses is negative. ok is false when no single number is present.
func Number(s string) (float64, bool) {
	a := Amount(s)
	if a == "" {
		return 0, false
	}
	neg := false
	if strings.HasPrefix(a, "(") && strings.HasSuffix(a, ")") {
		neg = true
		a = a[1 : len(a)-1]
	}
	f, err := strconv.ParseFloat(a, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

// HasDigit reports whether s contains any decimal digit.
func HasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

// EqualText compares two strings after Text normalisation.
func EqualText(a, b string) bool {
	return Text(a) == Text(b)
}

// EqualAmount compares two amounts numerically when both parse, otherwise
// by their normalised form.
func EqualAmount(a, b string) bool {
	fa, okA := Number(a)
	fb, okB := Number(b)
	if okA && okB {
		return fa == fb
	}
	return Amount(a) == Amount(b)
}
