package party

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// placeholders are identifier values that mean "none". They are compared
// both as written and with punctuation stripped.
var placeholders = map[string]bool{
	"N/A":            true,
	"NA":             true,
	"N.A":            true,
	"N.A.":           true,
	"NOT APPLICABLE": true,
	"NOTAPPLICABLE":  true,
	"NONE":           true,
	"NULL":           true,
}

// NormalizeID reduces a tax or registration number to its match key:
// uppercase alphanumerics only. Placeholder values normalize to "".
func NormalizeID(v any) string {
	s := strings.ToUpper(strings.TrimSpace(text(v)))
	if s == "" || placeholders[s] {
		return ""
	}
	key := alnum(s)
	if placeholders[key] {
		return ""
	}
	return key
}

// NormalizeName folds a party name to lowercase ASCII words separated by
// single spaces.
func NormalizeName(v any) string {
	s := strings.TrimSpace(text(v))
	if s == "" {
		return ""
	}
	if folded, _, err := transform.String(foldMarks(), s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)

	var b strings.Builder
	space := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

// foldMarks strips combining marks after compatibility decomposition, so
// "Café" and "Cafe" share a key. A transformer is stateful and must not be
// shared across goroutines.
func foldMarks() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

func alnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case *string:
		if t == nil {
			return ""
		}
		return *t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	default:
		return fmt.Sprint(t)
	}
}
