package invoice

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// ExtractJSON pulls the first JSON object out of free-form model text. It
// tolerates prose and markdown fences around the object and returns false
// when nothing parses.
func ExtractJSON(text string) (map[string]any, bool) {
	start := strings.Index(text, "{")
	if start < 0 {
		return nil, false
	}

	// Widest span first: the model usually wraps one object in prose.
	if end := strings.LastIndex(text, "}"); end > start {
		var obj map[string]any
		if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err == nil && obj != nil {
			return obj, true
		}
	}

	// Trailing prose with its own braces defeats the span; decode the first
	// complete value instead.
	dec := json.NewDecoder(bytes.NewReader([]byte(text[start:])))
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// DataSection returns the payload's "data" object, or the payload itself for
// answers that omit the wrapper.
func DataSection(payload map[string]any) map[string]any {
	if data, ok := payload["data"].(map[string]any); ok {
		return data
	}
	return payload
}

// ParseNumber coerces a model value into a number. Thousands separators and
// stray characters are dropped; anything that does not leave a clean number
// yields nil. It never guesses.
func ParseNumber(v any) *float64 {
	switch n := v.(type) {
	case nil:
		return nil
	case float64:
		return &n
	case float32:
		f := float64(n)
		return &f
	case int:
		f := float64(n)
		return &f
	case int64:
		f := float64(n)
		return &f
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil
		}
		return &f
	case string:
		return parseNumericString(n)
	default:
		return nil
	}
}

func parseNumericString(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, ",", "")

	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	s = b.String()

	switch s {
	case "", "-", ".", "-.", ".-":
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

func parseText(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return nil
		}
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		// Nested objects or arrays are not a field value.
		return nil
	}
}

// CleanFields builds the closed field map from raw model data: unknown keys
// are dropped, absent keys become nil, numeric fields are coerced.
func CleanFields(raw map[string]any) Fields {
	f := NewFields()
	for _, name := range FieldNames {
		v, ok := raw[name]
		if !ok {
			continue
		}
		if IsNumeric(name) {
			if n := ParseNumber(v); n != nil {
				f[name] = *n
			}
			continue
		}
		f[name] = parseText(v)
	}
	return f
}
