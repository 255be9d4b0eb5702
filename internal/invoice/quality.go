package invoice

import (
	"strconv"
	"strings"
)

// DiagnosticStatus classifies how a single field was read.
type DiagnosticStatus string

const (
	StatusOK          DiagnosticStatus = "ok"
	StatusMissing     DiagnosticStatus = "missing"
	StatusUnreadable  DiagnosticStatus = "unreadable"
	StatusBlurry      DiagnosticStatus = "blurry"
	StatusFaded       DiagnosticStatus = "faded"
	StatusCutOff      DiagnosticStatus = "cut_off"
	StatusHandwritten DiagnosticStatus = "handwritten"
	StatusAmbiguous   DiagnosticStatus = "ambiguous"
)

// IsQualityDefect reports whether the status describes a problem with the
// image itself.
func (s DiagnosticStatus) IsQualityDefect() bool {
	switch s {
	case StatusUnreadable, StatusBlurry, StatusFaded, StatusCutOff:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s DiagnosticStatus) Valid() bool {
	switch s {
	case StatusOK, StatusMissing, StatusUnreadable, StatusBlurry,
		StatusFaded, StatusCutOff, StatusHandwritten, StatusAmbiguous:
		return true
	}
	return false
}

// parseStatus maps the model's status text onto the closed set. An unknown
// status becomes unreadable when its reason talks about image quality and ok
// otherwise. Empty stays empty so the field's default applies.
func parseStatus(raw, reason string) DiagnosticStatus {
	s := DiagnosticStatus(strings.ToLower(strings.TrimSpace(raw)))
	if s == "" || s.Valid() {
		return s
	}
	if SaysUnreadable(reason) {
		return StatusUnreadable
	}
	return StatusOK
}

// ModelDiagnostic is the model's own per-field assessment.
type ModelDiagnostic struct {
	Status     DiagnosticStatus `json:"status"`
	Reason     string           `json:"reason"`
	Confidence *float64         `json:"confidence"`
}

// QualityReport is the model's self-reported quality block, validated once
// when the answer is parsed.
type QualityReport struct {
	NeedsRescan      bool                       `json:"needs_rescan"`
	Reasons          []string                   `json:"reasons"`
	UnreadableFields []string                   `json:"unreadable_fields"`
	FieldConfidence  map[string]float64         `json:"field_confidence"`
	FieldDiagnostics map[string]ModelDiagnostic `json:"field_diagnostics"`

	// Raw is the block exactly as the model sent it, kept for audit.
	Raw map[string]any `json:"-"`
}

// ParseQuality reads the "quality" object of a payload. Malformed members are
// ignored rather than rejected; unknown field names are dropped from the
// per-field maps.
func ParseQuality(payload map[string]any) QualityReport {
	q := QualityReport{
		FieldConfidence:  map[string]float64{},
		FieldDiagnostics: map[string]ModelDiagnostic{},
	}
	raw, ok := payload["quality"].(map[string]any)
	if !ok {
		return q
	}
	q.Raw = raw

	if b, ok := raw["needs_rescan"].(bool); ok {
		q.NeedsRescan = b
	}
	q.Reasons = stringList(raw["reasons"])
	q.UnreadableFields = stringList(raw["unreadable_fields"])

	if conf, ok := raw["field_confidence"].(map[string]any); ok {
		for name, v := range conf {
			if !IsField(name) {
				continue
			}
			if f, ok := toFloat(v); ok {
				q.FieldConfidence[name] = f
			}
		}
	}

	if diags, ok := raw["field_diagnostics"].(map[string]any); ok {
		for name, v := range diags {
			entry, ok := v.(map[string]any)
			if !IsField(name) || !ok {
				continue
			}
			reason := strings.TrimSpace(textOf(entry["reason"]))
			d := ModelDiagnostic{
				Status: parseStatus(textOf(entry["status"]), reason),
				Reason: reason,
			}
			if f, ok := toFloat(entry["confidence"]); ok {
				d.Confidence = &f
			}
			q.FieldDiagnostics[name] = d
		}
	}
	return q
}

// AverageConfidence averages the self-reported field confidences that fall
// within [0,1]. Nil when there are none.
func (q QualityReport) AverageConfidence() *float64 {
	var sum float64
	var n int
	for _, v := range q.FieldConfidence {
		if v >= 0 && v <= 1 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func textOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var (
	notFoundPhrases = []string{
		"field not found",
		"not found on invoice",
		"not found on the invoice",
		"not present",
		"not provided",
		"not available on invoice",
	}
	imageQualityPhrases = []string{
		"unreadable",
		"illegible",
		"blur",
		"blurry",
		"faded",
		"smudged",
		"cut off",
		"cropped",
		"too small",
		"cannot read",
		"can't read",
	}
)

// SaysNotFound reports whether a reason describes a field that is absent from
// the document rather than illegible.
func SaysNotFound(reason string) bool { return containsAny(reason, notFoundPhrases) }

// SaysUnreadable reports whether a reason uses image-quality language.
func SaysUnreadable(reason string) bool { return containsAny(reason, imageQualityPhrases) }

func containsAny(s string, phrases []string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return false
	}
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
