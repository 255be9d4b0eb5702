package invoice

import (
	"math"
	"sort"
)

// System reason tags.
const (
	SysMissingKeyFields       = "missing_key_fields"
	SysMissingSupplierIDs     = "missing_supplier_identifiers"
	SysTotalsMismatch         = "totals_mismatch"
	SysUnreadableOrLowConf    = "unreadable_or_low_conf_fields"
	SysHandwrittenOrAmbiguous = "handwritten_or_ambiguous_fields"
	SysJSONParseFailed        = "json_parse_failed"
)

const (
	missingKeyPenalty      = 0.5
	missingSupplierPenalty = 0.3
	totalsMismatchPenalty  = 0.3
	unreadableCap          = 0.4
	ambiguousCap           = 0.6

	totalsAbsTolerance = 10.0
	totalsRelTolerance = 0.02
)

// FieldDiagnostic is the pipeline's final verdict on one field.
type FieldDiagnostic struct {
	Status        DiagnosticStatus `json:"status"`
	Reason        string           `json:"reason"`
	Confidence    *float64         `json:"confidence"`
	RequiresAudit bool             `json:"requires_audit"`
}

// BuildDiagnostics derives a diagnostic for every field, starting from the
// model's claim and correcting it against the cleaned data.
func BuildDiagnostics(fields Fields, q QualityReport, unreadable []string, threshold float64) map[string]FieldDiagnostic {
	unreadableSet := set(unreadable...)
	out := make(map[string]FieldDiagnostic, len(FieldNames))

	for _, name := range FieldNames {
		status := StatusOK
		var reason string
		var conf *float64

		if md, ok := q.FieldDiagnostics[name]; ok {
			if md.Status != "" {
				status = md.Status
			}
			reason = md.Reason
			conf = md.Confidence
		}

		// Absence is evidence of absence, not of blur.
		if SaysNotFound(reason) && fields[name] == nil {
			status = StatusOK
			if fields.IsMissingRequired(name) {
				status = StatusMissing
			}
			conf = ptr(0)
		}

		if conf == nil {
			if c, ok := q.FieldConfidence[name]; ok {
				conf = ptr(c)
			}
		}

		if status == StatusHandwritten && fields.HasValue(name) {
			status = StatusOK
			if reason != "" {
				reason += " (handwritten but clear)"
			} else {
				reason = "Handwritten but clear"
			}
		}

		if status == StatusOK && fields[name] == nil && fields.IsMissingRequired(name) {
			status = StatusMissing
		}
		if status == StatusOK && unreadableSet[name] {
			status = StatusUnreadable
		}

		out[name] = FieldDiagnostic{
			Status:        status,
			Reason:        reason,
			Confidence:    conf,
			RequiresAudit: status == StatusAmbiguous || (IsGated(name) && conf != nil && *conf < threshold),
		}
	}
	return out
}

// ScoreSystemConfidence computes the pipeline's own confidence in a page,
// independent of what the model claimed. Penalties are subtracted, caps are
// applied, and the result is clamped to [0,1].
func ScoreSystemConfidence(fields Fields, unreadable []string, diags map[string]FieldDiagnostic) (float64, []string) {
	score := 1.0
	reasons := map[string]bool{}

	if hasMissingKeyField(fields) {
		reasons[SysMissingKeyFields] = true
		score -= missingKeyPenalty
	}

	if !fields.HasSupplierID() {
		reasons[SysMissingSupplierIDs] = true
		score -= missingSupplierPenalty
	}

	if totalsMismatch(fields) {
		reasons[SysTotalsMismatch] = true
		score -= totalsMismatchPenalty
	}

	if len(unreadable) > 0 {
		reasons[SysUnreadableOrLowConf] = true
		score = math.Min(score, unreadableCap)
	}

	for _, d := range diags {
		if d.Status == StatusAmbiguous {
			reasons[SysHandwrittenOrAmbiguous] = true
			score = math.Min(score, ambiguousCap)
			break
		}
	}

	return clamp01(score), sortedKeys(reasons)
}

func hasMissingKeyField(fields Fields) bool {
	for _, name := range KeyFinancialFields {
		if fields[name] == nil {
			return true
		}
	}
	return false
}

// totalsMismatch reports whether Inclusive_Value disagrees with
// Exclusive_Value + GST_Sales_Tax by more than max(10, 2% of expected).
func totalsMismatch(fields Fields) bool {
	exc, okExc := fields.Number(ExclusiveValue)
	inc, okInc := fields.Number(InclusiveValue)
	if !okExc || !okInc || exc <= 0 || inc <= 0 {
		return false
	}
	gst, _ := fields.Number(GSTSalesTax)
	expected := exc + gst
	tolerance := math.Max(totalsAbsTolerance, totalsRelTolerance*expected)
	return math.Abs(inc-expected) > tolerance
}

// NeedsRescan reports whether any diagnostic describes a genuine image
// defect. Absent fields and business-rule disagreements never qualify.
func NeedsRescan(diags map[string]FieldDiagnostic) bool {
	for _, d := range diags {
		switch d.Status {
		case StatusBlurry, StatusFaded, StatusCutOff:
			return true
		case StatusUnreadable:
			if SaysUnreadable(d.Reason) {
				return true
			}
		}
	}
	return false
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func ptr(v float64) *float64 { return &v }

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
