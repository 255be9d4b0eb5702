package invoice

import "sort"

// Reason tags attached to a page.
const (
	ReasonLowFieldConfidence  = "low_field_confidence"
	ReasonModelFlagged        = "model_flagged_unreadable"
	ReasonJSONParseFailed     = "json_parse_failed"
	ReasonMissingKeyFields    = "missing_key_fields"
	ReasonRenderRetryUsed     = "render_retry_used"
	ReasonHumanReviewRequired = "human_review_required"
	ReasonUserRequestedRescan = "user_requested_rescan"
	ReasonReuploaded          = "reuploaded_and_reprocessed"
	attemptReasonPrefix       = "attempt:"
)

// DefaultConfidenceThreshold is the self-reported confidence below which a
// gated field is not trusted.
const DefaultConfidenceThreshold = 0.70

// GateResult is the outcome of the no-guess gate.
type GateResult struct {
	Fields     Fields
	Unreadable []string
	Reasons    []string
}

// ApplyNoGuess reconciles the model's quality signals with the cleaned fields
// and nulls everything that cannot be substantiated. The input map is not
// modified.
func ApplyNoGuess(fields Fields, q QualityReport, threshold float64) GateResult {
	out := fields.Clone()
	reasons := append([]string(nil), q.Reasons...)

	unreadable := make(map[string]bool, len(q.UnreadableFields))
	for _, name := range q.UnreadableFields {
		if IsField(name) {
			unreadable[name] = true
		}
	}

	// 1. Low confidence on gated fields.
	lowConf := false
	for name, conf := range q.FieldConfidence {
		if IsGated(name) && conf >= 0 && conf < threshold {
			unreadable[name] = true
			lowConf = true
		}
	}
	if lowConf {
		reasons = appendOnce(reasons, ReasonLowFieldConfidence)
	}

	// 2. Positive evidence clears earlier suspicion.
	for name, d := range q.FieldDiagnostics {
		if !out.HasValue(name) {
			continue
		}
		switch d.Status {
		case StatusOK, StatusHandwritten:
			delete(unreadable, name)
		case StatusAmbiguous:
			if !SaysUnreadable(d.Reason) {
				delete(unreadable, name)
			}
		}
	}

	// 3. Null what remains.
	for name := range unreadable {
		if _, ok := out[name]; ok {
			out[name] = nil
		}
	}

	// 4. Explicit quality defects win regardless of step 2.
	flagged := false
	for name, d := range q.FieldDiagnostics {
		if d.Status == StatusMissing || SaysNotFound(d.Reason) {
			continue
		}
		if d.Status == StatusAmbiguous && !SaysUnreadable(d.Reason) {
			continue
		}
		if d.Status.IsQualityDefect() || d.Status == StatusAmbiguous {
			unreadable[name] = true
			out[name] = nil
			flagged = true
		}
	}
	if flagged {
		reasons = appendOnce(reasons, ReasonModelFlagged)
	}

	names := make([]string, 0, len(unreadable))
	for name := range unreadable {
		names = append(names, name)
	}
	sort.Strings(names)

	return GateResult{Fields: out, Unreadable: names, Reasons: reasons}
}

func appendOnce(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
