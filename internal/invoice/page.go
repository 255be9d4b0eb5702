package invoice

import "sort"

// PageExtraction is the finalized, audited result for one rendered page.
type PageExtraction struct {
	PageNo           int                        `json:"page_no"`
	Fields           Fields                     `json:"data"`
	RawQuality       map[string]any             `json:"raw_quality"`
	NeedsRescan      bool                       `json:"needs_rescan"`
	Unreadable       []string                   `json:"unreadable_fields"`
	Reasons          []string                   `json:"reasons"`
	AvgConfidence    *float64                   `json:"avg_field_confidence"`
	SystemConfidence float64                    `json:"system_confidence"`
	SystemReasons    []string                   `json:"system_reasons"`
	Diagnostics      map[string]FieldDiagnostic `json:"field_diagnostics"`
	RawText          string                     `json:"raw_text"`
}

// HasReason reports whether the page carries the given reason tag.
func (p PageExtraction) HasReason(tag string) bool {
	for _, r := range p.Reasons {
		if r == tag {
			return true
		}
	}
	return false
}

// AddReasons returns the reasons merged with tags, de-duplicated and sorted.
func (p PageExtraction) AddReasons(tags ...string) []string {
	seen := make(map[string]bool, len(p.Reasons)+len(tags))
	for _, r := range p.Reasons {
		seen[r] = true
	}
	for _, t := range tags {
		seen[t] = true
	}
	return sortedKeys(seen)
}

// ParseFailure is the most conservative page record: nothing is trusted,
// everything is flagged.
func ParseFailure(pageNo int, tag, rawText string) PageExtraction {
	diags := make(map[string]FieldDiagnostic, len(FieldNames))
	for _, name := range FieldNames {
		diags[name] = FieldDiagnostic{
			Status:        StatusUnreadable,
			Reason:        ReasonJSONParseFailed,
			Confidence:    ptr(0),
			RequiresAudit: true,
		}
	}
	unreadable := append([]string(nil), FieldNames...)
	sort.Strings(unreadable)

	return PageExtraction{
		PageNo:           pageNo,
		Fields:           NewFields(),
		RawQuality:       map[string]any{},
		NeedsRescan:      true,
		Unreadable:       unreadable,
		Reasons:          []string{ReasonJSONParseFailed + ":" + tag},
		SystemConfidence: 0,
		SystemReasons:    []string{SysJSONParseFailed},
		Diagnostics:      diags,
		RawText:          rawText,
	}
}

// Finalize runs the deterministic pipeline over one parsed payload:
// normalize, gate, diagnose, score. tag identifies the attempt that produced
// the payload.
func Finalize(pageNo int, rawText string, payload map[string]any, tag string, threshold float64) PageExtraction {
	fields := CleanFields(DataSection(payload))
	q := ParseQuality(payload)

	gated := ApplyNoGuess(fields, q, threshold)
	diags := BuildDiagnostics(gated.Fields, q, gated.Unreadable, threshold)
	sysConf, sysReasons := ScoreSystemConfidence(gated.Fields, gated.Unreadable, diags)

	reasons := gated.Reasons
	if hasMissingKeyField(gated.Fields) {
		reasons = appendOnce(reasons, ReasonMissingKeyFields)
	}
	reasons = append(reasons, attemptReasonPrefix+tag)

	raw := q.Raw
	if raw == nil {
		raw = map[string]any{}
	}

	return PageExtraction{
		PageNo:           pageNo,
		Fields:           gated.Fields,
		RawQuality:       raw,
		NeedsRescan:      NeedsRescan(diags),
		Unreadable:       gated.Unreadable,
		Reasons:          reasons,
		AvgConfidence:    q.AverageConfidence(),
		SystemConfidence: sysConf,
		SystemReasons:    sysReasons,
		Diagnostics:      diags,
		RawText:          rawText,
	}
}

// FromText parses raw model text for a single page and finalizes it, or
// degrades to ParseFailure when no JSON object can be recovered.
func FromText(pageNo int, rawText, tag string, threshold float64) PageExtraction {
	payload, ok := ExtractJSON(rawText)
	if !ok {
		return ParseFailure(pageNo, tag, rawText)
	}
	return Finalize(pageNo, rawText, payload, tag, threshold)
}
