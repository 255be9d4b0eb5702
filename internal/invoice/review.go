package invoice

import "strings"

// ReviewConfidenceFloor is the system confidence below which a page goes to
// human review even without any flagged field.
const ReviewConfidenceFloor = 0.85

var dateFormatPhrases = []string{"format", "invalid day", "invalid month", "ambiguous date"}

// IsLowReadability reports whether the page shows a real vision problem on
// the fields that identify an invoice. Review-only signals such as missing
// optional fields or low_field_confidence do not count.
func IsLowReadability(p PageExtraction) bool {
	for _, r := range p.Reasons {
		if strings.HasPrefix(r, ReasonJSONParseFailed) || r == ReasonModelFlagged {
			return true
		}
	}

	for _, name := range CriticalFields {
		d, ok := p.Diagnostics[name]
		if !ok || !d.Status.IsQualityDefect() {
			continue
		}
		// An oddly formatted date is legible.
		if name == InvoiceDate && containsAny(d.Reason, dateFormatPhrases) {
			continue
		}
		return true
	}

	if p.NeedsRescan {
		for _, name := range p.Unreadable {
			for _, critical := range CriticalFields {
				if name == critical {
					return true
				}
			}
		}
	}
	return false
}

// NeedsReview reports whether a page must be looked at by a person before its
// values are trusted.
func NeedsReview(p PageExtraction) bool {
	if p.NeedsRescan || p.SystemConfidence < ReviewConfidenceFloor {
		return true
	}
	for _, d := range p.Diagnostics {
		if d.Status == StatusAmbiguous {
			return true
		}
	}
	return false
}
