package invoice

import (
	"context"
	"strings"
)

// EscalationFloor is the system confidence below which a page is always
// re-attempted at higher fidelity.
const EscalationFloor = 0.60

// Tags for the two render attempts of a single page.
const (
	TagBaseFull  = "base_full"
	TagRetryZoom = "retry_zoom"
)

var escalationReasons = []string{ReasonLowFieldConfidence, ReasonModelFlagged, ReasonJSONParseFailed}

// ShouldEscalate decides whether a first attempt is weak enough to justify a
// higher-DPI render with zoomed quadrants.
func ShouldEscalate(p PageExtraction) bool {
	if p.NeedsRescan || p.SystemConfidence < EscalationFloor {
		return true
	}
	for _, r := range p.Reasons {
		for _, trigger := range escalationReasons {
			if r == trigger || strings.HasPrefix(r, trigger+":") {
				return true
			}
		}
	}
	for _, d := range p.Diagnostics {
		if d.Status.IsQualityDefect() {
			return true
		}
	}
	return false
}

// AttemptScore orders attempts: system confidence first, then the model's
// average confidence, then fewer unreadable fields.
type AttemptScore struct {
	System        float64
	AvgConfidence float64
	NegUnreadable int
}

// Less reports whether s ranks strictly below o.
func (s AttemptScore) Less(o AttemptScore) bool {
	if s.System != o.System {
		return s.System < o.System
	}
	if s.AvgConfidence != o.AvgConfidence {
		return s.AvgConfidence < o.AvgConfidence
	}
	return s.NegUnreadable < o.NegUnreadable
}

// Score computes the comparison tuple for an attempt.
func Score(p PageExtraction) AttemptScore {
	s := AttemptScore{System: p.SystemConfidence, NegUnreadable: -len(p.Unreadable)}
	if p.AvgConfidence != nil {
		s.AvgConfidence = *p.AvgConfidence
	}
	return s
}

// PickBest keeps the first attempt unless the second scores strictly higher.
// A winning second attempt is tagged render_retry_used.
func PickBest(first, second PageExtraction) (PageExtraction, bool) {
	if !Score(first).Less(Score(second)) {
		return first, false
	}
	second.Reasons = second.AddReasons(ReasonRenderRetryUsed)
	return second, true
}

// Escalate runs retry only when first warrants it and returns the better of
// the two attempts.
func Escalate(ctx context.Context, first PageExtraction, retry func(context.Context) (PageExtraction, error)) (PageExtraction, error) {
	if !ShouldEscalate(first) {
		return first, nil
	}
	second, err := retry(ctx)
	if err != nil {
		return PageExtraction{}, err
	}
	best, _ := PickBest(first, second)
	return best, nil
}
