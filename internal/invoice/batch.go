package invoice

import (
	"fmt"
	"strconv"
)

// BatchTag is the attempt tag for a page extracted as part of an n-page call.
func BatchTag(n int) string { return fmt.Sprintf("batch_%d", n) }

// FinalizeBatch splits one multi-page answer into per-page records. The model
// addresses pages by 1-based page_index in the order the images were sent; an
// entry that is missing or malformed yields a ParseFailure for that page only.
func FinalizeBatch(pageNos []int, rawText string, threshold float64) []PageExtraction {
	tag := BatchTag(len(pageNos))
	entries := batchEntries(rawText)

	out := make([]PageExtraction, 0, len(pageNos))
	for i, pageNo := range pageNos {
		entry, ok := entries[i+1]
		if !ok {
			out = append(out, ParseFailure(pageNo, tag, rawText))
			continue
		}
		p := Finalize(pageNo, rawText, entry, tag, threshold)
		if p.NeedsRescan {
			p.Reasons = p.AddReasons(ReasonHumanReviewRequired)
		}
		out = append(out, p)
	}
	return out
}

func batchEntries(rawText string) map[int]map[string]any {
	byIndex := map[int]map[string]any{}
	payload, ok := ExtractJSON(rawText)
	if !ok {
		return byIndex
	}
	pages, ok := payload["pages"].([]any)
	if !ok {
		return byIndex
	}
	for _, item := range pages {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		idx, ok := pageIndex(entry["page_index"])
		if !ok {
			continue
		}
		byIndex[idx] = entry
	}
	return byIndex
}

func pageIndex(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}
