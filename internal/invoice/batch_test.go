package invoice

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batchText(t *testing.T, entries ...map[string]any) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"pages": entries})
	require.NoError(t, err)
	return string(b)
}

func TestFinalizeBatch(t *testing.T) {
	blurry := confidentQuality()
	setDiagnostic(blurry, InvoiceNo, diagnostic("blurry", "number smudged", 0.2))

	raw := batchText(t,
		map[string]any{"page_index": 2, "data": cleanInvoiceData(), "quality": blurry},
		map[string]any{"page_index": 1, "data": cleanInvoiceData(), "quality": confidentQuality()},
	)

	pages := FinalizeBatch([]int{4, 5, 6}, raw, DefaultConfidenceThreshold)
	require.Len(t, pages, 3)

	assert.Equal(t, 4, pages[0].PageNo)
	assert.False(t, pages[0].NeedsRescan)
	assert.Contains(t, pages[0].Reasons, "attempt:batch_3")

	assert.Equal(t, 5, pages[1].PageNo)
	assert.True(t, pages[1].NeedsRescan)
	assert.Nil(t, pages[1].Fields[InvoiceNo])
	assert.True(t, pages[1].HasReason(ReasonHumanReviewRequired))

	assert.Equal(t, 6, pages[2].PageNo, "absent entry")
	assert.Equal(t, []string{"json_parse_failed:batch_3"}, pages[2].Reasons)
	assert.True(t, ShouldEscalate(pages[2]))
}

func TestFinalizeBatch_UnparseableAnswer(t *testing.T) {
	pages := FinalizeBatch([]int{1, 2}, "the model rambled", DefaultConfidenceThreshold)

	require.Len(t, pages, 2)
	for i, p := range pages {
		assert.Equal(t, i+1, p.PageNo)
		assert.True(t, p.NeedsRescan)
		assert.Zero(t, p.SystemConfidence)
		assert.Equal(t, "the model rambled", p.RawText)
	}
}

func TestFinalizeBatch_StringPageIndex(t *testing.T) {
	raw := `{"pages": [{"page_index": "1", "data": {"Invoice_No": "A-1"}}, "junk", {"data": {}}]}`

	pages := FinalizeBatch([]int{9}, raw, DefaultConfidenceThreshold)

	require.Len(t, pages, 1)
	assert.Equal(t, "A-1", pages[0].Fields[InvoiceNo])
}
