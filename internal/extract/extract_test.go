package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/invoice-cli/internal/invoice"
	"github.com/sells-group/invoice-cli/internal/render"
	"github.com/sells-group/invoice-cli/internal/resilience"
	"github.com/sells-group/invoice-cli/internal/vision"
)

// scriptedModel answers calls in order; past the end it repeats the last answer.
type scriptedModel struct {
	mu       sync.Mutex
	answers  []string
	errs     []error
	requests []vision.Request
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Generate(_ context.Context, req vision.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.requests)
	m.requests = append(m.requests, req)
	if i < len(m.errs) && m.errs[i] != nil {
		return "", m.errs[i]
	}
	if len(m.answers) == 0 {
		return "", nil
	}
	return m.answers[min(i, len(m.answers)-1)], nil
}

type renderCall struct {
	page int
	opts render.Options
}

type fakeRenderer struct {
	mu      sync.Mutex
	calls   []renderCall
	failOn  int
	sizeErr error
}

func (r *fakeRenderer) PageSize(context.Context, string, int) (render.Size, error) {
	return render.Size{Width: 600, Height: 800}, r.sizeErr
}

func (r *fakeRenderer) Render(_ context.Context, _ string, page int, opts render.Options) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, renderCall{page: page, opts: opts})
	if r.failOn == page {
		return nil, errors.New("pdftoppm exploded")
	}
	return []byte(fmt.Sprintf("page-%d@%d", page, opts.DPI)), nil
}

func goodData(invoiceNo string) map[string]any {
	return map[string]any{
		"Invoice_No":      invoiceNo,
		"Invoice_Date":    "10/10/24",
		"Supplier_Name":   "Acme Traders",
		"Supplier_NTN":    "1234567-8",
		"Exclusive_Value": 1000,
		"GST_Sales_Tax":   170,
		"Inclusive_Value": 1170,
		"Net_Amount":      1100,
		"Discount":        50,
		"Return":          10,
		"Incentive":       10,
	}
}

func goodSingle(invoiceNo string) string {
	b, _ := json.Marshal(map[string]any{"data": goodData(invoiceNo), "quality": map[string]any{"needs_rescan": false}})
	return string(b)
}

func batchAnswer(entries map[int]string) string {
	pages := make([]map[string]any, 0, len(entries))
	for idx, no := range entries {
		pages = append(pages, map[string]any{"page_index": idx, "data": goodData(no), "quality": map[string]any{}})
	}
	b, _ := json.Marshal(map[string]any{"pages": pages})
	return "```json\n" + string(b) + "\n```"
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Retry.Schedule = []time.Duration{}
	return opts
}

func TestExtractPages_SingleGoodPage(t *testing.T) {
	model := &scriptedModel{answers: []string{goodSingle("INV-1")}}
	r := &fakeRenderer{}
	e := New(model, r, testOptions(), nil)

	out, err := e.ExtractPages(context.Background(), "/tmp/a.pdf", []int{4})
	require.NoError(t, err)
	require.Len(t, out, 1)

	p := out[0]
	assert.Equal(t, 4, p.PageNo)
	assert.Equal(t, "INV-1", p.Fields["Invoice_No"])
	assert.Equal(t, 1.0, p.SystemConfidence)
	assert.Contains(t, p.Reasons, "attempt:base_full")
	assert.False(t, p.HasReason(invoice.ReasonRenderRetryUsed))

	require.Len(t, model.requests, 1)
	req := model.requests[0]
	assert.Equal(t, SinglePrompt(), req.Prompt)
	require.Len(t, req.Images, 1)
	assert.Equal(t, "Image: full_page (dpi=200)", req.Images[0].Caption)
	assert.Equal(t, "image/jpeg", req.Images[0].MIMEType)
	assert.Equal(t, []byte("page-4@200"), req.Images[0].Data)
}

func TestExtractPages_ParseFailureEscalates(t *testing.T) {
	model := &scriptedModel{answers: []string{"sorry, I cannot help", goodSingle("INV-2")}}
	r := &fakeRenderer{}
	e := New(model, r, testOptions(), nil)

	out, err := e.ExtractPages(context.Background(), "/tmp/a.pdf", []int{1})
	require.NoError(t, err)
	require.Len(t, out, 1)

	p := out[0]
	assert.Equal(t, "INV-2", p.Fields["Invoice_No"])
	assert.True(t, p.HasReason(invoice.ReasonRenderRetryUsed))
	assert.Contains(t, p.Reasons, "attempt:retry_zoom")

	require.Len(t, model.requests, 2)
	retry := model.requests[1]
	require.Len(t, retry.Images, 5)
	assert.Equal(t, "Image: full_page (dpi=300)", retry.Images[0].Caption)
	assert.Equal(t, "Image: zoom_top_left (dpi=300)", retry.Images[1].Caption)
	assert.Equal(t, "Image: zoom_bottom_right (dpi=300)", retry.Images[4].Caption)

	// One base render plus five at retry DPI, four of them clipped.
	require.Len(t, r.calls, 6)
	clipped := 0
	for _, c := range r.calls[1:] {
		assert.Equal(t, 300, c.opts.DPI)
		if c.opts.Clip != nil {
			clipped++
		}
	}
	assert.Equal(t, 4, clipped)
	assert.Equal(t, &render.Rect{X0: 300, Y0: 400, X1: 600, Y1: 800}, r.calls[5].opts.Clip)
}

func TestExtractPages_RetryKeepsBetterFirstAttempt(t *testing.T) {
	// First attempt is weak but parseable; the retry is a parse failure.
	weak := `{"data":{"Invoice_No":"INV-3","Net_Amount":5},"quality":{}}`
	model := &scriptedModel{answers: []string{weak, "garbage"}}
	e := New(model, &fakeRenderer{}, testOptions(), nil)

	out, err := e.ExtractPages(context.Background(), "/tmp/a.pdf", []int{1})
	require.NoError(t, err)
	assert.Len(t, model.requests, 2)
	assert.Equal(t, "INV-3", out[0].Fields["Invoice_No"])
	assert.False(t, out[0].HasReason(invoice.ReasonRenderRetryUsed))
	assert.Contains(t, out[0].Reasons, "attempt:base_full")
}

func TestExtractPages_RenderRetryDisabled(t *testing.T) {
	opts := testOptions()
	opts.RenderRetry = false
	model := &scriptedModel{answers: []string{"not json"}}
	e := New(model, &fakeRenderer{}, opts, nil)

	out, err := e.ExtractPages(context.Background(), "/tmp/a.pdf", []int{1})
	require.NoError(t, err)
	assert.Len(t, model.requests, 1)
	assert.Equal(t, []string{"json_parse_failed:base_full"}, out[0].Reasons)
}

func TestExtractPages_Batch(t *testing.T) {
	model := &scriptedModel{answers: []string{
		batchAnswer(map[int]string{1: "INV-A", 2: "INV-B"}),
		goodSingle("INV-C"),
	}}
	r := &fakeRenderer{}
	e := New(model, r, testOptions(), nil)

	out, err := e.ExtractPages(context.Background(), "/tmp/a.pdf", []int{5, 6, 7})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, []int{5, 6, 7}, []int{out[0].PageNo, out[1].PageNo, out[2].PageNo})
	assert.Equal(t, "INV-A", out[0].Fields["Invoice_No"])
	assert.Contains(t, out[0].Reasons, "attempt:batch_3")
	assert.Equal(t, "INV-B", out[1].Fields["Invoice_No"])

	// The missing third entry was a parse failure and escalated alone.
	assert.Equal(t, "INV-C", out[2].Fields["Invoice_No"])
	assert.True(t, out[2].HasReason(invoice.ReasonRenderRetryUsed))

	require.Len(t, model.requests, 2)
	batch := model.requests[0]
	assert.Equal(t, BatchPrompt(3), batch.Prompt)
	require.Len(t, batch.Images, 3)
	for i, img := range batch.Images {
		assert.Equal(t, fmt.Sprintf("Image page_index=%d", i+1), img.Caption)
		assert.Equal(t, []byte(fmt.Sprintf("page-%d@200", 5+i)), img.Data)
	}
}

func TestExtractPages_RetriesTransientErrors(t *testing.T) {
	opts := testOptions()
	opts.Retry.Schedule = []time.Duration{time.Millisecond, time.Millisecond}
	model := &scriptedModel{
		errs:    []error{resilience.NewTransientError(errors.New("429 slow down"), 429)},
		answers: []string{"", goodSingle("INV-R")},
	}
	e := New(model, &fakeRenderer{}, opts, nil)

	out, err := e.ExtractPages(context.Background(), "/tmp/a.pdf", []int{1})
	require.NoError(t, err)
	assert.Equal(t, "INV-R", out[0].Fields["Invoice_No"])
	assert.Len(t, model.requests, 2)
}

func TestExtractPages_UpstreamUnavailable(t *testing.T) {
	opts := testOptions()
	opts.Retry.Schedule = []time.Duration{time.Millisecond}
	unavailable := errors.New("503 UNAVAILABLE: model overloaded")
	model := &scriptedModel{errs: []error{unavailable, unavailable}}
	e := New(model, &fakeRenderer{}, opts, nil)

	_, err := e.ExtractPages(context.Background(), "/tmp/a.pdf", []int{1})
	require.Error(t, err)
	assert.True(t, resilience.IsUpstreamUnavailable(err))
	assert.Contains(t, err.Error(), "extract: single model call")
}

func TestExtractPages_RenderError(t *testing.T) {
	model := &scriptedModel{answers: []string{"{}"}}
	e := New(model, &fakeRenderer{failOn: 2}, testOptions(), nil)

	_, err := e.ExtractPages(context.Background(), "/tmp/a.pdf", []int{1, 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render page 2")
	assert.Empty(t, model.requests)
}

func TestExtractPages_PageSizeError(t *testing.T) {
	model := &scriptedModel{answers: []string{"nope"}}
	e := New(model, &fakeRenderer{sizeErr: errors.New("pdfinfo missing")}, testOptions(), nil)

	_, err := e.ExtractPages(context.Background(), "/tmp/a.pdf", []int{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size page 1")
}

func TestExtractPages_Empty(t *testing.T) {
	e := New(&scriptedModel{}, &fakeRenderer{}, testOptions(), nil)
	out, err := e.ExtractPages(context.Background(), "/tmp/a.pdf", nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExtractAll_Chunks(t *testing.T) {
	opts := testOptions()
	opts.BatchSize = 2
	model := &scriptedModel{answers: []string{
		batchAnswer(map[int]string{1: "1", 2: "2"}),
		batchAnswer(map[int]string{1: "3", 2: "4"}),
		goodSingle("5"),
	}}
	e := New(model, &fakeRenderer{}, opts, nil)
	assert.Equal(t, 2, e.BatchSize())

	out, err := e.ExtractAll(context.Background(), "/tmp/a.pdf", []int{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.Len(t, out, 5)
	for i, p := range out {
		assert.Equal(t, i+1, p.PageNo)
		assert.Equal(t, fmt.Sprint(i+1), p.Fields["Invoice_No"])
	}
	require.Len(t, model.requests, 3)
	assert.Len(t, model.requests[2].Images, 1)
}

func TestNew_NormalizesOptions(t *testing.T) {
	e := New(&scriptedModel{}, &fakeRenderer{}, Options{DPI: 250, RetryDPI: 100}, nil)
	assert.Equal(t, 1, e.opts.BatchSize)
	assert.Equal(t, 250, e.opts.RetryDPI)
	assert.Equal(t, invoice.DefaultConfidenceThreshold, e.opts.Threshold)
}

func TestSelectPages(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3}, SelectPages(nil, 3))
	assert.Equal(t, []int{3, 1}, SelectPages([]int{3, 0, 1, 3, 9, -2}, 3))
	assert.Empty(t, SelectPages([]int{7}, 3))
	assert.Empty(t, SelectPages(nil, 0))
}

func TestPrompts(t *testing.T) {
	single := SinglePrompt()
	batch := BatchPrompt(4)
	for _, name := range invoice.FieldNames {
		assert.Contains(t, single, `"`+name+`": <value-or-null>`)
		assert.Contains(t, batch, `"`+name+`": <value-or-null>`)
	}
	assert.Contains(t, single, `"field_diagnostics"`)
	assert.Contains(t, batch, "You will receive 4 invoice page images")
	assert.Contains(t, batch, `"page_index": <1..4>`)
	assert.False(t, strings.Contains(single, "<value-or-null>,\n  }"), "no trailing comma after the last field")
}
