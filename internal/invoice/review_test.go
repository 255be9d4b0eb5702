package invoice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLowReadability(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PageExtraction)
		want   bool
	}{
		{name: "clean", want: false},
		{name: "parse failure reason", mutate: func(p *PageExtraction) { p.Reasons = []string{"json_parse_failed:base_full"} }, want: true},
		{name: "model flagged", mutate: func(p *PageExtraction) { p.Reasons = []string{ReasonModelFlagged} }, want: true},
		{name: "low confidence only", mutate: func(p *PageExtraction) { p.Reasons = []string{ReasonLowFieldConfidence} }, want: false},
		{
			name: "blurry invoice number",
			mutate: func(p *PageExtraction) {
				p.Diagnostics[InvoiceNo] = FieldDiagnostic{Status: StatusBlurry}
			},
			want: true,
		},
		{
			name: "blurry optional field",
			mutate: func(p *PageExtraction) {
				p.Diagnostics[Location] = FieldDiagnostic{Status: StatusBlurry}
			},
			want: false,
		},
		{
			name: "oddly formatted date",
			mutate: func(p *PageExtraction) {
				p.Diagnostics[InvoiceDate] = FieldDiagnostic{Status: StatusUnreadable, Reason: "Invalid month in date format"}
			},
			want: false,
		},
		{
			name: "missing net amount",
			mutate: func(p *PageExtraction) {
				p.Diagnostics[NetAmount] = FieldDiagnostic{Status: StatusMissing}
			},
			want: false,
		},
		{
			name: "rescan with critical field unreadable",
			mutate: func(p *PageExtraction) {
				p.NeedsRescan = true
				p.Unreadable = []string{NetAmount}
			},
			want: true,
		},
		{
			name: "rescan with optional field unreadable",
			mutate: func(p *PageExtraction) {
				p.NeedsRescan = true
				p.Unreadable = []string{GRN}
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := cleanPage(t)
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			assert.Equal(t, tt.want, IsLowReadability(p))
		})
	}
}

func TestNeedsReview(t *testing.T) {
	p := cleanPage(t)
	assert.False(t, NeedsReview(p))

	p.SystemConfidence = 0.84
	assert.True(t, NeedsReview(p))

	p = cleanPage(t)
	p.Diagnostics[Location] = FieldDiagnostic{Status: StatusAmbiguous}
	assert.True(t, NeedsReview(p))

	p = cleanPage(t)
	p.NeedsRescan = true
	assert.True(t, NeedsReview(p))
}
