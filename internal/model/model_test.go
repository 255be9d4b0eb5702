package model

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/invoice-cli/internal/invoice"
)

func TestJobStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusQueued, JobStatusFailed, true},
		{JobStatusQueued, JobStatusCompleted, false},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusQueued, false},
		{JobStatusCompleted, JobStatusRunning, false},
		{JobStatusFailed, JobStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStatusValues(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "auto-extracted", string(InvoiceStatusAutoExtracted))
	assert.Equal(t, "needs-review", string(InvoiceStatusNeedsReview))
	assert.Equal(t, "approved", string(InvoiceStatusApproved))
	assert.False(t, InvoiceStatus("done").Valid())
	assert.True(t, PartyTypeBuyer.Valid())
	assert.False(t, PartyType("carrier").Valid())
}

func TestNewInvoice_Status(t *testing.T) {
	t.Parallel()

	good := invoice.PageExtraction{PageNo: 2, Fields: invoice.NewFields(), SystemConfidence: 0.9}
	assert.Equal(t, InvoiceStatusAutoExtracted, NewInvoice("doc", good).Status)

	weak := good
	weak.SystemConfidence = 0.5
	inv := NewInvoice("doc", weak)
	assert.Equal(t, InvoiceStatusNeedsReview, inv.Status)
	assert.Equal(t, 2, inv.PageNo)
	assert.NotNil(t, inv.Reasons)
	assert.Equal(t, "/api/documents/doc/file#page=2", inv.DocumentURL())
}

func TestInvoice_EditAndCurrent(t *testing.T) {
	t.Parallel()

	inv := &Invoice{Extracted: invoice.Fields{invoice.NetAmount: 10.0}}
	assert.Equal(t, 10.0, inv.Current()[invoice.NetAmount])

	inv.Edit(map[string]any{invoice.NetAmount: "1,500", "Bogus": "x"})
	assert.Equal(t, 1500.0, inv.Current()[invoice.NetAmount])
	assert.NotContains(t, inv.Edited, "Bogus")
	assert.Len(t, inv.Edited, len(invoice.FieldNames))
}

func TestInvoice_ApproveClearsRescan(t *testing.T) {
	t.Parallel()

	inv := &Invoice{NeedsRescan: true, Status: InvoiceStatusNeedsReview}
	inv.SetStatus(InvoiceStatusApproved)
	assert.False(t, inv.NeedsRescan)
	assert.Equal(t, InvoiceStatusApproved, inv.Status)
}

func TestInvoice_RequestRescan(t *testing.T) {
	t.Parallel()

	inv := &Invoice{
		Status:           InvoiceStatusAutoExtracted,
		UnreadableFields: []string{invoice.GRN},
		Reasons:          []string{"attempt:base_full"},
	}
	inv.RequestRescan([]string{invoice.Discount, invoice.GRN}, []string{"stamp over total"})

	assert.True(t, inv.NeedsRescan)
	assert.Equal(t, InvoiceStatusNeedsReview, inv.Status)
	assert.Equal(t, []string{invoice.Discount, invoice.GRN}, inv.UnreadableFields)
	assert.Equal(t, []string{"attempt:base_full", "stamp over total", invoice.ReasonUserRequestedRescan}, inv.Reasons)
}

func TestInvoice_Reprocess(t *testing.T) {
	t.Parallel()

	inv := &Invoice{DocumentID: "old", PageNo: 4, Edited: invoice.Fields{invoice.GRN: "x"}}
	p := invoice.PageExtraction{PageNo: 1, Fields: invoice.NewFields(), NeedsRescan: true, Reasons: []string{"attempt:base_full"}}

	inv.Reprocess("new", p)

	assert.Equal(t, "new", inv.DocumentID)
	assert.Equal(t, 1, inv.PageNo)
	assert.Nil(t, inv.Edited)
	assert.Equal(t, InvoiceStatusNeedsReview, inv.Status)
	assert.Equal(t, []string{"attempt:base_full", invoice.ReasonReuploaded}, inv.Reasons)
}
