package model

import (
	"sort"
	"strconv"
	"time"

	"github.com/sells-group/invoice-cli/internal/invoice"
)

// InvoiceStatus is the review state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusAutoExtracted InvoiceStatus = "auto-extracted"
	InvoiceStatusNeedsReview   InvoiceStatus = "needs-review"
	InvoiceStatusApproved      InvoiceStatus = "approved"
)

// Valid reports whether s is a known status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusAutoExtracted, InvoiceStatusNeedsReview, InvoiceStatusApproved:
		return true
	}
	return false
}

// Invoice is one extracted page persisted with its audit trail.
type Invoice struct {
	ID               string                             `json:"id"`
	DocumentID       string                             `json:"document_id"`
	PageNo           int                                `json:"page_no"`
	SupplierPartyID  *string                            `json:"supplier_party_id"`
	BuyerPartyID     *string                            `json:"buyer_party_id"`
	Extracted        invoice.Fields                     `json:"extracted"`
	Edited           invoice.Fields                     `json:"edited,omitempty"`
	Status           InvoiceStatus                      `json:"status"`
	NeedsRescan      bool                               `json:"needs_rescan"`
	UnreadableFields []string                           `json:"unreadable_fields"`
	Reasons          []string                           `json:"reasons"`
	AvgConfidence    *float64                           `json:"model_avg_confidence"`
	SystemConfidence float64                            `json:"system_confidence"`
	SystemReasons    []string                           `json:"system_reasons"`
	Diagnostics      map[string]invoice.FieldDiagnostic `json:"field_diagnostics"`
	CreatedAt        time.Time                          `json:"created_at"`
	UpdatedAt        time.Time                          `json:"updated_at"`
}

// NewInvoice builds an unsaved invoice from a finalized page.
func NewInvoice(documentID string, p invoice.PageExtraction) *Invoice {
	inv := &Invoice{DocumentID: documentID}
	inv.ApplyExtraction(p)
	inv.Status = InvoiceStatusAutoExtracted
	if invoice.NeedsReview(p) {
		inv.Status = InvoiceStatusNeedsReview
	}
	return inv
}

// ApplyExtraction overwrites every extraction-derived column with p and
// drops any human edits.
func (inv *Invoice) ApplyExtraction(p invoice.PageExtraction) {
	inv.PageNo = p.PageNo
	inv.Extracted = p.Fields
	inv.Edited = nil
	inv.NeedsRescan = p.NeedsRescan
	inv.UnreadableFields = nonNil(p.Unreadable)
	inv.Reasons = nonNil(p.Reasons)
	inv.AvgConfidence = p.AvgConfidence
	inv.SystemConfidence = p.SystemConfidence
	inv.SystemReasons = nonNil(p.SystemReasons)
	inv.Diagnostics = p.Diagnostics
}

// Reprocess points the invoice at a replacement document and overwrites its
// extraction with p.
func (inv *Invoice) Reprocess(documentID string, p invoice.PageExtraction) {
	inv.DocumentID = documentID
	inv.ApplyExtraction(p)
	inv.Reasons = union(inv.Reasons, []string{invoice.ReasonReuploaded})
	inv.Status = InvoiceStatusAutoExtracted
	if p.NeedsRescan {
		inv.Status = InvoiceStatusNeedsReview
	}
}

// Current returns the values a reader should see: edits when present,
// otherwise the extraction.
func (inv *Invoice) Current() invoice.Fields {
	if len(inv.Edited) > 0 {
		return inv.Edited
	}
	return inv.Extracted
}

// Edit replaces the edited map. Unknown keys are dropped and numeric fields
// are coerced the same way model output is.
func (inv *Invoice) Edit(values map[string]any) {
	inv.Edited = invoice.CleanFields(values)
}

// SetStatus moves the invoice to s. Approval clears the rescan flag.
func (inv *Invoice) SetStatus(s InvoiceStatus) {
	inv.Status = s
	if s == InvoiceStatusApproved {
		inv.NeedsRescan = false
	}
}

// RequestRescan flags the invoice for a new scan on behalf of a reviewer.
func (inv *Invoice) RequestRescan(unreadable, reasons []string) {
	inv.UnreadableFields = union(inv.UnreadableFields, unreadable)
	inv.Reasons = union(inv.Reasons, append(append([]string(nil), reasons...), invoice.ReasonUserRequestedRescan))
	inv.NeedsRescan = true
	inv.Status = InvoiceStatusNeedsReview
}

// DocumentURL links to the source page in a browser PDF viewer.
func (inv *Invoice) DocumentURL() string {
	return Document{ID: inv.DocumentID}.FileURL() + "#page=" + strconv.Itoa(inv.PageNo)
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
