package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/party"
)

// ErrNotFound is returned (wrapped) when a record does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrJobState is returned (wrapped) when a job update would move the job
// backward or touch a job that is not in the expected state.
var ErrJobState = eris.New("store: job not in expected state")

// InvoiceFilter specifies criteria for listing invoices.
type InvoiceFilter struct {
	// IncludeHistory lists invoices of every upload instead of only the
	// latest document per filename.
	IncludeHistory bool `json:"include_history,omitempty"`
	// Review keeps only invoices that need a rescan or human review.
	Review bool `json:"review,omitempty"`
	Limit  int  `json:"limit,omitempty"`
}

// Store defines the persistence interface for documents, jobs, invoices and
// parties.
type Store interface {
	// Documents
	CreateDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)

	// Jobs
	CreateJob(ctx context.Context, documentID string) (*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit int) ([]model.Job, error)
	StartJob(ctx context.Context, id, message string) error
	SetJobTotalPages(ctx context.Context, id string, total int, message string) error
	UpdateJobProgress(ctx context.Context, id string, p model.JobProgress) error
	CompleteJob(ctx context.Context, id string, p model.JobProgress) error
	FailJob(ctx context.Context, id, message, errText string) error
	// SaveBatch inserts invoices and updates a running job's progress in
	// one transaction.
	SaveBatch(ctx context.Context, jobID string, invoices []*model.Invoice, p model.JobProgress) error

	// Invoices
	InsertInvoices(ctx context.Context, invoices []*model.Invoice) error
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *model.Invoice) error
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.Invoice, error)

	// Parties
	party.Repository
	GetParty(ctx context.Context, id string) (*model.Party, error)
	ListParties(ctx context.Context, t model.PartyType) ([]model.Party, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const (
	partyColumns = `id, type, name_raw, name_norm, ntn_raw, ntn_norm, gst_raw, gst_norm, registration_raw, registration_norm, created_at, updated_at`

	invoiceColumns = `i.id, i.document_id, i.page_no, i.supplier_party_id, i.buyer_party_id, i.extracted, i.edited, i.status, i.needs_rescan, i.unreadable_fields, i.reasons, i.model_avg_confidence, i.system_confidence, i.system_reasons, i.field_diagnostics, i.created_at, i.updated_at`

	jobColumns = `j.id, j.document_id, d.filename, j.status, j.total_pages, j.processed_pages, j.message, j.error, j.invoice_ids, j.has_low_readability, j.created_at, j.updated_at`

	// latestDocumentClause keeps invoices whose document is the newest upload
	// of its filename.
	latestDocumentClause = ` AND NOT EXISTS (
		SELECT 1 FROM documents d
		JOIN documents newer ON newer.filename = d.filename AND newer.created_at > d.created_at
		WHERE d.id = i.document_id)`

	reviewClause = ` AND (i.needs_rescan = %s OR i.status = '` + string(model.InvoiceStatusNeedsReview) + `')`
)

// clampLimit applies the default and ceiling used by list endpoints.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
