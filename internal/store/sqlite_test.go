package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/invoice-cli/internal/invoice"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/party"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func createDoc(t *testing.T, st Store, filename string) *model.Document {
	t.Helper()
	doc := &model.Document{Filename: filename, StoredPath: "/uploads/" + filename, SizeBytes: 2048}
	require.NoError(t, st.CreateDocument(context.Background(), doc))
	return doc
}

func testInvoice(docID string, page int) *model.Invoice {
	f := invoice.NewFields()
	f[invoice.InvoiceNo] = fmt.Sprintf("INV-%d", page)
	f[invoice.NetAmount] = 1100.0
	conf := 0.9
	return &model.Invoice{
		DocumentID:       docID,
		PageNo:           page,
		Extracted:        f,
		Status:           model.InvoiceStatusAutoExtracted,
		UnreadableFields: []string{},
		Reasons:          []string{"attempt:base_full"},
		AvgConfidence:    &conf,
		SystemConfidence: 1,
		SystemReasons:    []string{},
		Diagnostics: map[string]invoice.FieldDiagnostic{
			invoice.InvoiceNo: {Status: invoice.StatusOK, Confidence: &conf},
		},
	}
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

// --- Documents ---

func TestSQLite_Document_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createDoc(t, st, "march.pdf")
	assert.NotEmpty(t, doc.ID)
	assert.False(t, doc.CreatedAt.IsZero())

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "march.pdf", got.Filename)
	assert.Equal(t, int64(2048), got.SizeBytes)
	assert.Equal(t, "/api/documents/"+doc.ID+"/file", got.FileURL())
}

func TestSQLite_Document_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetDocument(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Jobs ---

func TestSQLite_Job_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	doc := createDoc(t, st, "batch.pdf")

	job, err := st.CreateJob(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, "Queued", job.Message)

	require.NoError(t, st.StartJob(ctx, job.ID, "Reading PDF..."))
	require.NoError(t, st.SetJobTotalPages(ctx, job.ID, 4, "Extracting pages... (0/4)"))
	require.NoError(t, st.UpdateJobProgress(ctx, job.ID, model.JobProgress{
		ProcessedPages:    1,
		InvoiceIDs:        []string{"a"},
		HasLowReadability: true,
		Message:           "Extracting pages... (1/4)",
	}))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, got.Status)
	assert.Equal(t, "batch.pdf", got.Filename)
	require.NotNil(t, got.TotalPages)
	assert.Equal(t, 4, *got.TotalPages)
	assert.Equal(t, 1, got.ProcessedPages)
	assert.Equal(t, []string{"a"}, got.InvoiceIDs)
	assert.True(t, got.HasLowReadability)
	assert.Nil(t, got.Error)

	require.NoError(t, st.CompleteJob(ctx, job.ID, model.JobProgress{
		ProcessedPages:    4,
		InvoiceIDs:        []string{"a", "b", "c", "d"},
		HasLowReadability: true,
		Message:           "Completed",
	}))

	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 4, got.ProcessedPages)
	assert.Len(t, got.InvoiceIDs, 4)
	assert.Equal(t, "Completed", got.Message)
}

func TestSQLite_Job_StatusNeverMovesBackward(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	doc := createDoc(t, st, "x.pdf")

	job, err := st.CreateJob(ctx, doc.ID)
	require.NoError(t, err)

	err = st.UpdateJobProgress(ctx, job.ID, model.JobProgress{ProcessedPages: 1})
	assert.ErrorIs(t, err, ErrJobState, "progress before running")

	require.NoError(t, st.StartJob(ctx, job.ID, "Reading PDF..."))
	assert.ErrorIs(t, st.StartJob(ctx, job.ID, "again"), ErrJobState)

	require.NoError(t, st.FailJob(ctx, job.ID, "Failed", "upstream: 400 bad request"))
	assert.ErrorIs(t, st.FailJob(ctx, job.ID, "Failed", "again"), ErrJobState)
	assert.ErrorIs(t, st.CompleteJob(ctx, job.ID, model.JobProgress{}), ErrJobState)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "upstream: 400 bad request", *got.Error)
	assert.Equal(t, "Failed", got.Message)
}

func TestSQLite_Job_ProcessedPagesMonotonic(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	doc := createDoc(t, st, "x.pdf")
	job, err := st.CreateJob(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, st.StartJob(ctx, job.ID, "Reading PDF..."))

	require.NoError(t, st.UpdateJobProgress(ctx, job.ID, model.JobProgress{ProcessedPages: 5}))
	require.NoError(t, st.UpdateJobProgress(ctx, job.ID, model.JobProgress{ProcessedPages: 3}))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ProcessedPages)
}

func TestSQLite_Job_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListJobs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	doc := createDoc(t, st, "x.pdf")

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := st.CreateJob(ctx, doc.ID)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	jobs, err := st.ListJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[2], jobs[0].ID, "newest first")

	jobs, err = st.ListJobs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

// --- Invoices ---

func TestSQLite_Invoice_InsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	doc := createDoc(t, st, "x.pdf")

	inv := testInvoice(doc.ID, 1)
	require.NoError(t, st.InsertInvoices(ctx, []*model.Invoice{inv}))
	require.NotEmpty(t, inv.ID)

	got, err := st.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.DocumentID)
	assert.Equal(t, 1, got.PageNo)
	assert.Equal(t, "INV-1", got.Extracted[invoice.InvoiceNo])
	assert.Equal(t, 1100.0, got.Extracted[invoice.NetAmount])
	assert.Nil(t, got.Extracted[invoice.GRN])
	assert.Len(t, got.Extracted, len(invoice.FieldNames))
	assert.Nil(t, got.Edited)
	assert.Equal(t, []string{"attempt:base_full"}, got.Reasons)
	assert.Equal(t, []string{}, got.UnreadableFields)
	require.NotNil(t, got.AvgConfidence)
	assert.InDelta(t, 0.9, *got.AvgConfidence, 1e-9)
	assert.Equal(t, invoice.StatusOK, got.Diagnostics[invoice.InvoiceNo].Status)
	assert.Nil(t, got.SupplierPartyID)
}

func TestSQLite_Invoice_InsertIsAtomic(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	doc := createDoc(t, st, "x.pdf")

	good := testInvoice(doc.ID, 2)
	good.ID = "dup"
	bad := testInvoice(doc.ID, 3)
	bad.ID = "dup"
	require.Error(t, st.InsertInvoices(ctx, []*model.Invoice{good, bad}))

	list, err := st.ListInvoices(ctx, InvoiceFilter{IncludeHistory: true})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSQLite_SaveBatch_InvoicesAndProgressTogether(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	doc := createDoc(t, st, "x.pdf")
	job, err := st.CreateJob(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, st.StartJob(ctx, job.ID, "Reading PDF..."))

	inv := testInvoice(doc.ID, 2)
	inv.ID = "inv-page-2"
	require.NoError(t, st.SaveBatch(ctx, job.ID, []*model.Invoice{inv}, model.JobProgress{
		ProcessedPages: 2,
		InvoiceIDs:     []string{"inv-page-1", "inv-page-2"},
		Message:        "Extracting pages... (2/3)",
	}))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ProcessedPages)
	assert.Equal(t, []string{"inv-page-1", "inv-page-2"}, got.InvoiceIDs)
	assert.Equal(t, "Extracting pages... (2/3)", got.Message)

	stored, err := st.GetInvoice(ctx, "inv-page-2")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.PageNo)
}

func TestSQLite_SaveBatch_RollsBackInvoicesWhenJobNotRunning(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	doc := createDoc(t, st, "x.pdf")
	job, err := st.CreateJob(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, st.FailJob(ctx, job.ID, "Failed", "boom"))

	inv := testInvoice(doc.ID, 2)
	err = st.SaveBatch(ctx, job.ID, []*model.Invoice{inv}, model.JobProgress{
		ProcessedPages: 1,
		InvoiceIDs:     []string{inv.ID},
	})
	assert.ErrorIs(t, err, ErrJobState)

	list, err := st.ListInvoices(ctx, InvoiceFilter{IncludeHistory: true})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSQLite_SaveBatch_CancelledContextWritesNothing(t *testing.T) {
	st := newTestSQLiteStore(t)
	doc := createDoc(t, st, "x.pdf")
	job, err := st.CreateJob(context.Background(), doc.ID)
	require.NoError(t, err)
	require.NoError(t, st.StartJob(context.Background(), job.ID, "Reading PDF..."))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, st.SaveBatch(ctx, job.ID, []*model.Invoice{testInvoice(doc.ID, 2)}, model.JobProgress{ProcessedPages: 1}))

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ProcessedPages)
	list, err := st.ListInvoices(context.Background(), InvoiceFilter{IncludeHistory: true})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSQLite_Invoice_Update(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	doc := createDoc(t, st, "x.pdf")
	inv := testInvoice(doc.ID, 1)
	require.NoError(t, st.InsertInvoices(ctx, []*model.Invoice{inv}))

	inv.Edit(map[string]any{invoice.NetAmount: "1,250", "Bogus": 1})
	inv.RequestRescan([]string{invoice.GRN}, []string{"stamp over total"})
	require.NoError(t, st.UpdateInvoice(ctx, inv))

	got, err := st.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1250.0, got.Edited[invoice.NetAmount])
	assert.NotContains(t, got.Edited, "Bogus")
	assert.Equal(t, 1250.0, got.Current()[invoice.NetAmount])
	assert.True(t, got.NeedsRescan)
	assert.Equal(t, model.InvoiceStatusNeedsReview, got.Status)
	assert.Contains(t, got.Reasons, invoice.ReasonUserRequestedRescan)

	missing := testInvoice(doc.ID, 9)
	missing.ID = "ghost"
	assert.ErrorIs(t, st.UpdateInvoice(ctx, missing), ErrNotFound)
}

func TestSQLite_ListInvoices_LatestDocumentAndReview(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	oldDoc := createDoc(t, st, "march.pdf")
	require.NoError(t, st.InsertInvoices(ctx, []*model.Invoice{testInvoice(oldDoc.ID, 1)}))

	newDoc := createDoc(t, st, "march.pdf")
	flagged := testInvoice(newDoc.ID, 2)
	flagged.Status = model.InvoiceStatusNeedsReview
	rescan := testInvoice(newDoc.ID, 3)
	rescan.NeedsRescan = true
	require.NoError(t, st.InsertInvoices(ctx, []*model.Invoice{testInvoice(newDoc.ID, 1), flagged, rescan}))

	other := createDoc(t, st, "april.pdf")
	require.NoError(t, st.InsertInvoices(ctx, []*model.Invoice{testInvoice(other.ID, 1)}))

	latest, err := st.ListInvoices(ctx, InvoiceFilter{})
	require.NoError(t, err)
	assert.Len(t, latest, 4)
	for _, inv := range latest {
		assert.NotEqual(t, oldDoc.ID, inv.DocumentID)
	}

	all, err := st.ListInvoices(ctx, InvoiceFilter{IncludeHistory: true})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	review, err := st.ListInvoices(ctx, InvoiceFilter{Review: true})
	require.NoError(t, err)
	require.Len(t, review, 2)
	for _, inv := range review {
		assert.True(t, inv.NeedsRescan || inv.Status == model.InvoiceStatusNeedsReview)
	}

	limited, err := st.ListInvoices(ctx, InvoiceFilter{IncludeHistory: true, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// --- Parties ---

func TestSQLite_Party_ResolveAndMerge(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	r := party.NewResolver(st)

	a, err := r.Resolve(ctx, model.PartyTypeSupplier, party.Identity{Name: "Acme Traders", NTN: "123-ABC"})
	require.NoError(t, err)
	require.NotNil(t, a)
	b, err := r.Resolve(ctx, model.PartyTypeSupplier, party.Identity{Name: "Acme (Pvt)", Registration: "REG-1"})
	require.NoError(t, err)
	require.NotNil(t, b)
	require.NotEqual(t, *a, *b)

	merged, err := r.Resolve(ctx, model.PartyTypeSupplier, party.Identity{NTN: "123abc", Registration: "reg1", GST: "17-1"})
	require.NoError(t, err)
	assert.Equal(t, *a, *merged, "tax id row is canonical")

	canonical, err := st.GetParty(ctx, *a)
	require.NoError(t, err)
	assert.Equal(t, "Acme Traders", *canonical.NameRaw)
	assert.Equal(t, "REG1", *canonical.RegistrationNorm)
	assert.Equal(t, "171", *canonical.GSTNorm)

	other, err := st.GetParty(ctx, *b)
	require.NoError(t, err)
	assert.Nil(t, other.RegistrationNorm)

	again, err := r.Resolve(ctx, model.PartyTypeSupplier, party.Identity{Registration: "REG 1"})
	require.NoError(t, err)
	assert.Equal(t, *a, *again)
}

func TestSQLite_Party_InsertConflict(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	key := "555"

	require.NoError(t, st.InTx(ctx, func(tx party.Tx) error {
		return tx.Insert(ctx, &model.Party{Type: model.PartyTypeBuyer, NTNNorm: &key})
	}))
	err := st.InTx(ctx, func(tx party.Tx) error {
		return tx.Insert(ctx, &model.Party{Type: model.PartyTypeBuyer, NTNNorm: &key})
	})
	assert.True(t, party.IsConflict(err), "got %v", err)

	// Same key under the other type is allowed.
	require.NoError(t, st.InTx(ctx, func(tx party.Tx) error {
		return tx.Insert(ctx, &model.Party{Type: model.PartyTypeSupplier, NTNNorm: &key})
	}))
}

func TestSQLite_Party_ConcurrentResolve(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	r := party.NewResolver(st)

	results := make(chan string, 8)
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			id, err := r.Resolve(ctx, model.PartyTypeBuyer, party.Identity{NTN: "777", Name: "Buyer"})
			if err != nil {
				errs <- err
				return
			}
			results <- *id
		}()
	}

	var first string
	for i := 0; i < 8; i++ {
		select {
		case err := <-errs:
			t.Fatalf("resolve: %v", err)
		case id := <-results:
			if first == "" {
				first = id
			}
			assert.Equal(t, first, id)
		}
	}

	parties, err := st.ListParties(ctx, model.PartyTypeBuyer)
	require.NoError(t, err)
	assert.Len(t, parties, 1)
}

func TestSQLite_ListParties(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	r := party.NewResolver(st)

	for _, p := range []struct {
		t    model.PartyType
		name string
		ntn  string
	}{
		{model.PartyTypeSupplier, "Zeta", "1"},
		{model.PartyTypeSupplier, "Alpha", "2"},
		{model.PartyTypeBuyer, "Mid", "3"},
	} {
		_, err := r.Resolve(ctx, p.t, party.Identity{Name: p.name, NTN: p.ntn})
		require.NoError(t, err)
	}

	suppliers, err := st.ListParties(ctx, model.PartyTypeSupplier)
	require.NoError(t, err)
	require.Len(t, suppliers, 2)
	assert.Equal(t, "Alpha", *suppliers[0].NameRaw)

	all, err := st.ListParties(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, model.PartyTypeBuyer, all[0].Type)

	_, err = st.GetParty(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
