package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/party"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite has a single writer; one connection keeps transactions from
	// failing with SQLITE_BUSY on lock upgrade.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	filename    TEXT NOT NULL,
	stored_path TEXT NOT NULL,
	size_bytes  INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS jobs (
	id                  TEXT PRIMARY KEY,
	document_id         TEXT NOT NULL REFERENCES documents(id),
	status              TEXT NOT NULL DEFAULT 'queued',
	total_pages         INTEGER,
	processed_pages     INTEGER NOT NULL DEFAULT 0,
	message             TEXT NOT NULL DEFAULT '',
	error               TEXT,
	invoice_ids         TEXT NOT NULL DEFAULT '[]',
	has_low_readability INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS parties (
	id                TEXT PRIMARY KEY,
	type              TEXT NOT NULL,
	name_raw          TEXT,
	name_norm         TEXT,
	ntn_raw           TEXT,
	ntn_norm          TEXT,
	gst_raw           TEXT,
	gst_norm          TEXT,
	registration_raw  TEXT,
	registration_norm TEXT,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS invoices (
	id                   TEXT PRIMARY KEY,
	document_id          TEXT NOT NULL REFERENCES documents(id),
	page_no              INTEGER NOT NULL,
	supplier_party_id    TEXT REFERENCES parties(id),
	buyer_party_id       TEXT REFERENCES parties(id),
	extracted            TEXT NOT NULL,
	edited               TEXT,
	status               TEXT NOT NULL DEFAULT 'auto-extracted',
	needs_rescan         INTEGER NOT NULL DEFAULT 0,
	unreadable_fields    TEXT NOT NULL DEFAULT '[]',
	reasons              TEXT NOT NULL DEFAULT '[]',
	model_avg_confidence REAL,
	system_confidence    REAL NOT NULL DEFAULT 0,
	system_reasons       TEXT NOT NULL DEFAULT '[]',
	field_diagnostics    TEXT NOT NULL DEFAULT '{}',
	created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_documents_filename ON documents(filename, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_invoices_document_id ON invoices(document_id);
CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);
CREATE INDEX IF NOT EXISTS idx_invoices_supplier ON invoices(supplier_party_id);
CREATE INDEX IF NOT EXISTS idx_invoices_buyer ON invoices(buyer_party_id);
CREATE INDEX IF NOT EXISTS idx_parties_type_name ON parties(type, name_norm);
CREATE UNIQUE INDEX IF NOT EXISTS idx_parties_type_ntn_unique
	ON parties(type, ntn_norm) WHERE ntn_norm IS NOT NULL AND ntn_norm <> '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_parties_type_registration_unique
	ON parties(type, registration_norm) WHERE registration_norm IS NOT NULL AND registration_norm <> '';
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Documents ---

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, filename, stored_path, size_bytes, created_at) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.Filename, doc.StoredPath, doc.SizeBytes, doc.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert document")
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var d model.Document
	err := s.db.QueryRowContext(ctx,
		`SELECT id, filename, stored_path, size_bytes, created_at FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Filename, &d.StoredPath, &d.SizeBytes, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "document %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get document %s", id)
	}
	return &d, nil
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, documentID string) (*model.Job, error) {
	now := time.Now().UTC()
	job := &model.Job{
		ID:         uuid.New().String(),
		DocumentID: documentID,
		Status:     model.JobStatusQueued,
		Message:    "Queued",
		InvoiceIDs: []string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, document_id, status, message, invoice_ids, created_at, updated_at) VALUES (?, ?, ?, ?, '[]', ?, ?)`,
		job.ID, documentID, string(job.Status), job.Message, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}
	return job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs j JOIN documents d ON d.id = j.document_id WHERE j.id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs j JOIN documents d ON d.id = j.document_id ORDER BY j.created_at DESC LIMIT ?`,
		clampLimit(limit, 50, 200),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	jobs := []model.Job{}
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) StartJob(ctx context.Context, id, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, message = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.JobStatusRunning), message, time.Now().UTC(), id, string(model.JobStatusQueued),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: start job %s", id)
	}
	return checkJobRows(res, id)
}

func (s *SQLiteStore) SetJobTotalPages(ctx context.Context, id string, total int, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET total_pages = ?, message = ?, updated_at = ? WHERE id = ? AND status = ?`,
		total, message, time.Now().UTC(), id, string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set job total pages %s", id)
	}
	return checkJobRows(res, id)
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, p model.JobProgress) error {
	return writeSQLiteProgress(ctx, s.db, id, model.JobStatusRunning, p)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, p model.JobProgress) error {
	return writeSQLiteProgress(ctx, s.db, id, model.JobStatusCompleted, p)
}

// sqlExecer is satisfied by *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// writeSQLiteProgress stores the progress counters as one row update.
// Counters never decrease.
func writeSQLiteProgress(ctx context.Context, ex sqlExecer, id string, status model.JobStatus, p model.JobProgress) error {
	ids, err := encodeIDs(p.InvoiceIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: update job progress")
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE jobs SET status = ?, processed_pages = MAX(processed_pages, ?), invoice_ids = ?,
			has_low_readability = ?, message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), p.ProcessedPages, string(ids), p.HasLowReadability, p.Message, time.Now().UTC(),
		id, string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job progress %s", id)
	}
	return checkJobRows(res, id)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, message, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, message = ?, error = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(model.JobStatusFailed), message, errText, time.Now().UTC(),
		id, string(model.JobStatusQueued), string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return checkJobRows(res, id)
}

// --- Invoices ---

// InsertInvoices stores all invoices in one transaction.
func (s *SQLiteStore) InsertInvoices(ctx context.Context, invoices []*model.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert invoices")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertSQLiteInvoices(ctx, tx, invoices); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit invoices")
}

// SaveBatch inserts invoices and writes the job's progress in one
// transaction. Either both are visible or neither is.
func (s *SQLiteStore) SaveBatch(ctx context.Context, jobID string, invoices []*model.Invoice, p model.JobProgress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save batch")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertSQLiteInvoices(ctx, tx, invoices); err != nil {
		return err
	}
	if err := writeSQLiteProgress(ctx, tx, jobID, model.JobStatusRunning, p); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit batch")
}

func insertSQLiteInvoices(ctx context.Context, ex sqlExecer, invoices []*model.Invoice) error {
	now := time.Now().UTC()
	for _, inv := range invoices {
		if inv.ID == "" {
			inv.ID = uuid.New().String()
		}
		inv.CreatedAt, inv.UpdatedAt = now, now

		docs, err := encodeInvoice(inv)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert invoice")
		}
		_, err = ex.ExecContext(ctx,
			`INSERT INTO invoices (id, document_id, page_no, supplier_party_id, buyer_party_id, extracted, edited,
				status, needs_rescan, unreadable_fields, reasons, model_avg_confidence, system_confidence,
				system_reasons, field_diagnostics, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inv.ID, inv.DocumentID, inv.PageNo, inv.SupplierPartyID, inv.BuyerPartyID,
			string(docs.Extracted), nullText(docs.Edited), string(inv.Status), inv.NeedsRescan,
			string(docs.Unreadable), string(docs.Reasons), inv.AvgConfidence, inv.SystemConfidence,
			string(docs.SysReasons), string(docs.Diagnostics), now, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert invoice page %d", inv.PageNo)
		}
	}
	return nil
}

func (s *SQLiteStore) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices i WHERE i.id = ?`, id)
	inv, err := scanSQLiteInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "invoice %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get invoice %s", id)
	}
	return inv, nil
}

func (s *SQLiteStore) UpdateInvoice(ctx context.Context, inv *model.Invoice) error {
	docs, err := encodeInvoice(inv)
	if err != nil {
		return eris.Wrap(err, "sqlite: update invoice")
	}
	inv.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET document_id = ?, page_no = ?, supplier_party_id = ?, buyer_party_id = ?,
			extracted = ?, edited = ?, status = ?, needs_rescan = ?, unreadable_fields = ?, reasons = ?,
			model_avg_confidence = ?, system_confidence = ?, system_reasons = ?, field_diagnostics = ?,
			updated_at = ?
		WHERE id = ?`,
		inv.DocumentID, inv.PageNo, inv.SupplierPartyID, inv.BuyerPartyID,
		string(docs.Extracted), nullText(docs.Edited), string(inv.Status), inv.NeedsRescan,
		string(docs.Unreadable), string(docs.Reasons), inv.AvgConfidence, inv.SystemConfidence,
		string(docs.SysReasons), string(docs.Diagnostics), inv.UpdatedAt, inv.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update invoice %s", inv.ID)
	}
	return checkRowsAffected(res, "invoice", inv.ID)
}

func (s *SQLiteStore) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices i WHERE 1=1`
	var args []any

	if !filter.IncludeHistory {
		query += latestDocumentClause
	}
	order := ` ORDER BY i.created_at DESC, i.page_no ASC`
	if filter.Review {
		query += fmt.Sprintf(reviewClause, "1")
		order = ` ORDER BY i.updated_at DESC, i.page_no ASC`
	}
	query += order
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list invoices")
	}
	defer rows.Close() //nolint:errcheck

	invoices := []model.Invoice{}
	for rows.Next() {
		inv, err := scanSQLiteInvoice(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan invoice")
		}
		invoices = append(invoices, *inv)
	}
	return invoices, eris.Wrap(rows.Err(), "sqlite: list invoices iterate")
}

// --- Parties ---

func (s *SQLiteStore) GetParty(ctx context.Context, id string) (*model.Party, error) {
	p, err := scanParty(s.db.QueryRowContext(ctx, `SELECT `+partyColumns+` FROM parties WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "party %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get party %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListParties(ctx context.Context, t model.PartyType) ([]model.Party, error) {
	query := `SELECT ` + partyColumns + ` FROM parties`
	var args []any
	if t != "" {
		query += ` WHERE type = ? ORDER BY name_norm, id`
		args = append(args, string(t))
	} else {
		query += ` ORDER BY type, name_norm, id`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list parties")
	}
	defer rows.Close() //nolint:errcheck

	parties := []model.Party{}
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan party")
		}
		parties = append(parties, *p)
	}
	return parties, eris.Wrap(rows.Err(), "sqlite: list parties iterate")
}

// InTx runs fn in a SQLite transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(party.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqlitePartyTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func checkJobRows(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrJobState, "job %s", id)
	}
	return nil
}

func nullText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row scannable) (*model.Job, error) {
	var j model.Job
	var total sql.NullInt64
	var errText sql.NullString
	var ids string

	err := row.Scan(&j.ID, &j.DocumentID, &j.Filename, &j.Status, &total, &j.ProcessedPages,
		&j.Message, &errText, &ids, &j.HasLowReadability, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if total.Valid {
		n := int(total.Int64)
		j.TotalPages = &n
	}
	if errText.Valid {
		j.Error = &errText.String
	}
	if j.InvoiceIDs, err = decodeIDs([]byte(ids)); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanSQLiteInvoice(row scannable) (*model.Invoice, error) {
	var inv model.Invoice
	var extracted, unreadable, reasons, sysReasons, diags string
	var edited sql.NullString

	err := row.Scan(&inv.ID, &inv.DocumentID, &inv.PageNo, &inv.SupplierPartyID, &inv.BuyerPartyID,
		&extracted, &edited, &inv.Status, &inv.NeedsRescan, &unreadable, &reasons,
		&inv.AvgConfidence, &inv.SystemConfidence, &sysReasons, &diags, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}

	docs := invoiceDocs{
		Extracted:   []byte(extracted),
		Unreadable:  []byte(unreadable),
		Reasons:     []byte(reasons),
		SysReasons:  []byte(sysReasons),
		Diagnostics: []byte(diags),
	}
	if edited.Valid {
		docs.Edited = []byte(edited.String)
	}
	if err := docs.decode(&inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// scanParty reads partyColumns. It serves both drivers: pgx and
// database/sql accept **string for nullable text.
func scanParty(row scannable) (*model.Party, error) {
	var p model.Party
	err := row.Scan(&p.ID, &p.Type, &p.NameRaw, &p.NameNorm, &p.NTNRaw, &p.NTNNorm,
		&p.GSTRaw, &p.GSTNorm, &p.RegistrationRaw, &p.RegistrationNorm, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
