package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/db"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/party"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the job-progress and party lookups issued once per page.
var preparedStatements = map[string]string{
	"update_job_progress": `UPDATE jobs SET status = $1, processed_pages = GREATEST(processed_pages, $2), invoice_ids = $3,
		has_low_readability = $4, message = $5, updated_at = $6 WHERE id = $7 AND status = $8`,
	"find_party_by_ntn":          `SELECT ` + partyColumns + ` FROM parties WHERE type = $1 AND ntn_norm = $2 LIMIT 1`,
	"find_party_by_registration": `SELECT ` + partyColumns + ` FROM parties WHERE type = $1 AND registration_norm = $2 LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Pooled connections prepare statements against the schema, so it must
	// exist before the first one is opened.
	conn, err := pgx.ConnectConfig(ctx, pgxCfg.ConnConfig)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	_, err = conn.Exec(ctx, postgresMigration)
	conn.Close(ctx) //nolint:errcheck
	if err != nil {
		return nil, eris.Wrap(err, "postgres: migrate")
	}

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	filename    TEXT NOT NULL,
	stored_path TEXT NOT NULL,
	size_bytes  BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	document_id         TEXT NOT NULL REFERENCES documents(id),
	status              TEXT NOT NULL DEFAULT 'queued',
	total_pages         INTEGER,
	processed_pages     INTEGER NOT NULL DEFAULT 0,
	message             TEXT NOT NULL DEFAULT '',
	error               TEXT,
	invoice_ids         JSONB NOT NULL DEFAULT '[]',
	has_low_readability BOOLEAN NOT NULL DEFAULT false,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS parties (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	type              TEXT NOT NULL,
	name_raw          TEXT,
	name_norm         TEXT,
	ntn_raw           TEXT,
	ntn_norm          TEXT,
	gst_raw           TEXT,
	gst_norm          TEXT,
	registration_raw  TEXT,
	registration_norm TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS invoices (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	document_id          TEXT NOT NULL REFERENCES documents(id),
	page_no              INTEGER NOT NULL,
	supplier_party_id    TEXT REFERENCES parties(id),
	buyer_party_id       TEXT REFERENCES parties(id),
	extracted            JSONB NOT NULL,
	edited               JSONB,
	status               TEXT NOT NULL DEFAULT 'auto-extracted',
	needs_rescan         BOOLEAN NOT NULL DEFAULT false,
	unreadable_fields    JSONB NOT NULL DEFAULT '[]',
	reasons              JSONB NOT NULL DEFAULT '[]',
	model_avg_confidence DOUBLE PRECISION,
	system_confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	system_reasons       JSONB NOT NULL DEFAULT '[]',
	field_diagnostics    JSONB NOT NULL DEFAULT '{}',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_filename ON documents(filename, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Documents ---

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, filename, stored_path, size_bytes, created_at) VALUES ($1, $2, $3, $4, $5)`,
		doc.ID, doc.Filename, doc.StoredPath, doc.SizeBytes, doc.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert document")
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var d model.Document
	err := s.pool.QueryRow(ctx,
		`SELECT id, filename, stored_path, size_bytes, created_at FROM documents WHERE id = $1`, id,
	).Scan(&d.ID, &d.Filename, &d.StoredPath, &d.SizeBytes, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "document %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get document %s", id)
	}
	return &d, nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, documentID string) (*model.Job, error) {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, document_id, status, message, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, documentID, string(job.Status), job.Message, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}
	return job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs j JOIN documents d ON d.id = j.document_id WHERE j.id = $1`, id)
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs j JOIN documents d ON d.id = j.document_id ORDER BY j.created_at DESC LIMIT $1`,
		clampLimit(limit, 50, 200),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	jobs := []model.Job{}
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) StartJob(ctx context.Context, id, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, message = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(model.JobStatusRunning), message, time.Now().UTC(), id, string(model.JobStatusQueued),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: start job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrJobState, "job %s", id)
	}
	return nil
}

func (s *PostgresStore) SetJobTotalPages(ctx context.Context, id string, total int, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET total_pages = $1, message = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		total, message, time.Now().UTC(), id, string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set job total pages %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrJobState, "job %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id string, p model.JobProgress) error {
	return writePostgresProgress(ctx, s.pool, id, model.JobStatusRunning, p)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, p model.JobProgress) error {
	return writePostgresProgress(ctx, s.pool, id, model.JobStatusCompleted, p)
}

// pgExecer is satisfied by db.Pool and pgx.Tx.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func writePostgresProgress(ctx context.Context, ex pgExecer, id string, status model.JobStatus, p model.JobProgress) error {
	ids, err := encodeIDs(p.InvoiceIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: update job progress")
	}
	tag, err := ex.Exec(ctx, "update_job_progress",
		string(status), p.ProcessedPages, ids, p.HasLowReadability, p.Message, time.Now().UTC(),
		id, string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job progress %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrJobState, "job %s", id)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id, message, errText string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, message = $2, error = $3, updated_at = $4 WHERE id = $5 AND status IN ($6, $7)`,
		string(model.JobStatusFailed), message, errText, time.Now().UTC(),
		id, string(model.JobStatusQueued), string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrJobState, "job %s", id)
	}
	return nil
}

// --- Invoices ---

// InsertInvoices stores all invoices in one transaction.
func (s *PostgresStore) InsertInvoices(ctx context.Context, invoices []*model.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return insertPostgresInvoices(ctx, tx, invoices)
	})
	return eris.Wrap(err, "postgres: insert invoices")
}

// SaveBatch inserts invoices and writes the job's progress in one
// transaction. Either both are visible or neither is.
func (s *PostgresStore) SaveBatch(ctx context.Context, jobID string, invoices []*model.Invoice, p model.JobProgress) error {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertPostgresInvoices(ctx, tx, invoices); err != nil {
			return err
		}
		return writePostgresProgress(ctx, tx, jobID, model.JobStatusRunning, p)
	})
	return eris.Wrap(err, "postgres: save batch")
}

func insertPostgresInvoices(ctx context.Context, tx pgx.Tx, invoices []*model.Invoice) error {
	now := time.Now().UTC()
	for _, inv := range invoices {
		if inv.ID == "" {
			inv.ID = uuid.New().String()
		}
		inv.CreatedAt, inv.UpdatedAt = now, now

		docs, err := encodeInvoice(inv)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO invoices (id, document_id, page_no, supplier_party_id, buyer_party_id, extracted, edited,
				status, needs_rescan, unreadable_fields, reasons, model_avg_confidence, system_confidence,
				system_reasons, field_diagnostics, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			inv.ID, inv.DocumentID, inv.PageNo, inv.SupplierPartyID, inv.BuyerPartyID,
			docs.Extracted, docs.Edited, string(inv.Status), inv.NeedsRescan,
			docs.Unreadable, docs.Reasons, inv.AvgConfidence, inv.SystemConfidence,
			docs.SysReasons, docs.Diagnostics, now, now,
		)
		if err != nil {
			return eris.Wrapf(err, "insert invoice page %d", inv.PageNo)
		}
	}
	return nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	inv, err := scanPostgresInvoice(s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices i WHERE i.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "invoice %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get invoice %s", id)
	}
	return inv, nil
}

func (s *PostgresStore) UpdateInvoice(ctx context.Context, inv *model.Invoice) error {
	docs, err := encodeInvoice(inv)
	if err != nil {
		return eris.Wrap(err, "postgres: update invoice")
	}
	inv.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE invoices SET document_id = $1, page_no = $2, supplier_party_id = $3, buyer_party_id = $4,
			extracted = $5, edited = $6, status = $7, needs_rescan = $8, unreadable_fields = $9, reasons = $10,
			model_avg_confidence = $11, system_confidence = $12, system_reasons = $13, field_diagnostics = $14,
			updated_at = $15
		WHERE id = $16`,
		inv.DocumentID, inv.PageNo, inv.SupplierPartyID, inv.BuyerPartyID,
		docs.Extracted, docs.Edited, string(inv.Status), inv.NeedsRescan,
		docs.Unreadable, docs.Reasons, inv.AvgConfidence, inv.SystemConfidence,
		docs.SysReasons, docs.Diagnostics, inv.UpdatedAt, inv.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update invoice %s", inv.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "invoice %s", inv.ID)
	}
	return nil
}

func (s *PostgresStore) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices i WHERE true`
	args := []any{}
	argIdx := 1

	if !filter.IncludeHistory {
		query += latestDocumentClause
	}
	order := ` ORDER BY i.created_at DESC, i.page_no ASC`
	if filter.Review {
		query += fmt.Sprintf(reviewClause, "true")
		order = ` ORDER BY i.updated_at DESC, i.page_no ASC`
	}
	query += order
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list invoices")
	}
	defer rows.Close()

	invoices := []model.Invoice{}
	for rows.Next() {
		inv, err := scanPostgresInvoice(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan invoice")
		}
		invoices = append(invoices, *inv)
	}
	return invoices, eris.Wrap(rows.Err(), "postgres: list invoices iterate")
}

// --- Parties ---

func (s *PostgresStore) GetParty(ctx context.Context, id string) (*model.Party, error) {
	p, err := scanParty(s.pool.QueryRow(ctx, `SELECT `+partyColumns+` FROM parties WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "party %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get party %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListParties(ctx context.Context, t model.PartyType) ([]model.Party, error) {
	query := `SELECT ` + partyColumns + ` FROM parties`
	args := []any{}
	if t != "" {
		query += ` WHERE type = $1 ORDER BY name_norm, id`
		args = append(args, string(t))
	} else {
		query += ` ORDER BY type, name_norm, id`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list parties")
	}
	defer rows.Close()

	parties := []model.Party{}
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan party")
		}
		parties = append(parties, *p)
	}
	return parties, eris.Wrap(rows.Err(), "postgres: list parties iterate")
}

// InTx runs fn in a Postgres transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(party.Tx) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&postgresPartyTx{tx: tx})
	})
}

func scanPostgresJob(row scannable) (*model.Job, error) {
	var j model.Job
	var total *int32
	var ids []byte

	err := row.Scan(&j.ID, &j.DocumentID, &j.Filename, &j.Status, &total, &j.ProcessedPages,
		&j.Message, &j.Error, &ids, &j.HasLowReadability, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if total != nil {
		n := int(*total)
		j.TotalPages = &n
	}
	if j.InvoiceIDs, err = decodeIDs(ids); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanPostgresInvoice(row scannable) (*model.Invoice, error) {
	var inv model.Invoice
	var docs invoiceDocs

	err := row.Scan(&inv.ID, &inv.DocumentID, &inv.PageNo, &inv.SupplierPartyID, &inv.BuyerPartyID,
		&docs.Extracted, &docs.Edited, &inv.Status, &inv.NeedsRescan, &docs.Unreadable, &docs.Reasons,
		&inv.AvgConfidence, &inv.SystemConfidence, &docs.SysReasons, &docs.Diagnostics, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := docs.decode(&inv); err != nil {
		return nil, err
	}
	return &inv, nil
}
