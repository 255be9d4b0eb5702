package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/party"
)

// sqlitePartyTx implements party.Tx on a database/sql transaction.
type sqlitePartyTx struct {
	tx *sql.Tx
}

func (t *sqlitePartyTx) find(ctx context.Context, column string, pt model.PartyType, key string) (*model.Party, error) {
	p, err := scanParty(t.tx.QueryRowContext(ctx,
		`SELECT `+partyColumns+` FROM parties WHERE type = ? AND `+column+` = ? LIMIT 1`,
		string(pt), key,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find party by %s", column)
	}
	return p, nil
}

func (t *sqlitePartyTx) FindByNTN(ctx context.Context, pt model.PartyType, ntn string) (*model.Party, error) {
	return t.find(ctx, "ntn_norm", pt, ntn)
}

func (t *sqlitePartyTx) FindByRegistration(ctx context.Context, pt model.PartyType, reg string) (*model.Party, error) {
	return t.find(ctx, "registration_norm", pt, reg)
}

func (t *sqlitePartyTx) Insert(ctx context.Context, p *model.Party) error {
	p.ID = uuid.New().String()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO parties (`+partyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Type), p.NameRaw, p.NameNorm, p.NTNRaw, p.NTNNorm,
		p.GSTRaw, p.GSTNorm, p.RegistrationRaw, p.RegistrationNorm, now, now,
	)
	return sqlitePartyErr(err, "insert party")
}

func (t *sqlitePartyTx) Merge(ctx context.Context, id string, p *model.Party) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE parties SET
			name_raw = COALESCE(name_raw, ?), name_norm = COALESCE(name_norm, ?),
			ntn_raw = COALESCE(ntn_raw, ?), ntn_norm = COALESCE(ntn_norm, ?),
			gst_raw = COALESCE(gst_raw, ?), gst_norm = COALESCE(gst_norm, ?),
			registration_raw = COALESCE(registration_raw, ?), registration_norm = COALESCE(registration_norm, ?),
			updated_at = ?
		WHERE id = ?`,
		p.NameRaw, p.NameNorm, p.NTNRaw, p.NTNNorm, p.GSTRaw, p.GSTNorm,
		p.RegistrationRaw, p.RegistrationNorm, time.Now().UTC(), id,
	)
	if err != nil {
		return sqlitePartyErr(err, "merge party")
	}
	return checkRowsAffected(res, "party", id)
}

func (t *sqlitePartyTx) ClearRegistration(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE parties SET registration_raw = NULL, registration_norm = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "sqlite: clear party registration %s", id)
}

// sqlitePartyErr maps unique index violations to party.ErrConflict.
func sqlitePartyErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if isSQLiteUnique(err) {
		return eris.Wrapf(party.ErrConflict, "sqlite: %s: %v", op, err)
	}
	return eris.Wrapf(err, "sqlite: %s", op)
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
