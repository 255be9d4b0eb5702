package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/db"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/party"
)

// postgresPartyTx implements party.Tx on a pgx transaction. After a unique
// violation the transaction is aborted; the resolver starts a new one.
type postgresPartyTx struct {
	tx pgx.Tx
}

func (t *postgresPartyTx) find(ctx context.Context, stmt string, pt model.PartyType, key string) (*model.Party, error) {
	p, err := scanParty(t.tx.QueryRow(ctx, stmt, string(pt), key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", stmt)
	}
	return p, nil
}

func (t *postgresPartyTx) FindByNTN(ctx context.Context, pt model.PartyType, ntn string) (*model.Party, error) {
	return t.find(ctx, "find_party_by_ntn", pt, ntn)
}

func (t *postgresPartyTx) FindByRegistration(ctx context.Context, pt model.PartyType, reg string) (*model.Party, error) {
	return t.find(ctx, "find_party_by_registration", pt, reg)
}

func (t *postgresPartyTx) Insert(ctx context.Context, p *model.Party) error {
	p.ID = uuid.New().String()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := t.tx.Exec(ctx,
		`INSERT INTO parties (`+partyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, string(p.Type), p.NameRaw, p.NameNorm, p.NTNRaw, p.NTNNorm,
		p.GSTRaw, p.GSTNorm, p.RegistrationRaw, p.RegistrationNorm, now, now,
	)
	return postgresPartyErr(err, "insert party")
}

func (t *postgresPartyTx) Merge(ctx context.Context, id string, p *model.Party) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE parties SET
			name_raw = COALESCE(name_raw, $1), name_norm = COALESCE(name_norm, $2),
			ntn_raw = COALESCE(ntn_raw, $3), ntn_norm = COALESCE(ntn_norm, $4),
			gst_raw = COALESCE(gst_raw, $5), gst_norm = COALESCE(gst_norm, $6),
			registration_raw = COALESCE(registration_raw, $7), registration_norm = COALESCE(registration_norm, $8),
			updated_at = $9
		WHERE id = $10`,
		p.NameRaw, p.NameNorm, p.NTNRaw, p.NTNNorm, p.GSTRaw, p.GSTNorm,
		p.RegistrationRaw, p.RegistrationNorm, time.Now().UTC(), id,
	)
	if err != nil {
		return postgresPartyErr(err, "merge party")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "party %s", id)
	}
	return nil
}

func (t *postgresPartyTx) ClearRegistration(ctx context.Context, id string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE parties SET registration_raw = NULL, registration_norm = NULL, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "postgres: clear party registration %s", id)
}

func postgresPartyErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if db.IsUniqueViolation(err, "") {
		return eris.Wrapf(party.ErrConflict, "postgres: %s: %v", op, err)
	}
	return eris.Wrapf(err, "postgres: %s", op)
}
