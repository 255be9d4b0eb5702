// Package party resolves extracted supplier and buyer identities to
// deduplicated party rows.
package party

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/invoice"
	"github.com/sells-group/invoice-cli/internal/model"
)

// DefaultMaxAttempts bounds the reconcile loop under contention.
const DefaultMaxAttempts = 8

// ErrConflict marks a uniqueness violation on a party identifier.
var ErrConflict = eris.New("party: identifier conflict")

// IsConflict reports whether err is (or wraps) ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Tx is the set of party operations that run inside one transaction.
// Find methods return (nil, nil) when nothing matches.
type Tx interface {
	FindByNTN(ctx context.Context, t model.PartyType, ntn string) (*model.Party, error)
	FindByRegistration(ctx context.Context, t model.PartyType, reg string) (*model.Party, error)
	// Insert assigns p.ID and stores p. A uniqueness violation satisfies IsConflict.
	Insert(ctx context.Context, p *model.Party) error
	// Merge backfills null columns of row id from p. Existing values win.
	Merge(ctx context.Context, id string, p *model.Party) error
	ClearRegistration(ctx context.Context, id string) error
}

// Repository opens party transactions. fn's error rolls the transaction back.
type Repository interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Identity is the raw party information read from one invoice page.
type Identity struct {
	Name         string
	NTN          string
	GST          string
	Registration string
}

// SupplierIdentity reads the supplier columns of an extracted page.
func SupplierIdentity(f invoice.Fields) Identity {
	return Identity{
		Name:         f.String(invoice.SupplierName),
		NTN:          f.String(invoice.SupplierNTN),
		GST:          f.String(invoice.SupplierGSTNo),
		Registration: f.String(invoice.SupplierRegistrationNo),
	}
}

// BuyerIdentity reads the buyer columns of an extracted page.
func BuyerIdentity(f invoice.Fields) Identity {
	return Identity{
		Name:         f.String(invoice.BuyerName),
		NTN:          f.String(invoice.BuyerNTN),
		GST:          f.String(invoice.BuyerGSTNo),
		Registration: f.String(invoice.BuyerRegistrationNo),
	}
}

// candidate builds the unsaved row for id. Blank values stay nil.
func (id Identity) candidate(t model.PartyType) *model.Party {
	return &model.Party{
		Type:             t,
		NameRaw:          nonEmpty(id.Name),
		NameNorm:         nonEmpty(NormalizeName(id.Name)),
		NTNRaw:           nonEmpty(id.NTN),
		NTNNorm:          nonEmpty(NormalizeID(id.NTN)),
		GSTRaw:           nonEmpty(id.GST),
		GSTNorm:          nonEmpty(NormalizeID(id.GST)),
		RegistrationRaw:  nonEmpty(id.Registration),
		RegistrationNorm: nonEmpty(NormalizeID(id.Registration)),
	}
}

// Resolver maps identities to party ids.
type Resolver struct {
	repo        Repository
	MaxAttempts int
}

// NewResolver creates a Resolver backed by repo.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo, MaxAttempts: DefaultMaxAttempts}
}

// Resolve returns the id of the party row for id, creating or merging rows
// as needed. It returns nil when id carries no identifier at all; a bare
// name is never a match key.
//
// The first transaction inserts when no row matches. If that insert loses a
// race, or a row already matched, a reconcile transaction picks the
// canonical row (tax id first, then registration), strips identifiers it is
// about to claim from other rows and merges. Reconcile is repeated on
// conflict because a failed statement aborts the surrounding transaction.
func (r *Resolver) Resolve(ctx context.Context, t model.PartyType, id Identity) (*string, error) {
	if !t.Valid() {
		return nil, eris.Errorf("party: invalid type %q", t)
	}
	cand := id.candidate(t)
	if cand.NTNNorm == nil && cand.GSTNorm == nil && cand.RegistrationNorm == nil {
		return nil, nil
	}

	inserted := false
	err := r.repo.InTx(ctx, func(tx Tx) error {
		byNTN, byReg, err := lookup(ctx, tx, cand)
		if err != nil {
			return err
		}
		if byNTN != nil || byReg != nil {
			return nil
		}
		if err := tx.Insert(ctx, cand); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err == nil && inserted {
		return &cand.ID, nil
	}
	if err != nil && !IsConflict(err) {
		return nil, eris.Wrap(err, "party: resolve")
	}
	if err != nil {
		zap.L().Debug("party: insert raced, reconciling",
			zap.String("type", string(t)),
			zap.Error(err),
		)
	}

	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = DefaultMaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var partyID string
		err := r.repo.InTx(ctx, func(tx Tx) error {
			var rerr error
			partyID, rerr = reconcile(ctx, tx, cand)
			return rerr
		})
		if err == nil {
			return &partyID, nil
		}
		if !IsConflict(err) {
			return nil, eris.Wrap(err, "party: reconcile")
		}
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "party: reconcile")
		}
		lastErr = err
		zap.L().Debug("party: reconcile conflict, retrying",
			zap.String("type", string(t)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return nil, eris.Wrapf(lastErr, "party: unresolved after %d attempts", attempts)
}

// reconcile runs one read-modify-merge pass and returns the canonical id.
func reconcile(ctx context.Context, tx Tx, cand *model.Party) (string, error) {
	byNTN, byReg, err := lookup(ctx, tx, cand)
	if err != nil {
		return "", err
	}

	canonical := byNTN
	if canonical == nil {
		canonical = byReg
	}
	if canonical == nil {
		// The row that beat us was rolled back, or the candidate is GST-only.
		fresh := *cand
		if err := tx.Insert(ctx, &fresh); err != nil {
			return "", err
		}
		cand.ID = fresh.ID
		return fresh.ID, nil
	}

	if byReg != nil && byReg.ID != canonical.ID {
		if err := tx.ClearRegistration(ctx, byReg.ID); err != nil {
			return "", err
		}
	}
	if err := tx.Merge(ctx, canonical.ID, cand); err != nil {
		return "", err
	}
	return canonical.ID, nil
}

func lookup(ctx context.Context, tx Tx, cand *model.Party) (byNTN, byReg *model.Party, err error) {
	if cand.NTNNorm != nil {
		if byNTN, err = tx.FindByNTN(ctx, cand.Type, *cand.NTNNorm); err != nil {
			return nil, nil, err
		}
	}
	if cand.RegistrationNorm != nil {
		if byReg, err = tx.FindByRegistration(ctx, cand.Type, *cand.RegistrationNorm); err != nil {
			return nil, nil, err
		}
	}
	return byNTN, byReg, nil
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
