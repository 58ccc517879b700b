package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rotor.dev/internal/auth"
)

// Ledger persists outstanding renewal records in outstanding_credentials.
type Ledger struct {
	db *sql.DB
}

var _ auth.Ledger = (*Ledger)(nil)

func (l *Ledger) Record(ctx context.Context, rec auth.OutstandingRecord) error {
	if rec.CredentialID == "" {
		return auth.ErrInvalidInput
	}
	_, err := l.db.ExecContext(ctx, `
		insert into outstanding_credentials(cid, principal, family_id, issued_at, expires_at)
		values ($1, $2, $3, $4, $5)
	`, rec.CredentialID, rec.Principal, rec.FamilyID, rec.IssuedAt.UTC(), rec.ExpiresAt.UTC())
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return auth.ErrDuplicateCredentialID
	}
	return err
}

func (l *Ledger) Exists(ctx context.Context, cid string) (bool, error) {
	var ok bool
	err := l.db.QueryRowContext(ctx,
		`select exists(select 1 from outstanding_credentials where cid = $1)`, cid).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (l *Ledger) Get(ctx context.Context, cid string) (auth.OutstandingRecord, error) {
	var rec auth.OutstandingRecord
	err := l.db.QueryRowContext(ctx, `
		select cid, principal, family_id, issued_at, expires_at
		from outstanding_credentials
		where cid = $1
	`, cid).Scan(&rec.CredentialID, &rec.Principal, &rec.FamilyID, &rec.IssuedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.OutstandingRecord{}, auth.ErrUnknownCredential
	}
	if err != nil {
		return auth.OutstandingRecord{}, err
	}
	return normalize(rec), nil
}

func (l *Ledger) ListByPrincipal(ctx context.Context, principal string, now time.Time) ([]auth.OutstandingRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		select cid, principal, family_id, issued_at, expires_at
		from outstanding_credentials
		where principal = $1 and expires_at > $2
		order by issued_at asc, cid asc
	`, principal, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.OutstandingRecord
	for rows.Next() {
		var rec auth.OutstandingRecord
		if err := rows.Scan(&rec.CredentialID, &rec.Principal, &rec.FamilyID, &rec.IssuedAt, &rec.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, normalize(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeExpiredBefore deletes records with expires_at strictly before t. Matching revocations go
// with them through the foreign key cascade.
func (l *Ledger) PurgeExpiredBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `delete from outstanding_credentials where expires_at < $1`, t.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func normalize(rec auth.OutstandingRecord) auth.OutstandingRecord {
	rec.IssuedAt = rec.IssuedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec
}
