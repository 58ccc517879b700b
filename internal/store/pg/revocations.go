package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rotor.dev/internal/auth"
)

// Revocations persists revocation entries. The primary key on cid makes the first insert win.
type Revocations struct {
	db *sql.DB
}

var _ auth.RevocationStore = (*Revocations)(nil)

const revocationColumns = `cid, reason, revoked_at, expires_at`

// Revoke inserts an entry for cid copying its expiry from the ledger. When another writer got
// there first the existing entry is returned with created=false.
func (r *Revocations) Revoke(ctx context.Context, cid string, reason auth.Reason, at time.Time) (auth.RevocationEntry, bool, error) {
	entry, err := scanEntry(r.db.QueryRowContext(ctx, `
		insert into revocations(cid, reason, revoked_at, expires_at)
		select cid, $2, $3, expires_at from outstanding_credentials where cid = $1
		on conflict (cid) do nothing
		returning `+revocationColumns, cid, string(reason), at.UTC()))
	switch {
	case err == nil:
		return entry, true, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.RevocationEntry{}, false, auth.ErrUnknownCredential
		}
		return auth.RevocationEntry{}, false, err
	}

	// Either the cid is unknown or it was already revoked.
	existing, ok, err := r.Lookup(ctx, cid)
	if err != nil {
		return auth.RevocationEntry{}, false, err
	}
	if !ok {
		return auth.RevocationEntry{}, false, auth.ErrUnknownCredential
	}
	return existing, false, nil
}

func (r *Revocations) Lookup(ctx context.Context, cid string) (auth.RevocationEntry, bool, error) {
	entry, err := scanEntry(r.db.QueryRowContext(ctx,
		`select `+revocationColumns+` from revocations where cid = $1`, cid))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RevocationEntry{}, false, nil
	}
	if err != nil {
		return auth.RevocationEntry{}, false, err
	}
	return entry, true, nil
}

// RevokeFamily revokes every unexpired, not yet revoked member of familyID in one statement.
func (r *Revocations) RevokeFamily(ctx context.Context, familyID string, reason auth.Reason, at time.Time) ([]auth.RevocationEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		insert into revocations(cid, reason, revoked_at, expires_at)
		select cid, $2, $3, expires_at from outstanding_credentials
		where family_id = $1 and expires_at > $3
		on conflict (cid) do nothing
		returning `+revocationColumns, familyID, string(reason), at.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.RevocationEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Revocations) PurgeExpiredBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `delete from revocations where expires_at < $1`, t.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (auth.RevocationEntry, error) {
	var (
		entry  auth.RevocationEntry
		reason string
	)
	if err := row.Scan(&entry.CredentialID, &reason, &entry.RevokedAt, &entry.ExpiresAt); err != nil {
		return auth.RevocationEntry{}, err
	}
	entry.Reason = auth.Reason(reason)
	entry.RevokedAt = entry.RevokedAt.UTC()
	entry.ExpiresAt = entry.ExpiresAt.UTC()
	return entry, nil
}
