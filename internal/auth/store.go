package auth

import (
	"context"
	"time"
)

// Ledger is the durable record of every renewal credential ever issued.
type Ledger interface {
	// Record stores rec. A cid that already exists yields ErrDuplicateCredentialID.
	Record(ctx context.Context, rec OutstandingRecord) error
	Exists(ctx context.Context, cid string) (bool, error)
	// Get returns ErrUnknownCredential when cid was never recorded.
	Get(ctx context.Context, cid string) (OutstandingRecord, error)
	// ListByPrincipal returns records of principal that have not expired at now.
	ListByPrincipal(ctx context.Context, principal string, now time.Time) ([]OutstandingRecord, error)
	// PurgeExpiredBefore deletes records whose expiry is strictly before t.
	PurgeExpiredBefore(ctx context.Context, t time.Time) (int64, error)
}

// RevocationStore is the durable set of revoked credential ids.
type RevocationStore interface {
	// Revoke inserts an entry for cid unless one exists. created is true only for the caller whose
	// insert registered; everyone else gets the original entry back. cid must exist in the ledger,
	// otherwise ErrUnknownCredential.
	Revoke(ctx context.Context, cid string, reason Reason, at time.Time) (entry RevocationEntry, created bool, err error)
	// Lookup is the IsRevoked query.
	Lookup(ctx context.Context, cid string) (RevocationEntry, bool, error)
	// RevokeFamily revokes every member of family that is unexpired at at and not yet revoked,
	// returning the entries it created.
	RevokeFamily(ctx context.Context, familyID string, reason Reason, at time.Time) ([]RevocationEntry, error)
	// PurgeExpiredBefore deletes entries whose credential expiry is strictly before t.
	PurgeExpiredBefore(ctx context.Context, t time.Time) (int64, error)
}
