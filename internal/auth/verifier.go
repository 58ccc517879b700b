package auth

import (
	"context"
	"time"
)

// Verifier validates presented credentials. Access credentials are checked statelessly; renewal
// credentials additionally consult the ledger and the revocation cache.
type Verifier struct {
	signer      *Signer
	ledger      Ledger
	revocations *RevocationCache
	timeout     time.Duration
}

// Authenticate validates an access credential by signature and expiry only.
func (v *Verifier) Authenticate(token string) (Principal, error) {
	claims, err := v.signer.Parse(token, KindAccess)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ID: claims.Principal, Claims: claims}, nil
}

// AuthenticateRenewal validates a renewal credential and its server-side state. Reuse of a
// rotated credential is reported as ErrReplayDetected; no family-wide action is taken here.
func (v *Verifier) AuthenticateRenewal(ctx context.Context, token string) (Principal, error) {
	claims, err := v.signer.Parse(token, KindRenewal)
	if err != nil {
		return Principal{}, err
	}
	entry, revoked, err := v.inspect(ctx, claims, false)
	if err != nil {
		return Principal{}, err
	}
	if revoked {
		return Principal{}, revokedErr(entry)
	}
	return Principal{ID: claims.Principal, Claims: claims}, nil
}

// inspect runs the ledger existence check followed by the revocation check. With fresh set a
// cached "active" marker is not trusted.
func (v *Verifier) inspect(ctx context.Context, claims Claims, fresh bool) (RevocationEntry, bool, error) {
	sctx, cancel := withTimeout(ctx, v.timeout)
	ok, err := v.ledger.Exists(sctx, claims.CredentialID)
	cancel()
	if err != nil {
		return RevocationEntry{}, false, storeErr("ledger exists", err)
	}
	if !ok {
		return RevocationEntry{}, false, ErrUnknownCredential
	}
	if fresh {
		return v.revocations.CheckFresh(ctx, claims.CredentialID)
	}
	return v.revocations.Check(ctx, claims.CredentialID)
}

func revokedErr(entry RevocationEntry) error {
	if entry.Reason.IndicatesReuse() {
		return ErrReplayDetected
	}
	return &RevokedError{Entry: entry}
}
