package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rotor.dev/internal/obs"
)

// Rotator exchanges a renewal credential for a new pair, at most once per credential.
type Rotator struct {
	verifier    *Verifier
	revocations *RevocationCache
	issuer      *Issuer
	events      EventSink
	now         func() time.Time
	log         *zap.Logger
}

// Rotate validates the presented renewal credential, detects reuse, revokes it and issues its
// successor in the same family.
func (r *Rotator) Rotate(ctx context.Context, token string) (Pair, error) {
	pair, err := r.rotate(ctx, token)
	obs.Rotations.WithLabelValues(outcome(err)).Inc()
	return pair, err
}

func (r *Rotator) rotate(ctx context.Context, token string) (Pair, error) {
	claims, err := r.verifier.signer.Parse(token, KindRenewal)
	if err != nil {
		return Pair{}, err
	}
	log := r.log.With(
		zap.String("cid", claims.CredentialID),
		zap.String("principal", claims.Principal),
		zap.String("family_id", claims.FamilyID),
	)

	// Revocation state comes from the store here: a stale "active" marker on this node would turn
	// reuse of a credential rotated elsewhere into a plain race loss.
	entry, revoked, err := r.verifier.inspect(ctx, claims, true)
	if err != nil {
		if errors.Is(err, ErrUnknownCredential) {
			log.Warn("renewal credential not in ledger")
		}
		return Pair{}, err
	}
	if revoked {
		if entry.Reason.IndicatesReuse() {
			return Pair{}, r.replay(ctx, log, claims, entry)
		}
		return Pair{}, &RevokedError{Entry: entry}
	}

	// Past this point the caller's cancellation no longer applies: revoke and issue run together.
	dctx := context.WithoutCancel(ctx)
	now := r.now()
	entry, created, err := r.revocations.Revoke(dctx, claims.CredentialID, ReasonRotated, now)
	if err != nil {
		return Pair{}, err
	}
	if !created {
		// Lost the race against a concurrent rotation or revocation of the same credential. Only
		// this caller fails; the winner's successor stays valid.
		log.Warn("concurrent use of renewal credential", zap.String("existing_reason", string(entry.Reason)))
		return Pair{}, revokedErr(entry)
	}

	pair, err := r.issuer.Issue(dctx, claims.Principal, claims.FamilyID)
	if err != nil {
		obs.ReconcileRequired.Inc()
		log.Error("renewal credential revoked but replacement not issued",
			zap.Bool("reconcile_required", true), zap.Error(err))
		r.events.Publish(SecurityEvent{
			Type:         EventReconcile,
			Principal:    claims.Principal,
			FamilyID:     claims.FamilyID,
			CredentialID: claims.CredentialID,
			At:           now.UTC(),
		})
		if !errors.Is(err, ErrIssuance) {
			err = fmt.Errorf("%w: %w", ErrIssuance, err)
		}
		return Pair{}, err
	}
	return pair, nil
}

// replay handles presentation of an already rotated credential: the whole family is revoked.
func (r *Rotator) replay(ctx context.Context, log *zap.Logger, claims Claims, entry RevocationEntry) error {
	if entry.Reason == ReasonReplayDetected {
		// Family already burned by an earlier reuse; nothing new to report.
		log.Debug("renewal credential from revoked family presented")
		return ErrReplayDetected
	}
	now := r.now()
	revoked, err := r.revocations.RevokeFamily(context.WithoutCancel(ctx), claims.FamilyID, ReasonReplayDetected, now)
	if err != nil {
		log.Error("family revocation after reuse failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrReplayDetected, err)
	}
	log.Warn("renewal credential reuse detected",
		zap.String("original_reason", string(entry.Reason)),
		zap.Int("family_revoked", len(revoked)))
	r.events.Publish(SecurityEvent{
		Type:         EventReplayDetected,
		Principal:    claims.Principal,
		FamilyID:     claims.FamilyID,
		CredentialID: claims.CredentialID,
		Reason:       ReasonReplayDetected,
		Count:        len(revoked),
		At:           now.UTC(),
	})
	return ErrReplayDetected
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrReplayDetected):
		return "replay_detected"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid"
	case errors.Is(err, ErrUnknownCredential):
		return "unknown"
	case errors.Is(err, ErrIssuance):
		return "issuance_error"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
