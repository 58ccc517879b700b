package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RevocationHandler implements logout, logout-everywhere and administrative revocation.
type RevocationHandler struct {
	signer      *Signer
	ledger      Ledger
	revocations *RevocationCache
	events      EventSink
	timeout     time.Duration
	now         func() time.Time
	log         *zap.Logger
}

// RevokeOne revokes exactly cid. Revoking an already revoked cid succeeds with created=false and
// the original entry; an unknown cid fails with ErrUnknownCredential.
func (h *RevocationHandler) RevokeOne(ctx context.Context, cid string, reason Reason) (RevocationEntry, bool, error) {
	cid = strings.TrimSpace(cid)
	if cid == "" {
		return RevocationEntry{}, false, ErrUnknownCredential
	}
	entry, created, err := h.revocations.Revoke(ctx, cid, reason, h.now())
	if err != nil {
		return RevocationEntry{}, false, err
	}
	if created {
		h.log.Info("credential revoked", zap.String("cid", cid), zap.String("reason", string(reason)))
	}
	return entry, created, nil
}

// Logout revokes the presented renewal credential with reason logout.
func (h *RevocationHandler) Logout(ctx context.Context, token string) (RevocationEntry, bool, error) {
	claims, err := h.signer.Parse(token, KindRenewal)
	if err != nil {
		return RevocationEntry{}, false, err
	}
	return h.RevokeOne(ctx, claims.CredentialID, ReasonLogout)
}

// RevokeAllForPrincipal revokes every unexpired renewal credential of principal across all
// families and returns how many were newly revoked. Zero is a success.
func (h *RevocationHandler) RevokeAllForPrincipal(ctx context.Context, principal string, reason Reason) (int, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return 0, fmt.Errorf("%w: principal is required", ErrInvalidInput)
	}
	now := h.now()
	sctx, cancel := withTimeout(ctx, h.timeout)
	records, err := h.ledger.ListByPrincipal(sctx, principal, now)
	cancel()
	if err != nil {
		return 0, storeErr("list principal credentials", err)
	}

	var (
		count int
		errs  []error
	)
	for _, rec := range records {
		_, created, err := h.revocations.Revoke(ctx, rec.CredentialID, reason, now)
		switch {
		case errors.Is(err, ErrUnknownCredential):
			// purged between listing and revoking
		case err != nil:
			errs = append(errs, err)
		case created:
			count++
		}
	}
	if len(errs) > 0 {
		return count, errors.Join(errs...)
	}
	h.log.Info("principal credentials revoked",
		zap.String("principal", principal),
		zap.String("reason", string(reason)),
		zap.Int("count", count))
	h.events.Publish(SecurityEvent{
		Type:      EventLogoutEverywhere,
		Principal: principal,
		Reason:    reason,
		Count:     count,
		At:        now.UTC(),
	})
	return count, nil
}

// RevokeFamilyOf revokes every unexpired member of the family cid belongs to.
func (h *RevocationHandler) RevokeFamilyOf(ctx context.Context, cid string, reason Reason) (int, error) {
	sctx, cancel := withTimeout(ctx, h.timeout)
	rec, err := h.ledger.Get(sctx, strings.TrimSpace(cid))
	cancel()
	if err != nil {
		return 0, storeErr("ledger get", err)
	}
	entries, err := h.revocations.RevokeFamily(ctx, rec.FamilyID, reason, h.now())
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// List returns the unexpired renewal credentials of principal with their derived status.
func (h *RevocationHandler) List(ctx context.Context, principal string) ([]CredentialStatus, error) {
	now := h.now()
	sctx, cancel := withTimeout(ctx, h.timeout)
	records, err := h.ledger.ListByPrincipal(sctx, strings.TrimSpace(principal), now)
	cancel()
	if err != nil {
		return nil, storeErr("list principal credentials", err)
	}
	out := make([]CredentialStatus, 0, len(records))
	for _, rec := range records {
		entry, revoked, err := h.revocations.Check(ctx, rec.CredentialID)
		if err != nil {
			return nil, err
		}
		cs := CredentialStatus{Record: rec}
		if revoked {
			e := entry
			cs.Revocation = &e
			cs.Status = StatusOf(rec, &e, now)
		} else {
			cs.Status = StatusOf(rec, nil, now)
		}
		out = append(out, cs)
	}
	return out, nil
}
