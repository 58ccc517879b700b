package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"rotor.dev/internal/ids"
	"rotor.dev/internal/obs"
)

// Issuer mints access/renewal pairs and records every renewal credential in the ledger.
type Issuer struct {
	signer     *Signer
	ledger     Ledger
	accessTTL  time.Duration
	renewalTTL time.Duration
	timeout    time.Duration
	now        func() time.Time
	log        *zap.Logger
}

// Issue mints a pair for principal. An empty familyID starts a new rotation family.
func (i *Issuer) Issue(ctx context.Context, principal, familyID string) (Pair, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return Pair{}, fmt.Errorf("%w: principal is required", ErrInvalidInput)
	}
	if familyID == "" {
		familyID = ids.NewFamily()
	}
	now := i.now().UTC().Truncate(time.Second)

	access := Claims{
		CredentialID: ids.NewAt(now),
		Principal:    principal,
		FamilyID:     familyID,
		Kind:         KindAccess,
		IssuedAt:     now,
		ExpiresAt:    now.Add(i.accessTTL),
	}
	renewal := Claims{
		CredentialID: ids.NewAt(now),
		Principal:    principal,
		FamilyID:     familyID,
		Kind:         KindRenewal,
		IssuedAt:     now,
		ExpiresAt:    now.Add(i.renewalTTL),
	}

	accessToken, err := i.signer.Sign(access)
	if err != nil {
		i.log.Error("sign access credential", zap.String("principal", principal), zap.Error(err))
		return Pair{}, err
	}
	renewalToken, err := i.signer.Sign(renewal)
	if err != nil {
		i.log.Error("sign renewal credential", zap.String("principal", principal), zap.Error(err))
		return Pair{}, err
	}

	sctx, cancel := withTimeout(ctx, i.timeout)
	err = i.ledger.Record(sctx, OutstandingRecord{
		CredentialID: renewal.CredentialID,
		Principal:    principal,
		FamilyID:     familyID,
		IssuedAt:     renewal.IssuedAt,
		ExpiresAt:    renewal.ExpiresAt,
	})
	cancel()
	if err != nil {
		if errors.Is(err, ErrDuplicateCredentialID) {
			i.log.Error("credential id collision in ledger",
				zap.String("cid", renewal.CredentialID),
				zap.String("principal", principal),
				zap.Bool("integrity_violation", true))
		}
		return Pair{}, storeErr("record renewal credential", err)
	}

	obs.CredentialsIssued.Inc()
	return Pair{
		Access:  Credential{Token: accessToken, Claims: access},
		Renewal: Credential{Token: renewalToken, Claims: renewal},
	}, nil
}
