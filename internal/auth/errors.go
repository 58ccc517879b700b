package auth

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidCredential     = errors.New("auth: invalid credential")
	ErrUnknownCredential     = errors.New("auth: unknown credential")
	ErrRevoked               = errors.New("auth: credential revoked")
	ErrReplayDetected        = errors.New("auth: credential reuse detected")
	ErrStoreUnavailable      = errors.New("auth: store unavailable")
	ErrIssuance              = errors.New("auth: issuance failed")
	ErrDuplicateCredentialID = errors.New("auth: duplicate credential id")
	ErrInvalidInput          = errors.New("auth: invalid input")
	ErrUnauthorized          = errors.New("auth: unauthorized")
)

// RevokedError is returned when a credential was explicitly revoked. It matches ErrRevoked.
type RevokedError struct {
	Entry RevocationEntry
}

func (e *RevokedError) Error() string {
	return fmt.Sprintf("auth: credential revoked (%s)", e.Entry.Reason)
}

func (e *RevokedError) Is(target error) bool { return target == ErrRevoked }

// storeErr keeps domain sentinels intact and turns every other store failure into
// ErrStoreUnavailable.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownCredential),
		errors.Is(err, ErrDuplicateCredentialID),
		errors.Is(err, ErrStoreUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: timeout: %w", ErrStoreUnavailable, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
	}
}
