package auth

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the two credential flavours. Values are the token_type claim.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRenewal Kind = "refresh"
)

// Reason records why a renewal credential was revoked.
type Reason string

const (
	ReasonLogout         Reason = "logout"
	ReasonRotated        Reason = "rotated"
	ReasonReplayDetected Reason = "replay_detected"
	ReasonAdminRevoke    Reason = "admin_revoke"
)

// ParseReason validates a reason string.
func ParseReason(s string) (Reason, error) {
	r := Reason(strings.TrimSpace(strings.ToLower(s)))
	switch r {
	case ReasonLogout, ReasonRotated, ReasonReplayDetected, ReasonAdminRevoke:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown revocation reason %q", ErrInvalidInput, s)
}

// IndicatesReuse reports whether presenting a credential revoked for this reason is a reuse signal.
func (r Reason) IndicatesReuse() bool {
	return r == ReasonRotated || r == ReasonReplayDetected
}

// Status is the derived state of a renewal credential.
type Status string

const (
	StatusActive  Status = "active"
	StatusRotated Status = "rotated"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Claims is the verified content of a signed credential.
type Claims struct {
	CredentialID string
	Principal    string
	FamilyID     string
	Kind         Kind
	Issuer       string
	KeyID        string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Principal is the authenticated actor together with the credential that proved it.
type Principal struct {
	ID     string
	Claims Claims
}

// Credential is a signed token and its claims.
type Credential struct {
	Token  string
	Claims Claims
}

// Pair is what login and rotation hand back to clients.
type Pair struct {
	Access  Credential
	Renewal Credential
}

// OutstandingRecord is the durable proof that a renewal credential was issued.
type OutstandingRecord struct {
	CredentialID string
	Principal    string
	FamilyID     string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the record is past its expiry at now.
func (r OutstandingRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// RevocationEntry marks a renewal credential as invalid. ExpiresAt mirrors the credential's own
// expiry so caches and cleanup need no ledger join.
type RevocationEntry struct {
	CredentialID string
	Reason       Reason
	RevokedAt    time.Time
	ExpiresAt    time.Time
}

// CredentialStatus pairs an outstanding record with its derived status for admin listings.
type CredentialStatus struct {
	Record     OutstandingRecord
	Status     Status
	Revocation *RevocationEntry
}

// StatusOf derives the status of rec given its revocation entry (nil when not revoked).
func StatusOf(rec OutstandingRecord, rev *RevocationEntry, now time.Time) Status {
	switch {
	case rev != nil && rev.Reason == ReasonRotated:
		return StatusRotated
	case rev != nil:
		return StatusRevoked
	case rec.Expired(now):
		return StatusExpired
	default:
		return StatusActive
	}
}

// SecurityEvent is published when revocation state changes in a way operators care about.
type SecurityEvent struct {
	Type         string    `json:"type"`
	Principal    string    `json:"principal,omitempty"`
	FamilyID     string    `json:"family_id,omitempty"`
	CredentialID string    `json:"cid,omitempty"`
	Reason       Reason    `json:"reason,omitempty"`
	Count        int       `json:"count,omitempty"`
	At           time.Time `json:"at"`
}

const (
	EventReplayDetected   = "replay_detected"
	EventLogoutEverywhere = "logout_everywhere"
	EventAdminRevoke      = "admin_revoke"
	EventReconcile        = "reconcile_required"
)

// EventSink receives security events. Implementations must not block.
type EventSink interface {
	Publish(SecurityEvent)
}

type discardEvents struct{}

func (discardEvents) Publish(SecurityEvent) {}
