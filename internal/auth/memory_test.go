package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func seedRecord(t *testing.T, l *MemoryLedger, cid, principal, family string, expires time.Time) OutstandingRecord {
	t.Helper()
	rec := OutstandingRecord{
		CredentialID: cid,
		Principal:    principal,
		FamilyID:     family,
		IssuedAt:     expires.Add(-time.Hour),
		ExpiresAt:    expires,
	}
	if err := l.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record(%s): %v", cid, err)
	}
	return rec
}

func TestMemoryLedgerRejectsDuplicates(t *testing.T) {
	l := NewMemoryLedger()
	now := time.Now()
	seedRecord(t, l, "c1", "p", "f", now.Add(time.Hour))
	err := l.Record(context.Background(), OutstandingRecord{CredentialID: "c1", Principal: "other"})
	if !errors.Is(err, ErrDuplicateCredentialID) {
		t.Fatalf("expected ErrDuplicateCredentialID, got %v", err)
	}
	rec, err := l.Get(context.Background(), "c1")
	if err != nil || rec.Principal != "p" {
		t.Fatalf("original record changed: %+v err=%v", rec, err)
	}
	if _, err := l.Get(context.Background(), "missing"); !errors.Is(err, ErrUnknownCredential) {
		t.Fatalf("expected ErrUnknownCredential, got %v", err)
	}
}

func TestMemoryRevocationsConcurrentRevokeHasOneWinner(t *testing.T) {
	l := NewMemoryLedger()
	m := NewMemoryRevocations(l)
	now := time.Now()
	seedRecord(t, l, "c1", "p", "f", now.Add(time.Hour))

	reasons := []Reason{ReasonRotated, ReasonLogout, ReasonAdminRevoke, ReasonReplayDetected}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []Reason
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(r Reason) {
			defer wg.Done()
			_, created, err := m.Revoke(context.Background(), "c1", r, now)
			if err != nil {
				t.Errorf("Revoke: %v", err)
				return
			}
			if created {
				mu.Lock()
				winners = append(winners, r)
				mu.Unlock()
			}
		}(reasons[i%len(reasons)])
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	entry, ok, _ := m.Lookup(context.Background(), "c1")
	if !ok || entry.Reason != winners[0] {
		t.Fatalf("stored reason %s does not match winner %s", entry.Reason, winners[0])
	}
}

func TestMemoryRevocationsUnknownCredential(t *testing.T) {
	m := NewMemoryRevocations(NewMemoryLedger())
	if _, _, err := m.Revoke(context.Background(), "nope", ReasonLogout, time.Now()); !errors.Is(err, ErrUnknownCredential) {
		t.Fatalf("expected ErrUnknownCredential, got %v", err)
	}
}

func TestRevokeFamilySkipsExpiredAndRevokedMembers(t *testing.T) {
	l := NewMemoryLedger()
	m := NewMemoryRevocations(l)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	seedRecord(t, l, "expired", "p", "f", now.Add(-time.Minute))
	seedRecord(t, l, "rotated", "p", "f", now.Add(time.Hour))
	seedRecord(t, l, "active", "p", "f", now.Add(2*time.Hour))
	seedRecord(t, l, "elsewhere", "p", "g", now.Add(time.Hour))
	if _, _, err := m.Revoke(ctx, "rotated", ReasonRotated, now); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	created, err := m.RevokeFamily(ctx, "f", ReasonReplayDetected, now)
	if err != nil {
		t.Fatalf("RevokeFamily: %v", err)
	}
	if len(created) != 1 || created[0].CredentialID != "active" {
		t.Fatalf("unexpected entries %+v", created)
	}
	if _, ok, _ := m.Lookup(ctx, "expired"); ok {
		t.Fatalf("expired member should not be revoked")
	}
	if _, ok, _ := m.Lookup(ctx, "elsewhere"); ok {
		t.Fatalf("other family should not be revoked")
	}
	if e, _, _ := m.Lookup(ctx, "rotated"); e.Reason != ReasonRotated {
		t.Fatalf("existing reason overwritten: %s", e.Reason)
	}
}

func TestListByPrincipalExcludesExpired(t *testing.T) {
	l := NewMemoryLedger()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seedRecord(t, l, "b", "p", "f", now.Add(time.Hour))
	seedRecord(t, l, "a", "p", "g", now.Add(2*time.Hour))
	seedRecord(t, l, "old", "p", "f", now)
	seedRecord(t, l, "x", "q", "h", now.Add(time.Hour))

	recs, err := l.ListByPrincipal(context.Background(), "p", now)
	if err != nil {
		t.Fatalf("ListByPrincipal: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %+v", recs)
	}
	if recs[0].CredentialID != "b" || recs[1].CredentialID != "a" {
		t.Fatalf("expected issued-at order, got %s, %s", recs[0].CredentialID, recs[1].CredentialID)
	}
}
