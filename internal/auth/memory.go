package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger for tests and single-node development.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]OutstandingRecord
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]OutstandingRecord)}
}

func (l *MemoryLedger) Record(_ context.Context, rec OutstandingRecord) error {
	if rec.CredentialID == "" {
		return ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.CredentialID]; ok {
		return ErrDuplicateCredentialID
	}
	l.records[rec.CredentialID] = rec
	return nil
}

func (l *MemoryLedger) Exists(_ context.Context, cid string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.records[cid]
	return ok, nil
}

func (l *MemoryLedger) Get(_ context.Context, cid string) (OutstandingRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[cid]
	if !ok {
		return OutstandingRecord{}, ErrUnknownCredential
	}
	return rec, nil
}

func (l *MemoryLedger) ListByPrincipal(_ context.Context, principal string, now time.Time) ([]OutstandingRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []OutstandingRecord
	for _, rec := range l.records {
		if rec.Principal == principal && !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

// ListByFamily returns family members unexpired at now.
func (l *MemoryLedger) ListByFamily(_ context.Context, familyID string, now time.Time) ([]OutstandingRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []OutstandingRecord
	for _, rec := range l.records {
		if rec.FamilyID == familyID && !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (l *MemoryLedger) PurgeExpiredBefore(_ context.Context, t time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for cid, rec := range l.records {
		if rec.ExpiresAt.Before(t) {
			delete(l.records, cid)
			n++
		}
	}
	return n, nil
}

// MemoryRevocations is an in-process RevocationStore bound to a MemoryLedger.
type MemoryRevocations struct {
	ledger *MemoryLedger

	mu      sync.Mutex
	entries map[string]RevocationEntry
}

var _ RevocationStore = (*MemoryRevocations)(nil)

func NewMemoryRevocations(ledger *MemoryLedger) *MemoryRevocations {
	return &MemoryRevocations{ledger: ledger, entries: make(map[string]RevocationEntry)}
}

func (m *MemoryRevocations) Revoke(ctx context.Context, cid string, reason Reason, at time.Time) (RevocationEntry, bool, error) {
	rec, err := m.ledger.Get(ctx, cid)
	if err != nil {
		return RevocationEntry{}, false, err
	}
	return m.insert(rec, reason, at)
}

func (m *MemoryRevocations) insert(rec OutstandingRecord, reason Reason, at time.Time) (RevocationEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[rec.CredentialID]; ok {
		return existing, false, nil
	}
	entry := RevocationEntry{
		CredentialID: rec.CredentialID,
		Reason:       reason,
		RevokedAt:    at.UTC(),
		ExpiresAt:    rec.ExpiresAt,
	}
	m.entries[rec.CredentialID] = entry
	return entry, true, nil
}

func (m *MemoryRevocations) Lookup(_ context.Context, cid string) (RevocationEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[cid]
	return entry, ok, nil
}

func (m *MemoryRevocations) RevokeFamily(ctx context.Context, familyID string, reason Reason, at time.Time) ([]RevocationEntry, error) {
	members, err := m.ledger.ListByFamily(ctx, familyID, at)
	if err != nil {
		return nil, err
	}
	var created []RevocationEntry
	for _, rec := range members {
		entry, ok, err := m.insert(rec, reason, at)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, entry)
		}
	}
	return created, nil
}

func (m *MemoryRevocations) PurgeExpiredBefore(_ context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for cid, entry := range m.entries {
		if entry.ExpiresAt.Before(t) {
			delete(m.entries, cid)
			n++
		}
	}
	return n, nil
}

func sortRecords(recs []OutstandingRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].IssuedAt.Equal(recs[j].IssuedAt) {
			return recs[i].IssuedAt.Before(recs[j].IssuedAt)
		}
		return recs[i].CredentialID < recs[j].CredentialID
	})
}
