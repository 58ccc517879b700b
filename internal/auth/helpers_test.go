package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

var testSecret = []byte("test-secret-0123456789abcdef")

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []SecurityEvent
}

func (r *recordingSink) Publish(evt SecurityEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingSink) ofType(typ string) []SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SecurityEvent
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// countingLedger counts every call that reaches the underlying ledger.
type countingLedger struct {
	Ledger
	calls      atomic.Int64
	failRecord atomic.Bool
}

func (c *countingLedger) Record(ctx context.Context, rec OutstandingRecord) error {
	c.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.failRecord.Load() {
		return errors.New("disk full")
	}
	return c.Ledger.Record(ctx, rec)
}

func (c *countingLedger) Exists(ctx context.Context, cid string) (bool, error) {
	c.calls.Add(1)
	return c.Ledger.Exists(ctx, cid)
}

func (c *countingLedger) Get(ctx context.Context, cid string) (OutstandingRecord, error) {
	c.calls.Add(1)
	return c.Ledger.Get(ctx, cid)
}

// countingStore counts calls and can be switched into failure or hang modes.
type countingStore struct {
	RevocationStore
	calls      atomic.Int64
	failLookup atomic.Bool
	hang       atomic.Bool
}

func (c *countingStore) Lookup(ctx context.Context, cid string) (RevocationEntry, bool, error) {
	c.calls.Add(1)
	if c.hang.Load() {
		<-ctx.Done()
		return RevocationEntry{}, false, ctx.Err()
	}
	if c.failLookup.Load() {
		return RevocationEntry{}, false, errors.New("connection refused")
	}
	return c.RevocationStore.Lookup(ctx, cid)
}

func (c *countingStore) Revoke(ctx context.Context, cid string, reason Reason, at time.Time) (RevocationEntry, bool, error) {
	c.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return RevocationEntry{}, false, err
	}
	return c.RevocationStore.Revoke(ctx, cid, reason, at)
}

type fixture struct {
	clock   *testClock
	ledger  *MemoryLedger
	store   *MemoryRevocations
	cLedger *countingLedger
	cStore  *countingStore
	events  *recordingSink
	signer  *Signer
	svc     *Service
}

func testConfig() Config {
	return Config{
		AccessTTL:          15 * time.Minute,
		RenewalTTL:         24 * time.Hour,
		NegativeCacheTTL:   5 * time.Second,
		CleanupGracePeriod: 5 * time.Minute,
		StoreTimeout:       time.Second,
	}
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	clock := newTestClock()
	ledger := NewMemoryLedger()
	store := NewMemoryRevocations(ledger)
	f := &fixture{
		clock:   clock,
		ledger:  ledger,
		store:   store,
		cLedger: &countingLedger{Ledger: ledger},
		cStore:  &countingStore{RevocationStore: store},
		events:  &recordingSink{},
		signer:  NewHMACSigner(testSecret, WithSignerIssuer("rotor-test"), WithSignerKeyID("k1"), WithSignerClock(clock.Now)),
	}
	f.svc = f.newNode(t, opts...)
	return f
}

// newNode builds another Service over the same durable stores with its own cache.
func (f *fixture) newNode(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	base := []ServiceOption{WithClock(f.clock.Now), WithEventSink(f.events), WithLogger(zap.NewNop())}
	svc, err := NewService(testConfig(), f.signer, f.cLedger, f.cStore, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func (f *fixture) login(t *testing.T, principal string) Pair {
	t.Helper()
	pair, err := f.svc.Login(context.Background(), principal)
	if err != nil {
		t.Fatalf("Login(%s): %v", principal, err)
	}
	return pair
}

func (f *fixture) storeCalls() int64 {
	return f.cLedger.calls.Load() + f.cStore.calls.Load()
}
