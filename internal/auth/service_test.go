package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRefreshRotatesThenDetectsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.login(t, "alice")
	family := first.Renewal.Claims.FamilyID

	second, err := f.svc.Refresh(ctx, first.Renewal.Token)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if second.Renewal.Claims.FamilyID != family {
		t.Fatalf("rotation left family: %s != %s", second.Renewal.Claims.FamilyID, family)
	}
	if second.Renewal.Claims.CredentialID == first.Renewal.Claims.CredentialID {
		t.Fatalf("rotation reused cid")
	}
	if second.Renewal.Claims.Principal != "alice" {
		t.Fatalf("unexpected principal %q", second.Renewal.Claims.Principal)
	}

	if _, err := f.svc.Refresh(ctx, first.Renewal.Token); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected on reuse, got %v", err)
	}
	_, err = f.svc.Refresh(ctx, second.Renewal.Token)
	if !errors.Is(err, ErrReplayDetected) && !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected descendant to be revoked, got %v", err)
	}

	entry, ok, err := f.store.Lookup(ctx, second.Renewal.Claims.CredentialID)
	if err != nil || !ok {
		t.Fatalf("descendant not revoked: ok=%v err=%v", ok, err)
	}
	if entry.Reason != ReasonReplayDetected {
		t.Fatalf("unexpected reason %s", entry.Reason)
	}
	events := f.events.ofType(EventReplayDetected)
	if len(events) != 1 || events[0].FamilyID != family || events[0].Count != 1 {
		t.Fatalf("unexpected replay events: %+v", events)
	}
}

func TestLogoutEverywhereRevokesAllFamilies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1 := f.login(t, "p").Renewal
	r3 := f.login(t, "p").Renewal
	other := f.login(t, "q").Renewal
	if r1.Claims.FamilyID == r3.Claims.FamilyID {
		t.Fatalf("expected two families")
	}

	n, err := f.svc.LogoutEverywhere(ctx, "p")
	if err != nil {
		t.Fatalf("LogoutEverywhere: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked, got %d", n)
	}

	for _, tok := range []string{r1.Token, r3.Token} {
		_, err := f.svc.Refresh(ctx, tok)
		if !errors.Is(err, ErrRevoked) {
			t.Fatalf("expected ErrRevoked, got %v", err)
		}
		var rev *RevokedError
		if !errors.As(err, &rev) || rev.Entry.Reason != ReasonLogout {
			t.Fatalf("expected logout reason, got %v", err)
		}
	}
	if _, err := f.svc.Refresh(ctx, other.Token); err != nil {
		t.Fatalf("other principal affected: %v", err)
	}

	n, err = f.svc.LogoutEverywhere(ctx, "p")
	if err != nil || n != 0 {
		t.Fatalf("second logout-everywhere: n=%d err=%v", n, err)
	}
	if n, err := f.svc.LogoutEverywhere(ctx, "nobody"); err != nil || n != 0 {
		t.Fatalf("empty principal result should succeed: n=%d err=%v", n, err)
	}
}

func TestRefreshInvalidTokenDoesNotTouchStores(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t, "alice")
	before := f.storeCalls()

	cases := map[string]string{
		"garbage":     "not-a-token",
		"empty":       "",
		"three parts": "a.b.c",
		"access":      pair.Access.Token,
		"tampered":    pair.Renewal.Token + "x",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.svc.Refresh(context.Background(), tok); !errors.Is(err, ErrInvalidCredential) {
				t.Fatalf("expected ErrInvalidCredential, got %v", err)
			}
		})
	}
	if got := f.storeCalls(); got != before {
		t.Fatalf("invalid credentials reached the stores: %d calls", got-before)
	}
}

func TestRefreshExpiredCredential(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t, "alice")
	f.clock.Advance(testConfig().RenewalTTL + ClockLeeway + time.Second)
	if _, err := f.svc.Refresh(context.Background(), pair.Renewal.Token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for expired credential, got %v", err)
	}
}

func TestRefreshUnknownCredential(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	tok, err := f.signer.Sign(Claims{
		CredentialID: "01HZZZZZZZZZZZZZZZZZZZZZZZ",
		Principal:    "mallory",
		FamilyID:     "fam",
		Kind:         KindRenewal,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := f.svc.Refresh(context.Background(), tok); !errors.Is(err, ErrUnknownCredential) {
		t.Fatalf("expected ErrUnknownCredential, got %v", err)
	}
}

func TestConcurrentRefreshSucceedsAtMostOnce(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t, "alice")

	const callers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		bad       []error
		start     = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Refresh(context.Background(), pair.Renewal.Token)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrRevoked), errors.Is(err, ErrReplayDetected):
			default:
				bad = append(bad, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful rotation, got %d", successes)
	}
	if len(bad) > 0 {
		t.Fatalf("unexpected errors: %v", bad)
	}
}

func TestRevocationIsMonotonicAcrossNodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.login(t, "alice")
	cid := pair.Renewal.Claims.CredentialID

	if _, _, err := f.svc.Logout(ctx, pair.Renewal.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	for i := 0; i < 5; i++ {
		revoked, err := f.svc.IsRevoked(ctx, cid)
		if err != nil || !revoked {
			t.Fatalf("round %d: revoked=%v err=%v", i, revoked, err)
		}
		f.clock.Advance(time.Hour)
	}

	restarted := f.newNode(t)
	if revoked, err := restarted.IsRevoked(ctx, cid); err != nil || !revoked {
		t.Fatalf("revocation lost after restart: revoked=%v err=%v", revoked, err)
	}
	uncached := f.newNode(t, WithoutCache())
	if revoked, err := uncached.IsRevoked(ctx, cid); err != nil || !revoked {
		t.Fatalf("revocation lost without cache: revoked=%v err=%v", revoked, err)
	}
}

func TestRevocationVisibilityWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nodeA := f.svc
	nodeB := f.newNode(t)
	pair := f.login(t, "alice")
	cid := pair.Renewal.Claims.CredentialID

	if revoked, err := nodeB.IsRevoked(ctx, cid); err != nil || revoked {
		t.Fatalf("precondition: revoked=%v err=%v", revoked, err)
	}

	if _, _, err := nodeA.Logout(ctx, pair.Renewal.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if revoked, _ := nodeA.IsRevoked(ctx, cid); !revoked {
		t.Fatalf("revoking node must see the revocation immediately")
	}

	if revoked, _ := nodeB.IsRevoked(ctx, cid); revoked {
		t.Fatalf("other node served from negative cache; expected stale answer inside the window")
	}
	f.clock.Advance(testConfig().NegativeCacheTTL)
	if revoked, err := nodeB.IsRevoked(ctx, cid); err != nil || !revoked {
		t.Fatalf("other node must converge after negative ttl: revoked=%v err=%v", revoked, err)
	}
}

func TestReplayRevokesWholeFamilyOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1 := f.login(t, "alice").Renewal
	p2, err := f.svc.Refresh(ctx, r1.Token)
	if err != nil {
		t.Fatalf("refresh r1: %v", err)
	}
	p3, err := f.svc.Refresh(ctx, p2.Renewal.Token)
	if err != nil {
		t.Fatalf("refresh r2: %v", err)
	}
	sibling := f.login(t, "alice").Renewal

	if _, err := f.svc.Refresh(ctx, r1.Token); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected replay, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, p3.Renewal.Token); !errors.Is(err, ErrReplayDetected) && !errors.Is(err, ErrRevoked) {
		t.Fatalf("family member survived replay: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, sibling.Token); err != nil {
		t.Fatalf("other family should be untouched: %v", err)
	}
}

func TestReuseOnNodeWithStaleCacheRevokesFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nodeA := f.svc
	nodeB := f.newNode(t)

	r1 := f.login(t, "alice").Renewal
	if _, err := nodeB.AuthenticateRenewal(ctx, r1.Token); err != nil {
		t.Fatalf("warm nodeB: %v", err)
	}
	p2, err := nodeA.Refresh(ctx, r1.Token)
	if err != nil {
		t.Fatalf("refresh on nodeA: %v", err)
	}
	if _, err := nodeB.AuthenticateRenewal(ctx, r1.Token); err != nil {
		t.Fatalf("precondition: nodeB should still serve its cached answer, got %v", err)
	}

	if _, err := nodeB.Refresh(ctx, r1.Token); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected on nodeB, got %v", err)
	}
	if _, err := nodeA.Refresh(ctx, p2.Renewal.Token); !errors.Is(err, ErrReplayDetected) && !errors.Is(err, ErrRevoked) {
		t.Fatalf("descendant still rotates after reuse: %v", err)
	}
	entry, ok, err := f.store.Lookup(ctx, p2.Renewal.Claims.CredentialID)
	if err != nil || !ok || entry.Reason != ReasonReplayDetected {
		t.Fatalf("descendant not revoked for replay: %+v ok=%v err=%v", entry, ok, err)
	}
	if events := f.events.ofType(EventReplayDetected); len(events) != 1 || events[0].Count != 1 {
		t.Fatalf("unexpected replay events: %+v", events)
	}
}

func TestBurnedFamilyMemberReportsReplayQuietly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1 := f.login(t, "alice").Renewal
	p2, err := f.svc.Refresh(ctx, r1.Token)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, r1.Token); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected replay, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.svc.Refresh(ctx, p2.Renewal.Token); !errors.Is(err, ErrReplayDetected) {
			t.Fatalf("attempt %d: expected ErrReplayDetected, got %v", i, err)
		}
	}
	if events := f.events.ofType(EventReplayDetected); len(events) != 1 {
		t.Fatalf("burned member raised %d replay events", len(events))
	}
}

func TestStoreUnavailableFailsClosed(t *testing.T) {
	f := newFixture(t, WithoutCache())
	pair := f.login(t, "alice")

	f.cStore.failLookup.Store(true)
	_, err := f.svc.Refresh(context.Background(), pair.Renewal.Token)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := f.svc.AuthenticateRenewal(context.Background(), pair.Renewal.Token); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from AuthenticateRenewal, got %v", err)
	}

	f.cStore.failLookup.Store(false)
	if _, err := f.svc.Refresh(context.Background(), pair.Renewal.Token); err != nil {
		t.Fatalf("refresh after recovery: %v", err)
	}
}

func TestStoreTimeoutIsStoreUnavailable(t *testing.T) {
	f := newFixture(t, WithoutCache())
	pair := f.login(t, "alice")
	f.cStore.hang.Store(true)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Refresh(context.Background(), pair.Renewal.Token)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("expected ErrStoreUnavailable, got %v", err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline cause, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("refresh did not honour store timeout")
	}
}

func TestIssuanceFailureAfterRevokeIsReported(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := newFixture(t, WithLogger(zap.New(core)))
	ctx := context.Background()
	pair := f.login(t, "alice")

	f.cLedger.failRecord.Store(true)
	_, err := f.svc.Refresh(ctx, pair.Renewal.Token)
	if !errors.Is(err, ErrIssuance) {
		t.Fatalf("expected ErrIssuance, got %v", err)
	}
	revoked, err := f.svc.IsRevoked(ctx, pair.Renewal.Claims.CredentialID)
	if err != nil || !revoked {
		t.Fatalf("presented credential must stay revoked: revoked=%v err=%v", revoked, err)
	}

	entries := logs.FilterField(zap.Bool("reconcile_required", true)).All()
	if len(entries) != 1 {
		t.Fatalf("expected one reconcile log entry, got %d", len(entries))
	}
	if entries[0].Level != zap.ErrorLevel {
		t.Fatalf("reconcile must be logged at error level, got %s", entries[0].Level)
	}
	if got := f.events.ofType(EventReconcile); len(got) != 1 {
		t.Fatalf("expected reconcile event, got %+v", got)
	}
}

func TestCancelledCallerStillCompletesRotation(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	next, err := f.svc.Refresh(ctx, pair.Renewal.Token)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if ok, _ := f.ledger.Exists(context.Background(), next.Renewal.Claims.CredentialID); !ok {
		t.Fatalf("successor not recorded")
	}
	if revoked, _ := f.svc.IsRevoked(context.Background(), pair.Renewal.Claims.CredentialID); !revoked {
		t.Fatalf("presented credential not revoked")
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.login(t, "alice")

	entry, created, err := f.svc.Logout(ctx, pair.Renewal.Token)
	if err != nil || !created || entry.Reason != ReasonLogout {
		t.Fatalf("first logout: entry=%+v created=%v err=%v", entry, created, err)
	}
	entry, created, err = f.svc.Logout(ctx, pair.Renewal.Token)
	if err != nil || created || entry.Reason != ReasonLogout {
		t.Fatalf("second logout: entry=%+v created=%v err=%v", entry, created, err)
	}
	if _, _, err := f.svc.Logout(ctx, "garbage"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if _, _, err := f.svc.RevokeOne(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", ReasonLogout); !errors.Is(err, ErrUnknownCredential) {
		t.Fatalf("expected ErrUnknownCredential, got %v", err)
	}
}

func TestFirstRevocationReasonWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.login(t, "alice")
	cid := pair.Renewal.Claims.CredentialID

	if _, _, err := f.svc.RevokeOne(ctx, cid, ReasonLogout); err != nil {
		t.Fatalf("RevokeOne: %v", err)
	}
	entry, created, err := f.svc.AdminRevoke(ctx, cid)
	if err != nil {
		t.Fatalf("AdminRevoke: %v", err)
	}
	if created || entry.Reason != ReasonLogout {
		t.Fatalf("reason overwritten: %+v created=%v", entry, created)
	}
	if got := f.events.ofType(EventAdminRevoke); len(got) != 0 {
		t.Fatalf("no event expected for a no-op admin revoke, got %+v", got)
	}
}

func TestAuthenticateIsStateless(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t, "alice")
	before := f.storeCalls()

	p, err := f.svc.Authenticate(pair.Access.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.ID != "alice" || p.Claims.Kind != KindAccess || p.Claims.KeyID != "k1" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if _, err := f.svc.Authenticate(pair.Renewal.Token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("renewal credential accepted as access: %v", err)
	}
	if f.storeCalls() != before {
		t.Fatalf("Authenticate touched the stores")
	}

	// access credentials stay valid after logout until they expire
	if _, _, err := f.svc.Logout(context.Background(), pair.Renewal.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := f.svc.ResolvePrincipal(pair.Access.Token); err != nil {
		t.Fatalf("ResolvePrincipal after logout: %v", err)
	}
	f.clock.Advance(testConfig().AccessTTL + ClockLeeway + time.Second)
	if _, err := f.svc.Authenticate(pair.Access.Token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expired access credential accepted: %v", err)
	}
}

func TestAuthenticateRenewalHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.login(t, "alice").Renewal

	p, err := f.svc.AuthenticateRenewal(ctx, r1.Token)
	if err != nil || p.ID != "alice" {
		t.Fatalf("AuthenticateRenewal: p=%+v err=%v", p, err)
	}
	next, err := f.svc.Refresh(ctx, r1.Token)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := f.svc.AuthenticateRenewal(ctx, r1.Token); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, next.Renewal.Token); err != nil {
		t.Fatalf("verification must not revoke the family: %v", err)
	}
}

func TestListOutstandingStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.login(t, "alice").Renewal
	if _, err := f.svc.Refresh(ctx, r1.Token); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	r3 := f.login(t, "alice").Renewal
	if _, _, err := f.svc.AdminRevoke(ctx, r3.Claims.CredentialID); err != nil {
		t.Fatalf("AdminRevoke: %v", err)
	}

	list, err := f.svc.ListOutstanding(ctx, "alice")
	if err != nil {
		t.Fatalf("ListOutstanding: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	counts := map[Status]int{}
	for _, cs := range list {
		counts[cs.Status]++
	}
	if counts[StatusRotated] != 1 || counts[StatusActive] != 1 || counts[StatusRevoked] != 1 {
		t.Fatalf("unexpected statuses: %v", counts)
	}
}

func TestAdminRevokeFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.login(t, "alice").Renewal
	p2, err := f.svc.Refresh(ctx, r1.Token)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	n, err := f.svc.AdminRevokeFamily(ctx, r1.Claims.CredentialID)
	if err != nil || n != 1 {
		t.Fatalf("AdminRevokeFamily: n=%d err=%v", n, err)
	}
	if _, err := f.svc.Refresh(ctx, p2.Renewal.Token); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
	if _, err := f.svc.AdminRevokeFamily(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ"); !errors.Is(err, ErrUnknownCredential) {
		t.Fatalf("expected ErrUnknownCredential, got %v", err)
	}
}

func TestLoginValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Login(context.Background(), "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	keyless := NewHMACSigner(nil)
	svc, err := NewService(testConfig(), keyless, NewMemoryLedger(), NewMemoryRevocations(NewMemoryLedger()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := svc.Login(context.Background(), "alice"); !errors.Is(err, ErrIssuance) {
		t.Fatalf("expected ErrIssuance without signing key, got %v", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(Config{}, nil, NewMemoryLedger(), nil); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
	if _, err := NewService(Config{}, NewHMACSigner(testSecret), NewMemoryLedger(), NewMemoryRevocations(NewMemoryLedger()), WithCacheBackend(nil)); err == nil {
		t.Fatal("expected error for nil cache backend")
	}
	svc, err := NewService(Config{}, NewHMACSigner(testSecret), NewMemoryLedger(), NewMemoryRevocations(NewMemoryLedger()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.Config().AccessTTL != 30*time.Minute || svc.Config().RenewalTTL != 14*24*time.Hour {
		t.Fatalf("unexpected defaults %+v", svc.Config())
	}
}
