package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"rotor.dev/internal/auth"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client), mr
}

func TestCacheRevokedEntryRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := auth.RevocationEntry{CredentialID: "c1", Reason: auth.ReasonRotated, RevokedAt: at, ExpiresAt: at.Add(time.Hour)}

	if err := c.StoreRevoked(ctx, entry, time.Hour); err != nil {
		t.Fatalf("StoreRevoked: %v", err)
	}
	got, ok, err := c.Get(ctx, "c1")
	if err != nil || !ok || !got.Revoked {
		t.Fatalf("Get: %+v ok=%v err=%v", got, ok, err)
	}
	if got.Entry.Reason != auth.ReasonRotated || !got.Entry.ExpiresAt.Equal(entry.ExpiresAt) {
		t.Fatalf("unexpected entry %+v", got.Entry)
	}
	if !mr.Exists("auth:revoked:c1") {
		t.Fatalf("expected auth:revoked:c1 key")
	}
	if ttl := mr.TTL("auth:revoked:c1"); ttl != time.Hour {
		t.Fatalf("ttl = %s", ttl)
	}
}

func TestCacheActiveMarkerExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := c.StoreActive(ctx, "c1", 5*time.Second); err != nil {
		t.Fatalf("StoreActive: %v", err)
	}
	got, ok, err := c.Get(ctx, "c1")
	if err != nil || !ok || got.Revoked {
		t.Fatalf("Get: %+v ok=%v err=%v", got, ok, err)
	}

	// A second write must not extend the marker.
	mr.FastForward(3 * time.Second)
	_ = c.StoreActive(ctx, "c1", 5*time.Second)
	mr.FastForward(3 * time.Second)
	if _, ok, _ := c.Get(ctx, "c1"); ok {
		t.Fatalf("active marker outlived its ttl")
	}
}

func TestCacheRevocationBeatsActiveMarker(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_ = c.StoreActive(ctx, "c1", time.Minute)
	_ = c.StoreRevoked(ctx, auth.RevocationEntry{CredentialID: "c1", Reason: auth.ReasonLogout}, time.Hour)
	_ = c.StoreActive(ctx, "c1", time.Minute)

	got, ok, err := c.Get(ctx, "c1")
	if err != nil || !ok || !got.Revoked {
		t.Fatalf("revocation hidden by active marker: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestCacheMissAndPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewCache(client, WithPrefix("rotor:test:"))
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "nope"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	_ = c.StoreRevoked(ctx, auth.RevocationEntry{CredentialID: "c1", Reason: auth.ReasonAdminRevoke}, time.Minute)
	if !mr.Exists("rotor:test:revoked:c1") {
		t.Fatalf("prefix not applied, keys=%v", mr.Keys())
	}
}

func TestCacheBackendErrorsSurface(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	c := NewCache(client)
	if _, _, err := c.Get(context.Background(), "c1"); err == nil {
		t.Fatalf("expected error from closed server")
	}
}

func TestConnectRejectsBadURL(t *testing.T) {
	if _, err := Connect(context.Background(), "redis://:bad:port/x"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestCacheWithRevocationCache(t *testing.T) {
	c, _ := newTestCache(t)
	ledger := auth.NewMemoryLedger()
	store := auth.NewMemoryRevocations(ledger)
	now := time.Now().UTC()
	if err := ledger.Record(context.Background(), auth.OutstandingRecord{
		CredentialID: "c1", Principal: "p", FamilyID: "f", IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	rc := auth.NewRevocationCache(store, c, 5*time.Second, time.Second, nil, nil)

	if _, revoked, err := rc.Check(context.Background(), "c1"); err != nil || revoked {
		t.Fatalf("Check: revoked=%v err=%v", revoked, err)
	}
	if _, _, err := rc.Revoke(context.Background(), "c1", auth.ReasonLogout, now); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	got, ok, _ := c.Get(context.Background(), "c1")
	if !ok || !got.Revoked || got.Entry.Reason != auth.ReasonLogout {
		t.Fatalf("revocation not written through to redis: %+v", got)
	}
}
