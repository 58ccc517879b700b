package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAccessTTL        = 30 * time.Minute
	defaultRenewalTTL       = 14 * 24 * time.Hour
	defaultNegativeCacheTTL = 5 * time.Second
	defaultGracePeriod      = 5 * time.Minute
	defaultStoreTimeout     = 2 * time.Second
)

// Config carries the lifecycle settings passed to the service at construction.
type Config struct {
	AccessTTL          time.Duration
	RenewalTTL         time.Duration
	NegativeCacheTTL   time.Duration
	CleanupGracePeriod time.Duration
	StoreTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.AccessTTL <= 0 {
		c.AccessTTL = defaultAccessTTL
	}
	if c.RenewalTTL <= 0 {
		c.RenewalTTL = defaultRenewalTTL
	}
	if c.NegativeCacheTTL < 0 {
		c.NegativeCacheTTL = defaultNegativeCacheTTL
	}
	if c.CleanupGracePeriod < 0 {
		c.CleanupGracePeriod = defaultGracePeriod
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	return c
}

// Service wires the issuer, verifier, rotator, revocation handler and sweeper over one ledger and
// revocation store. It is what the transport layers hold.
type Service struct {
	cfg         Config
	signer      *Signer
	ledger      Ledger
	store       RevocationStore
	backend     CacheBackend
	events      EventSink
	now         func() time.Time
	log         *zap.Logger
	noCache     bool
	revocations *RevocationCache

	issuer   *Issuer
	verifier *Verifier
	rotator  *Rotator
	handler  *RevocationHandler
	sweeper  *Sweeper
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithCacheBackend replaces the default in-process revocation cache.
func WithCacheBackend(b CacheBackend) ServiceOption {
	return func(s *Service) error {
		if b == nil {
			return errors.New("auth: cache backend is nil")
		}
		s.backend = b
		return nil
	}
}

// WithoutCache sends every revocation check to the store.
func WithoutCache() ServiceOption {
	return func(s *Service) error {
		s.noCache = true
		return nil
	}
}

// WithEventSink receives replay, logout-everywhere and reconcile events.
func WithEventSink(sink EventSink) ServiceOption {
	return func(s *Service) error {
		if sink != nil {
			s.events = sink
		}
		return nil
	}
}

// NewService constructs Service. signer, ledger and store are required.
func NewService(cfg Config, signer *Signer, ledger Ledger, store RevocationStore, opts ...ServiceOption) (*Service, error) {
	if signer == nil || ledger == nil || store == nil {
		return nil, errors.New("auth: signer, ledger and revocation store are required")
	}
	svc := &Service{
		cfg:    cfg.withDefaults(),
		signer: signer,
		ledger: ledger,
		store:  store,
		events: discardEvents{},
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.backend == nil && !svc.noCache {
		svc.backend = NewLocalCache(svc.now)
	}
	if svc.noCache {
		svc.backend = nil
	}

	c := svc.cfg
	svc.revocations = NewRevocationCache(store, svc.backend, c.NegativeCacheTTL, c.StoreTimeout, svc.now, svc.log)
	svc.issuer = &Issuer{
		signer:     signer,
		ledger:     ledger,
		accessTTL:  c.AccessTTL,
		renewalTTL: c.RenewalTTL,
		timeout:    c.StoreTimeout,
		now:        svc.now,
		log:        svc.log,
	}
	svc.verifier = &Verifier{signer: signer, ledger: ledger, revocations: svc.revocations, timeout: c.StoreTimeout}
	svc.rotator = &Rotator{
		verifier:    svc.verifier,
		revocations: svc.revocations,
		issuer:      svc.issuer,
		events:      svc.events,
		now:         svc.now,
		log:         svc.log,
	}
	svc.handler = &RevocationHandler{
		signer:      signer,
		ledger:      ledger,
		revocations: svc.revocations,
		events:      svc.events,
		timeout:     c.StoreTimeout,
		now:         svc.now,
		log:         svc.log,
	}
	svc.sweeper = &Sweeper{
		ledger:      ledger,
		revocations: store,
		grace:       c.CleanupGracePeriod,
		timeout:     c.StoreTimeout,
		now:         svc.now,
		log:         svc.log,
	}
	return svc, nil
}

// Config returns the effective lifecycle settings.
func (s *Service) Config() Config { return s.cfg }

// Login issues a fresh pair in a new family for a principal authenticated elsewhere.
func (s *Service) Login(ctx context.Context, principal string) (Pair, error) {
	return s.issuer.Issue(ctx, principal, "")
}

// Refresh rotates a renewal credential.
func (s *Service) Refresh(ctx context.Context, renewalToken string) (Pair, error) {
	return s.rotator.Rotate(ctx, renewalToken)
}

// Logout revokes the presented renewal credential. Already revoked credentials are acknowledged.
func (s *Service) Logout(ctx context.Context, renewalToken string) (RevocationEntry, bool, error) {
	return s.handler.Logout(ctx, renewalToken)
}

// LogoutEverywhere revokes every active renewal credential of principal.
func (s *Service) LogoutEverywhere(ctx context.Context, principal string) (int, error) {
	return s.handler.RevokeAllForPrincipal(ctx, principal, ReasonLogout)
}

// RevokeOne revokes cid with reason.
func (s *Service) RevokeOne(ctx context.Context, cid string, reason Reason) (RevocationEntry, bool, error) {
	return s.handler.RevokeOne(ctx, cid, reason)
}

// Authenticate verifies an access credential.
func (s *Service) Authenticate(token string) (Principal, error) {
	return s.verifier.Authenticate(token)
}

// AuthenticateRenewal verifies a renewal credential including its revocation state.
func (s *Service) AuthenticateRenewal(ctx context.Context, token string) (Principal, error) {
	return s.verifier.AuthenticateRenewal(ctx, token)
}

// ResolvePrincipal returns the identity carried by an access credential.
func (s *Service) ResolvePrincipal(token string) (Principal, error) {
	return s.verifier.Authenticate(token)
}

// IsRevoked reports the revocation state of cid through the cache.
func (s *Service) IsRevoked(ctx context.Context, cid string) (bool, error) {
	_, revoked, err := s.revocations.Check(ctx, cid)
	return revoked, err
}

// ListOutstanding lists the unexpired renewal credentials of principal.
func (s *Service) ListOutstanding(ctx context.Context, principal string) ([]CredentialStatus, error) {
	return s.handler.List(ctx, principal)
}

// AdminRevoke revokes cid with reason admin_revoke.
func (s *Service) AdminRevoke(ctx context.Context, cid string) (RevocationEntry, bool, error) {
	entry, created, err := s.handler.RevokeOne(ctx, cid, ReasonAdminRevoke)
	if err == nil && created {
		s.events.Publish(SecurityEvent{
			Type:         EventAdminRevoke,
			CredentialID: entry.CredentialID,
			Reason:       ReasonAdminRevoke,
			Count:        1,
			At:           entry.RevokedAt,
		})
	}
	return entry, created, err
}

// AdminRevokePrincipal revokes every active renewal credential of principal with reason admin_revoke.
func (s *Service) AdminRevokePrincipal(ctx context.Context, principal string) (int, error) {
	return s.handler.RevokeAllForPrincipal(ctx, principal, ReasonAdminRevoke)
}

// AdminRevokeFamily revokes the family of cid with reason admin_revoke.
func (s *Service) AdminRevokeFamily(ctx context.Context, cid string) (int, error) {
	return s.handler.RevokeFamilyOf(ctx, cid, ReasonAdminRevoke)
}

// Sweep runs one cleanup pass.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	return s.sweeper.Sweep(ctx)
}

// Sweeper exposes the periodic cleanup component for schedulers.
func (s *Service) Sweeper() *Sweeper { return s.sweeper }
