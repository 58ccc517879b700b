// Package app assembles the auth service, its stores and its transports from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rotor.dev/internal/auth"
	"rotor.dev/internal/config"
	"rotor.dev/internal/httpapi"
	"rotor.dev/internal/obs"
	"rotor.dev/internal/rpc"
	"rotor.dev/internal/store/pg"
	"rotor.dev/internal/store/redis"
	"rotor.dev/internal/stream"
)

// App holds the wired components of one authd process.
type App struct {
	Config  config.Config
	Service *auth.Service
	Events  *stream.Stream
	API     *httpapi.API
	RPC     *rpc.Server
	Ready   httpapi.ReadyProbe

	pg    *pg.Store
	redis *goredis.Client
	log   *zap.Logger
}

// New builds the service graph. Without a database URL the in-memory stores are used, which only
// suits a single process.
func New(ctx context.Context, cfg config.Config, version string) (*App, error) {
	a := &App{Config: cfg, log: obs.Logger().Named("app")}

	signer, err := newSigner(cfg)
	if err != nil {
		return nil, err
	}

	var (
		ledger auth.Ledger
		store  auth.RevocationStore
	)
	if cfg.DatabaseURL != "" {
		a.pg, err = pg.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.Ready.DB = a.pg.DB()
		ledger, store = a.pg.Ledger(), a.pg.Revocations()
	} else {
		a.log.Warn("no database configured; using in-memory credential stores")
		mem := auth.NewMemoryLedger()
		ledger, store = mem, auth.NewMemoryRevocations(mem)
	}

	a.Events = stream.New(0)
	opts := []auth.ServiceOption{
		auth.WithLogger(obs.Logger().Named("auth")),
		auth.WithEventSink(a.Events),
	}
	if cfg.RedisURL != "" {
		a.redis, err = redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		client := a.redis
		a.Ready.Extra = append(a.Ready.Extra, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		opts = append(opts, auth.WithCacheBackend(redis.NewCache(client)))
	}

	a.Service, err = auth.NewService(auth.Config{
		AccessTTL:          cfg.AccessTTL,
		RenewalTTL:         cfg.RenewalTTL,
		NegativeCacheTTL:   cfg.NegativeCacheTTL,
		CleanupGracePeriod: cfg.CleanupGracePeriod,
		StoreTimeout:       cfg.StoreTimeout,
	}, signer, ledger, store, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.API = httpapi.New(a.Service, httpapi.Options{
		Events:            a.Events,
		Ready:             a.Ready,
		Version:           version,
		AdminKeyHash:      cfg.AdminKeyHash,
		ServiceKeyHash:    cfg.ServiceKeyHash,
		AuthRatePerMinute: cfg.AuthRatePerMinute,
		AuthRateBurst:     cfg.AuthRateBurst,
		MaxBodyBytes:      cfg.MaxBodyBytes,
	})
	a.RPC = rpc.NewServer(a.Service, a.Ready)

	a.log.Info("service assembled",
		zap.String("algorithm", signer.Algorithm()),
		zap.Bool("postgres", a.pg != nil),
		zap.Bool("redis", a.redis != nil),
		zap.Duration("access_ttl", cfg.AccessTTL),
		zap.Duration("renewal_ttl", cfg.RenewalTTL))
	return a, nil
}

// Close releases store connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.pg != nil {
		errs = append(errs, a.pg.Close())
	}
	return errors.Join(errs...)
}

func newSigner(cfg config.Config) (*auth.Signer, error) {
	opts := []auth.SignerOption{auth.WithSignerIssuer(cfg.Issuer), auth.WithSignerKeyID(cfg.KeyID)}
	switch {
	case cfg.UsesRS256():
		s, err := auth.NewRSASigner(cfg.PrivateKeyPEM, cfg.PublicKeyPEM, opts...)
		if err != nil {
			return nil, fmt.Errorf("load rsa keys: %w", err)
		}
		return s, nil
	case cfg.SigningSecret != "":
		return auth.NewHMACSigner([]byte(cfg.SigningSecret), opts...), nil
	default:
		obs.Logger().Warn("no signing key configured; generated an ephemeral RSA key")
		return auth.NewEphemeralRSASigner(opts...)
	}
}
