package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"rotor.dev/internal/obs"
)

// SweepResult reports one cleanup pass.
type SweepResult struct {
	Horizon     time.Time
	Ledger      int64
	Revocations int64
}

// Sweeper reclaims ledger and revocation entries whose credentials expired before now minus the
// grace period.
type Sweeper struct {
	ledger      Ledger
	revocations RevocationStore
	grace       time.Duration
	timeout     time.Duration
	now         func() time.Time
	log         *zap.Logger
}

// NewSweeper builds a standalone sweeper for processes that only run cleanup.
func NewSweeper(ledger Ledger, store RevocationStore, grace, timeout time.Duration, log *zap.Logger) *Sweeper {
	if grace < 0 {
		grace = defaultGracePeriod
	}
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{ledger: ledger, revocations: store, grace: grace, timeout: timeout, now: time.Now, log: log}
}

// Sweep runs PurgeExpiredBefore(now - grace) against both stores.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{Horizon: s.now().Add(-s.grace)}
	var errs []error

	sctx, cancel := withTimeout(ctx, s.timeout)
	n, err := s.revocations.PurgeExpiredBefore(sctx, res.Horizon)
	cancel()
	if err != nil {
		errs = append(errs, storeErr("purge revocations", err))
	} else {
		res.Revocations = n
		obs.SweptRecords.WithLabelValues("revocation").Add(float64(n))
	}

	sctx, cancel = withTimeout(ctx, s.timeout)
	n, err = s.ledger.PurgeExpiredBefore(sctx, res.Horizon)
	cancel()
	if err != nil {
		errs = append(errs, storeErr("purge ledger", err))
	} else {
		res.Ledger = n
		obs.SweptRecords.WithLabelValues("outstanding").Add(float64(n))
	}

	if err := errors.Join(errs...); err != nil {
		obs.Sweeps.WithLabelValues("error").Inc()
		return res, err
	}
	obs.Sweeps.WithLabelValues("ok").Inc()
	return res, nil
}

// Run sweeps every interval until ctx ends. A failed pass is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	res, err := s.Sweep(ctx)
	if err != nil {
		s.log.Warn("cleanup sweep failed; retrying next tick",
			zap.Time("horizon", res.Horizon), zap.Error(err))
		return
	}
	s.log.Info("cleanup sweep complete",
		zap.Time("horizon", res.Horizon),
		zap.Int64("ledger", res.Ledger),
		zap.Int64("revocations", res.Revocations))
}
