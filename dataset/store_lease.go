// store_lease.go defines the UserLeaseManager interface and the service's
// lease helpers.
//
// Upload, delete and sync for one user run under that user's lease, so two
// replicas sharing a data directory and metadata store never reconcile the
// same user at the same time. The unique (userId, storedName) index stays the
// hard guard against duplicate records; the lease keeps that guard quiet.
//
// Implementations:
//
//   - InMemoryUserLeaseManager: single process, and tests.
//   - RedisUserLeaseManager: SET NX / Lua scripts, for multi-replica deployments.

package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultUserLeaseTTL  = 2 * time.Minute
	defaultUserLeaseWait = 30 * time.Second
	leasePollInterval    = 50 * time.Millisecond
)

// UserLease represents a held lease for a single user.
type UserLease struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// UserLeaseManager coordinates per-user work. Acquire returns
// ErrUserLeaseConflict when the lease is already held. Renew returns
// ErrUserLeaseConflict if the lease expired or changed hands. Release is
// best-effort and must not be skipped on error paths.
type UserLeaseManager interface {
	Acquire(ctx context.Context, userID string, ttl time.Duration) (*UserLease, error)
	Renew(ctx context.Context, lease *UserLease, ttl time.Duration) (*UserLease, error)
	Release(ctx context.Context, lease *UserLease) error
}

// withUserLease runs fn while holding userID's lease. Acquisition polls until
// the configured wait elapses; a lease still held by someone else then yields
// a KindConflict error. The lease is renewed at a third of its TTL while fn
// runs.
func (s *Service) withUserLease(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	lease, err := s.acquireUserLease(ctx, userID)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.leases.Release(context.Background(), lease); err != nil {
			s.logger.WarnContext(ctx, "user lease release failed", "user_id", userID, "error", err)
		}
	}()

	keepaliveCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.keepLeaseAlive(keepaliveCtx, lease)
	}()
	defer func() {
		stop()
		<-done
	}()

	return fn(ctx)
}

func (s *Service) acquireUserLease(ctx context.Context, userID string) (*UserLease, error) {
	deadline := time.Now().Add(s.leaseWait)
	for {
		lease, err := s.leases.Acquire(ctx, userID, s.leaseTTL)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrUserLeaseConflict) {
			s.logger.ErrorContext(ctx, "user lease acquisition failed", "user_id", userID, "reason", "lease_acquire_failed", "error", err)
			return nil, newError(KindStorage, MsgSyncBusy, fmt.Errorf("acquire user lease: %w", err))
		}
		if !time.Now().Before(deadline) {
			s.logger.WarnContext(ctx, "user lease acquisition conflict", "user_id", userID, "reason", "lease_conflict", "wait", s.leaseWait.String())
			return nil, newError(KindConflict, MsgSyncBusy, fmt.Errorf("acquire user lease: %w", err))
		}
		if err := sleepWithContext(ctx, leasePollInterval); err != nil {
			return nil, err
		}
	}
}

func (s *Service) keepLeaseAlive(ctx context.Context, lease *UserLease) {
	interval := s.leaseTTL / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := s.leases.Renew(ctx, lease, s.leaseTTL)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.WarnContext(ctx, "user lease renew failed", "user_id", lease.UserID, "error", err)
				}
				continue
			}
			lease.ExpiresAt = renewed.ExpiresAt
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
