package dataset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryLeaseRecord struct {
	token     string
	expiresAt time.Time
}

// InMemoryUserLeaseManager provides in-process lease coordination.
type InMemoryUserLeaseManager struct {
	mu     sync.Mutex
	leases map[string]inMemoryLeaseRecord
}

func NewInMemoryUserLeaseManager() *InMemoryUserLeaseManager {
	return &InMemoryUserLeaseManager{
		leases: make(map[string]inMemoryLeaseRecord),
	}
}

func (m *InMemoryUserLeaseManager) Acquire(ctx context.Context, userID string, ttl time.Duration) (*UserLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultUserLeaseTTL
	}

	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.leases[userID]; ok && now.Before(rec.expiresAt) {
		return nil, ErrUserLeaseConflict
	}

	token := uuid.NewString()
	expiresAt := now.Add(ttl)
	m.leases[userID] = inMemoryLeaseRecord{token: token, expiresAt: expiresAt}

	return &UserLease{UserID: userID, Token: token, ExpiresAt: expiresAt}, nil
}

func (m *InMemoryUserLeaseManager) Renew(ctx context.Context, lease *UserLease, ttl time.Duration) (*UserLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lease == nil || lease.UserID == "" || lease.Token == "" {
		return nil, fmt.Errorf("valid lease is required")
	}
	if ttl <= 0 {
		ttl = defaultUserLeaseTTL
	}

	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.leases[lease.UserID]
	if !ok || rec.token != lease.Token || !now.Before(rec.expiresAt) {
		return nil, ErrUserLeaseConflict
	}

	expiresAt := now.Add(ttl)
	m.leases[lease.UserID] = inMemoryLeaseRecord{token: lease.Token, expiresAt: expiresAt}

	return &UserLease{UserID: lease.UserID, Token: lease.Token, ExpiresAt: expiresAt}, nil
}

// Release frees the lease if lease still owns it.
func (m *InMemoryUserLeaseManager) Release(_ context.Context, lease *UserLease) error {
	if lease == nil || lease.UserID == "" || lease.Token == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.leases[lease.UserID]; ok && rec.token == lease.Token {
		delete(m.leases, lease.UserID)
	}
	return nil
}
