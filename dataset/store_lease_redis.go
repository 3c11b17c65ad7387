package dataset

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisLeasePrefix = "toaster:lease:"

// RedisUserLeaseManager coordinates per-user leases via Redis, for replicas
// that share one data directory and one metadata store.
//
// Redis semantics:
//   - Acquire uses SET NX PX for atomic lock-with-TTL.
//   - Renew uses a token-checked Lua script (GET + PEXPIRE).
//   - Release uses a token-checked Lua script (GET + DEL).
type RedisUserLeaseManager struct {
	Client redis.UniversalClient
	Prefix string
}

// NewRedisUserLeaseManager creates a Redis-backed lease manager. An empty
// prefix falls back to DefaultRedisLeasePrefix.
func NewRedisUserLeaseManager(client redis.UniversalClient, prefix string) (*RedisUserLeaseManager, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultRedisLeasePrefix
	}
	return &RedisUserLeaseManager{Client: client, Prefix: prefix}, nil
}

func (m *RedisUserLeaseManager) Acquire(ctx context.Context, userID string, ttl time.Duration) (*UserLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultUserLeaseTTL
	}

	token := uuid.NewString()
	now := time.Now().UTC()
	ok, err := m.Client.SetNX(ctx, m.key(userID), token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUserLeaseConflict
	}

	return &UserLease{UserID: userID, Token: token, ExpiresAt: now.Add(ttl)}, nil
}

func (m *RedisUserLeaseManager) Renew(ctx context.Context, lease *UserLease, ttl time.Duration) (*UserLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lease == nil || strings.TrimSpace(lease.UserID) == "" || strings.TrimSpace(lease.Token) == "" {
		return nil, fmt.Errorf("valid lease is required")
	}
	if ttl <= 0 {
		ttl = defaultUserLeaseTTL
	}

	now := time.Now().UTC()
	res, err := renewLeaseScript.Run(ctx, m.Client, []string{m.key(lease.UserID)}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, err
	}
	if res != 1 {
		return nil, ErrUserLeaseConflict
	}

	return &UserLease{UserID: lease.UserID, Token: lease.Token, ExpiresAt: now.Add(ttl)}, nil
}

// Release deletes the lease only if the token still owns the key. It runs on
// its own short context so a cancelled request still frees the lease.
func (m *RedisUserLeaseManager) Release(_ context.Context, lease *UserLease) error {
	if lease == nil || strings.TrimSpace(lease.UserID) == "" || strings.TrimSpace(lease.Token) == "" {
		return nil
	}

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := releaseLeaseScript.Run(releaseCtx, m.Client, []string{m.key(lease.UserID)}, lease.Token).Int()
	return err
}

func (m *RedisUserLeaseManager) key(userID string) string {
	return m.Prefix + userID
}

var renewLeaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)
