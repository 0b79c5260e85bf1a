package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rentway/internal/clock"
	"github.com/smallbiznis/rentway/internal/consistency/domain"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	errLockKeyEmpty = errors.New("lock key is empty")
	errLockTTL      = errors.New("lock ttl must be positive")
)

// NewRunLocker prefers a redis lock shared by every process and falls back
// to a lock local to this process.
func NewRunLocker(client *redis.Client, clk clock.Clock) domain.RunLocker {
	if client == nil {
		return NewLocalLocker(clk)
	}
	return NewLocker(client)
}

type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errLockKeyEmpty
	}
	if ttl <= 0 {
		return "", false, errLockTTL
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

type localLock struct {
	token     string
	expiresAt time.Time
}

type LocalLocker struct {
	mu    sync.Mutex
	clock clock.Clock
	locks map[string]localLock
}

func NewLocalLocker(clk clock.Clock) *LocalLocker {
	return &LocalLocker{clock: clk, locks: map[string]localLock{}}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errLockKeyEmpty
	}
	if ttl <= 0 {
		return "", false, errLockTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if held, ok := l.locks[key]; ok && now.Before(held.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.locks[key] = localLock{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *LocalLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[key]; ok && held.token == token {
		delete(l.locks, key)
	}
	return nil
}
