// Package lock provides the distributed lock that keeps sweeps on separate
// worker replicas from overlapping.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/hookrelay/internal/logging"
)

var (
	// ErrEmptyKey is returned for a blank lock key.
	ErrEmptyKey = errors.New("lock: empty key")
	// ErrNotHeld is returned by Unlock when the lock expired or was taken over.
	ErrNotHeld = errors.New("lock: not held")
)

// Handle releases an acquired lock.
type Handle interface {
	Unlock(ctx context.Context) error
}

// Locker acquires named locks without waiting.
type Locker interface {
	// TryLock reports false without error when another holder owns key.
	TryLock(ctx context.Context, key string) (Handle, bool, error)
}

// RedisLocker is a Locker on Redis using the redsync algorithm. A lock
// expires after its TTL even when the holder crashes.
type RedisLocker struct {
	rs     *redsync.Redsync
	ttl    time.Duration
	logger *logging.Logger
}

// NewRedis returns a RedisLocker whose locks expire after ttl.
func NewRedis(client redis.UniversalClient, ttl time.Duration, logger *logging.Logger) *RedisLocker {
	if logger == nil {
		logger = logging.Nop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		ttl:    ttl,
		logger: logger,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Handle, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyKey
	}

	mutex := l.rs.NewMutex(key, redsync.WithExpiry(l.ttl), redsync.WithTries(1))
	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			l.logger.WithContext(ctx).WithField("lock_key", key).Debug("lock held elsewhere")
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	return &redisHandle{mutex: mutex, key: key, logger: l.logger}, true, nil
}

type redisHandle struct {
	mutex  *redsync.Mutex
	key    string
	logger *logging.Logger
}

func (h *redisHandle) Unlock(ctx context.Context) error {
	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) {
			return ErrNotHeld
		}
		return fmt.Errorf("lock: release %s: %w", h.key, err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// Local is an in-process Locker for single-replica deployments and tests.
type Local struct {
	held chan struct{}
}

// NewLocal returns an unlocked Local.
func NewLocal() *Local {
	return &Local{held: make(chan struct{}, 1)}
}

// TryLock ignores the key: a Local guards a single resource.
func (l *Local) TryLock(_ context.Context, _ string) (Handle, bool, error) {
	select {
	case l.held <- struct{}{}:
		return localHandle{l}, true, nil
	default:
		return nil, false, nil
	}
}

type localHandle struct{ l *Local }

func (h localHandle) Unlock(context.Context) error {
	select {
	case <-h.l.held:
		return nil
	default:
		return ErrNotHeld
	}
}
