package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLocker_TryLock(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()
	l := NewRedis(client, 5*time.Second, nil)

	h, ok, err := l.TryLock(ctx, "hookrelay:sweeper")
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v; want acquired", ok, err)
	}

	other := NewRedis(client, 5*time.Second, nil)
	if _, ok, err := other.TryLock(ctx, "hookrelay:sweeper"); err != nil || ok {
		t.Fatalf("second TryLock() = %v, %v; want contention without error", ok, err)
	}
	if _, ok, err := other.TryLock(ctx, "hookrelay:other"); err != nil || !ok {
		t.Errorf("TryLock(other key) = %v, %v; want acquired", ok, err)
	}

	if err := h.Unlock(ctx); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if _, ok, err := other.TryLock(ctx, "hookrelay:sweeper"); err != nil || !ok {
		t.Errorf("TryLock() after release = %v, %v; want acquired", ok, err)
	}
}

func TestRedisLocker_Expiry(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()
	l := NewRedis(client, 2*time.Second, nil)

	h, ok, err := l.TryLock(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	mr.FastForward(3 * time.Second)

	if _, ok, err := l.TryLock(ctx, "k"); err != nil || !ok {
		t.Fatalf("TryLock() after expiry = %v, %v; want acquired", ok, err)
	}
	if err := h.Unlock(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("stale Unlock() error = %v, want ErrNotHeld", err)
	}
}

func TestRedisLocker_EmptyKey(t *testing.T) {
	_, client := setupRedis(t)
	if _, _, err := NewRedis(client, time.Second, nil).TryLock(context.Background(), "  "); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("TryLock(blank) error = %v, want ErrEmptyKey", err)
	}
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	var (
		acquired atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := NewRedis(client, 10*time.Second, nil).TryLock(ctx, "race"); err == nil && ok {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := acquired.Load(); n != 1 {
		t.Errorf("%d lockers acquired the same key, want 1", n)
	}
}

func TestLocal(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	h, ok, err := l.TryLock(ctx, "any")
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, "any"); ok {
		t.Error("second TryLock() acquired a held lock")
	}
	if err := h.Unlock(ctx); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if err := h.Unlock(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("double Unlock() error = %v, want ErrNotHeld", err)
	}
	if _, ok, _ := l.TryLock(ctx, "any"); !ok {
		t.Error("TryLock() after Unlock() failed")
	}
}
