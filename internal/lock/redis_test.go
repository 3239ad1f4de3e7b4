package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLockers(t *testing.T) (*RedisLocker, *RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := func() *redis.Client {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return rdb
	}
	return NewRedisLocker(client(), time.Second), NewRedisLocker(client(), time.Second), mr
}

func TestRedisLocker_ExcludesAcrossInstances(t *testing.T) {
	a, b, mr := newRedisLockers(t)

	unlock, err := a.Lock(context.Background(), "vault", "market")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !mr.Exists(lockKey("vault")) || !mr.Exists(lockKey("market")) {
		t.Fatal("expected both keys held in redis")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(ctx, "market"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	unlock()
	unlock()
	if mr.Exists(lockKey("vault")) || mr.Exists(lockKey("market")) {
		t.Error("unlock should delete every held key")
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	unlockB, err := b.Lock(ctx2, "market")
	if err != nil {
		t.Fatalf("market should be free: %v", err)
	}
	unlockB()
}

func TestRedisLocker_UnlockKeepsForeignToken(t *testing.T) {
	a, _, mr := newRedisLockers(t)

	unlock, err := a.Lock(context.Background(), "vault")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	// The TTL lapsed and another holder took the key.
	mr.Set(lockKey("vault"), "someone-else")

	unlock()
	if got, _ := mr.Get(lockKey("vault")); got != "someone-else" {
		t.Errorf("unlock must not delete a lock it no longer owns, got %q", got)
	}
}

func TestRedisLocker_PartialAcquireReleasedOnCancel(t *testing.T) {
	a, b, mr := newRedisLockers(t)
	unlockB, _ := b.Lock(context.Background(), "b")
	defer unlockB()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := a.Lock(ctx, "a", "b"); err == nil {
		t.Fatal("expected error")
	}
	if mr.Exists(lockKey("a")) {
		t.Error("a should have been released")
	}
}
