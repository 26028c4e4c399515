// Package storetest holds a conformance suite every ratelimit.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-go/ratelimit"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) ratelimit.Store

// RunStoreTests runs the conformance suite against stores built by factory.
func RunStoreTests(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("GetSetExists", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		if _, ok, err := s.Get(ctx, "k"); err != nil || ok {
			t.Fatalf("get missing: ok=%v err=%v", ok, err)
		}
		if err := s.Set(ctx, "k", "v"); err != nil {
			t.Fatalf("set: %v", err)
		}
		if v, ok, err := s.Get(ctx, "k"); err != nil || !ok || v != "v" {
			t.Fatalf("get: v=%q ok=%v err=%v", v, ok, err)
		}
		if ok, err := s.Exists(ctx, "k"); err != nil || !ok {
			t.Fatalf("exists: ok=%v err=%v", ok, err)
		}
		if ttl, err := s.TTL(ctx, "k"); err != nil || ttl != ratelimit.NoExpiry {
			t.Fatalf("ttl of persistent key = %v err=%v", ttl, err)
		}
		if ttl, err := s.TTL(ctx, "missing"); err != nil || ttl != ratelimit.KeyMissing {
			t.Fatalf("ttl of missing key = %v err=%v", ttl, err)
		}
	})

	t.Run("IncrCountsFromOne", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		for want := int64(1); want <= 3; want++ {
			n, err := s.Incr(ctx, "c")
			if err != nil {
				t.Fatalf("incr: %v", err)
			}
			if n != want {
				t.Fatalf("incr = %d, want %d", n, want)
			}
		}
	})

	t.Run("IncrIsAtomic", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		const workers, each = 8, 25

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < each; j++ {
					if _, err := s.Incr(ctx, "c"); err != nil {
						errs <- err
						return
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("incr: %v", err)
		}
		if v, _, _ := s.Get(ctx, "c"); v != fmt.Sprint(workers*each) {
			t.Fatalf("counter = %s, want %d", v, workers*each)
		}
	})

	t.Run("ExpireAndTTL", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		if ok, err := s.Expire(ctx, "missing", time.Second); err != nil || ok {
			t.Fatalf("expire missing: ok=%v err=%v", ok, err)
		}
		if _, err := s.Incr(ctx, "c"); err != nil {
			t.Fatalf("incr: %v", err)
		}
		if ok, err := s.Expire(ctx, "c", 10*time.Second); err != nil || !ok {
			t.Fatalf("expire: ok=%v err=%v", ok, err)
		}
		ttl, err := s.TTL(ctx, "c")
		if err != nil {
			t.Fatalf("ttl: %v", err)
		}
		if ttl <= 0 || ttl > 10*time.Second {
			t.Fatalf("ttl = %v, want (0, 10s]", ttl)
		}
		if _, err := s.Incr(ctx, "c"); err != nil {
			t.Fatalf("incr: %v", err)
		}
		if ttl2, _ := s.TTL(ctx, "c"); ttl2 <= 0 {
			t.Fatalf("incr must keep the existing expiry, ttl = %v", ttl2)
		}
	})

	t.Run("KeysExpire", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		if err := s.SetEx(ctx, "k", "v", 150*time.Millisecond); err != nil {
			t.Fatalf("setex: %v", err)
		}
		if _, err := s.Incr(ctx, "c"); err != nil {
			t.Fatalf("incr: %v", err)
		}
		if _, err := s.Expire(ctx, "c", 150*time.Millisecond); err != nil {
			t.Fatalf("expire: %v", err)
		}
		time.Sleep(300 * time.Millisecond)

		if ok, _ := s.Exists(ctx, "k"); ok {
			t.Fatalf("setex key still present")
		}
		if n, err := s.Incr(ctx, "c"); err != nil || n != 1 {
			t.Fatalf("expired counter must restart at 1: n=%d err=%v", n, err)
		}
	})

	t.Run("IncrNonInteger", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		if err := s.Set(ctx, "k", "abc"); err != nil {
			t.Fatalf("set: %v", err)
		}
		if _, err := s.Incr(ctx, "k"); err == nil {
			t.Fatalf("incr on non-integer must fail")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := factory(t).Ping(context.Background()); err != nil {
			t.Fatalf("ping: %v", err)
		}
	})

	t.Run("LimiterWindow", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		l, err := ratelimit.New(s, ratelimit.WithLimit(3), ratelimit.WithWindow(time.Second))
		if err != nil {
			t.Fatalf("new limiter: %v", err)
		}
		for i := 0; i < 3; i++ {
			if err := l.CheckLimit(ctx, "42"); err != nil {
				t.Fatalf("call %d: %v", i+1, err)
			}
		}
		err = l.CheckLimit(ctx, "42")
		var rle *ratelimit.RateLimitError
		if !errors.As(err, &rle) {
			t.Fatalf("4th call: want RateLimitError, got %v", err)
		}
		if rle.RetryAfter != 1 {
			t.Fatalf("retry after = %d, want 1", rle.RetryAfter)
		}
		if err := l.CheckLimit(ctx, "43"); err != nil {
			t.Fatalf("other identity must have its own budget: %v", err)
		}
	})
}
