package redisstore

import (
	"context"
	"testing"

	"github.com/ggoodman/mcp-sse-go/ratelimit"
	"github.com/ggoodman/mcp-sse-go/ratelimit/storetest"
	"github.com/redis/go-redis/v9"
)

func TestConformance(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 3})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	storetest.RunStoreTests(t, func(t *testing.T) ratelimit.Store {
		prefix := "test:ratelimit:" + t.Name() + ":"
		t.Cleanup(func() {
			ctx := context.Background()
			iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		})
		s, err := New(client, WithKeyPrefix(prefix))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		return s
	})
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error without client")
	}
}
