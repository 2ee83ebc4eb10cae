//go:build integration

package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-modem/internal/history/physical"
	"github.com/gezibash/arc-modem/internal/history/physical/physicaltest"
)

// Run with: MM_REDIS_ADDR=localhost:6379 go test -tags integration ./internal/history/physical/redis
func TestBackend(t *testing.T) {
	addr := os.Getenv("MM_REDIS_ADDR")
	if addr == "" {
		t.Skip("MM_REDIS_ADDR not set")
	}
	physicaltest.Run(t, func(t *testing.T) physical.Backend {
		prefix := fmt.Sprintf("mm:test:%d:", time.Now().UnixNano())
		b, err := NewFactory(context.Background(), map[string]string{
			KeyAddr:      addr,
			KeyDB:        "15",
			KeyKeyPrefix: prefix,
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() {
			c := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
			defer c.Close()
			ctx := context.Background()
			keys, _ := c.Keys(ctx, prefix+"*").Result()
			if len(keys) > 0 {
				c.Del(ctx, keys...)
			}
		})
		return b
	})
}
