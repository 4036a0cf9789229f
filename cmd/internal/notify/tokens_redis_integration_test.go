package notify

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

const envRedisAddr = "STUDYMATE_REDIS_ADDR"

func TestCachedTokens_ReadThroughAndInvalidate(t *testing.T) {
	t.Parallel()

	addr := strings.TrimSpace(os.Getenv(envRedisAddr))
	if addr == "" {
		t.Skipf("%s not set", envRedisAddr)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryTokenStore()
	c, err := NewCachedTokens(store, client, time.Minute, quietLogger())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	user := "it-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _ = client.Del(context.Background(), c.key(user)).Err() })

	if err := c.Register(ctx, user, "a", "ios", time.Now()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if toks, err := c.Tokens(ctx, user); err != nil || len(toks) != 1 {
		t.Fatalf("tokens = %v err=%v", toks, err)
	}

	// a write behind the cache stays invisible until the entry is dropped
	_ = store.Register(ctx, user, "b", "ios", time.Now())
	if toks, _ := c.Tokens(ctx, user); len(toks) != 1 {
		t.Fatalf("cached tokens = %v, want 1", toks)
	}

	if err := c.Remove(ctx, user, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if toks, _ := c.Tokens(ctx, user); len(toks) != 1 || toks[0] != "b" {
		t.Fatalf("tokens after remove = %v", toks)
	}
}
