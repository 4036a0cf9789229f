package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// CachedTokens fronts a TokenStore with a redis read cache. Writes go to the
// store first and then drop the cached entry.
type CachedTokens struct {
	store  TokenStore
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

func NewCachedTokens(store TokenStore, client redis.UniversalClient, ttl time.Duration, log *slog.Logger) (*CachedTokens, error) {
	if store == nil || client == nil {
		return nil, errors.New("notify: nil token store or redis client")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedTokens{store: store, client: client, ttl: ttl, prefix: "studymate:pushtokens:", log: log}, nil
}

func (c *CachedTokens) key(userID string) string { return c.prefix + userID }

func (c *CachedTokens) Tokens(ctx context.Context, userID string) ([]string, error) {
	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	switch {
	case err == nil:
		var toks []string
		if err := msgpack.Unmarshal(raw, &toks); err == nil {
			return toks, nil
		}
		c.log.Warn("notify.token.cache.decode", "user_id", userID)
	case !errors.Is(err, redis.Nil):
		c.log.Warn("notify.token.cache.get", "user_id", userID, "err", err)
	}

	toks, err := c.store.Tokens(ctx, userID)
	if err != nil {
		return nil, err
	}
	if b, err := msgpack.Marshal(toks); err == nil {
		if err := c.client.Set(ctx, c.key(userID), b, c.ttl).Err(); err != nil {
			c.log.Warn("notify.token.cache.set", "user_id", userID, "err", err)
		}
	}
	return toks, nil
}

func (c *CachedTokens) Register(ctx context.Context, userID, token, platform string, now time.Time) error {
	if err := c.store.Register(ctx, userID, token, platform, now); err != nil {
		return err
	}
	c.invalidate(ctx, userID)
	return nil
}

func (c *CachedTokens) Remove(ctx context.Context, userID, token string) error {
	if err := c.store.Remove(ctx, userID, token); err != nil {
		return err
	}
	c.invalidate(ctx, userID)
	return nil
}

func (c *CachedTokens) invalidate(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		c.log.Warn("notify.token.cache.del", "user_id", userID, "err", err)
	}
}

var _ TokenStore = (*CachedTokens)(nil)
