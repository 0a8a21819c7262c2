package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by GetJSON when the key is absent.
var ErrMiss = errors.New("cache: miss")

// GetJSON fetches key and unmarshals it into dst. Returns ErrMiss on a
// cache miss; any other Redis error is returned unwrapped so callers can
// treat it as the "transient I/O, degrade and continue" case from the
// error handling design (spec §7).
func (c *Client) GetJSON(ctx context.Context, key string, dst any) error {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return err
	}
	return json.Unmarshal(raw, dst)
}

// SetJSON marshals v and stores it at key with the given TTL. Write errors
// are the caller's to ignore per spec §4.1 ("cache write errors are
// ignored") — SetJSON still returns the error so callers can log it.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

// Del removes one or more keys, ignoring a "key doesn't exist" outcome.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}
