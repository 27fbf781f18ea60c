// Package redis provides a thin wrapper around go-redis/v9 with connection
// pooling, string/hash/sorted-set operations, a SETNX lease helper, and
// pattern-based key invalidation.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/frenzywall/changehist/pkg/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Get returns the string value for the given key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// Set stores a value with the given TTL. A zero TTL means no expiry.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX stores a value only if the key does not exist, returning whether the
// write happened.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Del deletes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Exists reports whether the key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MGet fetches multiple keys in one round trip. Missing keys yield nil
// entries in the returned slice.
func (c *Client) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return c.rdb.MGet(ctx, keys...).Result()
}

// HSet writes all fields of the given map into a hash in one command.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return c.rdb.HSet(ctx, key, fields).Err()
}

// HGetMulti fetches the same field from several hashes in one pipelined round
// trip. The result maps hash key to value for the hashes where the field
// exists.
func (c *Client) HGetMulti(ctx context.Context, keys []string, field string) (map[string]string, error) {
	cmds := make([]*redis.StringCmd, len(keys))
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGet(ctx, key, field)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}
	result := make(map[string]string, len(keys))
	for i, cmd := range cmds {
		val, err := cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		result[keys[i]] = val
	}
	return result, nil
}

// ScanHashFields streams hash fields matching the glob pattern, invoking
// visit for each field/value pair until visit returns false or the hash is
// exhausted.
func (c *Client) ScanHashFields(ctx context.Context, key, pattern string, count int64, visit func(field, value string) bool) error {
	var cursor uint64
	for {
		pairs, next, err := c.rdb.HScan(ctx, key, cursor, pattern, count).Result()
		if err != nil {
			return fmt.Errorf("hscan %s: %w", key, err)
		}
		for i := 0; i+1 < len(pairs); i += 2 {
			if !visit(pairs[i], pairs[i+1]) {
				return nil
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// ZAdd adds a member with the given score to a sorted set.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZCard returns the cardinality of a sorted set.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, key).Result()
}

// ZMember pairs a sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// ZRevRangeWithScores returns members ordered by score descending.
func (c *Client) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	zs, err := c.rdb.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	members := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		members = append(members, ZMember{Member: member, Score: z.Score})
	}
	return members, nil
}

// ZRangeWithScores returns members ordered by score ascending.
func (c *Client) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	zs, err := c.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	members := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		members = append(members, ZMember{Member: member, Score: z.Score})
	}
	return members, nil
}

// ZRemRangeByScore removes members whose score falls in [min, max] and
// returns how many were removed.
func (c *Client) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	return c.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
}

// SwapKeys atomically renames staging keys onto live keys and deletes the
// given keys inside a single MULTI/EXEC transaction, so readers never observe
// a half-applied swap.
func (c *Client) SwapKeys(ctx context.Context, renames map[string]string, deletes []string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for src, dst := range renames {
			pipe.Rename(ctx, src, dst)
		}
		if len(deletes) > 0 {
			pipe.Del(ctx, deletes...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("swapping keys: %w", err)
	}
	return nil
}

// FlushByPattern scans for keys matching the glob pattern and deletes them,
// returning the number of keys removed.
func (c *Client) FlushByPattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("deleting key %s: %w", iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scanning pattern %s: %w", pattern, err)
	}
	return deleted, nil
}

// IsNilError reports whether err is a Redis nil (key-not-found) error.
func IsNilError(err error) bool {
	return err == redis.Nil
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
