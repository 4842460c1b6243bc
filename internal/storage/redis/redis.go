// Package redis is the shared storage.Store: every queue is a Redis sorted
// set, so all remindq instances and the external delivery worker see the
// same structure. Operations map one-to-one onto ZADD, ZRANGEBYSCORE and ZREM.
package redis

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/snehjoshi/remindq/internal/storage"
)

//go:embed replace.lua
var replaceSrc string

var replaceScript = goredis.NewScript(replaceSrc)

// Config selects the Redis server and key layout.
type Config struct {
	// URL is a redis:// or rediss:// connection string.
	URL string
	// KeyPrefix is prepended to every queue name to form the Redis key.
	KeyPrefix string
}

// Store is the Redis implementation of storage.Store and storage.Replacer.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
}

var (
	_ storage.Store    = (*Store)(nil)
	_ storage.Replacer = (*Store)(nil)
)

// Open connects to cfg.URL and verifies the connection with PING.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis storage: parse url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", storage.ErrUnavailable, err)
	}
	return New(rdb, cfg.KeyPrefix), nil
}

// New wraps an existing client. The Store takes ownership: Close closes rdb.
func New(rdb goredis.UniversalClient, keyPrefix string) *Store {
	return &Store{rdb: rdb, prefix: keyPrefix}
}

// Key returns the Redis key that holds queue.
func (s *Store) Key(queue string) string { return s.prefix + queue }

// formatScore renders a score bound, mapping the sentinels to -inf/+inf.
func formatScore(score int64) string {
	switch score {
	case storage.MinScore:
		return "-inf"
	case storage.MaxScore:
		return "+inf"
	default:
		return strconv.FormatInt(score, 10)
	}
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: redis %s %s: %v", storage.ErrUnavailable, op, key, err)
}

func (s *Store) Insert(ctx context.Context, queue string, payload []byte, score int64) error {
	key := s.Key(queue)
	err := s.rdb.ZAdd(ctx, key, goredis.Z{Score: float64(score), Member: string(payload)}).Err()
	if err != nil {
		return unavailable("zadd", key, err)
	}
	return nil
}

func (s *Store) RangeByScore(ctx context.Context, queue string, min, max int64) ([][]byte, error) {
	key := s.Key(queue)
	members, err := s.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, unavailable("zrangebyscore", key, err)
	}
	out := make([][]byte, len(members))
	for i, m := range members {
		out[i] = []byte(m)
	}
	return out, nil
}

func (s *Store) RemoveExact(ctx context.Context, queue string, payload []byte) error {
	key := s.Key(queue)
	if err := s.rdb.ZRem(ctx, key, string(payload)).Err(); err != nil {
		return unavailable("zrem", key, err)
	}
	return nil
}

// Replace runs replace.lua, which removes the selector's matches and adds
// members inside one script invocation. Redis executes scripts atomically.
func (s *Store) Replace(ctx context.Context, queue string, sel storage.Selector, members []storage.Member) (int, error) {
	key := s.Key(queue)
	args := make([]any, 0, 3+2*len(members))
	args = append(args, sel.Kind, sel.ResourceID, sel.UserID)
	for _, m := range members {
		args = append(args, strconv.FormatInt(m.Score, 10), string(m.Payload))
	}
	removed, err := replaceScript.Run(ctx, s.rdb, []string{key}, args...).Int()
	if err != nil {
		return 0, unavailable("replace", key, err)
	}
	return removed, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
