// Package storage defines the Store abstraction every delayed queue lives in.
//
// A queue is a sorted set: members are serialized event payloads, each with an
// integer score (fire time in UTC milliseconds). The broker and the transports
// only ever talk to storage through this interface, so the Redis, bbolt and
// in-memory backends are interchangeable.
package storage

import (
	"context"
	"errors"
	"math"
)

// ErrUnavailable wraps every backend failure (network, I/O, closed store).
var ErrUnavailable = errors.New("storage: unavailable")

const (
	// MinScore stands for -inf in RangeByScore.
	MinScore int64 = math.MinInt64
	// MaxScore stands for +inf in RangeByScore.
	MaxScore int64 = math.MaxInt64
)

// Member is one payload together with the score it is stored under.
type Member struct {
	Payload []byte
	Score   int64
}

// Store is a set of named sorted sets keyed by exact payload bytes.
//
// All methods must be safe for concurrent use, and every mutation must be
// visible to every other caller as soon as the call returns.
type Store interface {
	// Insert adds payload to queue with the given score (ZADD). Inserting a
	// byte-identical payload again is a no-op apart from updating its score.
	Insert(ctx context.Context, queue string, payload []byte, score int64) error

	// RangeByScore returns every payload with min <= score <= max, ordered by
	// score ascending (ZRANGEBYSCORE). Equal scores are ordered by payload.
	RangeByScore(ctx context.Context, queue string, min, max int64) ([][]byte, error)

	// RemoveExact removes the payload that is byte-identical to payload
	// (ZREM). Removing an absent payload is not an error.
	RemoveExact(ctx context.Context, queue string, payload []byte) error

	// Close releases connections and file handles.
	Close() error
}

// Replacer is implemented by stores that can remove every payload matched by
// a Selector and insert a new set of members as one atomic step.
type Replacer interface {
	Replace(ctx context.Context, queue string, sel Selector, members []Member) (removed int, err error)
}
