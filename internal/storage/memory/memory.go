// Package memory is a process-local storage.Store. Every queue is a sorted
// slice plus a member map, guarded by one mutex. It is used in tests and for
// running remindq without Redis; it is not shared across processes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/snehjoshi/remindq/internal/storage"
)

type entry struct {
	payload string
	score   int64
}

func less(a, b entry) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.payload < b.payload
}

type zset struct {
	scores map[string]int64
	sorted []entry
}

func newZSet() *zset { return &zset{scores: make(map[string]int64)} }

func (z *zset) add(payload string, score int64) {
	if old, ok := z.scores[payload]; ok {
		if old == score {
			return
		}
		z.remove(payload)
	}
	e := entry{payload: payload, score: score}
	i := sort.Search(len(z.sorted), func(i int) bool { return !less(z.sorted[i], e) })
	z.sorted = append(z.sorted, entry{})
	copy(z.sorted[i+1:], z.sorted[i:])
	z.sorted[i] = e
	z.scores[payload] = score
}

func (z *zset) remove(payload string) bool {
	score, ok := z.scores[payload]
	if !ok {
		return false
	}
	e := entry{payload: payload, score: score}
	i := sort.Search(len(z.sorted), func(i int) bool { return !less(z.sorted[i], e) })
	z.sorted = append(z.sorted[:i], z.sorted[i+1:]...)
	delete(z.scores, payload)
	return true
}

func (z *zset) rangeByScore(min, max int64) [][]byte {
	i := sort.Search(len(z.sorted), func(i int) bool { return z.sorted[i].score >= min })
	var out [][]byte
	for ; i < len(z.sorted) && z.sorted[i].score <= max; i++ {
		out = append(out, []byte(z.sorted[i].payload))
	}
	return out
}

// Store is an in-memory storage.Store and storage.Replacer.
type Store struct {
	mu     sync.RWMutex
	queues map[string]*zset
	closed bool
}

var (
	_ storage.Store    = (*Store)(nil)
	_ storage.Replacer = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{queues: make(map[string]*zset)}
}

func (s *Store) queue(name string) *zset {
	z, ok := s.queues[name]
	if !ok {
		z = newZSet()
		s.queues[name] = z
	}
	return z
}

func (s *Store) Insert(_ context.Context, queue string, payload []byte, score int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: memory store closed", storage.ErrUnavailable)
	}
	s.queue(queue).add(string(payload), score)
	return nil
}

func (s *Store) RangeByScore(_ context.Context, queue string, min, max int64) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("%w: memory store closed", storage.ErrUnavailable)
	}
	z, ok := s.queues[queue]
	if !ok {
		return nil, nil
	}
	return z.rangeByScore(min, max), nil
}

func (s *Store) RemoveExact(_ context.Context, queue string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: memory store closed", storage.ErrUnavailable)
	}
	if z, ok := s.queues[queue]; ok {
		z.remove(string(payload))
	}
	return nil
}

// Replace removes the selector's matches and inserts members under one lock.
func (s *Store) Replace(_ context.Context, queue string, sel storage.Selector, members []storage.Member) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("%w: memory store closed", storage.ErrUnavailable)
	}
	z := s.queue(queue)

	var doomed []string
	for _, e := range z.sorted {
		if sel.Matches([]byte(e.payload)) {
			doomed = append(doomed, e.payload)
		}
	}
	for _, p := range doomed {
		z.remove(p)
	}
	for _, m := range members {
		z.add(string(m.Payload), m.Score)
	}
	return len(doomed), nil
}

// Len returns the number of members in queue.
func (s *Store) Len(queue string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if z, ok := s.queues[queue]; ok {
		return len(z.sorted)
	}
	return 0
}

// Contains reports whether payload is a member of queue.
func (s *Store) Contains(queue string, payload []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.queues[queue]
	if !ok {
		return false
	}
	_, ok = z.scores[string(payload)]
	return ok
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
