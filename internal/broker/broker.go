// Package broker is the producer side of remindq.
//
// All application code (HTTP handlers, WebSocket feed, CLI) talks to the
// Broker, never directly to the storage layer. The broker owns the two write
// paths and one read path:
//
//	RegisterReminders → scan/remove/insert on the reminders queue
//	PublishAdded      → single insert on the added queue, score = now
//	Due / Entries     → read-only decoded views for operators and workers
//
// Nothing here removes due entries: delivery is an external worker's job.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/snehjoshi/remindq/internal/clock"
	"github.com/snehjoshi/remindq/internal/metrics"
	"github.com/snehjoshi/remindq/internal/storage"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrInvalidRequest is returned when a required identifier is missing.
	ErrInvalidRequest = errors.New("broker: invalid request")

	// ErrUnknownQueue is returned by the views for a queue name the broker
	// does not write to.
	ErrUnknownQueue = errors.New("broker: unknown queue")
)

// DefaultOpTimeout bounds a single store call when no WithOpTimeout is given.
const DefaultOpTimeout = 2 * time.Second

// Queues names the two sorted sets the broker writes to.
type Queues struct {
	Reminders string
	Added     string
}

// DefaultQueues returns the queue names the delivery worker expects.
func DefaultQueues() Queues {
	return Queues{Reminders: "deadline_reminders", Added: "added"}
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry so registrations, inserts, removals
// and store failures are counted.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithLogger replaces slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithQueues overrides the queue names. Empty fields keep their default.
func WithQueues(q Queues) Option {
	return func(b *Broker) {
		if q.Reminders != "" {
			b.queues.Reminders = q.Reminders
		}
		if q.Added != "" {
			b.queues.Added = q.Added
		}
	}
}

// WithDefaultOffsets sets the offsets used when a request carries none.
func WithDefaultOffsets(days []int) Option {
	return func(b *Broker) { b.defaultOffsets = slices.Clone(days) }
}

// WithAtomicReplace makes RegisterReminders use storage.Replacer when the
// store implements it.
func WithAtomicReplace(on bool) Option {
	return func(b *Broker) { b.atomic = on }
}

// WithOpTimeout bounds every individual store call.
func WithOpTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.opTimeout = d
		}
	}
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wraps a storage.Store with the reminder and notification semantics.
// It holds no per-request state; all methods are safe for concurrent use.
type Broker struct {
	store  storage.Store
	clock  clock.Clock
	log    *slog.Logger
	queues Queues

	defaultOffsets []int
	atomic         bool
	opTimeout      time.Duration

	metrics *metrics.Registry
}

// New creates a Broker over store. The store is owned by the caller.
func New(store storage.Store, opts ...Option) *Broker {
	b := &Broker{
		store:          store,
		clock:          clock.System{},
		log:            slog.Default(),
		queues:         DefaultQueues(),
		defaultOffsets: []int{1, 3, 7},
		opTimeout:      DefaultOpTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Queues returns the configured queue names.
func (b *Broker) Queues() Queues { return b.queues }

// DefaultOffsets returns a copy of the offsets used for requests without any.
func (b *Broker) DefaultOffsets() []int { return slices.Clone(b.defaultOffsets) }

// Now returns the broker clock's current time.
func (b *Broker) Now() time.Time { return b.clock.Now() }

// KnownQueue reports whether name is one of the broker's queues.
func (b *Broker) KnownQueue(name string) bool {
	return name == b.queues.Reminders || name == b.queues.Added
}

// ─── store helpers ────────────────────────────────────────────────────────────

// Each helper gives its store call a fresh op timeout and counts failures.

func (b *Broker) insert(ctx context.Context, queue string, payload []byte, score int64) error {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	err := b.store.Insert(ctx, queue, payload, score)
	if err != nil {
		b.metrics.StoreError(queue, metrics.OpInsert)
		return unavailable(err)
	}
	return nil
}

func (b *Broker) rangeByScore(ctx context.Context, queue string, min, max int64) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	payloads, err := b.store.RangeByScore(ctx, queue, min, max)
	if err != nil {
		b.metrics.StoreError(queue, metrics.OpRange)
		return nil, unavailable(err)
	}
	return payloads, nil
}

func (b *Broker) remove(ctx context.Context, queue string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	err := b.store.RemoveExact(ctx, queue, payload)
	if err != nil {
		b.metrics.StoreError(queue, metrics.OpRemove)
		return unavailable(err)
	}
	return nil
}

func (b *Broker) replace(ctx context.Context, r storage.Replacer, queue string, sel storage.Selector, members []storage.Member) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	n, err := r.Replace(ctx, queue, sel, members)
	if err != nil {
		b.metrics.StoreError(queue, metrics.OpReplace)
		return 0, unavailable(err)
	}
	return n, nil
}

// unavailable makes sure err matches storage.ErrUnavailable.
func unavailable(err error) error {
	if errors.Is(err, storage.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}
