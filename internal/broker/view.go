package broker

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/snehjoshi/remindq/internal/storage"
	"github.com/snehjoshi/remindq/internal/types"
)

// Filter narrows an Entries view. Empty fields match everything.
type Filter struct {
	ResourceID string
	// UserID matches a reminder's user or any recipient of an added event.
	UserID string
}

func (f Filter) match(ev types.Event) bool {
	switch e := ev.(type) {
	case types.ReminderEvent:
		return (f.ResourceID == "" || e.ResourceID == f.ResourceID) &&
			(f.UserID == "" || e.UserID == f.UserID)
	case types.AddedEvent:
		return (f.ResourceID == "" || e.ResourceID == f.ResourceID) &&
			(f.UserID == "" || slices.Contains(e.RecipientIDs, f.UserID))
	default:
		return false
	}
}

// Due returns every entry in queue whose fire time is at or before now, in
// fire-time order. This is exactly the set a delivery worker would pick up
// with ZRANGEBYSCORE queue -inf now. Due never removes anything.
func (b *Broker) Due(ctx context.Context, queue string, now time.Time) ([]types.Event, error) {
	return b.Entries(ctx, queue, storage.MinScore, now.UnixMilli(), Filter{})
}

// Entries returns the decoded entries of queue with min <= fireAt <= max that
// match f. Malformed entries are logged, counted and skipped.
func (b *Broker) Entries(ctx context.Context, queue string, min, max int64, f Filter) ([]types.Event, error) {
	if !b.KnownQueue(queue) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}

	payloads, err := b.rangeByScore(ctx, queue, min, max)
	if err != nil {
		return nil, fmt.Errorf("broker: entries %s: %w", queue, err)
	}

	events := make([]types.Event, 0, len(payloads))
	malformed := 0
	for _, p := range payloads {
		ev, err := types.Decode(p)
		if err != nil {
			malformed++
			b.log.Warn("skipping malformed entry", "queue", queue, "err", err)
			continue
		}
		if f.match(ev) {
			events = append(events, ev)
		}
	}
	b.metrics.Malformed(queue, malformed)
	return events, nil
}
