package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/snehjoshi/remindq/internal/types"
)

// AddedRequest describes one "you were added to a resource" notification.
type AddedRequest struct {
	ResourceType        string
	ResourceID          string
	ResourceName        string
	ResourceDescription string
	RecipientIDs        []string
	AddedBy             string
}

// PublishAdded stores an AddedEvent in the added queue scored at the current
// time, so it is due immediately. There is no deduplication: publishing the
// same request twice yields two entries unless the clock has not moved.
//
// A store failure is returned wrapped in storage.ErrUnavailable.
func (b *Broker) PublishAdded(ctx context.Context, req AddedRequest) (types.AddedEvent, error) {
	if strings.TrimSpace(req.ResourceType) == "" || strings.TrimSpace(req.ResourceID) == "" {
		return types.AddedEvent{}, fmt.Errorf("%w: resource type and id are required", ErrInvalidRequest)
	}

	now := b.clock.Now().UnixMilli()
	ev := types.NewAddedEvent(req.ResourceType, req.ResourceID, req.ResourceName,
		req.ResourceDescription, req.RecipientIDs, req.AddedBy, now)

	payload, err := types.Encode(ev)
	if err != nil {
		return types.AddedEvent{}, fmt.Errorf("broker: encode added event: %w", err)
	}

	queue := b.queues.Added
	if err := b.insert(ctx, queue, payload, now); err != nil {
		b.log.Error("added notification not stored",
			"queue", queue,
			"resource_type", req.ResourceType,
			"resource_id", req.ResourceID,
			"recipients", len(ev.RecipientIDs),
			"err", err,
		)
		return types.AddedEvent{}, fmt.Errorf("broker: publish added: %w", err)
	}
	b.metrics.Published(queue)

	b.log.Info("added notification published",
		"queue", queue,
		"resource_type", req.ResourceType,
		"resource_id", req.ResourceID,
		"recipients", len(ev.RecipientIDs),
		"fire_at", now,
	)
	return ev, nil
}
