package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/snehjoshi/remindq/internal/clock"
	"github.com/snehjoshi/remindq/internal/storage"
	"github.com/snehjoshi/remindq/internal/types"
)

// ReminderRequest asks for the full set of reminders for one (resource, user)
// pair to be replaced.
type ReminderRequest struct {
	// ResourceType defaults to types.ResourceTask.
	ResourceType string
	ResourceID   string
	UserID       string
	Deadline     string
	DisplayName  string
	// OffsetDays nil means "use the defaults". An empty, non-nil slice
	// cancels every reminder for the pair.
	OffsetDays []int
}

// RegisterResult reports what one RegisterReminders call did. Failures inside
// it are operational: they are logged and counted, never returned.
type RegisterResult struct {
	Matched       int  `json:"matched"`
	Removed       int  `json:"removed"`
	RemoveFailed  int  `json:"removeFailed"`
	Malformed     int  `json:"malformed"`
	Inserted      int  `json:"inserted"`
	InsertFailed  int  `json:"insertFailed"`
	ScanFailed    bool `json:"scanFailed"`
	Atomic        bool `json:"atomic"`
	ReplaceFailed bool `json:"replaceFailed"` // atomic mode: nothing removed or inserted
}

// Partial reports whether any store call failed.
func (r RegisterResult) Partial() bool {
	return r.ScanFailed || r.ReplaceFailed || r.RemoveFailed > 0 || r.InsertFailed > 0
}

// plannedReminder is one entry the insert phase will write.
type plannedReminder struct {
	event   types.ReminderEvent
	payload []byte
}

// RegisterReminders replaces every reminder stored for (ResourceID, UserID)
// with one reminder per offset, fired offset days before the deadline.
//
// Validation errors (ErrInvalidRequest, clock.ErrInvalidDeadline,
// clock.ErrInvalidOffset) are returned before any store call. Once validation
// passes the error is always nil; see RegisterResult for partial failures.
func (b *Broker) RegisterReminders(ctx context.Context, req ReminderRequest) (RegisterResult, error) {
	var res RegisterResult

	plan, err := b.planReminders(req)
	if err != nil {
		return res, err
	}
	b.metrics.ReminderRegistered()

	queue := b.queues.Reminders
	log := b.log.With("queue", queue, "resource_id", req.ResourceID, "user_id", req.UserID)

	if r, ok := b.store.(storage.Replacer); ok && b.atomic {
		b.replaceAtomically(ctx, r, log, req, plan, &res)
	} else {
		b.removeExisting(ctx, log, req, &res)
		b.insertPlanned(ctx, log, plan, &res)
	}

	b.metrics.ReminderEntriesRemoved(res.Removed)
	b.metrics.ReminderEntriesInserted(queue, res.Inserted)

	log.Info("reminders registered",
		"offsets", len(plan),
		"matched", res.Matched,
		"removed", res.Removed,
		"inserted", res.Inserted,
		"atomic", res.Atomic,
		"partial", res.Partial(),
	)
	return res, nil
}

// planReminders validates req and encodes every entry the call will insert.
func (b *Broker) planReminders(req ReminderRequest) ([]plannedReminder, error) {
	if strings.TrimSpace(req.ResourceID) == "" {
		return nil, fmt.Errorf("%w: resource id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	deadline, err := clock.ParseDeadline(req.Deadline)
	if err != nil {
		return nil, err
	}

	offsets := req.OffsetDays
	if offsets == nil {
		offsets = b.defaultOffsets
	}
	resourceType := req.ResourceType
	if resourceType == "" {
		resourceType = types.ResourceTask
	}

	seen := make(map[int]struct{}, len(offsets))
	plan := make([]plannedReminder, 0, len(offsets))
	for _, days := range offsets {
		fireAt, err := clock.FireAt(deadline, days)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[days]; dup {
			continue
		}
		seen[days] = struct{}{}

		ev := types.NewReminderEvent(resourceType, req.ResourceID, req.UserID, req.DisplayName, days, fireAt)
		payload, err := types.Encode(ev)
		if err != nil {
			return nil, fmt.Errorf("broker: encode reminder: %w", err)
		}
		plan = append(plan, plannedReminder{event: ev, payload: payload})
	}
	return plan, nil
}

// removeExisting scans the whole reminders queue and removes, one by one,
// every entry whose identity fields select the pair. Matching goes through
// reminderSelector, as in atomic mode, so an entry with the right identity is
// removed even when the rest of it no longer decodes.
func (b *Broker) removeExisting(ctx context.Context, log *slog.Logger, req ReminderRequest, res *RegisterResult) {
	queue := b.queues.Reminders

	payloads, err := b.rangeByScore(ctx, queue, storage.MinScore, storage.MaxScore)
	if err != nil {
		res.ScanFailed = true
		log.Warn("reminder scan failed, inserting without cleanup", "err", err)
		return
	}

	sel := reminderSelector(req)
	for _, p := range payloads {
		var dedupeKey string
		if ev, err := types.Decode(p); err != nil {
			res.Malformed++
			log.Warn("malformed entry in reminders queue", "err", err)
		} else if rem, ok := ev.(types.ReminderEvent); ok {
			dedupeKey = rem.DedupeKey
		}
		if !sel.Matches(p) {
			continue
		}
		res.Matched++
		if err := b.remove(ctx, queue, p); err != nil {
			res.RemoveFailed++
			log.Warn("stale reminder not removed", "dedupe_key", dedupeKey, "err", err)
			continue
		}
		res.Removed++
	}
	b.metrics.Malformed(queue, res.Malformed)
}

// reminderSelector picks out the reminders of one (resource, user) pair by
// their kind, resourceId and userId fields alone.
func reminderSelector(req ReminderRequest) storage.Selector {
	return storage.Selector{
		Kind:       string(types.KindDeadlineReminder),
		ResourceID: req.ResourceID,
		UserID:     req.UserID,
	}
}

// insertPlanned writes each planned reminder; a failure never stops the rest.
func (b *Broker) insertPlanned(ctx context.Context, log *slog.Logger, plan []plannedReminder, res *RegisterResult) {
	for _, p := range plan {
		if err := b.insert(ctx, b.queues.Reminders, p.payload, p.event.FireAt); err != nil {
			res.InsertFailed++
			log.Warn("reminder not scheduled",
				"dedupe_key", p.event.DedupeKey,
				"offset_days", p.event.OffsetDays,
				"fire_at", p.event.FireAt,
				"err", err,
			)
			continue
		}
		res.Inserted++
	}
}

// replaceAtomically does removal and insertion as a single store transaction.
func (b *Broker) replaceAtomically(ctx context.Context, r storage.Replacer, log *slog.Logger, req ReminderRequest, plan []plannedReminder, res *RegisterResult) {
	res.Atomic = true

	members := make([]storage.Member, len(plan))
	for i, p := range plan {
		members[i] = storage.Member{Payload: p.payload, Score: p.event.FireAt}
	}
	removed, err := b.replace(ctx, r, b.queues.Reminders, reminderSelector(req), members)
	if err != nil {
		res.ReplaceFailed = true
		res.InsertFailed = len(plan)
		log.Warn("atomic reminder replace failed", "offsets", len(plan), "err", err)
		return
	}
	res.Matched = removed
	res.Removed = removed
	res.Inserted = len(plan)
}
