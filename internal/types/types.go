// Package types contains the event payloads stored in the delayed queues.
// It has zero imports of other remindq packages so that the storage layer,
// the broker and the transports can all depend on it without cycles.
//
// Stored payloads have no primary key: a queue entry's identity is its exact
// serialized bytes. Encode is therefore deterministic: the same event always
// produces byte-identical output, which is what lets the registrar remove an
// entry it previously wrote.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is returned by Decode when a stored payload is not a valid
// event. Scans log and skip such entries.
var ErrMalformed = errors.New("types: malformed stored entry")

// Kind discriminates the two event shapes.
type Kind string

const (
	// KindDeadlineReminder is a reminder scheduled relative to a deadline.
	KindDeadlineReminder Kind = "deadline_reminder"
	// KindAdded fires immediately when a collaborator is added to a resource.
	KindAdded Kind = "added"
)

// ResourceTask is the only resource type reminders are currently used for.
const ResourceTask = "task"

// Event is implemented by ReminderEvent and AddedEvent only.
type Event interface {
	// EventKind returns the discriminator written in the "kind" field.
	EventKind() Kind
	// Score returns the fire time in UTC milliseconds, which is also the
	// sort key the event is stored under.
	Score() int64

	sealed()
}

// ReminderEvent is one reminder for a (resource, user, offset) triple.
// Field order is part of the wire format; do not reorder.
type ReminderEvent struct {
	Kind         Kind   `json:"kind"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	UserID       string `json:"userId"`
	// DisplayName is carried for rendering only, never for identity.
	DisplayName string `json:"displayName"`
	OffsetDays  int    `json:"offsetDays"`
	FireAt      int64  `json:"fireAt"`
	DedupeKey   string `json:"dedupeKey"`
}

// NewReminderEvent builds a ReminderEvent with its kind and dedupe key filled.
func NewReminderEvent(resourceType, resourceID, userID, displayName string, offsetDays int, fireAt int64) ReminderEvent {
	return ReminderEvent{
		Kind:         KindDeadlineReminder,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		UserID:       userID,
		DisplayName:  displayName,
		OffsetDays:   offsetDays,
		FireAt:       fireAt,
		DedupeKey:    DedupeKey(resourceID, userID, offsetDays),
	}
}

func (e ReminderEvent) EventKind() Kind { return KindDeadlineReminder }
func (e ReminderEvent) Score() int64    { return e.FireAt }
func (ReminderEvent) sealed()           {}

// Belongs reports whether the reminder was registered for resourceID/userID.
func (e ReminderEvent) Belongs(resourceID, userID string) bool {
	return e.ResourceID == resourceID && e.UserID == userID
}

// AddedEvent notifies recipients that they were added to a resource.
// Field order is part of the wire format; do not reorder.
type AddedEvent struct {
	Kind                Kind     `json:"kind"`
	ResourceType        string   `json:"resourceType"`
	ResourceID          string   `json:"resourceId"`
	ResourceName        string   `json:"resourceName"`
	ResourceDescription string   `json:"resourceDescription"`
	RecipientIDs        []string `json:"recipientIds"`
	AddedBy             string   `json:"addedBy"`
	FireAt              int64    `json:"fireAt"`
}

// NewAddedEvent builds an AddedEvent. A nil recipients slice is stored as an
// empty array.
func NewAddedEvent(resourceType, resourceID, name, description string, recipients []string, addedBy string, fireAt int64) AddedEvent {
	ids := make([]string, len(recipients))
	copy(ids, recipients)
	return AddedEvent{
		Kind:                KindAdded,
		ResourceType:        resourceType,
		ResourceID:          resourceID,
		ResourceName:        name,
		ResourceDescription: description,
		RecipientIDs:        ids,
		AddedBy:             addedBy,
		FireAt:              fireAt,
	}
}

func (e AddedEvent) EventKind() Kind { return KindAdded }
func (e AddedEvent) Score() int64    { return e.FireAt }
func (AddedEvent) sealed()           {}

// DedupeKey returns "resourceId:userId:offsetDays". It is used for log
// correlation only.
func DedupeKey(resourceID, userID string, offsetDays int) string {
	return resourceID + ":" + userID + ":" + strconv.Itoa(offsetDays)
}

// Encode serializes e into its canonical stored form.
func Encode(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case ReminderEvent:
		ev.Kind = KindDeadlineReminder
		return json.Marshal(ev)
	case *ReminderEvent:
		return Encode(*ev)
	case AddedEvent:
		ev.Kind = KindAdded
		if ev.RecipientIDs == nil {
			ev.RecipientIDs = []string{}
		}
		return json.Marshal(ev)
	case *AddedEvent:
		return Encode(*ev)
	default:
		return nil, fmt.Errorf("types: cannot encode %T", e)
	}
}

// Decode parses a stored payload. It returns ErrMalformed (wrapped) if the
// payload is not JSON or carries an unknown kind.
func Decode(payload []byte) (Event, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch head.Kind {
	case KindDeadlineReminder:
		var ev ReminderEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return ev, nil
	case KindAdded:
		var ev AddedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ev.RecipientIDs == nil {
			ev.RecipientIDs = []string{}
		}
		return ev, nil
	case "":
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, head.Kind)
	}
}
