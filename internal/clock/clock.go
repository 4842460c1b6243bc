// Package clock converts task deadlines and "remind me N days before" offsets
// into absolute fire times. Fire times are UTC milliseconds since the Unix
// epoch; they double as the score entries are stored under.
package clock

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// DayMillis is the length of one offset day in milliseconds. Offsets are
// fixed 24h spans, not calendar days.
const DayMillis int64 = 86_400_000

// MaxOffsetDays caps how far before a deadline a reminder may fire.
const MaxOffsetDays = 36_500

var (
	// ErrInvalidDeadline is returned when a deadline is missing or does not
	// parse to a finite instant.
	ErrInvalidDeadline = errors.New("clock: invalid deadline")

	// ErrInvalidOffset is returned for offsets outside 1..MaxOffsetDays.
	ErrInvalidOffset = errors.New("clock: offset days out of range")
)

// deadlineLayouts are tried in order. Zone-less layouts are read as UTC.
var deadlineLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// Clock supplies the current time. System is used outside tests.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed always returns the same instant.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }

// ParseDeadline parses s into an instant.
func ParseDeadline(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidDeadline)
	}
	for _, layout := range deadlineLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDeadline, s)
}

// FireAt returns deadline - offsetDays days, in UTC milliseconds.
func FireAt(deadline time.Time, offsetDays int) (int64, error) {
	if offsetDays <= 0 || offsetDays > MaxOffsetDays {
		return 0, fmt.Errorf("%w: got %d, want 1..%d", ErrInvalidOffset, offsetDays, MaxOffsetDays)
	}
	ms := deadline.UnixMilli()
	span := int64(offsetDays) * DayMillis
	if ms < math.MinInt64+span {
		return 0, fmt.Errorf("%w: %d days before %d overflows", ErrInvalidOffset, offsetDays, ms)
	}
	return ms - span, nil
}

// ComputeFireAt parses deadline and applies FireAt.
func ComputeFireAt(deadline string, offsetDays int) (int64, error) {
	t, err := ParseDeadline(deadline)
	if err != nil {
		return 0, err
	}
	return FireAt(t, offsetDays)
}
