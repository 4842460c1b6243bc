package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snehjoshi/remindq/internal/broker"
	"github.com/snehjoshi/remindq/internal/clock"
	"github.com/snehjoshi/remindq/internal/config"
	"github.com/snehjoshi/remindq/internal/metrics"
	"github.com/snehjoshi/remindq/internal/node"
	"github.com/snehjoshi/remindq/internal/storage/memory"
	transphttp "github.com/snehjoshi/remindq/internal/transport/http"
	"github.com/snehjoshi/remindq/pkg/client"
)

// ─── test server helpers ──────────────────────────────────────────────────────

var testNow = time.Date(2025, 10, 15, 8, 0, 0, 0, time.UTC)

// newTestEnv spins up a real remindq stack (broker + HTTP) backed by
// httptest.Server and an in-memory store.
func newTestEnv(t *testing.T) (*client.Client, *memory.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	cfg.WebSocket.PollInterval = config.Duration(20 * time.Millisecond)

	store := memory.New()
	b := broker.New(store,
		broker.WithClock(clock.Fixed(testNow)),
		broker.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	inst, err := node.New(t.TempDir(), "auto")
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}

	srv := transphttp.New(b, inst, cfg, metrics.New())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return client.New(ts.URL), store
}

func ctx() context.Context { return context.Background() }

// ─── Deadline reminders ───────────────────────────────────────────────────────

func TestRegisterDeadlineReminder_RoundTrip(t *testing.T) {
	c, _ := newTestEnv(t)
	due := time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC)

	err := c.RegisterDeadlineReminder(ctx(), client.DeadlineReminder{
		TaskID:       "42",
		UserID:       "7",
		Deadline:     due,
		Username:     "alice",
		ReminderDays: []int{1, 3},
	})
	if err != nil {
		t.Fatalf("RegisterDeadlineReminder: %v", err)
	}

	entries, err := c.Entries(ctx(), "deadline_reminders", client.EntryQuery{ResourceID: "42"})
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Ascending fire time: the 3-day reminder comes first.
	if entries[0].OffsetDays != 3 || entries[1].OffsetDays != 1 {
		t.Errorf("offsets = %d,%d, want 3,1", entries[0].OffsetDays, entries[1].OffsetDays)
	}
	if !entries[1].FireTime().Equal(due.Add(-24 * time.Hour)) {
		t.Errorf("fire time = %v", entries[1].FireTime())
	}
	if entries[0].DisplayName != "alice" || entries[0].Kind != "deadline_reminder" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestRegisterDeadlineReminder_DefaultsThenCancel(t *testing.T) {
	c, store := newTestEnv(t)
	due := time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC)

	if err := c.RegisterDeadlineReminder(ctx(), client.DeadlineReminder{TaskID: "t1", UserID: "u1", Deadline: due}); err != nil {
		t.Fatalf("RegisterDeadlineReminder: %v", err)
	}
	if n := store.Len("deadline_reminders"); n != 3 {
		t.Fatalf("stored %d, want 3 default reminders", n)
	}

	if err := c.CancelDeadlineReminders(ctx(), "t1", "u1"); err != nil {
		t.Fatalf("CancelDeadlineReminders: %v", err)
	}
	if n := store.Len("deadline_reminders"); n != 0 {
		t.Fatalf("stored %d after cancel, want 0", n)
	}
}

func TestRegisterDeadlineReminder_BadOffset(t *testing.T) {
	c, _ := newTestEnv(t)
	err := c.RegisterDeadlineReminder(ctx(), client.DeadlineReminder{
		TaskID: "t1", UserID: "u1", Deadline: testNow, ReminderDays: []int{-1},
	})
	if !client.IsBadRequest(err) {
		t.Fatalf("expected 400, got %v", err)
	}
	var ae *client.APIError
	if !errors.As(err, &ae) || ae.Message == "" {
		t.Errorf("APIError = %+v", ae)
	}
}

// ─── Added notifications ──────────────────────────────────────────────────────

func TestNotifyAdded(t *testing.T) {
	c, _ := newTestEnv(t)
	err := c.NotifyAdded(ctx(), client.AddedNotification{
		ResourceType:        "project",
		ResourceID:          "p1",
		ResourceName:        "Apollo",
		ResourceDescription: "Moonshot",
		CollaboratorIDs:     []string{"u1", "u2"},
		AddedBy:             "alice",
	})
	if err != nil {
		t.Fatalf("NotifyAdded: %v", err)
	}

	entries, err := c.Entries(ctx(), "added", client.EntryQuery{UserID: "u2"})
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].ResourceName != "Apollo" || entries[0].FireAt != testNow.UnixMilli() {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestNotifyAdded_MissingName(t *testing.T) {
	c, _ := newTestEnv(t)
	err := c.NotifyAdded(ctx(), client.AddedNotification{
		ResourceType: "project", ResourceID: "p1", ResourceDescription: "d", AddedBy: "a",
	})
	if !client.IsBadRequest(err) {
		t.Fatalf("expected 400, got %v", err)
	}
}

// ─── Views ────────────────────────────────────────────────────────────────────

func TestEntries_UnknownQueue(t *testing.T) {
	c, _ := newTestEnv(t)
	if _, err := c.Entries(ctx(), "payments", client.EntryQuery{}); !client.IsBadRequest(err) {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestEntries_TimeWindow(t *testing.T) {
	c, _ := newTestEnv(t)
	due := time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC)
	if err := c.RegisterDeadlineReminder(ctx(), client.DeadlineReminder{TaskID: "t1", UserID: "u1", Deadline: due}); err != nil {
		t.Fatalf("RegisterDeadlineReminder: %v", err)
	}

	lo := due.Add(-4 * 24 * time.Hour)
	entries, err := c.Entries(ctx(), "deadline_reminders", client.EntryQuery{Min: &lo})
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want the 3-day and 1-day reminders", len(entries))
	}
}

func TestWatchDue(t *testing.T) {
	c, _ := newTestEnv(t)
	// Deadline tomorrow: the 1-day reminder is due now, the 3-day one is
	// overdue and equally due.
	due := testNow.Add(24 * time.Hour)
	if err := c.RegisterDeadlineReminder(ctx(), client.DeadlineReminder{
		TaskID: "t1", UserID: "u1", Deadline: due, ReminderDays: []int{1, 3},
	}); err != nil {
		t.Fatalf("RegisterDeadlineReminder: %v", err)
	}

	wctx, cancel := context.WithTimeout(ctx(), 5*time.Second)
	defer cancel()

	stop := errors.New("stop")
	var frames []client.DueFrame
	err := c.WatchDue(wctx, "deadline_reminders", func(f client.DueFrame) error {
		frames = append(frames, f)
		if len(frames) == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("WatchDue: %v", err)
	}
	for _, f := range frames {
		if f.Type != "due" || len(f.Entries) != 2 || f.Now != testNow.UnixMilli() {
			t.Errorf("frame = %+v", f)
		}
	}
}

func TestWatchDue_UnknownQueue(t *testing.T) {
	c, _ := newTestEnv(t)
	err := c.WatchDue(ctx(), "payments", func(client.DueFrame) error { return nil })
	if !client.IsBadRequest(err) {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestWatchDue_CancelReturnsNil(t *testing.T) {
	c, _ := newTestEnv(t)
	wctx, cancel := context.WithCancel(ctx())

	err := c.WatchDue(wctx, "added", func(client.DueFrame) error {
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("WatchDue after cancel: %v", err)
	}
}

// ─── Observability ────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	c, _ := newTestEnv(t)
	info, err := c.Health(ctx())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if info.Status != "ok" || info.Service != "remindq" || info.Store != "memory" {
		t.Errorf("health = %+v", info)
	}
	if info.InstanceID == "" {
		t.Error("expected an instance id")
	}
	if info.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}
}

func TestAPIError_Fallbacks(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := client.New(ts.URL).Health(ctx())
	if !client.IsRateLimited(err) {
		t.Fatalf("expected 429, got %v", err)
	}
	var ae *client.APIError
	if errors.As(err, &ae) && ae.Message != http.StatusText(http.StatusTooManyRequests) {
		t.Errorf("message = %q", ae.Message)
	}
}

func TestRequestIDHeader(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Request-Id")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer ts.Close()

	if _, err := client.New(ts.URL, client.WithRequestID("job-17")).Health(ctx()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if got != "job-17" {
		t.Errorf("X-Request-Id = %q", got)
	}
}
