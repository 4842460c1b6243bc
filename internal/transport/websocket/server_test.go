package websocket_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/remindq/internal/broker"
	"github.com/snehjoshi/remindq/internal/clock"
	"github.com/snehjoshi/remindq/internal/storage/memory"
	transportws "github.com/snehjoshi/remindq/internal/transport/websocket"
)

type frame struct {
	Type      string            `json:"type"`
	Queue     string            `json:"queue"`
	Now       int64             `json:"now"`
	Entries   []json.RawMessage `json:"entries"`
	Truncated bool              `json:"truncated"`
	Error     string            `json:"error"`
}

var now = time.Date(2025, 10, 19, 12, 0, 0, 0, time.UTC)

func newFeed(t *testing.T, maxEntries int) (*broker.Broker, *httptest.Server) {
	t.Helper()
	b := broker.New(memory.New(),
		broker.WithClock(clock.Fixed(now)),
		broker.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	mux := http.NewServeMux()
	mux.Handle("GET /queues/{name}/ws", &transportws.Handler{
		Broker:       b,
		PollInterval: 20 * time.Millisecond,
		MaxEntries:   maxEntries,
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func dial(t *testing.T, srv *httptest.Server, queue string) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/queues/" + queue + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gorillaws.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestFeed_PushesDueEntries(t *testing.T) {
	b, srv := newFeed(t, 0)
	_, err := b.RegisterReminders(t.Context(), broker.ReminderRequest{
		ResourceID: "t1",
		UserID:     "u1",
		Deadline:   "2025-10-20T10:00:00Z",
		OffsetDays: []int{1, 3},
	})
	if err != nil {
		t.Fatalf("RegisterReminders: %v", err)
	}

	conn := dial(t, srv, "deadline_reminders")
	f := readFrame(t, conn)
	if f.Type != "due" || f.Queue != "deadline_reminders" || f.Now != now.UnixMilli() {
		t.Fatalf("frame = %+v", f)
	}
	// Both reminders fire before 2025-10-19T12:00Z.
	if len(f.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(f.Entries))
	}
	var first struct {
		Kind       string `json:"kind"`
		OffsetDays int    `json:"offsetDays"`
	}
	if err := json.Unmarshal(f.Entries[0], &first); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if first.Kind != "deadline_reminder" || first.OffsetDays != 3 {
		t.Errorf("first entry = %+v, want the 3-day reminder", first)
	}

	// Frames keep coming, and the feed never removes anything.
	readFrame(t, conn)
	due, _ := b.Due(t.Context(), "deadline_reminders", now)
	if len(due) != 2 {
		t.Errorf("feed removed entries: %d left", len(due))
	}
}

func TestFeed_EmptyQueueSendsEmptyList(t *testing.T) {
	_, srv := newFeed(t, 0)
	f := readFrame(t, dial(t, srv, "added"))
	if f.Type != "due" || f.Entries == nil || len(f.Entries) != 0 {
		t.Errorf("frame = %+v, want due with []", f)
	}
}

func TestFeed_Truncates(t *testing.T) {
	b, srv := newFeed(t, 2)
	for _, id := range []string{"p1", "p2", "p3"} {
		if _, err := b.PublishAdded(t.Context(), broker.AddedRequest{ResourceType: "project", ResourceID: id}); err != nil {
			t.Fatalf("PublishAdded: %v", err)
		}
	}
	f := readFrame(t, dial(t, srv, "added"))
	if len(f.Entries) != 2 || !f.Truncated {
		t.Errorf("entries = %d truncated = %v, want 2 and true", len(f.Entries), f.Truncated)
	}
}

func TestFeed_UnknownQueue(t *testing.T) {
	_, srv := newFeed(t, 0)
	resp, err := http.Get(srv.URL + "/queues/payments/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestFeed_RejectsCrossOrigin(t *testing.T) {
	_, srv := newFeed(t, 0)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/queues/added/ws"
	_, resp, err := gorillaws.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected cross-origin upgrade to fail")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}
