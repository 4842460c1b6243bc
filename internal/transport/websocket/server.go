// Package websocket streams a read-only view of due entries.
//
// Clients open a WebSocket connection to:
//
//	GET /queues/{name}/ws
//
// Every poll interval the server sends the entries of that queue whose fire
// time is at or before now, exactly what a delivery worker would pick up.
// Nothing is removed: this is for operators and worker debugging.
//
// Server → client frame:
//
//	{"type":"due","queue":"deadline_reminders","now":1760868000000,"entries":[...],"truncated":false}
//	{"type":"error","queue":"deadline_reminders","now":1760868000000,"error":"..."}
//
// Anything the client sends is ignored.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/remindq/internal/broker"
	"github.com/snehjoshi/remindq/internal/types"
)

const (
	defaultPollInterval = time.Second
	defaultMaxEntries   = 100
	writeWait           = 5 * time.Second
)

var upgrader = gorillaws.Upgrader{
	// Same-origin only for browsers; requests without an Origin header
	// (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the due feed for the queue named by r.PathValue("name").
type Handler struct {
	Broker *broker.Broker
	// PollInterval defaults to one second.
	PollInterval time.Duration
	// MaxEntries caps the entries per frame; defaults to 100.
	MaxEntries int
}

// Frame is the JSON structure the server sends to the client.
type Frame struct {
	Type      string        `json:"type"` // "due" | "error"
	Queue     string        `json:"queue"`
	Now       int64         `json:"now"`
	Entries   []types.Event `json:"entries"`
	Truncated bool          `json:"truncated,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.Broker.KnownQueue(name) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown queue " + name})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "queue", name, "err", err)
		return
	}
	defer conn.Close()
	// Clear any deadline left over from the server's ReadTimeout.
	_ = conn.SetReadDeadline(time.Time{})

	// Drain client frames so pings and close frames are processed; the
	// channel closes when the client goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := h.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := h.push(conn, r, name); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

// push writes one snapshot frame.
func (h *Handler) push(conn *gorillaws.Conn, r *http.Request, queue string) error {
	now := h.Broker.Now()
	frame := Frame{Type: "due", Queue: queue, Now: now.UnixMilli()}

	due, err := h.Broker.Due(r.Context(), queue, now)
	if err != nil {
		slog.Warn("ws due view failed", "queue", queue, "err", err)
		frame.Type = "error"
		frame.Error = err.Error()
	} else {
		limit := h.MaxEntries
		if limit <= 0 {
			limit = defaultMaxEntries
		}
		if len(due) > limit {
			due = due[:limit]
			frame.Truncated = true
		}
		frame.Entries = due
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(gorillaws.TextMessage, data)
}
