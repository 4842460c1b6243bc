// Package client is the Go SDK for the remindq producer API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Remind user 7 one, three and seven days before the task is due.
//	err := c.RegisterDeadlineReminder(ctx, client.DeadlineReminder{
//	    TaskID:   "42",
//	    UserID:   "7",
//	    Deadline: due,
//	    Username: "alice",
//	})
//
//	// Cancel every pending reminder for the pair.
//	err = c.CancelDeadlineReminders(ctx, "42", "7")
//
//	// Tell collaborators they were added to a project.
//	err = c.NotifyAdded(ctx, client.AddedNotification{...})
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use IsBadRequest or errors.As to inspect it.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the remindq server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remindq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsBadRequest reports whether the server rejected the request as invalid.
func IsBadRequest(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusBadRequest
}

// IsRateLimited reports whether the server answered 429.
func IsRateLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusTooManyRequests
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 10 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRequestID sets a fixed X-Request-Id on every request, which makes
// server logs easy to correlate with a caller's job.
func WithRequestID(id string) ClientOption {
	return func(c *Client) { c.requestID = id }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the remindq API client. It is safe for concurrent use.
type Client struct {
	baseURL   string
	requestID string
	http      *http.Client
}

// New creates a Client for the remindq server at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// DeadlineReminder describes the reminders wanted for one (task, user) pair.
type DeadlineReminder struct {
	TaskID   string
	UserID   string
	Deadline time.Time
	Username string
	// ResourceType defaults to "task" on the server.
	ResourceType string
	// ReminderDays nil means the server defaults; an empty non-nil slice
	// cancels all reminders for the pair.
	ReminderDays []int
}

// AddedNotification announces that users were added to a resource.
type AddedNotification struct {
	ResourceType        string
	ResourceID          string
	ResourceName        string
	ResourceDescription string
	CollaboratorIDs     []string
	AddedBy             string
}

// Entry is one decoded queue entry. Reminder-only and added-only fields are
// left zero for the other kind.
type Entry struct {
	Kind         string `json:"kind"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	FireAt       int64  `json:"fireAt"`

	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	OffsetDays  int    `json:"offsetDays,omitempty"`
	DedupeKey   string `json:"dedupeKey,omitempty"`

	ResourceName        string   `json:"resourceName,omitempty"`
	ResourceDescription string   `json:"resourceDescription,omitempty"`
	RecipientIDs        []string `json:"recipientIds,omitempty"`
	AddedBy             string   `json:"addedBy,omitempty"`
}

// FireTime returns FireAt as a UTC time.
func (e Entry) FireTime() time.Time { return time.UnixMilli(e.FireAt).UTC() }

// EntryQuery narrows an Entries call. Zero values mean unbounded.
type EntryQuery struct {
	Min, Max   *time.Time
	ResourceID string
	UserID     string
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status     string
	Service    string
	InstanceID string
	Store      string
	Timestamp  time.Time
	Uptime     time.Duration
}

// DueFrame is one snapshot pushed by the due feed.
type DueFrame struct {
	Type      string  `json:"type"`
	Queue     string  `json:"queue"`
	Now       int64   `json:"now"`
	Entries   []Entry `json:"entries"`
	Truncated bool    `json:"truncated,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// ─── Publish ──────────────────────────────────────────────────────────────────

// RegisterDeadlineReminder replaces the pending reminders for the task/user
// pair with one per reminder day.
func (c *Client) RegisterDeadlineReminder(ctx context.Context, r DeadlineReminder) error {
	p := deadlinePayload{
		TaskID:       r.TaskID,
		UserID:       r.UserID,
		Deadline:     r.Deadline.UTC().Format(time.RFC3339Nano),
		Username:     r.Username,
		ResourceType: r.ResourceType,
		ReminderDays: r.ReminderDays,
	}
	return c.do(ctx, http.MethodPost, "/publish/deadline-reminder", p, nil)
}

// CancelDeadlineReminders removes every pending reminder for the pair. The
// server still needs a deadline to accept the request; it is not used.
func (c *Client) CancelDeadlineReminders(ctx context.Context, taskID, userID string) error {
	p := deadlinePayload{
		TaskID:       taskID,
		UserID:       userID,
		Deadline:     time.Now().UTC().Format(time.RFC3339),
		ReminderDays: []int{},
	}
	return c.do(ctx, http.MethodPost, "/publish/deadline-reminder", p, nil)
}

// NotifyAdded enqueues one added-to-resource notification for immediate
// delivery.
func (c *Client) NotifyAdded(ctx context.Context, n AddedNotification) error {
	ids := n.CollaboratorIDs
	if ids == nil {
		ids = []string{}
	}
	p := addedPayload{
		ResourceType:        n.ResourceType,
		ResourceID:          n.ResourceID,
		CollaboratorIDs:     ids,
		ResourceName:        n.ResourceName,
		ResourceDescription: n.ResourceDescription,
		AddedBy:             n.AddedBy,
	}
	return c.do(ctx, http.MethodPost, "/publish/added-to-resource", p, nil)
}

// ─── Views ────────────────────────────────────────────────────────────────────

// Entries lists the decoded entries of queue in fire-time order.
func (c *Client) Entries(ctx context.Context, queue string, q EntryQuery) ([]Entry, error) {
	v := url.Values{}
	if q.Min != nil {
		v.Set("min", strconv.FormatInt(q.Min.UnixMilli(), 10))
	}
	if q.Max != nil {
		v.Set("max", strconv.FormatInt(q.Max.UnixMilli(), 10))
	}
	if q.ResourceID != "" {
		v.Set("resourceId", q.ResourceID)
	}
	if q.UserID != "" {
		v.Set("userId", q.UserID)
	}

	path := "/queues/" + url.PathEscape(queue) + "/entries"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var resp struct {
		Entries []Entry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// WatchDue subscribes to the due feed of queue and calls fn for every frame
// until ctx is cancelled, the server closes the stream, or fn returns an
// error. A cancelled ctx returns nil.
func (c *Client) WatchDue(ctx context.Context, queue string, fn func(DueFrame) error) error {
	u, err := url.Parse(c.baseURL + "/queues/" + url.PathEscape(queue) + "/ws")
	if err != nil {
		return fmt.Errorf("remindq: build ws url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	hdr := http.Header{}
	if c.requestID != "" {
		hdr.Set("X-Request-Id", c.requestID)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeAPIError(resp)
		}
		return fmt.Errorf("remindq: dial %s: %w", u, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var f DueFrame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("remindq: read frame: %w", err)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}

// ─── Observability ────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status     string `json:"status"`
		Service    string `json:"service"`
		InstanceID string `json:"instance_id"`
		Store      string `json:"store"`
		Timestamp  string `json:"timestamp"`
		Uptime     string `json:"uptime"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	info := &HealthInfo{
		Status:     resp.Status,
		Service:    resp.Service,
		InstanceID: resp.InstanceID,
		Store:      resp.Store,
	}
	info.Timestamp, _ = time.Parse(time.RFC3339, resp.Timestamp)
	info.Uptime, _ = time.ParseDuration(resp.Uptime)
	return info, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remindq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("remindq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.requestID != "" {
		req.Header.Set("X-Request-Id", c.requestID)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remindq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return decodeAPIError(httpResp)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("remindq: read response body: %w", err)
	}
	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("remindq: decode response: %w", err)
		}
	}
	return nil
}

func decodeAPIError(r *http.Response) error {
	data, _ := io.ReadAll(r.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &errResp)
	msg := errResp.Error
	if msg == "" {
		msg = http.StatusText(r.StatusCode)
	}
	return &APIError{StatusCode: r.StatusCode, Message: msg}
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type deadlinePayload struct {
	TaskID       string `json:"taskId"`
	UserID       string `json:"userId"`
	Deadline     string `json:"deadline"`
	Username     string `json:"username,omitempty"`
	ResourceType string `json:"resourceType,omitempty"`
	ReminderDays []int  `json:"reminderDays"`
}

type addedPayload struct {
	ResourceType        string   `json:"resourceType"`
	ResourceID          string   `json:"resourceId"`
	CollaboratorIDs     []string `json:"collaboratorIds"`
	ResourceName        string   `json:"resourceName"`
	ResourceDescription string   `json:"resourceDescription"`
	AddedBy             string   `json:"addedBy"`
}
