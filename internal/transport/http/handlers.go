package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/snehjoshi/remindq/internal/broker"
	"github.com/snehjoshi/remindq/internal/clock"
	"github.com/snehjoshi/remindq/internal/node"
	"github.com/snehjoshi/remindq/internal/storage"
	"github.com/snehjoshi/remindq/internal/types"
)

// Response messages are part of the public contract; existing callers match
// on them.
const (
	msgRemindersScheduled = "Deadline reminders scheduled"
	msgAddedSent          = "Added-to-project notifications sent"
)

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker   *broker.Broker
	instance *node.Instance // may be nil in tests
	store    string
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

// flexID accepts a JSON string or number and keeps its text form. Upstream
// services send numeric database ids and string ids interchangeably.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or a number, got %s", data)
	}
	*f = flexID(n.String())
	return nil
}

// flexDeadline accepts an ISO-8601 string or epoch milliseconds.
type flexDeadline string

func (f *flexDeadline) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexDeadline(s)
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("deadline must be a date string or epoch milliseconds, got %s", data)
	}
	*f = flexDeadline(time.UnixMilli(ms).UTC().Format(time.RFC3339Nano))
	return nil
}

type deadlineReminderReq struct {
	TaskID       flexID       `json:"taskId"`
	UserID       flexID       `json:"userId"`
	Deadline     flexDeadline `json:"deadline"`
	ReminderDays []int        `json:"reminderDays"` // absent or null = defaults, [] = cancel
	Username     string       `json:"username"`
	ResourceType string       `json:"resourceType"`
}

type addedToResourceReq struct {
	ResourceType        string    `json:"resourceType"`
	ResourceID          flexID    `json:"resourceId"`
	CollaboratorIDs     *[]flexID `json:"collaboratorIds"` // nil = missing, [] = present
	ResourceName        string    `json:"resourceName"`
	ResourceDescription string    `json:"resourceDescription"`
	AddedBy             flexID    `json:"addedBy"`
	Priority            any       `json:"priority"` // logged only
}

func (r addedToResourceReq) missingFields() []string {
	var missing []string
	if strings.TrimSpace(r.ResourceType) == "" {
		missing = append(missing, "resourceType")
	}
	if r.ResourceID == "" {
		missing = append(missing, "resourceId")
	}
	if r.CollaboratorIDs == nil {
		missing = append(missing, "collaboratorIds")
	}
	if strings.TrimSpace(r.ResourceName) == "" {
		missing = append(missing, "resourceName")
	}
	if strings.TrimSpace(r.ResourceDescription) == "" {
		missing = append(missing, "resourceDescription")
	}
	if r.AddedBy == "" {
		missing = append(missing, "addedBy")
	}
	return missing
}

type messageResp struct {
	Message string `json:"message"`
}

type healthResp struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	InstanceID string `json:"instance_id"`
	Store      string `json:"store"`
	Timestamp  string `json:"timestamp"`
	Uptime     string `json:"uptime"`
}

type entriesResp struct {
	Queue   string        `json:"queue"`
	Count   int           `json:"count"`
	Entries []types.Event `json:"entries"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResp{
		Status:    "ok",
		Service:   "remindq",
		Store:     h.store,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.instance != nil {
		resp.InstanceID = h.instance.ID().String()
		resp.Uptime = h.instance.Uptime().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Publish ──────────────────────────────────────────────────────────────────

func (h *Handler) publishDeadlineReminder(w http.ResponseWriter, r *http.Request) {
	var req deadlineReminderReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" || req.UserID == "" || strings.TrimSpace(string(req.Deadline)) == "" {
		writeError(w, http.StatusBadRequest, errors.New("taskId, userId, and deadline are required"))
		return
	}

	res, err := h.broker.RegisterReminders(r.Context(), broker.ReminderRequest{
		ResourceType: req.ResourceType,
		ResourceID:   string(req.TaskID),
		UserID:       string(req.UserID),
		Deadline:     string(req.Deadline),
		DisplayName:  req.Username,
		OffsetDays:   req.ReminderDays,
	})
	switch {
	case errors.Is(err, clock.ErrInvalidDeadline):
		writeError(w, http.StatusBadRequest, errors.New("invalid deadline"))
		return
	case errors.Is(err, clock.ErrInvalidOffset), errors.Is(err, broker.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		slog.Error("schedule deadline reminders", "task_id", req.TaskID, "user_id", req.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to schedule deadline reminders"))
		return
	}

	if res.Partial() {
		slog.Warn("deadline reminders partially scheduled",
			"task_id", req.TaskID,
			"user_id", req.UserID,
			"insert_failed", res.InsertFailed,
			"remove_failed", res.RemoveFailed,
			"scan_failed", res.ScanFailed,
		)
	}
	writeJSON(w, http.StatusOK, messageResp{Message: msgRemindersScheduled})
}

func (h *Handler) publishAddedToResource(w http.ResponseWriter, r *http.Request) {
	var req addedToResourceReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if missing := req.missingFields(); len(missing) > 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", ")))
		return
	}

	recipients := make([]string, 0, len(*req.CollaboratorIDs))
	for _, id := range *req.CollaboratorIDs {
		recipients = append(recipients, string(id))
	}
	if req.Priority != nil {
		slog.Info("added notification priority", "resource_id", req.ResourceID, "priority", req.Priority)
	}

	_, err := h.broker.PublishAdded(r.Context(), broker.AddedRequest{
		ResourceType:        req.ResourceType,
		ResourceID:          string(req.ResourceID),
		ResourceName:        req.ResourceName,
		ResourceDescription: req.ResourceDescription,
		RecipientIDs:        recipients,
		AddedBy:             string(req.AddedBy),
	})
	switch {
	case errors.Is(err, broker.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, errors.New("failed to send added notifications"))
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Message: msgAddedSent})
}

// ─── Views ────────────────────────────────────────────────────────────────────

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	q := r.URL.Query()

	min, err := parseScoreParam(q.Get("min"), storage.MinScore)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("min: %w", err))
		return
	}
	max, err := parseScoreParam(q.Get("max"), storage.MaxScore)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("max: %w", err))
		return
	}

	entries, err := h.broker.Entries(r.Context(), name, min, max, broker.Filter{
		ResourceID: q.Get("resourceId"),
		UserID:     q.Get("userId"),
	})
	switch {
	case errors.Is(err, broker.ErrUnknownQueue):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entriesResp{Queue: name, Count: len(entries), Entries: entries})
}

// parseScoreParam parses an epoch-ms bound; "" returns def.
func parseScoreParam(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.New("must be epoch milliseconds")
	}
	return v, nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// decodeJSON tolerates unknown fields: producers send extra properties that
// remindq does not use.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
			return false
		}
		writeError(w, http.StatusBadRequest, errors.New("invalid json: "+err.Error()))
		return false
	}
	return true
}
