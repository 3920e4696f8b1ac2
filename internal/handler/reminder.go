package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/verdantapp/verdant/internal/auth"
	"github.com/verdantapp/verdant/internal/recurrence"
	"github.com/verdantapp/verdant/internal/store"
	"github.com/verdantapp/verdant/internal/websocket"
)

const snoozeOffset = 10 * time.Minute

type ReminderHandler struct {
	reminders    *store.ReminderStore
	progressions *store.ProgressionStore
	hub          *websocket.Hub
	logger       *slog.Logger
}

func NewReminderHandler(rs *store.ReminderStore, ps *store.ProgressionStore, hub *websocket.Hub, logger *slog.Logger) *ReminderHandler {
	return &ReminderHandler{reminders: rs, progressions: ps, hub: hub, logger: logger}
}

func (h *ReminderHandler) broadcast(msg websocket.Message) {
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
}

type createReminderRequest struct {
	ProgressionID int64  `json:"progressionId"`
	ScheduledAt   string `json:"scheduledAt"`
	Timezone      string `json:"timezone"`
	Recurrence    string `json:"recurrence"`
}

// Create handles POST /api/reminders. Creation is idempotent: if the
// progression already has an active reminder, its id is returned with
// status "exists" instead of creating a duplicate.
func (h *ReminderHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req createReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	progression, err := h.progressions.GetOwned(req.ProgressionID, userID)
	if err != nil {
		h.logger.Error("get progression", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to check progression"})
		return
	}
	if progression == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "progression not found"})
		return
	}

	loc, err := time.LoadLocation(req.Timezone)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid timezone"})
		return
	}

	scheduledAt, err := parseLocalTime(req.ScheduledAt, loc)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid scheduledAt"})
		return
	}

	rec := recurrence.None
	if req.Recurrence != "" {
		rec, err = recurrence.Parse(req.Recurrence)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid recurrence"})
			return
		}
	}

	reminder, existed, err := h.reminders.Create(progression.ID, scheduledAt.UTC(), rec, loc.String())
	if err != nil {
		h.logger.Error("create reminder", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create reminder"})
		return
	}

	if existed {
		writeJSON(w, http.StatusOK, map[string]any{"id": reminder.ID, "status": "exists"})
		return
	}

	h.broadcast(websocket.NewMessage("reminder", "created", reminder.ID, nil))
	writeJSON(w, http.StatusCreated, map[string]any{"id": reminder.ID})
}

// Complete handles POST /api/reminders/{id}/complete. It applies the same
// transition a natural fire would; a NONE reminder is removed outright since
// completing it is terminal.
func (h *ReminderHandler) Complete(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	reminder, err := h.reminders.GetOwned(id, userID)
	if err != nil {
		h.logger.Error("get reminder", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get reminder"})
		return
	}
	if reminder == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "reminder not found"})
		return
	}

	tr := recurrence.Fire(reminder.Recurrence, reminder.ScheduledAtUTC, reminder.Timezone)
	if tr.Deactivate {
		err = h.reminders.Delete(reminder.ID)
	} else {
		err = h.reminders.SetScheduledAt(reminder.ID, tr.NextUTC)
	}
	if err != nil {
		h.logger.Error("complete reminder", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to complete reminder"})
		return
	}

	h.broadcast(websocket.NewMessage("reminder", "completed", reminder.ID, nil))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Snooze handles POST /api/reminders/{id}/snooze: a flat +10 minute shift,
// regardless of recurrence.
func (h *ReminderHandler) Snooze(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	reminder, err := h.reminders.GetOwned(id, userID)
	if err != nil {
		h.logger.Error("get reminder", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get reminder"})
		return
	}
	if reminder == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "reminder not found"})
		return
	}

	next := reminder.ScheduledAtUTC.Add(snoozeOffset)
	if err := h.reminders.SetScheduledAt(reminder.ID, next); err != nil {
		h.logger.Error("snooze reminder", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to snooze reminder"})
		return
	}

	h.broadcast(websocket.NewMessage("reminder", "snoozed", reminder.ID, nil))
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             reminder.ID,
		"scheduledAtUtc": next.UTC().Format(time.RFC3339),
	})
}

// parseLocalTime accepts an RFC3339 instant or a zone-less local datetime
// interpreted in loc.
func parseLocalTime(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", value, loc)
}

func parseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
