package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/verdantapp/verdant/internal/auth"
	"github.com/verdantapp/verdant/internal/model"
	"github.com/verdantapp/verdant/internal/push"
	"github.com/verdantapp/verdant/internal/store"
)

type PushHandler struct {
	pushStore *store.PushStore
	service   *push.Service
	logger    *slog.Logger
}

func NewPushHandler(ps *store.PushStore, svc *push.Service, logger *slog.Logger) *PushHandler {
	return &PushHandler{pushStore: ps, service: svc, logger: logger}
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Subscribe handles POST /api/push/subscribe. Upserts by endpoint hash:
// re-subscribing the same browser endpoint refreshes keys and reactivates
// the existing row.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "endpoint is required"})
		return
	}

	sub, isNew, err := h.pushStore.Upsert(userID, req.Endpoint, req.Keys.P256dh, req.Keys.Auth, model.DefaultEncoding)
	if err != nil {
		h.logger.Error("upsert push subscription", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save subscription"})
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"id": sub.ID})
}

// Unsubscribe handles POST /api/push/unsubscribe: deactivates every active
// subscription belonging to the caller.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	if _, err := h.pushStore.DeactivateAllForUser(userID); err != nil {
		h.logger.Error("deactivate push subscriptions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to unsubscribe"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetVAPIDKey handles GET /api/push/vapid-key.
func (h *PushHandler) GetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.service.VAPIDPublicKey()})
}
