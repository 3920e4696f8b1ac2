package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/verdantapp/verdant/internal/auth"
	"github.com/verdantapp/verdant/internal/model"
	"github.com/verdantapp/verdant/internal/push"
	"github.com/verdantapp/verdant/internal/store"
	"github.com/verdantapp/verdant/internal/websocket"
)

type ChallengeHandler struct {
	challenges   *store.ChallengeStore
	progressions *store.ProgressionStore
	pushStore    *store.PushStore
	pushService  *push.Service
	hub          *websocket.Hub
	logger       *slog.Logger
}

func NewChallengeHandler(cs *store.ChallengeStore, ps *store.ProgressionStore, pushStore *store.PushStore, pushService *push.Service, hub *websocket.Hub, logger *slog.Logger) *ChallengeHandler {
	return &ChallengeHandler{
		challenges:   cs,
		progressions: ps,
		pushStore:    pushStore,
		pushService:  pushService,
		hub:          hub,
		logger:       logger,
	}
}

func (h *ChallengeHandler) List(w http.ResponseWriter, r *http.Request) {
	challenges, err := h.challenges.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list challenges"})
		return
	}
	if challenges == nil {
		challenges = []model.Challenge{}
	}
	writeJSON(w, http.StatusOK, challenges)
}

type challengeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// Create handles POST /api/challenges and announces the new challenge to
// every active push subscription, best-effort.
func (h *ChallengeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	challenge, err := h.challenges.Create(req.Name, req.Description, req.Category)
	if err != nil {
		h.logger.Error("create challenge", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create challenge"})
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(websocket.NewMessage("challenge", "created", challenge.ID, nil))
	}
	h.announce(challenge)

	writeJSON(w, http.StatusCreated, challenge)
}

// Start handles POST /api/challenges/{id}/start, creating a progression for
// the caller.
func (h *ChallengeHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	challenge, err := h.challenges.GetByID(id)
	if err != nil {
		h.logger.Error("get challenge", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get challenge"})
		return
	}
	if challenge == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "challenge not found"})
		return
	}

	progression, err := h.progressions.Create(userID, challenge.ID)
	if err != nil {
		h.logger.Error("create progression", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start challenge"})
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(websocket.NewMessage("progression", "started", progression.ID, nil))
	}
	writeJSON(w, http.StatusCreated, progression)
}

// announce fires the fire-and-forget broadcast notification for a newly
// published challenge.
func (h *ChallengeHandler) announce(challenge *model.Challenge) {
	if h.pushService == nil {
		return
	}

	subs, err := h.pushStore.ListActive()
	if err != nil {
		h.logger.Error("list subscriptions for announcement", "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload := push.Payload{
		Title: "New challenge available",
		Body:  challenge.Name,
		Data:  &push.Data{URL: "/challenges/"},
		Tag:   "challenge-announce",
	}

	go h.pushService.Send(context.Background(), subs, payload)
}
