package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/verdantapp/verdant/internal/auth"
	"github.com/verdantapp/verdant/internal/store"
	"golang.org/x/crypto/bcrypt"
)

type AuthHandler struct {
	users  *store.UserStore
	tokens *auth.TokenManager
	logger *slog.Logger
}

func NewAuthHandler(us *store.UserStore, tokens *auth.TokenManager, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{users: us, tokens: tokens, logger: logger}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "valid email is required"})
		return
	}
	if len(req.Password) < 8 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "password must be at least 8 characters"})
		return
	}

	existing, err := h.users.GetByEmail(req.Email)
	if err != nil {
		h.logger.Error("get user by email", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to register"})
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "email already registered"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("hash password", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to register"})
		return
	}

	user, err := h.users.Create(req.Email, string(hash))
	if err != nil {
		h.logger.Error("create user", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to register"})
		return
	}

	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.logger.Error("issue token", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to register"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": user.ID, "token": token})
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	user, err := h.users.GetByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		h.logger.Error("get user by email", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to log in"})
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.logger.Error("issue token", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to log in"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": user.ID, "token": token})
}
