package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/verdantapp/verdant/internal/auth"
	"github.com/verdantapp/verdant/internal/handler"
	"github.com/verdantapp/verdant/internal/middleware"
	"github.com/verdantapp/verdant/internal/push"
	"github.com/verdantapp/verdant/internal/store"
	ws "github.com/verdantapp/verdant/internal/websocket"
)

const tokenTTL = 7 * 24 * time.Hour

// Config holds server-level configuration.
type Config struct {
	JWTSecret string
	Push      push.Config
}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	tokens      *auth.TokenManager
	authH       *handler.AuthHandler
	challengeH  *handler.ChallengeHandler
	reminderH   *handler.ReminderHandler
	pushH       *handler.PushHandler
	pushStore   *store.PushStore
	pushService *push.Service
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))
	tokens := auth.NewTokenManager(cfg.JWTSecret, tokenTTL)

	userStore := store.NewUserStore(db)
	challengeStore := store.NewChallengeStore(db)
	progressionStore := store.NewProgressionStore(db)
	reminderStore := store.NewReminderStore(db)
	pushStore := store.NewPushStore(db)

	var pushSvc *push.Service
	var pushH *handler.PushHandler
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		pushSvc = push.NewService(cfg.Push, logger.With("component", "push"))
		pushH = handler.NewPushHandler(pushStore, pushSvc, logger.With("component", "push_handler"))
	}

	return &Server{
		db:          db,
		hub:         hub,
		tokens:      tokens,
		authH:       handler.NewAuthHandler(userStore, tokens, logger.With("component", "auth")),
		challengeH:  handler.NewChallengeHandler(challengeStore, progressionStore, pushStore, pushSvc, hub, logger.With("component", "challenge")),
		reminderH:   handler.NewReminderHandler(reminderStore, progressionStore, hub, logger.With("component", "reminder")),
		pushH:       pushH,
		pushStore:   pushStore,
		pushService: pushSvc,
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
}

// Hub returns the websocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("POST /api/auth/register", s.rateLimitedHandler(s.authH.Register))
	outerMux.HandleFunc("POST /api/auth/login", s.rateLimitedHandler(s.authH.Login))
	outerMux.HandleFunc("GET /health", s.healthHandler)
	if s.pushH != nil {
		outerMux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
	}

	// Protected routes
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.tokens)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/challenges", s.challengeH.List)
	mux.HandleFunc("POST /api/challenges", s.challengeH.Create)
	mux.HandleFunc("POST /api/challenges/{id}/start", s.challengeH.Start)

	mux.HandleFunc("POST /api/reminders", s.reminderH.Create)
	mux.HandleFunc("POST /api/reminders/{id}/complete", s.reminderH.Complete)
	mux.HandleFunc("POST /api/reminders/{id}/snooze", s.reminderH.Snooze)

	if s.pushH != nil {
		mux.HandleFunc("POST /api/push/subscribe", s.pushH.Subscribe)
		mux.HandleFunc("POST /api/push/unsubscribe", s.pushH.Unsubscribe)
	}

	mux.HandleFunc("GET /ws", ws.Handler(s.hub, s.logger.With("component", "websocket")))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}
