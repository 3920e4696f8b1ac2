package middleware

import (
	"net/http"
	"strings"

	"github.com/verdantapp/verdant/internal/auth"
)

// RequireAuth validates the Authorization bearer token and populates
// AuthContext.
func RequireAuth(tokens *auth.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w)
				return
			}

			userID, err := tokens.Verify(token)
			if err != nil {
				unauthorized(w)
				return
			}

			ctx := auth.WithAuth(r.Context(), auth.AuthContext{UserID: userID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}`))
}
