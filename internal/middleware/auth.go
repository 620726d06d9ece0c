package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/newsletter-admin/internal/auth"
)

const SessionCookieName = "admin_session"

// SessionParser verifies a session token. *auth.Signer implements it.
type SessionParser interface {
	ParseSession(token string) (auth.AuthContext, error)
}

// RequireAuth validates the session token from the Authorization header or
// the session cookie and populates AuthContext.
func RequireAuth(sessions SessionParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := sessionFrom(r, sessions)
			if !ok {
				jsonError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}

// RequireAdmin checks that the authenticated user has the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			jsonError(w, http.StatusForbidden, "Forbidden: admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireCronOrAdmin admits the external scheduler presenting the shared
// secret as a bearer token, or an admin session using POST.
func RequireCronOrAdmin(cronSecret string, sessions SessionParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bearer := bearerToken(r); bearer != "" && cronSecret != "" &&
				subtle.ConstantTimeCompare([]byte(bearer), []byte(cronSecret)) == 1 {
				next.ServeHTTP(w, r.WithContext(auth.WithCron(r.Context())))
				return
			}

			ac, ok := sessionFrom(r, sessions)
			if !ok {
				jsonError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			if ac.Role != auth.RoleAdmin {
				jsonError(w, http.StatusForbidden, "Forbidden: admin role required")
				return
			}
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				jsonError(w, http.StatusMethodNotAllowed, "Method not allowed")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}

func sessionFrom(r *http.Request, sessions SessionParser) (auth.AuthContext, bool) {
	token := bearerToken(r)
	if token == "" {
		if c, err := r.Cookie(SessionCookieName); err == nil {
			token = c.Value
		}
	}
	if token == "" || sessions == nil {
		return auth.AuthContext{}, false
	}
	ac, err := sessions.ParseSession(token)
	if err != nil {
		return auth.AuthContext{}, false
	}
	return ac, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
