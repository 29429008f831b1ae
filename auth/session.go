package auth

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/sessions"
)

// RoleAdmin may read submitted contact messages.
const RoleAdmin = "admin"

const (
	sessionMaxAge = 24 * 60 * 60 // seconds
	userIDKey     = "userId"
	roleKey       = "userRole"
)

// ErrNoSession is returned by Current when the request carries no login.
var ErrNoSession = errors.New("no authenticated session")

// Principal is the logged-in user attached to a session.
type Principal struct {
	UserID string
	Role   string
}

// Sessions manages signed session cookies.
type Sessions struct {
	store *sessions.CookieStore
	name  string
}

// NewSessions creates a cookie session store signed with secret. Secure
// cookies use the __Host- prefix, which browsers only accept over HTTPS.
func NewSessions(secret []byte, secure bool) *Sessions {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
	name := "session"
	if secure {
		name = "__Host-session"
	}
	return &Sessions{store: store, name: name}
}

// Login stores p in the session cookie.
func (s *Sessions) Login(w http.ResponseWriter, r *http.Request, p Principal) error {
	session, _ := s.store.Get(r, s.name) // a bad cookie still yields a fresh session
	session.Values[userIDKey] = p.UserID
	session.Values[roleKey] = p.Role
	return session.Save(r, w)
}

// Logout expires the session cookie.
func (s *Sessions) Logout(w http.ResponseWriter, r *http.Request) error {
	session, _ := s.store.Get(r, s.name)
	session.Values = map[interface{}]interface{}{}
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// Current returns the principal logged in on r.
func (s *Sessions) Current(r *http.Request) (Principal, error) {
	session, err := s.store.Get(r, s.name)
	if err != nil {
		return Principal{}, ErrNoSession
	}
	userID, _ := session.Values[userIDKey].(string)
	if userID == "" {
		return Principal{}, ErrNoSession
	}
	role, _ := session.Values[roleKey].(string)
	return Principal{UserID: userID, Role: role}, nil
}

// IsAuthenticated rejects requests without a logged-in session with 401.
func (s *Sessions) IsAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.Current(r); err != nil {
			deny(w, http.StatusUnauthorized, "No autorizado. Debes iniciar sesión para acceder a este recurso.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HasRole only lets through sessions whose role is one of roles: 401 when
// not logged in, 403 for any other role.
func (s *Sessions) HasRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := s.Current(r)
			if err != nil {
				deny(w, http.StatusUnauthorized, "No autorizado. Debes iniciar sesión.")
				return
			}
			if !allowed[p.Role] {
				log.Printf("Access denied: user %s with role %q requested %s", p.UserID, p.Role, r.URL.Path)
				deny(w, http.StatusForbidden, "Acceso denegado. No tienes permisos para realizar esta acción.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": message})
}
