package api

import (
	"encoding/json"
	"fmt"
	"log"
	"mime"
	"net/http"

	"github.com/kuchabicho/contact-backend/auth"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// sessionHandler is an apiHandler that may set cookies before the wrapper
// writes its response.
type sessionHandler func(w http.ResponseWriter, r *http.Request) response

func (api *API) withWriter(handler sessionHandler) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		api.wrapper(func(r *http.Request) response { return handler(w, r) })(w, r)
	}
}

// Login handles POST /api/auth/login
//
//	username, password: admin credentials.
//
// Starts an admin session on success.
func (api *API) login(w http.ResponseWriter, r *http.Request) response {
	if r.Method != http.MethodPost {
		return response{StatusCode: http.StatusMethodNotAllowed,
			Error: "/api/auth/login only accepts POST requests"}
	}
	creds, err := parseCredentials(r)
	if err != nil {
		if isBodyTooLarge(err) {
			return response{StatusCode: http.StatusRequestEntityTooLarge, Error: msgBodyTooLarge}
		}
		return badRequest(msgBadRequest)
	}
	if !api.cfg.Admin.Check(creds.Username, creds.Password) {
		log.Printf("[%s] failed login for %q from %s", requestID(r), creds.Username, submitterAddress(r))
		return response{StatusCode: http.StatusUnauthorized, Error: "Credenciales inválidas"}
	}
	principal := auth.Principal{UserID: creds.Username, Role: auth.RoleAdmin}
	if err := api.sessions.Login(w, r, principal); err != nil {
		return serverError(fmt.Errorf("saving session: %w", err))
	}
	return response{StatusCode: http.StatusOK, Success: true, Message: "Sesión iniciada"}
}

// Logout handles POST /api/auth/logout.
func (api *API) logout(w http.ResponseWriter, r *http.Request) response {
	if r.Method != http.MethodPost {
		return response{StatusCode: http.StatusMethodNotAllowed,
			Error: "/api/auth/logout only accepts POST requests"}
	}
	if err := api.sessions.Logout(w, r); err != nil {
		return serverError(fmt.Errorf("clearing session: %w", err))
	}
	return response{StatusCode: http.StatusOK, Success: true, Message: "Sesión cerrada"}
}

func parseCredentials(r *http.Request) (credentials, error) {
	creds := credentials{}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err := json.NewDecoder(r.Body).Decode(&creds)
		return creds, err
	}
	if err := r.ParseForm(); err != nil {
		return creds, err
	}
	creds.Username = r.PostFormValue("username")
	creds.Password = r.PostFormValue("password")
	return creds, nil
}
