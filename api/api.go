package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/gorilla/csrf"
	"github.com/redis/go-redis/v9"

	"github.com/kuchabicho/contact-backend/auth"
	"github.com/kuchabicho/contact-backend/models"
)

////////////////////////////////
//  *****   REST API   *****  //
////////////////////////////////

// API is the HTTP API that this service provides.
// Contact routes respond with a JSON envelope:
//
//	{
//	    success // Whether the request was accepted.
//	    message // User-facing confirmation, if any.
//	    errors  // Rejected fields on a validation failure.
//	    error   // User-facing error text on any other failure.
//	    data    // Response data for reads.
//	}
//
// POST requests accept either a JSON body or form values.
type API struct {
	Database models.ContactStore
	Notifier Notifier

	cfg      Config
	sessions *auth.Sessions
	throttle throttles
	redis    *redis.Client

	notifications sync.WaitGroup
}

// Notifier tells the site owner about accepted contact messages.
type Notifier interface {
	SendContactNotification(*models.ContactSubmission) error
}

// New validates cfg and builds the API around database. notifier may be nil.
func New(cfg Config, database models.ContactStore, notifier Notifier) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	api := &API{
		Database: database,
		Notifier: notifier,
		cfg:      cfg,
		sessions: auth.NewSessions([]byte(cfg.SessionSecret), cfg.Production),
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		api.redis = redis.NewClient(opts)
		log.Printf("Rate limit counters stored in Redis at %s", opts.Addr)
	}
	throttle, err := newThrottles(cfg, api.redis)
	if err != nil {
		api.Close()
		return nil, err
	}
	api.throttle = throttle
	return api, nil
}

// Close waits for pending notifications and releases the Redis client.
func (api *API) Close() error {
	api.notifications.Wait()
	if api.redis != nil {
		return api.redis.Close()
	}
	return nil
}

type response struct {
	StatusCode int                     `json:"-"`
	Success    bool                    `json:"success"`
	Message    string                  `json:"message,omitempty"`
	Errors     models.ValidationErrors `json:"errors,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Data       interface{}             `json:"data,omitempty"`
	RetryAfter int                     `json:"retryAfter,omitempty"`

	body     interface{} // replaces the envelope when set
	internal error       // logged and reported, never sent
}

type apiHandler func(r *http.Request) response

func (api *API) wrapper(handler apiHandler) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		response := handler(r)
		if response.StatusCode >= http.StatusInternalServerError {
			err := response.internal
			if err == nil {
				err = fmt.Errorf("%s", response.Error)
			}
			log.Printf("[%s] %s %s failed: %v", requestID(r), r.Method, r.URL.Path, err)
			packet := raven.NewPacket(err.Error(), raven.NewHttp(r))
			raven.Capture(packet, map[string]string{"request_id": requestID(r)})
		}
		writeJSON(w, response)
	}
}

// RegisterHandlers binds API functions to the given http server,
// and returns the resulting handler.
func (api *API) RegisterHandlers(mux *http.ServeMux) http.Handler {
	list := http.Handler(http.HandlerFunc(api.wrapper(api.listContacts)))
	if api.cfg.ProtectList {
		list = api.sessions.HasRole(auth.RoleAdmin)(list)
	}
	submit := http.HandlerFunc(api.wrapper(api.submitContact))
	mux.Handle("/api/contact", api.throttle.contact(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			submit.ServeHTTP(w, r)
		case http.MethodGet:
			list.ServeHTTP(w, r)
		default:
			api.wrapper(methodNotAllowed)(w, r)
		}
	})))
	mux.Handle("/api/auth/login", api.throttle.login(http.HandlerFunc(api.withWriter(api.login))))
	mux.HandleFunc("/api/auth/logout", api.withWriter(api.logout))
	mux.HandleFunc("/api/csrf-token", api.wrapper(csrfToken))
	mux.HandleFunc("/api/health", api.wrapper(health))
	mux.HandleFunc("/", api.wrapper(notFound))
	return api.middleware(mux)
}

// Health handles GET /api/health.
func health(r *http.Request) response {
	return response{
		StatusCode: http.StatusOK,
		body: map[string]string{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// CSRFToken handles GET /api/csrf-token. The token goes in the
// X-CSRF-Token header of the following unsafe request.
func csrfToken(r *http.Request) response {
	return response{
		StatusCode: http.StatusOK,
		body:       map[string]string{"csrfToken": csrf.Token(r)},
	}
}

func notFound(r *http.Request) response {
	return response{StatusCode: http.StatusNotFound, Error: "Recurso no encontrado"}
}

func methodNotAllowed(r *http.Request) response {
	return response{StatusCode: http.StatusMethodNotAllowed,
		Error: fmt.Sprintf("%s only accepts GET and POST requests", r.URL.Path)}
}

// Writes `apiResponse` as a JSON object to http.ResponseWriter `w`. If an
// error occurs, writes `http.StatusInternalServerError` to `w`.
func writeJSON(w http.ResponseWriter, apiResponse response) {
	var v interface{} = apiResponse
	if apiResponse.body != nil {
		v = apiResponse.body
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		msg := fmt.Sprintf("Internal error: could not format JSON. (%s)\n", err)
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(apiResponse.StatusCode)
	fmt.Fprintf(w, "%s\n", b)
}

func badRequest(format string, a ...interface{}) response {
	return response{
		StatusCode: http.StatusBadRequest,
		Error:      fmt.Sprintf(format, a...),
	}
}

// serverError hides err from the client behind a generic message.
func serverError(err error) response {
	return response{
		StatusCode: http.StatusInternalServerError,
		Error:      msgServerError,
		internal:   err,
	}
}
