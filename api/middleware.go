package api

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/google/uuid"
	"github.com/gorilla/csrf"
	"github.com/gorilla/handlers"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"github.com/unrolled/secure"
)

const (
	msgRateLimited  = "Demasiadas solicitudes. Por favor, intenta más tarde."
	msgCSRFInvalid  = "Token CSRF inválido o expirado. Recarga la página e intenta nuevamente."
	msgBodyTooLarge = "La solicitud es demasiado grande."
	msgServerError  = "Error interno del servidor. Por favor, intenta más tarde."

	rateWindow = time.Minute
)

// middleware wraps the mux in the edge stack, outermost first: request id,
// access log, panic recovery, client address, security headers, CORS, global
// rate limit, body size limit and CSRF.
func (api *API) middleware(mux http.Handler) http.Handler {
	accessLog := api.cfg.AccessLog
	if accessLog == nil {
		accessLog = os.Stdout
	}
	return requestIDHandler(
		handlers.CombinedLoggingHandler(accessLog,
			api.recoveryHandler(
				api.realIPHandler(
					api.secureHeaders().Handler(
						api.corsHandler(
							api.throttle.global(
								bodyLimitHandler(api.cfg.MaxBodyBytes,
									api.csrfHandler(mux)))))))))
}

type contextKey int

const requestIDKey contextKey = iota

// requestIDHandler tags every request with an X-Request-ID, reusing the
// client's when it looks like a UUID.
func requestIDHandler(f http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		f.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

func (api *API) recoveryHandler(f http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rval := recover()
			if rval == nil {
				return
			}
			err, ok := rval.(error)
			if !ok {
				err = fmt.Errorf("%v", rval)
			}
			log.Printf("[%s] panic serving %s: %v", requestID(r), r.URL.Path, err)
			packet := raven.NewPacket(err.Error(),
				raven.NewException(err, raven.GetOrNewStacktrace(err, 2, 3, nil)),
				raven.NewHttp(r))
			raven.Capture(packet, map[string]string{"request_id": requestID(r)})
			message := msgServerError
			if !api.cfg.Production {
				message = err.Error()
			}
			writeJSON(w, response{StatusCode: http.StatusInternalServerError, Error: message})
		}()
		f.ServeHTTP(w, r)
	})
}

// realIPHandler replaces RemoteAddr with the forwarded client address when
// the request came through a trusted proxy. Every later handler, including
// the rate limiters, keys on the result.
func (api *API) realIPHandler(f http.Handler) http.Handler {
	if len(api.cfg.TrustedProxies) == 0 {
		return f
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if client := api.cfg.forwardedClient(r); client != "" {
			_, port, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				port = "0"
			}
			r.RemoteAddr = net.JoinHostPort(client, port)
		}
		f.ServeHTTP(w, r)
	})
}

// forwardedClient walks X-Forwarded-For from the right, skipping trusted
// proxies, and returns the nearest address that is not one of ours. Entries
// left of it came from the client and are ignored. It returns
// "" when the peer is not trusted or the header is missing or malformed.
func (c Config) forwardedClient(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if ip := net.ParseIP(peer); ip == nil || !c.trustedProxy(ip) {
		return ""
	}
	hops := []string{}
	for _, header := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(header, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			return ""
		}
		if !c.trustedProxy(ip) {
			return ip.String()
		}
	}
	return ""
}

func (api *API) secureHeaders() *secure.Secure {
	connectSrc := append([]string{"'self'"}, api.cfg.AllowedOrigins...)
	csp := strings.Join([]string{
		"default-src 'self'",
		"style-src 'self' 'unsafe-inline'",
		"script-src 'self'",
		"img-src 'self' data: https:",
		"connect-src " + strings.Join(connectSrc, " "),
		"frame-src 'none'",
		"object-src 'none'",
	}, "; ")
	return secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: csp,
		STSSeconds:            31536000,
		STSIncludeSubdomains:  true,
		STSPreload:            true,
		IsDevelopment:         !api.cfg.Production,
	})
}

func (api *API) corsHandler(f http.Handler) http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins(api.cfg.AllowedOrigins),
		handlers.AllowCredentials(),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-CSRF-Token", "Authorization"}),
		handlers.OptionStatusCode(http.StatusOK),
	)(f)
}

// csrfHandler requires a valid X-CSRF-Token header on unsafe methods. Outside
// production the service runs over plain HTTP, so the Referer check that
// gorilla/csrf applies to TLS requests is skipped.
func (api *API) csrfHandler(f http.Handler) http.Handler {
	name := "csrf"
	if api.cfg.Production {
		name = "__Host-csrf"
	}
	key := sha256.Sum256([]byte(api.cfg.CSRFSecret))
	protect := csrf.Protect(key[:],
		csrf.CookieName(name),
		csrf.Secure(api.cfg.Production),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteStrictMode),
		csrf.Path("/"),
		csrf.MaxAge(int(time.Hour/time.Second)),
		csrf.RequestHeader("X-CSRF-Token"),
		csrf.TrustedOrigins(api.cfg.trustedOrigins()),
		csrf.ErrorHandler(http.HandlerFunc(csrfFailed)),
	)(f)
	if api.cfg.Production {
		return protect
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		protect.ServeHTTP(w, csrf.PlaintextHTTPRequest(r))
	})
}

func csrfFailed(w http.ResponseWriter, r *http.Request) {
	log.Printf("[%s] CSRF check failed for %s %s from %s: %v",
		requestID(r), r.Method, r.URL.Path, r.RemoteAddr, csrf.FailureReason(r))
	writeJSON(w, response{StatusCode: http.StatusForbidden, Error: msgCSRFInvalid})
}

// bodyLimitHandler caps request bodies at limit bytes. Bodies that declare a
// larger Content-Length are refused before anything reads them.
func bodyLimitHandler(limit int64, f http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			writeJSON(w, response{StatusCode: http.StatusRequestEntityTooLarge, Error: msgBodyTooLarge})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		f.ServeHTTP(w, r)
	})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// throttles holds one rate limiter per scope. A nil limiter passes every
// request through.
type throttles struct {
	globalLimiter  *limiter.Limiter
	contactLimiter *limiter.Limiter
	loginLimiter   *limiter.Limiter
}

func newThrottles(cfg Config, client *redis.Client) (throttles, error) {
	var t throttles
	scopes := []struct {
		prefix string
		limit  int64
		dest   **limiter.Limiter
	}{
		{"global", cfg.GlobalLimit, &t.globalLimiter},
		{"contact", cfg.ContactLimit, &t.contactLimiter},
		{"login", cfg.LoginLimit, &t.loginLimiter},
	}
	for _, scope := range scopes {
		if scope.limit == 0 {
			continue
		}
		store, err := newLimiterStore(scope.prefix, client)
		if err != nil {
			return t, fmt.Errorf("creating %s rate limit store: %w", scope.prefix, err)
		}
		rate := limiter.Rate{Period: rateWindow, Limit: scope.limit}
		*scope.dest = limiter.New(store, rate, limiter.WithTrustForwardHeader(false))
	}
	return t, nil
}

// Counters live in Redis when a client is given, so every instance behind
// the proxy shares them; otherwise they are kept in process memory.
func newLimiterStore(prefix string, client *redis.Client) (limiter.Store, error) {
	if client == nil {
		return memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          prefix,
			CleanUpInterval: limiter.DefaultCleanUpInterval,
		}), nil
	}
	return sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: "kuchabicho:ratelimit:" + prefix,
	})
}

func (t throttles) global(f http.Handler) http.Handler  { return throttleHandler(t.globalLimiter, f) }
func (t throttles) contact(f http.Handler) http.Handler { return throttleHandler(t.contactLimiter, f) }
func (t throttles) login(f http.Handler) http.Handler   { return throttleHandler(t.loginLimiter, f) }

func throttleHandler(l *limiter.Limiter, f http.Handler) http.Handler {
	if l == nil {
		return f
	}
	return stdlib.NewMiddleware(l,
		stdlib.WithLimitReachedHandler(limitReached),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			// Fail open when the counter store errors.
			log.Printf("[%s] rate limiter unavailable: %v", requestID(r), err)
			raven.CaptureError(err, map[string]string{"request_id": requestID(r)})
			f.ServeHTTP(w, r)
		}),
	).Handler(f)
}

func limitReached(w http.ResponseWriter, r *http.Request) {
	retryAfter := int(rateWindow / time.Second)
	log.Printf("[%s] rate limit reached for %s on %s", requestID(r), r.RemoteAddr, r.URL.Path)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, response{StatusCode: http.StatusTooManyRequests, Error: msgRateLimited, RetryAfter: retryAfter})
}
