package api

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuchabicho/contact-backend/auth"
	"github.com/kuchabicho/contact-backend/db"
)

func TestCSRFTokenRequired(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	resp, body := s.postJSON(t, "/api/contact", "", validContact())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, msgCSRFInvalid, body["error"])

	s.csrfToken(t)
	resp, _ = s.postJSON(t, "/api/contact", "forged-token", validContact())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, s.db.Count())
}

func TestContactRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.ContactLimit = 2
	s := newTestServer(t, cfg, nil)
	token := s.csrfToken(t)
	for i := 0; i < 2; i++ {
		resp, _ := s.postJSON(t, "/api/contact", token, validContact())
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, body := s.postJSON(t, "/api/contact", token, validContact())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, float64(60), body["retryAfter"])
	assert.Equal(t, msgRateLimited, body["error"])
	assert.Equal(t, 2, s.db.Count())

	// Other routes are not counted against the contact limit.
	resp, _ = s.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGlobalRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalLimit = 3
	s := newTestServer(t, cfg, nil)
	for i := 0; i < 3; i++ {
		resp, _ := s.get(t, "/api/health")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))
	}
	resp, _ := s.get(t, "/api/health")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestRateLimitIgnoresClientForwardedFor(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalLimit = 5
	s := newTestServer(t, cfg, nil)
	for i := 1; i <= 6; i++ {
		req, _ := http.NewRequest("GET", s.server.URL+"/api/health", nil)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		resp, _ := s.do(t, req)
		if i <= 5 {
			require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "rotating X-Forwarded-For must not reset the limit")
		}
	}
}

func TestRateLimitPerClientBehindTrustedProxy(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalLimit = 1
	proxies, err := parseTrustedProxies([]string{"127.0.0.0/8"})
	require.NoError(t, err)
	cfg.TrustedProxies = proxies
	s := newTestServer(t, cfg, nil)

	send := func(forwardedFor string) int {
		req, _ := http.NewRequest("GET", s.server.URL+"/api/health", nil)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		resp, _ := s.do(t, req)
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, send("198.51.100.1"))
	assert.Equal(t, http.StatusOK, send("198.51.100.2"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1"))
	// A spoofed leftmost entry does not give the same client a fresh counter.
	assert.Equal(t, http.StatusTooManyRequests, send("192.0.2.77, 198.51.100.2"))
}

func TestRedisRateLimitStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.ContactLimit = 1
	cfg.RedisURL = "redis://" + mr.Addr()
	s := newTestServer(t, cfg, nil)
	token := s.csrfToken(t)

	resp, _ := s.postJSON(t, "/api/contact", token, validContact())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = s.postJSON(t, "/api/contact", token, validContact())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	found := false
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "kuchabicho:ratelimit:contact") {
			found = true
		}
	}
	assert.True(t, found, "expected contact counter in redis, have %v", mr.Keys())
}

func TestAllowedOrigins(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://kuchabicho.example", "http://localhost:5173"}
	s := newTestServer(t, cfg, nil)

	// Allowed domain should get CORS header
	req, _ := http.NewRequest("GET", s.server.URL+"/api/health", nil)
	req.Header.Set("Origin", "https://kuchabicho.example")
	resp, _ := s.do(t, req)
	assert.Equal(t, "https://kuchabicho.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	// Disallowed domain should not get CORS header
	req, _ = http.NewRequest("GET", s.server.URL+"/api/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, _ = s.do(t, req)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPreflight(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	req, _ := http.NewRequest("OPTIONS", s.server.URL+"/api/contact", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type, X-CSRF-Token")
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	resp, _ := s.get(t, "/api/health")
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
	csp := resp.Header.Get("Content-Security-Policy")
	assert.Contains(t, csp, "default-src 'self'")
	assert.Contains(t, csp, "connect-src 'self' http://localhost:5173")
	assert.Contains(t, csp, "object-src 'none'")
	// HSTS is only sent in production.
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	resp, _ := s.get(t, "/api/health")
	assert.Len(t, resp.Header.Get("X-Request-ID"), 36)

	req, _ := http.NewRequest("GET", s.server.URL+"/api/health", nil)
	req.Header.Set("X-Request-ID", "6f1c3a2e-8d4b-4f7a-9c1e-2b3d4e5f6a7b")
	resp, _ = s.do(t, req)
	assert.Equal(t, "6f1c3a2e-8d4b-4f7a-9c1e-2b3d4e5f6a7b", resp.Header.Get("X-Request-ID"))

	req, _ = http.NewRequest("GET", s.server.URL+"/api/health", nil)
	req.Header.Set("X-Request-ID", "<script>")
	resp, _ = s.do(t, req)
	assert.NotEqual(t, "<script>", resp.Header.Get("X-Request-ID"))
}

func panickingHandler(w http.ResponseWriter, r *http.Request) {
	panic(fmt.Errorf("oh no"))
}

func TestPanicRecovery(t *testing.T) {
	for _, production := range []bool{false, true} {
		cfg := testConfig()
		if production {
			cfg.Production = true
			cfg.AllowedOrigins = []string{"https://kuchabicho.example"}
			cfg.CSRFSecret = "a-real-csrf-secret"
			cfg.SessionSecret = "a-real-session-secret"
		}
		api, err := New(cfg, db.InitMemDatabase(), nil)
		require.NoError(t, err)
		mux := http.NewServeMux()
		mux.HandleFunc("/panic", panickingHandler)
		panicServer := httptest.NewServer(api.RegisterHandlers(mux))

		resp, err := http.Get(panicServer.URL + "/panic")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		panicServer.Close()

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		if production {
			assert.NotContains(t, string(body), "oh no")
		} else {
			assert.Contains(t, string(body), "oh no")
		}
	}
}

func TestProtectedList(t *testing.T) {
	hash, err := auth.HashPassword("s3cret-pass")
	require.NoError(t, err)
	cfg := testConfig()
	cfg.ProtectList = true
	cfg.Admin = auth.Credentials{Username: "admin", PasswordHash: hash}
	s := newTestServer(t, cfg, nil)

	resp, body := s.get(t, "/api/contact")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	token := s.csrfToken(t)
	resp, _ = s.postJSON(t, "/api/auth/login", token, map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.postJSON(t, "/api/auth/login", token, map[string]string{"username": "admin", "password": "s3cret-pass"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.get(t, "/api/contact")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	// Submitting stays public.
	resp, _ = s.postJSON(t, "/api/contact", token, validContact())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = s.postJSON(t, "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.get(t, "/api/contact")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConfigValidate(t *testing.T) {
	production := func() Config {
		cfg := testConfig()
		cfg.Production = true
		cfg.AllowedOrigins = []string{"https://kuchabicho.example"}
		cfg.CSRFSecret = "a-real-csrf-secret"
		cfg.SessionSecret = "a-real-session-secret"
		return cfg
	}
	assert.NoError(t, testConfig().Validate())
	assert.NoError(t, production().Validate())

	tests := map[string]func(*Config){
		"default csrf secret":    func(c *Config) { c.CSRFSecret = defaultCSRFSecret },
		"empty session secret":   func(c *Config) { c.SessionSecret = "" },
		"wildcard origin":        func(c *Config) { c.AllowedOrigins = []string{"*"} },
		"plain http origin":      func(c *Config) { c.AllowedOrigins = []string{"http://kuchabicho.example"} },
		"no origin":              func(c *Config) { c.AllowedOrigins = nil },
		"zero list limit":        func(c *Config) { c.ListLimit = 0 },
		"protected without user": func(c *Config) { c.ProtectList = true },
		"no store deadline":      func(c *Config) { c.PersistTimeout = 0 },
	}
	for name, mutate := range tests {
		cfg := production()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("FRONTEND_URL", "http://localhost:5173, https://kuchabicho.example")
	t.Setenv("RATE_LIMIT_CONTACT", "7")
	t.Setenv("CONTACT_LIST_LIMIT", "20")
	t.Setenv("DB_QUERY_TIMEOUT_MS", "1500")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:5173", "https://kuchabicho.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(7), cfg.ContactLimit)
	assert.Equal(t, int64(5), cfg.GlobalLimit)
	assert.Equal(t, 20, cfg.ListLimit)
	assert.Equal(t, int64(1500), cfg.PersistTimeout.Milliseconds())
	assert.Equal(t, []string{"localhost:5173", "kuchabicho.example"}, cfg.trustedOrigins())
	assert.Empty(t, cfg.TrustedProxies)

	t.Setenv("DB_QUERY_TIMEOUT_MS", "")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.1, 172.16.0.0/12, ::1")
	cfg, err = ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.PersistTimeout, "inserts are bounded by default")
	require.Len(t, cfg.TrustedProxies, 3)
	assert.True(t, cfg.trustedProxy(net.ParseIP("10.0.0.1")))
	assert.False(t, cfg.trustedProxy(net.ParseIP("10.0.0.2")))
	assert.True(t, cfg.trustedProxy(net.ParseIP("172.20.1.1")))
	assert.True(t, cfg.trustedProxy(net.ParseIP("::1")))

	t.Setenv("TRUSTED_PROXIES", "proxy.internal")
	_, err = ConfigFromEnv()
	assert.Error(t, err)
	t.Setenv("TRUSTED_PROXIES", "")

	t.Setenv("RATE_LIMIT_GLOBAL", "-1")
	_, err = ConfigFromEnv()
	assert.Error(t, err)

	t.Setenv("RATE_LIMIT_GLOBAL", "5")
	t.Setenv("APP_ENV", "production")
	_, err = ConfigFromEnv()
	assert.Error(t, err, "default secrets must not pass in production")
}
