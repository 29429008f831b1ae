package api

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/kuchabicho/contact-backend/auth"
	"github.com/kuchabicho/contact-backend/util"
)

// Secrets shipped in .env.example. Production refuses to start with them.
const (
	defaultCSRFSecret    = "change-this-csrf-secret-in-production"
	defaultSessionSecret = "change-this-session-secret-in-production"
)

// Config holds everything the HTTP API needs besides its collaborators.
type Config struct {
	Production     bool
	AllowedOrigins []string
	CSRFSecret     string
	SessionSecret  string

	// TrustedProxies are the peers allowed to report the client address in
	// X-Forwarded-For. Empty means every peer is the client.
	TrustedProxies []*net.IPNet

	GlobalLimit  int64 // requests per minute per client on every route; 0 disables
	ContactLimit int64 // requests per minute per client on /api/contact; 0 disables
	LoginLimit   int64 // requests per minute per client on /api/auth/login; 0 disables
	RedisURL     string

	ListLimit      int
	MaxBodyBytes   int64
	PersistTimeout time.Duration // deadline for storing one submission

	ProtectList bool
	Admin       auth.Credentials

	AccessLog io.Writer // nil means stdout
}

// ConfigFromEnv builds a Config from environment variables.
func ConfigFromEnv() (Config, error) {
	errs := util.Errors{}
	proxies, err := parseTrustedProxies(util.SplitList(util.GetEnvOrDefault("TRUSTED_PROXIES", "")))
	if err != nil {
		errs = append(errs, err)
	}
	cfg := Config{
		Production:     util.GetEnvOrDefault("APP_ENV", "development") == "production",
		AllowedOrigins: util.SplitList(util.GetEnvOrDefault("FRONTEND_URL", "http://localhost:5173")),
		CSRFSecret:     util.GetEnvOrDefault("CSRF_SECRET", defaultCSRFSecret),
		SessionSecret:  util.GetEnvOrDefault("SESSION_SECRET", defaultSessionSecret),
		TrustedProxies: proxies,
		RedisURL:       util.GetEnvOrDefault("REDIS_URL", ""),
		ProtectList:    util.GetBoolEnv("PROTECT_CONTACT_LIST"),
		MaxBodyBytes:   10 << 10,
		Admin: auth.Credentials{
			Username:     util.GetEnvOrDefault("ADMIN_USERNAME", ""),
			PasswordHash: util.GetEnvOrDefault("ADMIN_PASSWORD_HASH", ""),
		},
	}
	intVars := []struct {
		name     string
		fallback int
		set      func(int)
	}{
		{"RATE_LIMIT_GLOBAL", 5, func(n int) { cfg.GlobalLimit = int64(n) }},
		{"RATE_LIMIT_CONTACT", 3, func(n int) { cfg.ContactLimit = int64(n) }},
		{"RATE_LIMIT_LOGIN", 3, func(n int) { cfg.LoginLimit = int64(n) }},
		{"CONTACT_LIST_LIMIT", 50, func(n int) { cfg.ListLimit = n }},
		{"DB_QUERY_TIMEOUT_MS", 5000, func(n int) { cfg.PersistTimeout = time.Duration(n) * time.Millisecond }},
	}
	for _, v := range intVars {
		n := util.GetIntEnvOrDefault(v.name, v.fallback)
		if n < 0 {
			errs = append(errs, fmt.Errorf("%s must be a non-negative integer", v.name))
			continue
		}
		v.set(n)
	}
	if len(errs) > 0 {
		return cfg, errs
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration is usable, and in production that it is
// safe to expose.
func (c Config) Validate() error {
	errs := util.Errors{}
	if c.ListLimit < 1 {
		errs = append(errs, fmt.Errorf("contact list limit must be positive"))
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("max body size must be positive"))
	}
	if c.PersistTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DB_QUERY_TIMEOUT_MS must be positive"))
	}
	if c.ProtectList && !c.Admin.Configured() {
		errs = append(errs, fmt.Errorf("PROTECT_CONTACT_LIST requires ADMIN_USERNAME and ADMIN_PASSWORD_HASH"))
	}
	if c.Production {
		if c.CSRFSecret == "" || c.CSRFSecret == defaultCSRFSecret {
			errs = append(errs, fmt.Errorf("CSRF_SECRET must be set in production"))
		}
		if c.SessionSecret == "" || c.SessionSecret == defaultSessionSecret {
			errs = append(errs, fmt.Errorf("SESSION_SECRET must be set in production"))
		}
		if len(c.AllowedOrigins) == 0 {
			errs = append(errs, fmt.Errorf("FRONTEND_URL must be set in production"))
		}
		for _, origin := range c.AllowedOrigins {
			if origin == "*" {
				errs = append(errs, fmt.Errorf("wildcard CORS origin is not allowed in production"))
			} else if !strings.HasPrefix(origin, "https://") {
				errs = append(errs, fmt.Errorf("origin %s must use https in production", origin))
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// trustedOrigins returns the hosts of the allowed origins, as the CSRF
// Referer check expects them.
func (c Config) trustedOrigins() []string {
	hosts := []string{}
	for _, origin := range c.AllowedOrigins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		}
	}
	return hosts
}

// parseTrustedProxies reads TRUSTED_PROXIES entries, each a single IP or a
// CIDR range.
func parseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	nets := []*net.IPNet{}
	for _, entry := range entries {
		if _, network, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %q is neither an IP nor a CIDR range", entry)
		}
		bits := 8 * net.IPv6len
		if v4 := ip.To4(); v4 != nil {
			ip, bits = v4, 8*net.IPv4len
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

// trustedProxy reports whether ip belongs to a configured proxy.
func (c Config) trustedProxy(ip net.IP) bool {
	for _, network := range c.TrustedProxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
