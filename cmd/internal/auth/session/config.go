package session

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// TTL is the session lifetime from creation or last renewal.
	TTL time.Duration

	// TokenBytes is the number of random bytes in a session token.
	TokenBytes int

	CookieName     string
	CookiePath     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:            14 * 24 * time.Hour,
		TokenBytes:     32,
		CookieName:     "custodian_session",
		CookiePath:     "/",
		CookieSecure:   true,
		CookieSameSite: http.SameSiteLaxMode,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional:
//   - CUSTODIAN_SESSION_TTL (Go duration)
//   - CUSTODIAN_SESSION_TOKEN_BYTES (32..64)
//   - CUSTODIAN_SESSION_COOKIE_NAME
//   - CUSTODIAN_SESSION_COOKIE_DOMAIN
//   - CUSTODIAN_SESSION_COOKIE_SECURE (bool)
//   - CUSTODIAN_SESSION_COOKIE_SAMESITE (lax|strict|none)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("CUSTODIAN_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.TTL = d
	}

	if v := os.Getenv("CUSTODIAN_SESSION_TOKEN_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 32 || n > 64 {
			return Config{}, ErrConfig
		}
		cfg.TokenBytes = n
	}

	if v := strings.TrimSpace(os.Getenv("CUSTODIAN_SESSION_COOKIE_NAME")); v != "" {
		if strings.ContainsAny(v, " ;,=\t") {
			return Config{}, ErrConfig
		}
		cfg.CookieName = v
	}
	cfg.CookieDomain = strings.TrimSpace(os.Getenv("CUSTODIAN_SESSION_COOKIE_DOMAIN"))

	if v := os.Getenv("CUSTODIAN_SESSION_COOKIE_SECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.CookieSecure = b
	}

	if v := os.Getenv("CUSTODIAN_SESSION_COOKIE_SAMESITE"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "lax":
			cfg.CookieSameSite = http.SameSiteLaxMode
		case "strict":
			cfg.CookieSameSite = http.SameSiteStrictMode
		case "none":
			cfg.CookieSameSite = http.SameSiteNoneMode
		default:
			return Config{}, ErrConfig
		}
	}

	// Browsers drop SameSite=None cookies that are not Secure.
	if cfg.CookieSameSite == http.SameSiteNoneMode && !cfg.CookieSecure {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
