package session

import (
	"net/http"
	"strings"
	"time"
)

// CookieFor returns the Set-Cookie value carrying s.
func (m *Manager) CookieFor(s Session) *http.Cookie {
	maxAge := int(time.Until(s.ExpiresAt).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	return &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    s.ID,
		Path:     m.cfg.CookiePath,
		Domain:   m.cfg.CookieDomain,
		Expires:  s.ExpiresAt.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.cfg.CookieSecure,
		SameSite: m.cfg.CookieSameSite,
	}
}

// ExpiredCookie returns a cookie that clears the session cookie.
func (m *Manager) ExpiredCookie() *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     m.cfg.CookiePath,
		Domain:   m.cfg.CookieDomain,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.CookieSecure,
		SameSite: m.cfg.CookieSameSite,
	}
}

// TokenFromCookie returns the session token carried by r's cookie, if any.
func (m *Manager) TokenFromCookie(r *http.Request) string {
	c, err := r.Cookie(m.cfg.CookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}
