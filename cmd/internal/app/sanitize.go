package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()

	// Substrings of attribute keys whose values never reach the log.
	sensitiveKeyParts = []string{
		"token", "secret", "private", "seed", "plaintext", "passphrase", "password", "authorization", "cookie",
	}
	// Identifiers logged only as per-process fingerprints.
	fingerprintKeys = map[string]struct{}{
		"session_id": {},
		"device_id":  {},
	}
)

type sanitizingHandler struct {
	next slog.Handler
}

func wrapSanitizing(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	if _, ok := next.(*sanitizingHandler); ok {
		return next
	}
	return &sanitizingHandler{next: next}
}

func (h *sanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *sanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *sanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = sanitizeAttr(a)
	}
	return &sanitizingHandler{next: h.next.WithAttrs(clean)}
}

func (h *sanitizingHandler) WithGroup(name string) slog.Handler {
	return &sanitizingHandler{next: h.next.WithGroup(name)}
}

func sanitizeAttr(a slog.Attr) slog.Attr {
	key := strings.TrimSpace(a.Key)
	lower := strings.ToLower(key)

	if isSensitiveKey(lower) {
		return slog.String(key, redactedValue)
	}
	if _, ok := fingerprintKeys[lower]; ok {
		return slog.String(key+"_fp", fingerprint(a.Value.Resolve().String()))
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		clean := make([]any, len(group))
		for i, ga := range group {
			clean[i] = sanitizeAttr(ga)
		}
		return slog.Group(key, clean...)
	}
	return a
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

// fingerprint is stable within one process and unlinkable across restarts.
func fingerprint(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(v + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("log nonce: %v", err))
	}
	return hex.EncodeToString(buf)
}
