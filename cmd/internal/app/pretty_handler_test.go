package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	if got := stripANSI(in); got != "INFO plain ERR" {
		t.Fatalf("stripANSI()=%q", got)
	}
}

func TestPrettyHandler_FormatsRequestAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, true))
	log.Warn("http.request", "method", "post", "path", "/v1/sign", "status", 404, "duration_ms", int64(300), "result", "client_error")

	colored := buf.String()
	if !strings.Contains(colored, ansiYellow+"404"+ansiReset) {
		t.Fatalf("status not colored: %q", colored)
	}
	plain := stripANSI(colored)
	want := "lvl=[WARN] msg=http.request method=POST path=/v1/sign status=404 duration_ms=300ms result=client_error"
	if !strings.Contains(plain, want) {
		t.Fatalf("pretty line %q missing %q", plain, want)
	}
}

func TestPrettyHandler_GroupsAndQuoting(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false)).WithGroup("kms").With("op", "decrypt")
	log.Info("kms.decrypt.fail", "err", "context deadline exceeded", "empty", "")

	out := buf.String()
	for _, part := range []string{`kms.op=decrypt`, `kms.err="context deadline exceeded"`, `kms.empty=""`} {
		if !strings.Contains(out, part) {
			t.Fatalf("output %q missing %q", out, part)
		}
	}
}

func TestPrettyHandler_LevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info must be filtered at warn level: %q", buf.String())
	}
}
