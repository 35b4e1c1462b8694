package custody

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	cause := errors.New("kms: timeout")
	wrapped := fmt.Errorf("outer: %w", Fail("signing.Sign", KindIntegrity, "content hash mismatch", nil))

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "direct", err: Fail("op", KindSession, "session not found", nil), want: KindSession},
		{name: "wrapped", err: wrapped, want: KindIntegrity},
		{name: "unclassified", err: cause, want: KindProvider},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("%s: KindOf=%q want=%q", tc.name, got, tc.want)
		}
	}
}

func TestErrorUnwrapAndMessage(t *testing.T) {
	t.Parallel()

	cause := errors.New("pg: connection reset")
	err := Fail("provision.Provision", KindProvider, "internal error", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach cause")
	}
	if got := MessageOf(err); got != "internal error" {
		t.Fatalf("MessageOf=%q", got)
	}
	if got := MessageOf(cause); got != "internal error" {
		t.Fatalf("MessageOf(raw)=%q", got)
	}
	if got := err.Error(); got != "provision.Provision: provider: internal error" {
		t.Fatalf("Error()=%q", got)
	}
	if !IsKind(err, KindProvider) || IsKind(err, KindSession) {
		t.Fatalf("IsKind mismatch")
	}
}

func TestAuthContextValid(t *testing.T) {
	t.Parallel()

	if (AuthContext{UserID: "u"}).Valid() {
		t.Fatalf("missing session must be invalid")
	}
	if !(AuthContext{UserID: "u", SessionID: "s"}).Valid() {
		t.Fatalf("expected valid")
	}
}
