package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := New(KindNotFound, "send_text", "instance %q not found", "acct1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected errors.Is(err, ErrNotFound)")
	}
	if errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("not_found must not match invalid_argument")
	}

	wrapped := fmt.Errorf("handler: %w", err)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatalf("expected match through fmt wrapping")
	}
	if got := KindOf(wrapped); got != KindNotFound {
		t.Fatalf("KindOf = %q, want %q", got, KindNotFound)
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := Wrap(KindPersistenceFailure, "create", inner, "persist record %s", "acct1")

	want := "create: persist record acct1: disk full"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, inner) {
		t.Fatalf("expected inner error to be reachable")
	}
	if got := Message(err); got != "persist record acct1" {
		t.Fatalf("Message = %q", got)
	}
}

func TestKindOfForeignError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("KindOf(plain) = %q, want empty", got)
	}
	if got := Message(nil); got != "" {
		t.Fatalf("Message(nil) = %q", got)
	}
}
