package wserr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{InvalidArgument, "invalid argument"},
		{OutOfMemory, "out of memory"},
		{Timeout, "timeout"},
		{System, "system"},
		{AlreadyInitialized, "already initialized"},
		{AlreadyExists, "already exists"},
		{NotFound, "not found"},
		{Kind(99), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Fatalf("Kind.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewFormatsWithoutDetailOrCause(t *testing.T) {
	err := New(NotFound, "vaw.Get", "")
	want := "vaw.Get: not found"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapFormatsWithDetailAndCause(t *testing.T) {
	cause := errors.New("permission denied")
	err := Wrap(System, "vaw.open", "open buddies file", cause)
	want := "vaw.open: system: open buddies file: permission denied"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	base := New(OutOfMemory, "buddy.Allocate", "no free block")
	wrapped := fmt.Errorf("pool.Malloc: %w", base)

	if !Is(wrapped, OutOfMemory) {
		t.Fatalf("Is(wrapped, OutOfMemory) = false, want true")
	}
	if Is(wrapped, NotFound) {
		t.Fatalf("Is(wrapped, NotFound) = true, want false")
	}
	if Is(errors.New("plain"), OutOfMemory) {
		t.Fatalf("Is(plain error, OutOfMemory) = true, want false")
	}
}
