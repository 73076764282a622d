// Package wserr defines the common error taxonomy shared by every
// component of libwsong. Every exported operation in the ipc packages
// returns an error built with New or Wrap so that callers can dispatch
// on Kind rather than parsing messages.
package wserr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a failure. Callers should switch on
// Kind, not on the error string.
type Kind int

const (
	// Unknown is the zero value and should never be returned by this
	// library; its presence in a caught error indicates a bug here.
	Unknown Kind = iota
	// InvalidArgument marks a bad-shape request: non-power-of-two size,
	// out-of-range level, unknown page size, oversized description,
	// misaligned offset, double free, or a query outside any allocation.
	InvalidArgument
	// OutOfMemory marks a buddy tree that cannot satisfy a request.
	OutOfMemory
	// Timeout marks a ring buffer deadline that elapsed with no progress.
	Timeout
	// System marks a failed OS call (open, fstat, mmap, shmget, shmat,
	// shmctl, flock, ...); Err carries the underlying OS error.
	System
	// AlreadyInitialized marks a second Initialize call in one process
	// without an intervening Uninitialize.
	AlreadyInitialized
	// AlreadyExists marks Create(group) when the group directory is
	// already present.
	AlreadyExists
	// NotFound marks a lookup or query with no matching live object.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case OutOfMemory:
		return "out of memory"
	case Timeout:
		return "timeout"
	case System:
		return "system"
	case AlreadyInitialized:
		return "already initialized"
	case AlreadyExists:
		return "already exists"
	case NotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// Error is the structured error type returned by every ipc package. Op
// names the failing operation ("buddy.Allocate", "vaw.Initialize", ...)
// and Detail carries additional context (offending argument, failing
// call); Err, when set, is the wrapped lower-level cause.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap builds an *Error around a lower-level cause, typically a syscall
// errno surfaced through the os or syscall packages.
func Wrap(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
