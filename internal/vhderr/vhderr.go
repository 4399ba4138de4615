// Package vhderr defines the error kinds used across the VHD core (spec.md
// §7). They are sentinel values wrapped with golang.org/x/xerrors so that
// callers can recover the kind with errors.Is/errors.As while still getting
// a human-readable, traceable message, following the wrapping idiom used
// throughout the teacher repo (e.g. internal/squashfs, internal/install).
package vhderr

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind is one of the error kinds enumerated in spec.md §7.
type Kind int

const (
	// InvalidFormat: any metadata check failure; the surrounding operation
	// aborts and the image is not opened.
	InvalidFormat Kind = iota
	// ChecksumMismatch is a subclass of InvalidFormat, subject to the
	// documented compatibility quirks before being raised.
	ChecksumMismatch
	// NoParent: chain lookup exhausted.
	NoParent
	// NoKey: crypto layer refuses to open, no key supplied.
	NoKey
	// KeyMismatch: crypto layer refuses to open, supplied key is wrong.
	KeyMismatch
	// Io: disk read/write failed; retried per the transaction engine's
	// retry policy up to its cap.
	Io
	// Busy: resource temporarily unavailable (queue full, bitmap cache
	// thrashing, BAT locked); caller must defer.
	Busy
	// QueueDead: synthesised for every request submitted to a poisoned
	// image.
	QueueDead
	// Range: sector/block index past EOF.
	Range
)

func (k Kind) String() string {
	switch k {
	case InvalidFormat:
		return "invalid format"
	case ChecksumMismatch:
		return "checksum mismatch"
	case NoParent:
		return "no parent"
	case NoKey:
		return "no key"
	case KeyMismatch:
		return "key mismatch"
	case Io:
		return "i/o error"
	case Busy:
		return "busy"
	case QueueDead:
		return "queue dead"
	case Range:
		return "out of range"
	default:
		return "unknown error"
	}
}

// Errno is the POSIX-ish exit code associated with a Kind, per spec.md §6
// ("Exit codes: 0 on success; a positive errno-style code on failure").
func (k Kind) Errno() int {
	switch k {
	case InvalidFormat, ChecksumMismatch:
		return 22 // EINVAL
	case NoParent:
		return 2 // ENOENT
	case NoKey, KeyMismatch:
		return 126 // ENOKEY (Linux-specific, no syscall constant in stdlib)
	case Io:
		return 5 // EIO
	case Busy:
		return 16 // EBUSY
	case QueueDead:
		return 5 // EIO
	case Range:
		return 34 // ERANGE
	default:
		return 1
	}
}

// Error is a vhderr-flavored error: a Kind plus a human-readable reason and
// an optional wrapped cause.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, vhderr.Kind) style comparisons against plain Kind
// values by also supporting comparison against another *Error with the same
// Kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an *Error of the given kind with the given reason and no
// cause; use Wrap to attach one.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap constructs an *Error of the given kind with cause chained via %w, in
// the same spirit as the teacher's xerrors.Errorf("...: %w", err) idiom.
func Wrap(kind Kind, reason string, cause error) *Error {
	wrapped := xerrors.Errorf("%s: %w", reason, cause)
	return &Error{Kind: kind, Reason: reason, Cause: wrapped}
}

// Of returns the Kind of err if err is (or wraps) a *Error, and ok=true.
func Of(err error) (kind Kind, ok bool) {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is (or wraps) a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
