// Package ferr defines the federation-wide error taxonomy (§7): a small
// set of typed errors that every component returns instead of panicking,
// and the HTTP status each maps to at the inbox boundary.
package ferr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the taxonomy's error classes.
type Kind int

const (
	// KindPolicyRejected covers ID Policy, visibility, and authority violations.
	KindPolicyRejected Kind = iota
	// KindSignatureInvalid covers bad/missing/expired signatures, digest
	// mismatch, and clock skew.
	KindSignatureInvalid
	// KindNotFound covers a remote 404/410 or a locally-deleted object.
	KindNotFound
	// KindParseError covers malformed JSON or missing required fields.
	KindParseError
	// KindTransientNetwork covers timeouts, DNS failures, 5xx, 429 — retryable.
	KindTransientNetwork
	// KindStorageError covers Object Store failures.
	KindStorageError
	// KindRecursionExceeded covers the Fetcher's request-depth guard.
	KindRecursionExceeded
	// KindDuplicate marks an ap_id already seen; not a real error, swallowed
	// into HTTP 200 by the Inbox Processor.
	KindDuplicate
	// KindUnhandled marks an activity type with no registered handler.
	KindUnhandled
)

func (k Kind) String() string {
	switch k {
	case KindPolicyRejected:
		return "PolicyRejected"
	case KindSignatureInvalid:
		return "SignatureInvalid"
	case KindNotFound:
		return "NotFound"
	case KindParseError:
		return "ParseError"
	case KindTransientNetwork:
		return "TransientNetwork"
	case KindStorageError:
		return "StorageError"
	case KindRecursionExceeded:
		return "RecursionExceeded"
	case KindDuplicate:
		return "Duplicate"
	case KindUnhandled:
		return "Unhandled"
	default:
		return "Unknown"
	}
}

// Error is a typed federation-core error. Call sites type-switch or use
// errors.As to recover the Kind and pick an HTTP status or retry decision.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or something it wraps) is a federation error of
// the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindStorageError (treated
// as a 500) for errors the taxonomy does not otherwise recognize — an
// unclassified failure is safest treated as retryable-by-sender, not as a
// terminal policy rejection.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindStorageError
}

// HTTPStatus maps a Kind to the inbound HTTP response code per §4.6/§7.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindPolicyRejected:
		return 403
	case KindSignatureInvalid:
		return 401
	case KindNotFound:
		return 410
	case KindParseError:
		return 400
	case KindStorageError:
		return 500
	case KindRecursionExceeded:
		return 422
	case KindUnhandled:
		return 501
	case KindDuplicate, KindTransientNetwork:
		return 200
	default:
		return 500
	}
}

// Retryable reports whether the Delivery Queue should retry a send that
// failed with this kind of error, per §7's classification into transient
// (retryable) vs. terminal.
func Retryable(err error) bool {
	return KindOf(err) == KindTransientNetwork
}
