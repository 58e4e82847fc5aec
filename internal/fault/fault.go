// Package fault defines the error taxonomy shared by every archive component.
//
// Each failure surfaced to a caller maps to exactly one Kind, independent of
// which backend produced the underlying fault:
//
//   - Validation: malformed input, rejected before any mutation.
//   - Conflict: duplicate or concurrent creation (AlreadyExists, Pending).
//   - NotFound: missing blob, metadata or index row on a read path.
//   - Transient: a backend failure; retry policy belongs to the caller.
//   - Invariant: an impossible state; never coerced into another kind.
//
// Use errors.Is with the exported sentinels, or KindOf, to classify.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling purposes.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindTransient
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not-found"
	case KindTransient:
		return "transient"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Reason refines KindConflict.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonAlreadyExists
	ReasonPending
)

func (r Reason) String() string {
	switch r {
	case ReasonAlreadyExists:
		return "already-exists"
	case ReasonPending:
		return "pending"
	default:
		return ""
	}
}

var (
	// ErrAlreadyExists matches conflicts where a Created row already exists.
	ErrAlreadyExists = errors.New("instance already exists")
	// ErrPending matches conflicts where another create is still in progress.
	ErrPending = errors.New("instance is being created")
	// ErrNotFound matches every NotFound error.
	ErrNotFound = errors.New("not found")
	// ErrValidation matches every Validation error.
	ErrValidation = errors.New("validation failed")
	// ErrTransient matches every Transient error.
	ErrTransient = errors.New("backend failure")
	// ErrInvariant matches every Invariant error.
	ErrInvariant = errors.New("invariant violation")
)

// Error is a classified error.
type Error struct {
	Kind   Kind
	Reason Reason
	Op     string // operation that failed, e.g. "index.create"
	Msg    string
	Err    error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		if s := e.sentinel(); s != nil {
			msg = s.Error()
		} else {
			msg = "unknown error"
		}
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for this error's kind or reason.
func (e *Error) Is(target error) bool {
	if target == e.sentinel() {
		return true
	}
	return e.Kind == KindConflict && target == conflictKindSentinel
}

// conflictKindSentinel lets IsConflict match both conflict reasons.
var conflictKindSentinel = errors.New("conflict")

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindValidation:
		return ErrValidation
	case KindConflict:
		if e.Reason == ReasonPending {
			return ErrPending
		}
		return ErrAlreadyExists
	case KindNotFound:
		return ErrNotFound
	case KindTransient:
		return ErrTransient
	case KindInvariant:
		return ErrInvariant
	default:
		return nil
	}
}

// Validation returns a Validation error.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ValidationWrap returns a Validation error wrapping err.
func ValidationWrap(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// AlreadyExists returns a Conflict error with reason AlreadyExists.
func AlreadyExists(op, msg string) error {
	return &Error{Kind: KindConflict, Reason: ReasonAlreadyExists, Op: op, Msg: msg}
}

// Pending returns a Conflict error with reason Pending.
func Pending(op, msg string) error {
	return &Error{Kind: KindConflict, Reason: ReasonPending, Op: op, Msg: msg}
}

// NotFound returns a NotFound error.
func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundWrap returns a NotFound error wrapping err.
func NotFoundWrap(op string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// Transient wraps a backend failure. Already-classified errors are returned
// as-is so a NotFound raised deeper in a backend keeps its kind.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Invariant returns an Invariant error.
func Invariant(op, format string, args ...any) error {
	return &Error{Kind: KindInvariant, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsConflict reports whether err is a Conflict of any reason.
func IsConflict(err error) bool {
	return errors.Is(err, conflictKindSentinel)
}

// Failure reason codes reported to DICOM clients for store failures.
const (
	CodeProcessingFailure  uint16 = 272
	CodeValidationFailure  uint16 = 43264
	CodeMismatchStudyUID   uint16 = 43265
	CodeSOPAlreadyExists   uint16 = 45070
	CodePendingSOPInstance uint16 = 45071
)

// ReasonCode maps a store failure to its DICOM failure reason code.
func ReasonCode(err error) uint16 {
	switch {
	case errors.Is(err, ErrAlreadyExists):
		return CodeSOPAlreadyExists
	case errors.Is(err, ErrPending):
		return CodePendingSOPInstance
	case errors.Is(err, ErrValidation):
		return CodeValidationFailure
	default:
		return CodeProcessingFailure
	}
}
