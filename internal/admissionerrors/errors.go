// Package admissionerrors contains the typed errors returned by the admission
// subsystem. Callers branch on KindOf rather than on error strings; the HTTP
// layer uses it to choose a status code.
package admissionerrors

import (
	"errors"
	"fmt"
)

// Conflict reasons.
const (
	ReasonAlreadySubmitted = "already submitted"
	ReasonNotEligible      = "not eligible"
)

// Kind classifies an error into the admission failure taxonomy.
type Kind string

const (
	KindNone           Kind = ""
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindValidation     Kind = "validation"
	KindInfrastructure Kind = "infrastructure"
)

// ErrNotFound is returned whenever a referenced record does not exist.
// Type is the resource type, e.g. "session"; Value is its key.
type ErrNotFound struct {
	Type  string
	Value string
}

func (err *ErrNotFound) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("%s %q not found", err.Type, err.Value)
	}
	return fmt.Sprintf("%q not found", err.Value)
}

// ErrConflict is returned when an operation is refused because of the current
// state of a record: a duplicate submission or a session in the wrong status.
type ErrConflict struct {
	Type   string
	Value  string
	Reason string
}

func (err *ErrConflict) Error() string {
	s := fmt.Sprintf("%s %q: %s", err.Type, err.Value, err.Reason)
	if err.Type == "" {
		s = fmt.Sprintf("%q: %s", err.Value, err.Reason)
	}
	return s
}

// ErrInvalidArgument is returned on malformed input.
type ErrInvalidArgument struct {
	Name    string // Name of the offending field, e.g. "session_id"
	Value   any
	Message string
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// NotFound builds an *ErrNotFound.
func NotFound(typ, value string) error {
	return &ErrNotFound{Type: typ, Value: value}
}

// Conflict builds an *ErrConflict.
func Conflict(typ, value, reason string) error {
	return &ErrConflict{Type: typ, Value: value, Reason: reason}
}

// InvalidArgument builds an *ErrInvalidArgument.
func InvalidArgument(name string, value any, message string) error {
	return &ErrInvalidArgument{Name: name, Value: value, Message: message}
}

// KindOf looks through the error chain and classifies err. Anything not
// recognised is treated as an infrastructure failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		notFound *ErrNotFound
		conflict *ErrConflict
		invalid  *ErrInvalidArgument
	)
	switch {
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &invalid):
		return KindValidation
	}
	return KindInfrastructure
}

// IsNotFound reports whether err is, or wraps, an *ErrNotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is, or wraps, an *ErrConflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// ConflictReason returns the reason of the first *ErrConflict in the chain, or
// the empty string.
func ConflictReason(err error) string {
	var conflict *ErrConflict
	if errors.As(err, &conflict) {
		return conflict.Reason
	}
	return ""
}
