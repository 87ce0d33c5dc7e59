package remote

import (
	"errors"
	"fmt"
)

// Kind classifies a failure crossing the remote boundary.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindNotFound
	KindAuthentication
	KindValidation
	KindConflict
	KindTimeout
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindNotFound:
		return "not found"
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the single typed failure of this subsystem. Op names the call that
// failed and Name the workload or resource it targeted; Err keeps the cause.
type Error struct {
	Kind Kind
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Name != "" {
		msg += " " + e.Name
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error. A nil cause is allowed.
func NewError(kind Kind, op, name string, err error) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: err}
}

// Errorf builds a classified error with a formatted cause.
func Errorf(kind Kind, op, name, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsNetwork(err error) bool        { return KindOf(err) == KindNetwork }
func IsNotFound(err error) bool       { return KindOf(err) == KindNotFound }
func IsAuthentication(err error) bool { return KindOf(err) == KindAuthentication }
func IsValidation(err error) bool     { return KindOf(err) == KindValidation }
func IsConflict(err error) bool       { return KindOf(err) == KindConflict }
func IsTimeout(err error) bool        { return KindOf(err) == KindTimeout }
