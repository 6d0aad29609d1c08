package store

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the store packages matches exactly
// one of these with errors.Is.
var (
	// ErrConflict: a store or collection already exists.
	ErrConflict = errors.New("conflict")

	// ErrNotFound: a store or collection was never created.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument: blank names, bad versions, malformed rows, reserved keys.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrLifecycle: the resource is shut down, closed, or busy initializing.
	ErrLifecycle = errors.New("lifecycle violation")

	// ErrOperation: the underlying database call failed.
	ErrOperation = errors.New("operation failed")
)

// Error carries the kind, the operation and the store or collection name
// involved, plus an optional cause.
type Error struct {
	Kind error  // one of the Err* kinds above
	Op   string // e.g. "create database", "with lock"
	Name string // store or collection name, may be empty
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	s := e.Op
	if e.Name != "" {
		s += " " + fmt.Sprintf("%q", e.Name)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is matches the error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Conflict returns an ErrConflict for op on name.
func Conflict(op, name, msg string) *Error {
	return &Error{Kind: ErrConflict, Op: op, Name: name, Msg: msg}
}

// NotFound returns an ErrNotFound for op on name.
func NotFound(op, name, msg string) *Error {
	return &Error{Kind: ErrNotFound, Op: op, Name: name, Msg: msg}
}

// InvalidArgument returns an ErrInvalidArgument for op on name.
func InvalidArgument(op, name, msg string) *Error {
	return &Error{Kind: ErrInvalidArgument, Op: op, Name: name, Msg: msg}
}

// Lifecycle returns an ErrLifecycle for op on name.
func Lifecycle(op, name, msg string) *Error {
	return &Error{Kind: ErrLifecycle, Op: op, Name: name, Msg: msg}
}

// Operation wraps a failure of the underlying database call. A nil err
// yields nil, and an err that already carries a kind is returned as is.
func Operation(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: ErrOperation, Op: op, Name: name, Err: err}
}

// KindOf returns the kind of err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{ErrConflict, ErrNotFound, ErrInvalidArgument, ErrLifecycle, ErrOperation} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
