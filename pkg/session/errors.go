package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrIllegalState matches every *IllegalStateError.
	ErrIllegalState = errors.New("illegal state")
)

// NotFoundError reports a lookup of an unknown agent, thread, session or namespace.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IllegalStateError is the panic value for calls made in the wrong lifecycle
// state, such as launching a session twice.
type IllegalStateError struct {
	Op    string
	State string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("illegal state: cannot %s: %s", e.Op, e.State)
}

// Is reports whether target is ErrIllegalState.
func (e *IllegalStateError) Is(target error) bool {
	return target == ErrIllegalState
}

func notFound(kind, name string) error {
	return &NotFoundError{Kind: kind, Name: name}
}
