package thread

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrThreadClosed is returned by every mutation of a closed thread.
	ErrThreadClosed = errors.New("thread closed")

	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("thread validation failed")
)

// ValidationError reports a rejected thread operation. The session continues;
// the error is surfaced to the calling agent.
type ValidationError struct {
	ThreadID string
	Op       string
	Reason   string
	Names    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("thread %s: %s: %s: %s", e.ThreadID, e.Op, e.Reason, strings.Join(e.Names, ", "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
