package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRunNotFound is returned for operations against an absent or pruned run.
var ErrRunNotFound = errors.New("run not found")

// ErrRunCanceled is the cooperative cancellation signal. A work unit that
// observes it at a checkpoint returns it from Run; the worker treats it as a
// clean cancel, never as a failure.
var ErrRunCanceled = errors.New("run canceled")

// AdmissionError is returned when run creation would exceed the configured
// maximum of simultaneously active runs.
type AdmissionError struct {
	Max    int
	Active int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("maximum parallel run limit reached: max %d, already active %d", e.Max, e.Active)
}

// ValidationError names the symbols that made a batch request invalid.
type ValidationError struct {
	Invalid []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid ticker symbol(s): %s", strings.Join(e.Invalid, ", "))
}
