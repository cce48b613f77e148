package database

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a row with the requested id does not exist.
var ErrNotFound = errors.New("not found")

// ErrIncomplete is returned when publishing a course whose sections are not all generated.
var ErrIncomplete = errors.New("course has sections that are not generated")

// ConflictError reports a conditional write rejected because the stored
// status was not the one the caller expected.
type ConflictError struct {
	Entity   string
	ID       int64
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %d: expected status %s, found %s", e.Entity, e.ID, e.Expected, e.Actual)
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
