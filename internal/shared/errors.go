package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a write lost a race with a concurrent writer.
	ErrConflict = errors.New("concurrent update conflict")
)
