package store

import "fmt"

// ConflictError is returned when a write would violate a uniqueness
// constraint the store enforces itself rather than delegating to SQL
// (port uniqueness across all proxies, whatever their status; deleting a
// running proxy).
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

// NotFoundError is returned when a lookup by id finds no row.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}
