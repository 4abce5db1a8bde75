// Package kerr defines the error kinds returned across the thread and IRQ
// API boundary, and the fatal path taken when an internal invariant breaks.
package kerr

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfResources  = errors.New("out of resources")
	ErrAlreadyBusy     = errors.New("already busy")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// InvariantError is the panic value used when an internal invariant does not
// hold. It is never returned as an error.
type InvariantError struct {
	Invariant string
	Subject   string
	ID        int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated: %s (%s %d)", e.Invariant, e.Subject, e.ID)
}

// Fatal aborts with a diagnostic naming the violated invariant and the
// offending thread or vector.
func Fatal(invariant, subject string, id int) {
	panic(&InvariantError{Invariant: invariant, Subject: subject, ID: id})
}
