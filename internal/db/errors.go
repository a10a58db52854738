package db

import (
	"errors"
	"io/fs"

	sqlite3 "github.com/meow-io/go-sqlcipher"
)

// The error taxonomy at the store boundary. Busy is transient and may be
// retried by the caller; Constraint is a caller error; Schema indicates a
// migration bug; IO covers disk and file failure.
var (
	ErrBusy       = errors.New("db: busy")
	ErrConstraint = errors.New("db: constraint violation")
	ErrIO         = errors.New("db: io failure")
	ErrSchema     = errors.New("db: schema error")
)

type classifiedError struct {
	kind  error
	cause error
}

func (e *classifiedError) Error() string {
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Is(target error) bool {
	return target == e.kind
}

// classify maps driver and filesystem errors into the boundary taxonomy.
// Errors with no mapping pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &classifiedError{kind: ErrBusy, cause: err}
		case sqlite3.ErrConstraint:
			return &classifiedError{kind: ErrConstraint, cause: err}
		case sqlite3.ErrError, sqlite3.ErrSchema:
			return &classifiedError{kind: ErrSchema, cause: err}
		case sqlite3.ErrIoErr, sqlite3.ErrFull, sqlite3.ErrCantOpen, sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return &classifiedError{kind: ErrIO, cause: err}
		}
		return err
	}
	var perr *fs.PathError
	if errors.As(err, &perr) {
		return &classifiedError{kind: ErrIO, cause: err}
	}
	return err
}

// Classify exposes the taxonomy mapping to repositories wrapping their own
// driver errors.
func Classify(err error) error {
	return classify(err)
}
