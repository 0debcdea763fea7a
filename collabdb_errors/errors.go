// Provides common collabdb errors definitions.
package collabdb_errors

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrDatabaseNotExist  = errors.New("collabdb: database not exist")
	ErrNoRequiredData    = errors.New("collabdb: no required data")
	ErrInternal          = errors.New("collabdb: internal error")
	ErrInvalidDatabaseID = errors.New("collabdb: invalid database id")
	ErrInvalidViewID     = errors.New("collabdb: invalid view id")
	ErrInvalidRowID      = errors.New("collabdb: invalid row id")
	ErrClosed            = errors.New("collabdb: closed")
)

type internalError struct {
	cause error
}

func (e *internalError) Error() string {
	return ErrInternal.Error() + ": " + e.cause.Error()
}

func (e *internalError) Unwrap() []error {
	return []error{ErrInternal, e.cause}
}

// Internal wraps an unexpected collaborator failure. The result matches
// ErrInternal as well as the original cause under errors.Is.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInternal) {
		return err
	}
	return &internalError{cause: pkgerrors.WithStack(err)}
}

// Internalf builds an Internal error from a message.
func Internalf(format string, args ...any) error {
	return &internalError{cause: pkgerrors.Errorf(format, args...)}
}
