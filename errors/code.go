package errors

import (
	"errors"

	"github.com/datagrid-go/irodswire/codes"
)

// WithCode decorates the error with an iRODS error code.
func WithCode(err error, code codes.Code) error {
	if err == nil {
		return nil
	}

	return &withCode{cause: err, code: code}
}

// GetCode returns the iRODS error code inside the given error. Zero is
// returned when no code has been defined.
func GetCode(err error) codes.Code {
	if c, ok := err.(*withCode); ok {
		return c.code
	}

	if n := errors.Unwrap(err); n != nil {
		inner := GetCode(n)
		if inner != 0 {
			return inner
		}
	}

	return 0
}

type withCode struct {
	cause error
	code  codes.Code
}

func (w *withCode) Error() string { return w.cause.Error() }
func (w *withCode) Unwrap() error { return w.cause }
