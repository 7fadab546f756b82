package errors

import (
	"errors"
	"fmt"

	"github.com/datagrid-go/irodswire/codes"
)

// Error contains the flattened details of an iRODS wire protocol error. Most
// fields are optional and are only present when the server or the local
// failure site provided them.
type Error struct {
	Code     codes.Code
	Category Category
	Message  string
}

// Flatten returns a flattened error which could be used to report a failure
// to a caller without walking the wrapped error chain by hand.
func Flatten(err error) Error {
	if err == nil {
		return Error{
			Category: CategoryProtocol,
			Message:  "unknown error, an internal process attempted to throw an error",
		}
	}

	return Error{
		Code:     GetCode(err),
		Category: GetCategory(err),
		Message:  err.Error(),
	}
}

// ErrClosedCursor is thrown when attempting to continue a query whose
// server-side cursor has already been closed or exhausted.
var ErrClosedCursor = errors.New("no open cursor for result set")

// NewNoOpenCursor constructs a new error wrapping ErrClosedCursor with
// additional metadata. The failure is local to the query and does not affect
// the connection.
func NewNoOpenCursor() error {
	return WithCategory(ErrClosedCursor, CategoryNoOpenCursor)
}

// ErrDisconnected is thrown when an operation is attempted on a connection
// that is no longer connected.
var ErrDisconnected = errors.New("connection is closed")

// NewConfiguration constructs a configuration error. Configuration failures
// are local and never affect an open connection.
func NewConfiguration(format string, args ...any) error {
	return WithCategory(fmt.Errorf(format, args...), CategoryConfiguration)
}

// NewEncoding constructs an encoding error, thrown when the configured text
// encoding is unsupported or a message could not be encoded. Encoding
// failures are local and never fatal to the connection.
func NewEncoding(err error) error {
	return WithCategory(err, CategoryEncoding)
}

// NewAuthentication constructs an authentication error. A failed handshake
// never yields a reusable connection; the caller is expected to force
// disconnect.
func NewAuthentication(code codes.Code, message string) error {
	return WithCategory(WithCode(errors.New(message), code), CategoryAuthentication)
}

// NewIOFailure constructs a transport-level failure wrapping the underlying
// cause. IO failures are always connection fatal and are surfaced after the
// connection has been forcefully disconnected.
func NewIOFailure(err error) error {
	return WithCategory(err, CategoryIO)
}

// NewProtocol constructs an error representing a structured error response
// returned by the server. The connection remains usable unless the server
// also closed the socket.
func NewProtocol(code codes.Code, message string) error {
	return WithCategory(WithCode(fmt.Errorf("%s: code %d", message, code), code), CategoryProtocol)
}

// IsConnectionFatal reports whether the given error poisons the connection it
// occurred on. Callers treat a fatal error as "this session is gone" rather
// than retrying on the same handle.
func IsConnectionFatal(err error) bool {
	switch GetCategory(err) {
	case CategoryIO, CategoryAuthentication:
		return true
	default:
		return false
	}
}
