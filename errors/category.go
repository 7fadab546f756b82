package errors

import "errors"

// Category classifies a failure by its effect on the connection it occurred
// on. Local categories leave the connection usable; IO and authentication
// failures always poison it.
type Category string

const (
	// CategoryConfiguration indicates bad or missing tuning values. Local.
	CategoryConfiguration Category = "configuration"
	// CategoryEncoding indicates an unsupported or failed text encoding. Local.
	CategoryEncoding Category = "encoding"
	// CategoryAuthentication indicates a failed handshake. Connection fatal.
	CategoryAuthentication Category = "authentication"
	// CategoryIO indicates a transport-level failure. Connection fatal and
	// always preceded by a forced disconnect.
	CategoryIO Category = "io"
	// CategoryProtocol indicates a structured error response from the server.
	CategoryProtocol Category = "protocol"
	// CategoryNoOpenCursor indicates query paging misuse. Local.
	CategoryNoOpenCursor Category = "no open cursor"
)

// WithCategory decorates the error with a failure category.
func WithCategory(err error, category Category) error {
	if err == nil {
		return nil
	}

	return &withCategory{cause: err, category: category}
}

// GetCategory returns the failure category inside the given error.
func GetCategory(err error) Category {
	if c, ok := err.(*withCategory); ok {
		return c.category
	}

	if n := errors.Unwrap(err); n != nil {
		inner := GetCategory(n)
		if inner != "" {
			return inner
		}
	}

	return ""
}

type withCategory struct {
	cause    error
	category Category
}

func (w *withCategory) Error() string { return w.cause.Error() }
func (w *withCategory) Unwrap() error { return w.cause }
