package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

type ErrorType int

const (
	// ErrConnection covers connect, read and write failures on the transfer
	// socket, including timeouts. It is the only retryable type.
	ErrConnection ErrorType = iota
	// ErrProtocol covers bad magic, malformed frames and offsets beyond the
	// announced file size.
	ErrProtocol
	// ErrFileIO covers local filesystem failures on either side.
	ErrFileIO
	// ErrDiscovery covers malformed or foreign beacons. Never surfaced to callers.
	ErrDiscovery
)

func (t ErrorType) String() string {
	switch t {
	case ErrConnection:
		return "connection"
	case ErrProtocol:
		return "protocol"
	case ErrFileIO:
		return "file-io"
	case ErrDiscovery:
		return "discovery"
	default:
		return fmt.Sprintf("ErrorType(%d)", int(t))
	}
}

type AppError struct {
	Type    ErrorType
	Message string
	Time    time.Time
	Source  string
	Err     error
}

func (c *AppError) Error() string {
	if c.Err == nil {
		return fmt.Sprintf("%s: %s", c.Source, c.Message)
	}
	return fmt.Sprintf("%s: %s: %v", c.Source, c.Message, c.Err)
}

func (c *AppError) Unwrap() error {
	return c.Err
}

// Retryable reports whether retrying the whole session could succeed.
func (c *AppError) Retryable() bool {
	return c.Type == ErrConnection
}

func NewError(errtype ErrorType, source string, msg string, uerror error) *AppError {
	return &AppError{
		Type:    errtype,
		Message: msg,
		Time:    time.Now(),
		Source:  source,
		Err:     uerror,
	}
}

func Connection(source, msg string, err error) *AppError {
	return NewError(ErrConnection, source, msg, err)
}

func Protocol(source, msg string, err error) *AppError {
	return NewError(ErrProtocol, source, msg, err)
}

func FileIO(source, msg string, err error) *AppError {
	return NewError(ErrFileIO, source, msg, err)
}

func Discovery(source, msg string, err error) *AppError {
	return NewError(ErrDiscovery, source, msg, err)
}

// TypeOf returns the type of the first AppError in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type, true
	}
	return 0, false
}

// IsRetryable reports whether err carries a connection-level AppError.
// Unclassified errors are treated as fatal.
func IsRetryable(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return false
}

// Is reports whether err is an AppError of the given type.
func Is(err error, errtype ErrorType) bool {
	t, ok := TypeOf(err)
	return ok && t == errtype
}
