package evloop

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured error carrying the failed operation, a high-level
// code, and (when the failure came from a syscall) the originating errno.
type Error struct {
	Op    string // operation that failed (e.g. "start", "add_fd")
	SrcID uint64 // source id (0 if not applicable)
	Code  ErrorCode
	Errno syscall.Errno // kernel errno (0 if not applicable)
	Msg   string
	Inner error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.SrcID != 0 {
		parts = append(parts, fmt.Sprintf("id=%d", e.SrcID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("evloop: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("evloop: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports comparison against another *Error by Code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode is a high-level error category.
type ErrorCode string

const (
	ErrCodeAllocation      ErrorCode = "allocation failed"
	ErrCodeAlreadyStarted  ErrorCode = "already started"
	ErrCodeNotStarted      ErrorCode = "not started"
	ErrCodeBackendRejected ErrorCode = "backend rejected operation"
	ErrCodeUnsupported     ErrorCode = "unsupported"
	ErrCodeInvalidArgument ErrorCode = "invalid argument"
	ErrCodeIOError         ErrorCode = "I/O error"
	ErrCodeTimeout         ErrorCode = "timeout"
)

// NewError creates a structured error with no errno attached.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a structured error carrying a kernel errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewSourceError creates a structured error scoped to a specific source id.
func NewSourceError(op string, srcID uint64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, SrcID: srcID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with evloop context, mapping a bare
// syscall.Errno to the closest ErrorCode.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{Op: op, SrcID: e.SrcID, Code: e.Code, Errno: e.Errno, Msg: e.Msg, Inner: e.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidArgument
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeUnsupported
	case syscall.ENOMEM:
		return ErrCodeAllocation
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err is (or wraps) an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err is (or wraps) an *Error with the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
