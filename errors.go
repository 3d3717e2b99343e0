// Package dxrt provides the scheduler service runtime: device pool,
// memory arena, request scheduler, IPC server and liveness watchdog for a
// small pool of NPU accelerators shared by many client processes.
package dxrt

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured dxrt error with context and errno mapping.
type Error struct {
	Op     string    // Operation that failed (e.g. "TASK_INIT", "SCHEDULE")
	DevID  uint32    // Device ID (0 if not applicable)
	Queue  int       // DMA channel (-1 if not applicable)
	Code   ErrorKind // High-level error category
	Errno  syscall.Errno
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("ch=%d", e.Queue))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("dxrt: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("dxrt: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports comparison against both the legacy sentinel errors below and
// other structured errors of the same kind.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if se, ok := target.(SentinelError); ok {
		return e.Code == ErrorKind(se)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorKind is one of the eight error kinds of the service's error model.
type ErrorKind string

const (
	ErrCodeInvalidArgument     ErrorKind = "invalid argument"
	ErrCodeFileNotFound        ErrorKind = "file not found"
	ErrCodeDeviceIO            ErrorKind = "device I/O error"
	ErrCodeServiceIO           ErrorKind = "service I/O error"
	ErrCodeNotEnoughMemory     ErrorKind = "not enough memory"
	ErrCodeInvalidOperation    ErrorKind = "invalid operation"
	ErrCodeDeviceResponseFault ErrorKind = "device response fault"
	ErrCodeTermination         ErrorKind = "termination"
)

// SentinelError is the small set of top-level sentinels simple callers can
// compare against directly with errors.Is, mirroring the kind table above.
type SentinelError string

func (e SentinelError) Error() string {
	return string(e)
}

const (
	ErrInvalidArgument     SentinelError = SentinelError(ErrCodeInvalidArgument)
	ErrFileNotFound        SentinelError = SentinelError(ErrCodeFileNotFound)
	ErrDeviceIO            SentinelError = SentinelError(ErrCodeDeviceIO)
	ErrServiceIO           SentinelError = SentinelError(ErrCodeServiceIO)
	ErrNotEnoughMemory     SentinelError = SentinelError(ErrCodeNotEnoughMemory)
	ErrInvalidOperation    SentinelError = SentinelError(ErrCodeInvalidOperation)
	ErrDeviceResponseFault SentinelError = SentinelError(ErrCodeDeviceResponseFault)
	ErrTermination         SentinelError = SentinelError(ErrCodeTermination)
)

// NewError creates a new structured error.
func NewError(op string, code ErrorKind, msg string) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error carrying a kernel errno.
func NewErrorWithErrno(op string, code ErrorKind, errno syscall.Errno) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewDeviceError creates a device-scoped error.
func NewDeviceError(op string, devID uint32, code ErrorKind, msg string) *Error {
	return &Error{Op: op, DevID: devID, Queue: -1, Code: code, Msg: msg}
}

// NewChannelError creates a DMA-channel-scoped error.
func NewChannelError(op string, devID uint32, ch int, code ErrorKind, msg string) *Error {
	return &Error{Op: op, DevID: devID, Queue: ch, Code: code, Msg: msg}
}

// WrapError wraps an existing error with dxrt context, mapping syscall
// errnos to error kinds.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if de, ok := inner.(*Error); ok {
		return &Error{Op: op, DevID: de.DevID, Queue: de.Queue, Code: de.Code, Errno: de.Errno, Msg: de.Msg, Inner: de.Inner}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Queue: -1, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}

	return &Error{Op: op, Queue: -1, Code: ErrCodeDeviceIO, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode maps a kernel errno to an error kind. EBUSY is
// deliberately DeviceIO, not a distinct kind: the scheduler distinguishes
// it by errno, not by kind, to decide whether to retry (spec Sec 4.A).
func mapErrnoToCode(errno syscall.Errno) ErrorKind {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeFileNotFound
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidArgument
	case syscall.ENOSYS, syscall.EOPNOTSUPP, syscall.EPERM, syscall.EACCES:
		return ErrCodeInvalidOperation
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeNotEnoughMemory
	default:
		return ErrCodeDeviceIO
	}
}

// IsCode reports whether err is a structured *Error of the given kind.
func IsCode(err error, code ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err is a structured *Error carrying the given
// errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
