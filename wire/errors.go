package wire

import (
	"errors"
	"fmt"

	"vfsprovider/vfs"
)

// ErrorCode names an error kind on the wire.
type ErrorCode string

const (
	CodeDuplicateID      ErrorCode = "DUPLICATE_ID"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeNotOpen          ErrorCode = "NOT_OPEN"
	CodeQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	CodeOutOfRange       ErrorCode = "OUT_OF_RANGE"
	CodeAborted          ErrorCode = "ABORTED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeAccessDenied     ErrorCode = "ACCESS_DENIED"
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeProtocol         ErrorCode = "PROTOCOL"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeFailed           ErrorCode = "FAILED"
)

var codes = []struct {
	code ErrorCode
	err  error
}{
	{CodeDuplicateID, vfs.ErrDuplicateID},
	{CodeNotFound, vfs.ErrNotFound},
	{CodeNotOpen, vfs.ErrNotOpen},
	{CodeQuotaExceeded, vfs.ErrQuotaExceeded},
	{CodeOutOfRange, vfs.ErrOutOfRange},
	{CodeAborted, vfs.ErrAborted},
	{CodePermissionDenied, vfs.ErrPermissionDenied},
	{CodeAccessDenied, vfs.ErrAccessDenied},
	{CodeInvalidArgument, vfs.ErrInvalidArgument},
	{CodeProtocol, vfs.ErrProtocol},
	{CodeUnavailable, vfs.ErrUnavailable},
}

// ErrFailed is the error kind of a provider failure with no better code.
var ErrFailed = errors.New("provider operation failed")

// Error is an error as carried on the wire.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// NewError converts err to its wire form. Nil maps to nil.
func NewError(err error) *Error {
	if err == nil {
		return nil
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return &Error{Code: c.code, Message: err.Error()}
		}
	}
	return &Error{Code: CodeFailed, Message: err.Error()}
}

// Err converts e back to an error that matches the corresponding vfs
// sentinel with errors.Is.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	base := ErrFailed
	for _, c := range codes {
		if c.code == e.Code {
			base = c.err
			break
		}
	}
	if e.Message == "" || e.Message == base.Error() {
		return base
	}
	return &remoteError{base: base, msg: e.Message}
}

type remoteError struct {
	base error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.base }

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
