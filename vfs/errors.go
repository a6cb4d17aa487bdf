package vfs

import "errors"

// Error kinds reported by the registry and by mounted filesystems.
// Callers match them with errors.Is; returned errors usually wrap one of
// these with extra context.
var (
	ErrDuplicateID      = errors.New("file system id already mounted")
	ErrNotFound         = errors.New("not found")
	ErrNotOpen          = errors.New("file not open")
	ErrQuotaExceeded    = errors.New("opened files limit reached")
	ErrOutOfRange       = errors.New("offset or length out of range")
	ErrAborted          = errors.New("request aborted")
	ErrPermissionDenied = errors.New("permission denied")

	ErrAccessDenied    = errors.New("access denied")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrProtocol        = errors.New("provider protocol violation")
	ErrUnavailable     = errors.New("provider unavailable")
)
