package fuse

import (
	"context"
	"errors"
	"syscall"

	"vfsprovider/vfs"
)

var errnos = []struct {
	err   error
	errno syscall.Errno
}{
	{vfs.ErrNotFound, syscall.ENOENT},
	{vfs.ErrNotOpen, syscall.EBADF},
	{vfs.ErrQuotaExceeded, syscall.EMFILE},
	{vfs.ErrOutOfRange, syscall.EINVAL},
	{vfs.ErrAborted, syscall.EINTR},
	{vfs.ErrPermissionDenied, syscall.EPERM},
	{vfs.ErrAccessDenied, syscall.EACCES},
	{vfs.ErrInvalidArgument, syscall.EINVAL},
	{vfs.ErrDuplicateID, syscall.EEXIST},
	{vfs.ErrUnavailable, syscall.ENOTCONN},
	{vfs.ErrProtocol, syscall.EIO},
	{context.Canceled, syscall.EINTR},
	{context.DeadlineExceeded, syscall.ETIMEDOUT},
}

// toErrno maps a file system error onto the errno reported to the kernel.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return syscall.EIO
}
