package errors

import (
	"context"
	stderr "errors"
	"syscall"
)

// ToErrno maps an error to the errno a filesystem call should return.
// A nil error maps to 0.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if stderr.As(err, &errno) {
		return errno
	}
	if stderr.Is(err, context.Canceled) {
		return syscall.EINTR
	}
	if stderr.Is(err, context.DeadlineExceeded) {
		return syscall.ETIMEDOUT
	}
	if e, ok := As(err); ok {
		switch e.Code {
		case "DirectoryNotEmpty":
			return syscall.ENOTEMPTY
		case "IsDirectory":
			return syscall.EISDIR
		case "Exists":
			return syscall.EEXIST
		}
	}

	switch KindOf(err) {
	case KindNotFound:
		return syscall.ENOENT
	case KindAuthFailure:
		return syscall.EACCES
	case KindInvalidRange, KindInvalidConfig:
		return syscall.EINVAL
	case KindPoolShutdown:
		return syscall.ECANCELED
	case KindInvalidState:
		return syscall.EBUSY
	default:
		// network, throttled, transient and permanent server failures
		return syscall.EIO
	}
}
