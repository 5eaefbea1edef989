package errors

import (
	"golang.org/x/sys/unix"
)

// Status values crossing the algorithm ABI are negated errno codes, 0 meaning success.
const (
	StatusOK int32 = 0
)

var (
	EINVAL    = Status(unix.EINVAL)
	EAGAIN    = Status(unix.EAGAIN)
	ETIMEDOUT = Status(unix.ETIMEDOUT)
	EBADF     = Status(unix.EBADF)
	ENODEV    = Status(unix.ENODEV)
	EPIPE     = Status(unix.EPIPE)
	ECANCELED = Status(unix.ECANCELED)
	ENOMEM    = Status(unix.ENOMEM)
	EIO       = Status(unix.EIO)
)

func Status(errno unix.Errno) int32 {
	return -int32(errno)
}

// StatusFromError maps err to a negated errno. Unavailable errors are retryable and map to -EAGAIN.
func StatusFromError(err error) int32 {
	if err == nil {
		return StatusOK
	}
	var errno unix.Errno
	if As(err, &errno) {
		return Status(errno)
	}
	var cerr CamError
	if As(err, &cerr) {
		switch cerr.Code {
		case Unavailable:
			return EAGAIN
		case ConnectionError, ShutdownError:
			return EPIPE
		case InvalidConfiguration, ProtocolError:
			return EINVAL
		}
	}
	return EIO
}

func StatusString(status int32) string {
	if status >= 0 {
		return "OK"
	}
	return unix.Errno(-status).Error()
}
