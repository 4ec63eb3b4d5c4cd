package xenstored

import (
	"errors"
	"fmt"
)

// ErrorCode is the errno-style code carried in an error reply payload.
type ErrorCode string

const (
	EINVAL    ErrorCode = "EINVAL"
	EACCES    ErrorCode = "EACCES"
	EEXIST    ErrorCode = "EEXIST"
	EISDIR    ErrorCode = "EISDIR"
	ENOENT    ErrorCode = "ENOENT"
	ENOMEM    ErrorCode = "ENOMEM"
	ENOSPC    ErrorCode = "ENOSPC"
	EIO       ErrorCode = "EIO"
	ENOTEMPTY ErrorCode = "ENOTEMPTY"
	ENOSYS    ErrorCode = "ENOSYS"
	EROFS     ErrorCode = "EROFS"
	EBUSY     ErrorCode = "EBUSY"
	EAGAIN    ErrorCode = "EAGAIN"
	EISCONN   ErrorCode = "EISCONN"
	E2BIG     ErrorCode = "E2BIG"
)

// Error is the one error type that crosses the protocol boundary.
// Every Error maps to an error reply; none of them tear down the daemon.
type Error struct {
	Code    ErrorCode
	Message string
}

func (self *Error) Error() string {
	return fmt.Sprintf("%s: %s", self.Code, self.Message)
}

func Errorf(code ErrorCode, format string, a ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

// ErrorFromCode maps a wire errno string back into an Error.
// Unrecognized codes decode as EIO.
func ErrorFromCode(code string) *Error {
	switch c := ErrorCode(code); c {
	case EINVAL, EACCES, EEXIST, EISDIR, ENOENT, ENOMEM, ENOSPC,
		EIO, ENOTEMPTY, ENOSYS, EROFS, EBUSY, EAGAIN, EISCONN, E2BIG:
		return &Error{Code: c}
	default:
		return &Error{Code: EIO, Message: code}
	}
}

func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
