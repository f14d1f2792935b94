// Package errs defines the kernel's error-kind convention: small
// negative integers returned alongside a value, per the taxonomy of
// spec §7, rather than Go's usual error interface on every call.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// / Err_t is a kernel error kind. Zero means success; all failures are
// / negative, matching the negative-errno convention callers expect
// / from the syscall surface.
type Err_t int

const (
	EPERM        Err_t = -1
	ENOENT       Err_t = -2
	EBADF        Err_t = -9
	ENOMEM       Err_t = -12
	EACCES       Err_t = -13
	EFAULT       Err_t = -14
	ENOTBLK      Err_t = -15
	EEXIST       Err_t = -17
	ENODEV       Err_t = -19
	EISDIR       Err_t = -21
	EINVAL       Err_t = -22
	EMFILE       Err_t = -24
	ENOSPC       Err_t = -28
	EROFS        Err_t = -30
	ENAMETOOLONG Err_t = -36
	ENOEXEC      Err_t = -8
	E2BIG        Err_t = -7
	EOVERFLOW    Err_t = -75
	ENOHEAP      Err_t = -1000
)

var names = map[Err_t]string{
	EPERM:        "operation not permitted",
	ENOENT:       "no such entity",
	EBADF:        "bad descriptor",
	ENOMEM:       "out of memory",
	EACCES:       "permission denied",
	EFAULT:       "bad address",
	ENOTBLK:      "not a block device",
	EEXIST:       "already exists",
	ENODEV:       "no such device",
	EISDIR:       "is a directory",
	EINVAL:       "invalid argument",
	EMFILE:       "too many open files",
	ENOSPC:       "no space left",
	EROFS:        "read-only store",
	ENAMETOOLONG: "name too long",
	ENOEXEC:      "exec format error",
	E2BIG:        "argument list too big",
	EOVERFLOW:    "value too large",
	ENOHEAP:      "kernel heap exhausted",
}

// / Error satisfies the standard error interface so Err_t can be
// / wrapped at logging boundaries without abandoning the negative-int
// / convention on the hot path.
func (e Err_t) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int(e))
}

// / Ok reports whether e represents success.
func (e Err_t) Ok() bool {
	return e == 0
}

// / Wrap attaches a call-site stack trace to e via github.com/pkg/errors,
// / for diagnostics only; the returned error is never propagated back
// / through an Err_t-typed return value.
func Wrap(e Err_t, context string) error {
	if e == 0 {
		return nil
	}
	return errors.Wrap(e, context)
}
