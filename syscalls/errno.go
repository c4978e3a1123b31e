package syscalls

import "golang.org/x/sys/unix"

// ENOSYS is returned for any syscall number this table has no handler
// for (spec.md §4.8: "every unknown syscall returns -ENOSYS").
const ENOSYS = int64(unix.ENOSYS)

// toErrno translates a host error into the negative Linux errno value
// the guest expects in RAX (spec.md §4.8(d)). On a Linux host,
// golang.org/x/sys/unix already hands back Linux's own errno numbering
// (unix.Errno *is* the Linux value here), so this is an identity
// translation in practice — but it stays a named, single-purpose
// function rather than an inline cast, because a non-Linux host build
// would need a real translation table at exactly this call site, the
// way spec.md §4.8 describes a *layer*, not a cast.
func toErrno(err error) int64 {
	if err == nil {
		return 0
	}
	if errno, ok := err.(unix.Errno); ok {
		return -int64(errno)
	}
	return -int64(unix.EIO)
}
