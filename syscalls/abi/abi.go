// Package abi marshals the Linux x86_64 struct layouts the syscall
// layer's syscalls must round-trip between guest memory and host
// golang.org/x/sys/unix structs — stat, timespec, timeval, iovec,
// rlimit, pollfd, dirent, sigaction — exactly as spec.md §4.8(b)
// requires ("marshals any structures ... through dedicated
// host<->linux converters"), grounded on gvisor's pkg/sentry/arch and
// pkg/sentry/mm struct-layout conventions (other_examples) and built
// on the endian package, the only primitive allowed to reinterpret raw
// guest bytes.
package abi

import (
	"github.com/blinkvm/blink/endian"
	"golang.org/x/sys/unix"
)

// SizeofStat is the Linux x86_64 struct stat size.
const SizeofStat = 144

// PutStat encodes a host unix.Stat_t into the guest struct stat layout
// at buf[0:SizeofStat].
func PutStat(buf []byte, st *unix.Stat_t) {
	endian.Store64(buf, 0, st.Dev)
	endian.Store64(buf, 8, st.Ino)
	endian.Store64(buf, 16, uint64(st.Nlink))
	endian.Store32(buf, 24, st.Mode)
	endian.Store32(buf, 28, st.Uid)
	endian.Store32(buf, 32, st.Gid)
	endian.Store32(buf, 36, 0) // padding
	endian.Store64(buf, 40, uint64(st.Rdev))
	endian.Store64(buf, 48, uint64(st.Size))
	endian.Store64(buf, 56, uint64(st.Blksize))
	endian.Store64(buf, 64, uint64(st.Blocks))
	endian.Store64(buf, 72, uint64(st.Atim.Sec))
	endian.Store64(buf, 80, uint64(st.Atim.Nsec))
	endian.Store64(buf, 88, uint64(st.Mtim.Sec))
	endian.Store64(buf, 96, uint64(st.Mtim.Nsec))
	endian.Store64(buf, 104, uint64(st.Ctim.Sec))
	endian.Store64(buf, 112, uint64(st.Ctim.Nsec))
}

// SizeofTimespec is the Linux x86_64 struct timespec size.
const SizeofTimespec = 16

func PutTimespec(buf []byte, sec, nsec int64) {
	endian.Store64(buf, 0, uint64(sec))
	endian.Store64(buf, 8, uint64(nsec))
}

func GetTimespec(buf []byte) (sec, nsec int64) {
	return int64(endian.Load64(buf, 0)), int64(endian.Load64(buf, 8))
}

// SizeofTimeval is the Linux x86_64 struct timeval size.
const SizeofTimeval = 16

func PutTimeval(buf []byte, sec, usec int64) {
	endian.Store64(buf, 0, uint64(sec))
	endian.Store64(buf, 8, uint64(usec))
}

func GetTimeval(buf []byte) (sec, usec int64) {
	return int64(endian.Load64(buf, 0)), int64(endian.Load64(buf, 8))
}

// SizeofIovec is the Linux x86_64 struct iovec size.
const SizeofIovec = 16

// GetIovec reads one struct iovec {void *iov_base; size_t iov_len;}
// at buf[0:16].
func GetIovec(buf []byte) (base uint64, length uint64) {
	return endian.Load64(buf, 0), endian.Load64(buf, 8)
}

// SizeofRlimit is the Linux x86_64 struct rlimit size.
const SizeofRlimit = 16

func GetRlimit(buf []byte) (cur, max uint64) {
	return endian.Load64(buf, 0), endian.Load64(buf, 8)
}

func PutRlimit(buf []byte, cur, max uint64) {
	endian.Store64(buf, 0, cur)
	endian.Store64(buf, 8, max)
}

// SizeofPollfd is the Linux x86_64 struct pollfd size.
const SizeofPollfd = 8

func GetPollfd(buf []byte) (fd int32, events int16) {
	return int32(endian.Load32(buf, 0)), int16(endian.Load16(buf, 4))
}

func PutPollfdRevents(buf []byte, revents int16) {
	endian.Store16(buf, 6, uint16(revents))
}

// SizeofSigaction is the Linux x86_64 struct sigaction (kernel ABI)
// size: handler, flags, restorer, mask.
const SizeofSigaction = 32

func GetSigaction(buf []byte) (handler, flags, restorer, mask uint64) {
	return endian.Load64(buf, 0), endian.Load64(buf, 8),
		endian.Load64(buf, 16), endian.Load64(buf, 24)
}

func PutSigaction(buf []byte, handler, flags, restorer, mask uint64) {
	endian.Store64(buf, 0, handler)
	endian.Store64(buf, 8, flags)
	endian.Store64(buf, 16, restorer)
	endian.Store64(buf, 24, mask)
}

// Dirent64Header is the fixed portion of struct linux_dirent64 that
// precedes the NUL-terminated name.
type Dirent64Header struct {
	Ino    uint64
	Off    uint64
	Reclen uint16
	Type   uint8
}

// PutDirent64 encodes one directory entry (fixed header + name + NUL)
// into buf, returning the number of bytes written (rounded up to an
// 8-byte boundary, matching the kernel's own reclen rounding) or 0 if
// it does not fit.
func PutDirent64(buf []byte, ino uint64, offset uint64, typ uint8, name string) int {
	reclen := (19 + len(name) + 1 + 7) &^ 7
	if reclen > len(buf) {
		return 0
	}
	endian.Store64(buf, 0, ino)
	endian.Store64(buf, 8, offset)
	endian.Store16(buf, 16, uint16(reclen))
	buf[18] = typ
	copy(buf[19:], name)
	buf[19+len(name)] = 0
	return reclen
}

// SizeofStatfs is the Linux x86_64 struct statfs size (fields this
// layer actually populates; trailing reserved words are left zero).
const SizeofStatfs = 120

func PutStatfs(buf []byte, st *unix.Statfs_t) {
	endian.Store64(buf, 0, uint64(st.Type))
	endian.Store64(buf, 8, uint64(st.Bsize))
	endian.Store64(buf, 16, st.Blocks)
	endian.Store64(buf, 24, st.Bfree)
	endian.Store64(buf, 32, st.Bavail)
	endian.Store64(buf, 40, st.Files)
	endian.Store64(buf, 48, st.Ffree)
}
