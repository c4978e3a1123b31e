package syscalls

import (
	"github.com/blinkvm/blink/machine"
	"github.com/blinkvm/blink/syscalls/abi"
	"golang.org/x/sys/unix"
)

func (t *Table) registerFSMeta() {
	t.register(sysStat, sysStat_)
	t.register(sysFstat, sysFstat_)
	t.register(sysLstat, sysLstat_)
	t.register(sysFstatat, sysFstatat_)
	t.register(sysReadlink, sysReadlink_)
	t.register(sysReadlinkat, sysReadlinkat_)
	t.register(sysAccess, sysAccess_)
	t.register(sysFaccessat, sysFaccessat_)
	t.register(sysGetdents64, sysGetdents64_)
	t.register(sysMkdir, sysMkdir_)
	t.register(sysMkdirat, sysMkdirat_)
	t.register(sysRmdir, sysRmdir_)
	t.register(sysUnlink, sysUnlink_)
	t.register(sysUnlinkat, sysUnlinkat_)
	t.register(sysRename, sysRename_)
	t.register(sysRenameat, sysRenameat_)
	t.register(sysRenameat2, sysRenameat2_)
	t.register(sysLink, sysLink_)
	t.register(sysLinkat, sysLinkat_)
	t.register(sysSymlink, sysSymlink_)
	t.register(sysSymlinkat, sysSymlinkat_)
	t.register(sysChmod, sysChmod_)
	t.register(sysFchmod, sysFchmod_)
	t.register(sysFchmodat, sysFchmodat_)
	t.register(sysChown, sysChown_)
	t.register(sysFchown, sysFchown_)
	t.register(sysLchown, sysLchown_)
	t.register(sysMknod, sysMknod_)
	t.register(sysStatfs, sysStatfs_)
	t.register(sysFstatfs, sysFstatfs_)
	t.register(sysUmask, sysUmask_)
	t.register(sysUtimes, sysUtimes_)
	t.register(sysUtimensat, sysUtimensat_)
	t.register(sysChdir, sysChdir_)
	t.register(sysFchdir, sysFchdir_)
	t.register(sysGetcwd, sysGetcwd_)
}

func statOut(m *machine.Machine, virt uint64, st *unix.Stat_t) error {
	buf := make([]byte, abi.SizeofStat)
	abi.PutStat(buf, st)
	return copyOut(m, virt, buf)
}

func sysStat_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return 0, statOut(m, a.A1, &st)
}

func sysFstat_(t *Table, m *machine.Machine, a Args) (int64, error) {
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(e.Host, &st); err != nil {
		return 0, err
	}
	return 0, statOut(m, a.A1, &st)
}

func sysLstat_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return 0, err
	}
	return 0, statOut(m, a.A1, &st)
}

func resolveAt(m *machine.Machine, dirfd int32, path string) (string, error) {
	if dirfd == unix.AT_FDCWD || len(path) == 0 || path[0] == '/' {
		return path, nil
	}
	e, err := fd(m, int(dirfd))
	if err != nil {
		return "", err
	}
	return e.Path + "/" + path, nil
}

func sysFstatat_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A1)
	if err != nil {
		return 0, err
	}
	path, err = resolveAt(m, int32(a.A0), path)
	if err != nil {
		return 0, err
	}
	var st unix.Stat_t
	flags := 0
	if a.A3&unix.AT_SYMLINK_NOFOLLOW != 0 {
		flags |= unix.AT_SYMLINK_NOFOLLOW
	}
	if err := unix.Fstatat(unix.AT_FDCWD, path, &st, flags); err != nil {
		return 0, err
	}
	return 0, statOut(m, a.A2, &st)
}

func sysReadlink_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	return doReadlink(m, path, a.A1, int(a.A2))
}

func sysReadlinkat_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A1)
	if err != nil {
		return 0, err
	}
	path, err = resolveAt(m, int32(a.A0), path)
	if err != nil {
		return 0, err
	}
	return doReadlink(m, path, a.A2, int(a.A3))
}

func doReadlink(m *machine.Machine, path string, bufVirt uint64, size int) (int64, error) {
	buf := make([]byte, size)
	n, err := unix.Readlink(path, buf)
	if err != nil {
		return 0, err
	}
	if err := copyOut(m, bufVirt, buf[:n]); err != nil {
		return 0, err
	}
	return int64(n), nil
}

func sysAccess_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	return 0, unix.Access(path, uint32(a.A1))
}

func sysFaccessat_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A1)
	if err != nil {
		return 0, err
	}
	path, err = resolveAt(m, int32(a.A0), path)
	if err != nil {
		return 0, err
	}
	return 0, unix.Access(path, uint32(a.A2))
}

func sysGetdents64_(t *Table, m *machine.Machine, a Args) (int64, error) {
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	host := make([]byte, a.A2)
	n, err := unix.ReadDirent(e.Host, host)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	// ReadDirent hands back the host kernel's own linux_dirent64
	// layout on a Linux host, which is already the guest ABI, so it is
	// copied through verbatim rather than re-marshaled entry by entry.
	if err := copyOut(m, a.A1, host[:n]); err != nil {
		return 0, err
	}
	return int64(n), nil
}

func sysMkdir_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	return 0, unix.Mkdir(path, uint32(a.A1))
}

func sysMkdirat_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A1)
	if err != nil {
		return 0, err
	}
	path, err = resolveAt(m, int32(a.A0), path)
	if err != nil {
		return 0, err
	}
	return 0, unix.Mkdir(path, uint32(a.A2))
}

func sysRmdir_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	return 0, unix.Rmdir(path)
}

func sysUnlink_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	return 0, unix.Unlink(path)
}

func sysUnlinkat_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A1)
	if err != nil {
		return 0, err
	}
	path, err = resolveAt(m, int32(a.A0), path)
	if err != nil {
		return 0, err
	}
	if a.A2&unix.AT_REMOVEDIR != 0 {
		return 0, unix.Rmdir(path)
	}
	return 0, unix.Unlink(path)
}

func sysRename_(t *Table, m *machine.Machine, a Args) (int64, error) {
	oldPath, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	newPath, err := cstring(m, a.A1)
	if err != nil {
		return 0, err
	}
	return 0, unix.Rename(oldPath, newPath)
}

func sysRenameat_(t *Table, m *machine.Machine, a Args) (int64, error) {
	return renameAt(t, m, a.A0, a.A1, a.A2, a.A3)
}

func sysRenameat2_(t *Table, m *machine.Machine, a Args) (int64, error) {
	return renameAt(t, m, a.A0, a.A1, a.A2, a.A3)
}

func renameAt(t *Table, m *machine.Machine, olddirfd, oldPathVirt, newdirfd, newPathVirt uint64) (int64, error) {
	oldPath, err := cstring(m, oldPathVirt)
	if err != nil {
		return 0, err
	}
	oldPath, err = resolveAt(m, int32(olddirfd), oldPath)
	if err != nil {
		return 0, err
	}
	newPath, err := cstring(m, newPathVirt)
	if err != nil {
		return 0, err
	}
	newPath, err = resolveAt(m, int32(newdirfd), newPath)
	if err != nil {
		return 0, err
	}
	return 0, unix.Rename(oldPath, newPath)
}

func sysLink_(t *Table, m *machine.Machine, a Args) (int64, error) {
	oldPath, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	newPath, err := cstring(m, a.A1)
	if err != nil {
		return 0, err
	}
	return 0, unix.Link(oldPath, newPath)
}

func sysLinkat_(t *Table, m *machine.Machine, a Args) (int64, error) {
	oldPath, err := cstring(m, a.A1)
	if err != nil {
		return 0, err
	}
	oldPath, err = resolveAt(m, int32(a.A0), oldPath)
	if err != nil {
		return 0, err
	}
	newPath, err := cstring(m, a.A3)
	if err != nil {
		return 0, err
	}
	newPath, err = resolveAt(m, int32(a.A2), newPath)
	if err != nil {
		return 0, err
	}
	return 0, unix.Link(oldPath, newPath)
}

func sysSymlink_(t *Table, m *machine.Machine, a Args) (int64, error) {
	target, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	linkPath, err := cstring(m, a.A1)
	if err != nil {
		return 0, err
	}
	return 0, unix.Symlink(target, linkPath)
}

func sysSymlinkat_(t *Table, m *machine.Machine, a Args) (int64, error) {
	target, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	linkPath, err := cstring(m, a.A2)
	if err != nil {
		return 0, err
	}
	linkPath, err = resolveAt(m, int32(a.A1), linkPath)
	if err != nil {
		return 0, err
	}
	return 0, unix.Symlink(target, linkPath)
}

func sysChmod_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	return 0, unix.Chmod(path, uint32(a.A1))
}

func sysFchmod_(t *Table, m *machine.Machine, a Args) (int64, error) {
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	return 0, unix.Fchmod(e.Host, uint32(a.A1))
}

func sysFchmodat_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A1)
	if err != nil {
		return 0, err
	}
	path, err = resolveAt(m, int32(a.A0), path)
	if err != nil {
		return 0, err
	}
	return 0, unix.Chmod(path, uint32(a.A2))
}

func sysChown_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	return 0, unix.Chown(path, int(a.A1), int(a.A2))
}

func sysFchown_(t *Table, m *machine.Machine, a Args) (int64, error) {
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	return 0, unix.Fchown(e.Host, int(a.A1), int(a.A2))
}

func sysLchown_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	return 0, unix.Lchown(path, int(a.A1), int(a.A2))
}

var processUmask uint32 = 0o022

func sysMknod_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	return 0, unix.Mknod(path, uint32(a.A1), int(a.A2))
}

func statfsOut(m *machine.Machine, virt uint64, st *unix.Statfs_t) error {
	buf := make([]byte, abi.SizeofStatfs)
	abi.PutStatfs(buf, st)
	return copyOut(m, virt, buf)
}

func sysStatfs_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return 0, statfsOut(m, a.A1, &st)
}

func sysFstatfs_(t *Table, m *machine.Machine, a Args) (int64, error) {
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	var st unix.Statfs_t
	if err := unix.Fstatfs(e.Host, &st); err != nil {
		return 0, err
	}
	return 0, statfsOut(m, a.A1, &st)
}

func sysUtimes_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	if a.A1 == 0 {
		return 0, unix.Utimes(path, nil)
	}
	raw, err := copyIn(m, a.A1, 2*abi.SizeofTimeval)
	if err != nil {
		return 0, err
	}
	tv := make([]unix.Timeval, 2)
	for i := 0; i < 2; i++ {
		sec, usec := abi.GetTimeval(raw[i*abi.SizeofTimeval:])
		tv[i] = unix.Timeval{Sec: sec, Usec: usec}
	}
	return 0, unix.Utimes(path, tv)
}

func sysUmask_(t *Table, m *machine.Machine, a Args) (int64, error) {
	old := processUmask
	processUmask = uint32(a.A0) & 0o777
	return int64(old), nil
}

func sysUtimensat_(t *Table, m *machine.Machine, a Args) (int64, error) {
	var path string
	var err error
	if a.A1 != 0 {
		path, err = cstring(m, a.A1)
		if err != nil {
			return 0, err
		}
		path, err = resolveAt(m, int32(a.A0), path)
		if err != nil {
			return 0, err
		}
	} else {
		e, err := fd(m, int(a.A0))
		if err != nil {
			return 0, err
		}
		path = e.Path
	}
	ts := []unix.Timespec{{Sec: 0, Nsec: unix.UTIME_OMIT}, {Sec: 0, Nsec: unix.UTIME_OMIT}}
	if a.A2 != 0 {
		raw, err := copyIn(m, a.A2, 2*abi.SizeofTimespec)
		if err != nil {
			return 0, err
		}
		for i := 0; i < 2; i++ {
			sec, nsec := abi.GetTimespec(raw[i*abi.SizeofTimespec:])
			ts[i] = unix.Timespec{Sec: sec, Nsec: nsec}
		}
	}
	return 0, unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, 0)
}

func sysChdir_(t *Table, m *machine.Machine, a Args) (int64, error) {
	path, err := cstring(m, a.A0)
	if err != nil {
		return 0, err
	}
	return 0, unix.Chdir(path)
}

func sysFchdir_(t *Table, m *machine.Machine, a Args) (int64, error) {
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	return 0, unix.Fchdir(e.Host)
}

func sysGetcwd_(t *Table, m *machine.Machine, a Args) (int64, error) {
	cwd, err := unix.Getwd()
	if err != nil {
		return 0, err
	}
	buf := append([]byte(cwd), 0)
	if len(buf) > int(a.A1) {
		return 0, unix.ERANGE
	}
	if err := copyOut(m, a.A0, buf); err != nil {
		return 0, err
	}
	return int64(len(buf)), nil
}
