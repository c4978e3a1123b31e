package syscalls

import (
	"github.com/blinkvm/blink/machine"
	"github.com/blinkvm/blink/syscalls/abi"
	"golang.org/x/sys/unix"
)

func (t *Table) registerResource() {
	t.register(sysGetrlimit, sysGetrlimit_)
	t.register(sysSetRlimit, sysSetrlimit_)
	t.register(sysPrlimit64, sysPrlimit64_)
	t.register(sysGetrusage, sysGetrusage_)
}

func rlimitResourceToHost(res uint64) int {
	// Linux RLIMIT_* numbering matches the host's own on a Linux host;
	// named conversion point per spec.md §4.8(a).
	return int(res)
}

func sysGetrlimit_(t *Table, m *machine.Machine, a Args) (int64, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(rlimitResourceToHost(a.A0), &rl); err != nil {
		return 0, err
	}
	buf := make([]byte, abi.SizeofRlimit)
	abi.PutRlimit(buf, rl.Cur, rl.Max)
	return 0, copyOut(m, a.A1, buf)
}

func sysSetrlimit_(t *Table, m *machine.Machine, a Args) (int64, error) {
	raw, err := copyIn(m, a.A1, abi.SizeofRlimit)
	if err != nil {
		return 0, err
	}
	cur, max := abi.GetRlimit(raw)
	return 0, unix.Setrlimit(rlimitResourceToHost(a.A0), &unix.Rlimit{Cur: cur, Max: max})
}

func sysPrlimit64_(t *Table, m *machine.Machine, a Args) (int64, error) {
	if a.A3 != 0 {
		var rl unix.Rlimit
		if err := unix.Getrlimit(rlimitResourceToHost(a.A1), &rl); err != nil {
			return 0, err
		}
		buf := make([]byte, abi.SizeofRlimit)
		abi.PutRlimit(buf, rl.Cur, rl.Max)
		if err := copyOut(m, a.A3, buf); err != nil {
			return 0, err
		}
	}
	if a.A2 != 0 {
		raw, err := copyIn(m, a.A2, abi.SizeofRlimit)
		if err != nil {
			return 0, err
		}
		cur, max := abi.GetRlimit(raw)
		if err := unix.Setrlimit(rlimitResourceToHost(a.A1), &unix.Rlimit{Cur: cur, Max: max}); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func sysGetrusage_(t *Table, m *machine.Machine, a Args) (int64, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(int(int32(a.A0)), &ru); err != nil {
		return 0, err
	}
	buf := make([]byte, 144)
	abi.PutTimeval(buf[0:], int64(ru.Utime.Sec), int64(ru.Utime.Usec))
	abi.PutTimeval(buf[16:], int64(ru.Stime.Sec), int64(ru.Stime.Usec))
	return 0, copyOut(m, a.A1, buf)
}
