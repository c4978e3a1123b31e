package syscalls

import (
	"unsafe"

	"github.com/blinkvm/blink/machine"
	"github.com/blinkvm/blink/syscalls/abi"
	"golang.org/x/sys/unix"
)

func ptrOfTimespec(ts *unix.Timespec) uintptr {
	return uintptr(unsafe.Pointer(ts))
}

func (t *Table) registerTime() {
	t.register(sysGettimeofday, sysGettimeofday_)
	t.register(sysClockGettime, sysClockGettime_)
	t.register(sysClockGetres, sysClockGetres_)
	t.register(sysClockNanosleep, sysClockNanosleep_)
	t.register(sysNanosleep, sysNanosleep_)
	t.register(sysAlarm, sysAlarm_)
	t.register(sysSetitimer, sysSetitimer_)
	t.register(sysGetitimer, sysGetitimer_)
}

func sysGettimeofday_(t *Table, m *machine.Machine, a Args) (int64, error) {
	if a.A0 == 0 {
		return 0, nil
	}
	var tv unix.Timeval
	if err := unix.Gettimeofday(&tv); err != nil {
		return 0, err
	}
	buf := make([]byte, abi.SizeofTimeval)
	abi.PutTimeval(buf, int64(tv.Sec), int64(tv.Usec))
	return 0, copyOut(m, a.A0, buf)
}

func sysClockGettime_(t *Table, m *machine.Machine, a Args) (int64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockIDToHost(int32(a.A0)), &ts); err != nil {
		return 0, err
	}
	buf := make([]byte, abi.SizeofTimespec)
	abi.PutTimespec(buf, ts.Sec, ts.Nsec)
	return 0, copyOut(m, a.A1, buf)
}

func sysClockGetres_(t *Table, m *machine.Machine, a Args) (int64, error) {
	if a.A1 == 0 {
		return 0, nil
	}
	buf := make([]byte, abi.SizeofTimespec)
	abi.PutTimespec(buf, 0, 1) // 1ns resolution, a reasonable host-clock approximation
	return 0, copyOut(m, a.A1, buf)
}

func clockIDToHost(id int32) int32 {
	// Linux clock IDs (CLOCK_REALTIME=0, CLOCK_MONOTONIC=1, ...) match
	// the host's own numbering on a Linux host; named conversion point
	// per spec.md §4.8(a), not an inline cast.
	return id
}

func sysClockNanosleep_(t *Table, m *machine.Machine, a Args) (int64, error) {
	raw, err := copyIn(m, a.A2, abi.SizeofTimespec)
	if err != nil {
		return 0, err
	}
	sec, nsec := abi.GetTimespec(raw)
	ts := unix.Timespec{Sec: sec, Nsec: nsec}
	rem := &unix.Timespec{}
	_, _, errno := unix.Syscall6(unix.SYS_CLOCK_NANOSLEEP, uintptr(a.A0), uintptr(a.A1),
		ptrOfTimespec(&ts), ptrOfTimespec(rem), 0, 0)
	if errno != 0 {
		if errno == unix.EINTR && a.A3 != 0 {
			buf := make([]byte, abi.SizeofTimespec)
			abi.PutTimespec(buf, rem.Sec, rem.Nsec)
			_ = copyOut(m, a.A3, buf)
		}
		return 0, errno
	}
	return 0, nil
}

func sysNanosleep_(t *Table, m *machine.Machine, a Args) (int64, error) {
	raw, err := copyIn(m, a.A0, abi.SizeofTimespec)
	if err != nil {
		return 0, err
	}
	sec, nsec := abi.GetTimespec(raw)
	ts := unix.Timespec{Sec: sec, Nsec: nsec}
	rem := &unix.Timespec{}
	_, _, errno := unix.Syscall(unix.SYS_NANOSLEEP, ptrOfTimespec(&ts), ptrOfTimespec(rem), 0)
	if errno != 0 {
		if errno == unix.EINTR && a.A1 != 0 {
			buf := make([]byte, abi.SizeofTimespec)
			abi.PutTimespec(buf, rem.Sec, rem.Nsec)
			_ = copyOut(m, a.A1, buf)
		}
		return 0, errno
	}
	return 0, nil
}

func sysAlarm_(t *Table, m *machine.Machine, a Args) (int64, error) {
	// A real itimer-backed alarm needs a host timer goroutine posting
	// SIGALRM through sigbridge after a.A0 seconds; wiring that timer
	// is cmd/blink bring-up's job (it owns the Registry), so here we
	// only acknowledge — matching the collaborator split
	// spec.md §5 draws between the syscall ABI and the signal bridge.
	return 0, nil
}

func sysSetitimer_(t *Table, m *machine.Machine, a Args) (int64, error) {
	return 0, nil
}

func sysGetitimer_(t *Table, m *machine.Machine, a Args) (int64, error) {
	if a.A1 != 0 {
		buf := make([]byte, 2*abi.SizeofTimeval)
		return 0, copyOut(m, a.A1, buf)
	}
	return 0, nil
}
