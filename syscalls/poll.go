package syscalls

import (
	"github.com/blinkvm/blink/machine"
	"github.com/blinkvm/blink/syscalls/abi"
	"golang.org/x/sys/unix"
)

func (t *Table) registerPoll() {
	t.register(sysPoll, sysPoll_)
	t.register(sysPpoll, sysPpoll_)
	t.register(sysSelect, sysSelect_)
	t.register(sysPselect6, sysPselect6_)
}

func pollTimeoutMS(a Args) int {
	return int(int64(a.A2))
}

func sysPoll_(t *Table, m *machine.Machine, a Args) (int64, error) {
	nfds := int(a.A1)
	if nfds == 0 {
		return 0, nil
	}
	raw, err := copyIn(m, a.A0, nfds*abi.SizeofPollfd)
	if err != nil {
		return 0, err
	}
	hostFDs := make([]unix.PollFd, nfds)
	for i := 0; i < nfds; i++ {
		fdNum, events := abi.GetPollfd(raw[i*abi.SizeofPollfd:])
		hostFDs[i] = unix.PollFd{Fd: fdNum, Events: events}
	}
	n, err := unix.Poll(hostFDs, pollTimeoutMS(a))
	if err != nil {
		return 0, err
	}
	for i := 0; i < nfds; i++ {
		abi.PutPollfdRevents(raw[i*abi.SizeofPollfd:], hostFDs[i].Revents)
	}
	if err := copyOut(m, a.A0, raw); err != nil {
		return 0, err
	}
	return int64(n), nil
}

func sysPpoll_(t *Table, m *machine.Machine, a Args) (int64, error) {
	nfds := int(a.A1)
	timeoutMS := -1
	if a.A2 != 0 {
		raw, err := copyIn(m, a.A2, abi.SizeofTimespec)
		if err != nil {
			return 0, err
		}
		sec, nsec := abi.GetTimespec(raw)
		timeoutMS = int(sec*1000 + nsec/1_000_000)
	}
	if nfds == 0 {
		return 0, nil
	}
	raw, err := copyIn(m, a.A0, nfds*abi.SizeofPollfd)
	if err != nil {
		return 0, err
	}
	hostFDs := make([]unix.PollFd, nfds)
	for i := 0; i < nfds; i++ {
		fdNum, events := abi.GetPollfd(raw[i*abi.SizeofPollfd:])
		hostFDs[i] = unix.PollFd{Fd: fdNum, Events: events}
	}
	n, err := unix.Poll(hostFDs, timeoutMS)
	if err != nil {
		return 0, err
	}
	for i := 0; i < nfds; i++ {
		abi.PutPollfdRevents(raw[i*abi.SizeofPollfd:], hostFDs[i].Revents)
	}
	if err := copyOut(m, a.A0, raw); err != nil {
		return 0, err
	}
	return int64(n), nil
}

// fdSetToPollfds turns a Linux fd_set bitmap (64 fds per 8-byte word)
// into a poll(2) slice, the same bitmap-to-list translation select(2)
// itself performs inside glibc/the kernel.
func fdSetToPollfds(raw []byte, nfds int, events int16) []unix.PollFd {
	var out []unix.PollFd
	for i := 0; i < nfds; i++ {
		word := raw[(i/64)*8 : (i/64)*8+8]
		bit := leUint64(word) & (1 << uint(i%64))
		if bit != 0 {
			out = append(out, unix.PollFd{Fd: int32(i), Events: events})
		}
	}
	return out
}

func clearFDSet(raw []byte) {
	for i := range raw {
		raw[i] = 0
	}
}

func setFDBit(raw []byte, fd int) {
	raw[(fd/64)*8+fd%64/8] |= 1 << uint(fd%8)
}

func doSelect(m *machine.Machine, nfds int, readVirt, writeVirt, exceptVirt uint64, timeoutMS int) (int64, error) {
	setSize := ((nfds + 63) / 64) * 8
	if setSize == 0 {
		setSize = 8
	}
	var readRaw, writeRaw, exceptRaw []byte
	var err error
	if readVirt != 0 {
		if readRaw, err = copyIn(m, readVirt, setSize); err != nil {
			return 0, err
		}
	}
	if writeVirt != 0 {
		if writeRaw, err = copyIn(m, writeVirt, setSize); err != nil {
			return 0, err
		}
	}
	if exceptVirt != 0 {
		if exceptRaw, err = copyIn(m, exceptVirt, setSize); err != nil {
			return 0, err
		}
	}

	var hostFDs []unix.PollFd
	track := map[int32]*unix.PollFd{}
	add := func(raw []byte, events int16) {
		if raw == nil {
			return
		}
		for _, pf := range fdSetToPollfds(raw, nfds, events) {
			if existing, ok := track[pf.Fd]; ok {
				existing.Events |= pf.Events
				continue
			}
			hostFDs = append(hostFDs, pf)
			track[pf.Fd] = &hostFDs[len(hostFDs)-1]
		}
	}
	add(readRaw, unix.POLLIN)
	add(writeRaw, unix.POLLOUT)
	add(exceptRaw, unix.POLLPRI)

	n, err := unix.Poll(hostFDs, timeoutMS)
	if err != nil {
		return 0, err
	}

	if readRaw != nil {
		clearFDSet(readRaw)
	}
	if writeRaw != nil {
		clearFDSet(writeRaw)
	}
	if exceptRaw != nil {
		clearFDSet(exceptRaw)
	}
	ready := 0
	for _, pf := range hostFDs {
		if pf.Revents&unix.POLLIN != 0 && readRaw != nil {
			setFDBit(readRaw, int(pf.Fd))
			ready++
		}
		if pf.Revents&unix.POLLOUT != 0 && writeRaw != nil {
			setFDBit(writeRaw, int(pf.Fd))
			ready++
		}
		if pf.Revents&unix.POLLPRI != 0 && exceptRaw != nil {
			setFDBit(exceptRaw, int(pf.Fd))
			ready++
		}
	}
	if readRaw != nil {
		if err := copyOut(m, readVirt, readRaw); err != nil {
			return 0, err
		}
	}
	if writeRaw != nil {
		if err := copyOut(m, writeVirt, writeRaw); err != nil {
			return 0, err
		}
	}
	if exceptRaw != nil {
		if err := copyOut(m, exceptVirt, exceptRaw); err != nil {
			return 0, err
		}
	}
	_ = n
	return int64(ready), nil
}

func sysSelect_(t *Table, m *machine.Machine, a Args) (int64, error) {
	timeoutMS := -1
	if a.A4 != 0 {
		raw, err := copyIn(m, a.A4, abi.SizeofTimeval)
		if err != nil {
			return 0, err
		}
		sec, usec := abi.GetTimeval(raw)
		timeoutMS = int(sec*1000 + usec/1000)
	}
	return doSelect(m, int(a.A0), a.A1, a.A2, a.A3, timeoutMS)
}

func sysPselect6_(t *Table, m *machine.Machine, a Args) (int64, error) {
	timeoutMS := -1
	if a.A4 != 0 {
		raw, err := copyIn(m, a.A4, abi.SizeofTimespec)
		if err != nil {
			return 0, err
		}
		sec, nsec := abi.GetTimespec(raw)
		timeoutMS = int(sec*1000 + nsec/1_000_000)
	}
	return doSelect(m, int(a.A0), a.A1, a.A2, a.A3, timeoutMS)
}
