package syscalls

import (
	"github.com/blinkvm/blink/fdtable"
	"github.com/blinkvm/blink/machine"
	"golang.org/x/sys/unix"
)

// registerNet wires the socket family, grounded the same way the rest
// of this table is on gvisor's pkg/sentry/arch register convention
// (other_examples): each handler marshals the guest sockaddr, calls
// the host syscall via golang.org/x/sys/unix, and installs the
// resulting host fd into the guest fd table behind a plain HostFD.
func (t *Table) registerNet() {
	t.register(sysSocket, sysSocket_)
	t.register(sysSocketpair, sysSocketpair_)
	t.register(sysBind, sysBind_)
	t.register(sysConnect, sysConnect_)
	t.register(sysListen, sysListen_)
	t.register(sysAccept, sysAccept_)
	t.register(sysAccept4, sysAccept4_)
	t.register(sysShutdown, sysShutdown_)
	t.register(sysGetsockname, sysGetsockname_)
	t.register(sysGetpeername, sysGetpeername_)
	t.register(sysSetsockopt, sysSetsockopt_)
	t.register(sysSendto, sysSendto_)
	t.register(sysRecvfrom, sysRecvfrom_)
}

func sockFamilyToHost(f uint64) int { return int(f) } // AF_* matches host numbering on Linux

func sysSocket_(t *Table, m *machine.Machine, a Args) (int64, error) {
	hostFD, err := unix.Socket(sockFamilyToHost(a.A0), int(a.A1), int(a.A2))
	if err != nil {
		return 0, err
	}
	guestFD := m.Sys.FDs.Install(&fdtable.Entry{Host: hostFD, Ops: &fdtable.HostFD{FD: hostFD}})
	return int64(guestFD), nil
}

func sysSocketpair_(t *Table, m *machine.Machine, a Args) (int64, error) {
	fds, err := unix.Socketpair(sockFamilyToHost(a.A0), int(a.A1), int(a.A2))
	if err != nil {
		return 0, err
	}
	g0 := m.Sys.FDs.Install(&fdtable.Entry{Host: fds[0], Ops: &fdtable.HostFD{FD: fds[0]}})
	g1 := m.Sys.FDs.Install(&fdtable.Entry{Host: fds[1], Ops: &fdtable.HostFD{FD: fds[1]}})
	buf := make([]byte, 8)
	putLE32(buf, 0, uint32(g0))
	putLE32(buf, 4, uint32(g1))
	return 0, copyOut(m, a.A3, buf)
}

// guestSockaddrToHost reads length bytes of a raw guest struct sockaddr
// (a 2-byte family, then the sockaddr_in, sockaddr_in6 or sockaddr_un
// fields; sockaddr_in6 needs at least 24 bytes) and builds the matching
// unix.Sockaddr.
func guestSockaddrToHost(m *machine.Machine, virt uint64, length int) (unix.Sockaddr, error) {
	raw, err := copyIn(m, virt, length)
	if err != nil {
		return nil, err
	}
	family := uint16(raw[0]) | uint16(raw[1])<<8
	switch family {
	case unix.AF_INET:
		var sa unix.SockaddrInet4
		sa.Port = int(raw[2])<<8 | int(raw[3])
		copy(sa.Addr[:], raw[4:8])
		return &sa, nil
	case unix.AF_INET6:
		var sa unix.SockaddrInet6
		sa.Port = int(raw[2])<<8 | int(raw[3])
		copy(sa.Addr[:], raw[8:24])
		return &sa, nil
	case unix.AF_UNIX:
		end := len(raw)
		for i := 2; i < len(raw); i++ {
			if raw[i] == 0 {
				end = i
				break
			}
		}
		return &unix.SockaddrUnix{Name: string(raw[2:end])}, nil
	default:
		return nil, unix.EAFNOSUPPORT
	}
}

func sysBind_(t *Table, m *machine.Machine, a Args) (int64, error) {
	if t.NoNetwork {
		return 0, unix.EPERM
	}
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	sa, err := guestSockaddrToHost(m, a.A1, int(a.A2))
	if err != nil {
		return 0, err
	}
	return 0, unix.Bind(e.Host, sa)
}

func sysConnect_(t *Table, m *machine.Machine, a Args) (int64, error) {
	if t.NoNetwork {
		return 0, unix.ECONNREFUSED
	}
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	sa, err := guestSockaddrToHost(m, a.A1, int(a.A2))
	if err != nil {
		return 0, err
	}
	return 0, unix.Connect(e.Host, sa)
}

func sysListen_(t *Table, m *machine.Machine, a Args) (int64, error) {
	if t.NoNetwork {
		return 0, unix.EPERM
	}
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	return 0, unix.Listen(e.Host, int(a.A1))
}

func doAccept(m *machine.Machine, guestFD int, flags int) (int64, error) {
	e, err := fd(m, guestFD)
	if err != nil {
		return 0, err
	}
	hostFD, _, err := unix.Accept4(e.Host, flags)
	if err != nil {
		return 0, err
	}
	newGuestFD := m.Sys.FDs.Install(&fdtable.Entry{Host: hostFD, Ops: &fdtable.HostFD{FD: hostFD},
		CloseOnExec: flags&unix.SOCK_CLOEXEC != 0})
	return int64(newGuestFD), nil
}

func sysAccept_(t *Table, m *machine.Machine, a Args) (int64, error) {
	return doAccept(m, int(a.A0), 0)
}

func sysAccept4_(t *Table, m *machine.Machine, a Args) (int64, error) {
	return doAccept(m, int(a.A0), int(a.A3))
}

func sysShutdown_(t *Table, m *machine.Machine, a Args) (int64, error) {
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	return 0, unix.Shutdown(e.Host, int(a.A1))
}

func sysGetsockname_(t *Table, m *machine.Machine, a Args) (int64, error) {
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	sa, err := unix.Getsockname(e.Host)
	if err != nil {
		return 0, err
	}
	return 0, putSockaddr(m, a.A1, sa)
}

func sysGetpeername_(t *Table, m *machine.Machine, a Args) (int64, error) {
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	sa, err := unix.Getpeername(e.Host)
	if err != nil {
		return 0, err
	}
	return 0, putSockaddr(m, a.A1, sa)
}

func putSockaddr(m *machine.Machine, virt uint64, sa unix.Sockaddr) error {
	buf := make([]byte, 16)
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		buf[0], buf[1] = byte(unix.AF_INET), 0
		buf[2], buf[3] = byte(v.Port>>8), byte(v.Port)
		copy(buf[4:8], v.Addr[:])
	case *unix.SockaddrInet6:
		buf[0], buf[1] = byte(unix.AF_INET6), 0
		buf[2], buf[3] = byte(v.Port>>8), byte(v.Port)
		copy(buf[8:24], v.Addr[:])
	default:
		buf[0], buf[1] = byte(unix.AF_UNSPEC), 0
	}
	return copyOut(m, virt, buf)
}

func sysSetsockopt_(t *Table, m *machine.Machine, a Args) (int64, error) {
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	val, err := copyIn(m, a.A3, int(a.A4))
	if err != nil {
		return 0, err
	}
	var intVal int
	if len(val) >= 4 {
		intVal = int(val[0]) | int(val[1])<<8 | int(val[2])<<16 | int(val[3])<<24
	}
	return 0, unix.SetsockoptInt(e.Host, int(a.A1), int(a.A2), intVal)
}

func sysSendto_(t *Table, m *machine.Machine, a Args) (int64, error) {
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	buf, err := copyIn(m, a.A1, int(a.A2))
	if err != nil {
		return 0, err
	}
	if a.A4 != 0 {
		sa, err := guestSockaddrToHost(m, a.A4, int(a.A5))
		if err != nil {
			return 0, err
		}
		if err := unix.Sendto(e.Host, buf, int(a.A3), sa); err != nil {
			return 0, err
		}
		return int64(len(buf)), nil
	}
	n, err := unix.Write(e.Host, buf)
	return int64(n), err
}

func sysRecvfrom_(t *Table, m *machine.Machine, a Args) (int64, error) {
	e, err := fd(m, int(a.A0))
	if err != nil {
		return 0, err
	}
	buf := make([]byte, a.A2)
	n, from, err := unix.Recvfrom(e.Host, buf, int(a.A3))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := copyOut(m, a.A1, buf[:n]); err != nil {
			return 0, err
		}
	}
	if a.A4 != 0 && from != nil {
		if err := putSockaddr(m, a.A4, from); err != nil {
			return 0, err
		}
	}
	return int64(n), nil
}
