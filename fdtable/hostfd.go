package fdtable

import (
	"golang.org/x/sys/unix"
)

// HostFD is the plain pass-through FDOps implementation: every
// operation maps directly onto the identically-named host syscall via
// golang.org/x/sys/unix, the way a regular file or pipe fd behaves.
type HostFD struct {
	FD int
}

func (h *HostFD) Read(buf []byte) (int, error)  { return unix.Read(h.FD, buf) }
func (h *HostFD) Write(buf []byte) (int, error) { return unix.Write(h.FD, buf) }

func (h *HostFD) Ioctl(req uint64, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.FD), uintptr(req), arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func (h *HostFD) Poll(events int16) (int16, error) {
	fds := []unix.PollFd{{Fd: int32(h.FD), Events: events}}
	_, err := unix.Poll(fds, 0)
	if err != nil {
		return 0, err
	}
	return fds[0].Revents, nil
}

func (h *HostFD) TCGetAttr() (Termios, error) {
	t, err := unix.IoctlGetTermios(h.FD, unix.TCGETS)
	if err != nil {
		return Termios{}, err
	}
	return termiosFromHost(t), nil
}

func (h *HostFD) TCSetAttr(t Termios) error {
	return unix.IoctlSetTermios(h.FD, unix.TCSETS, termiosToHost(t))
}

func (h *HostFD) WinSize() (WinSize, error) {
	ws, err := unix.IoctlGetWinsize(h.FD, unix.TIOCGWINSZ)
	if err != nil {
		return WinSize{}, err
	}
	return WinSize{Row: ws.Row, Col: ws.Col, Xpixel: ws.Xpixel, Ypixel: ws.Ypixel}, nil
}

func (h *HostFD) Close() error { return unix.Close(h.FD) }

func termiosFromHost(t *unix.Termios) Termios {
	var out Termios
	out.Iflag = uint32(t.Iflag)
	out.Oflag = uint32(t.Oflag)
	out.Cflag = uint32(t.Cflag)
	out.Lflag = uint32(t.Lflag)
	for i := range out.Cc {
		if i < len(t.Cc) {
			out.Cc[i] = t.Cc[i]
		}
	}
	out.Ispeed = uint32(t.Ispeed)
	out.Ospeed = uint32(t.Ospeed)
	return out
}

func termiosToHost(t Termios) *unix.Termios {
	out := &unix.Termios{
		Iflag: t.Iflag,
		Oflag: t.Oflag,
		Cflag: t.Cflag,
		Lflag: t.Lflag,
	}
	for i := range t.Cc {
		if i < len(out.Cc) {
			out.Cc[i] = t.Cc[i]
		}
	}
	return out
}
