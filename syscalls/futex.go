package syscalls

import (
	"sync"

	"github.com/blinkvm/blink/machine"
	"golang.org/x/sys/unix"
)

// Futexes are host-process-global (they key off the guest virtual
// address, which is unique within one System's arena), so a single
// package-level wait/wake registry is enough — mirroring the
// sync.Cond-per-key pattern other_examples' worker-pool code uses for
// its own internal wait queues.
var (
	futexMu   sync.Mutex
	futexCond = map[uint64]*sync.Cond{}
)

const (
	futexCmdWait = 0
	futexCmdWake = 1
	futexOpMask  = 0x7f
)

func (t *Table) registerFutex() {
	t.register(sysFutex, sysFutex_)
}

func condFor(key uint64) *sync.Cond {
	futexMu.Lock()
	defer futexMu.Unlock()
	c, ok := futexCond[key]
	if !ok {
		c = sync.NewCond(&sync.Mutex{})
		futexCond[key] = c
	}
	return c
}

// sysFutex_ implements the WAIT/WAKE subset Blink's libc/pthread guest
// code needs for mutexes and condition variables; the richer
// REQUEUE/PI operations are out of scope the way spec.md's Non-goals
// exclude real-time scheduling fidelity.
func sysFutex_(t *Table, m *machine.Machine, a Args) (int64, error) {
	op := int(a.A1) & futexOpMask
	key := a.A0

	switch op {
	case futexCmdWait:
		raw, err := copyIn(m, key, 4)
		if err != nil {
			return 0, err
		}
		cur := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
		if cur != uint32(a.A2) {
			return 0, unix.EAGAIN
		}
		c := condFor(key)
		c.L.Lock()
		c.Wait()
		c.L.Unlock()
		return 0, nil

	case futexCmdWake:
		c := condFor(key)
		if a.A2 == 1 {
			c.Signal()
		} else {
			c.Broadcast()
		}
		return int64(a.A2), nil

	default:
		return 0, unix.ENOSYS
	}
}
