package hostsim

import (
	"errors"

	"github.com/kmrgirish/hostsim/internal/simulation"
	"github.com/kmrgirish/hostsim/internal/simulation/condition"
)

type (
	// Machine is one simulated host.
	Machine = simulation.Machine
	// LinuxOS is the machine's syscall layer; see the Sys methods.
	LinuxOS = simulation.LinuxOS
	// Thread carries one simulated thread's blocking state across syscalls.
	Thread = simulation.Thread
	// LegacySyscalls is the fallback layer for file kinds not implemented
	// natively, supplied by the embedding simulator.
	LegacySyscalls = simulation.LegacySyscalls
	// Blocked is the suspended-syscall outcome handed to the scheduler.
	Blocked = condition.Blocked
	// Waker marks a suspended thread runnable again.
	Waker = condition.Waker
)

// NewMachine creates a host with the given log label and rng seed.
func NewMachine(label string, seed int64) *Machine {
	return simulation.NewMachine(label, seed)
}

// NewLinuxOS creates the syscall layer for a machine. legacy handles the
// syscalls and file kinds the native layer defers.
func NewLinuxOS(machine *Machine, legacy LegacySyscalls) *LinuxOS {
	return simulation.NewLinuxOS(machine, legacy)
}

// NewThread creates scheduling state for one simulated thread.
func NewThread(id int, waker Waker) *Thread {
	return simulation.NewThread(id, waker)
}

// AsBlocked reports whether a syscall outcome is a suspension rather than a
// guest-visible error, and returns the condition to hold if so.
func AsBlocked(err error) (*Blocked, bool) {
	var blocked *Blocked
	if errors.As(err, &blocked) {
		return blocked, true
	}
	return nil, false
}
