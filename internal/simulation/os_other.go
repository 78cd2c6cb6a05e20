//go:build !linux

// This file lets the simulation package compile on non-linux go builds.

package simulation

// LinuxOS only emulates Linux syscalls; on other platforms it is an inert
// placeholder so the package still loads.
type LinuxOS struct{}

func NewLinuxOS(machine *Machine, legacy LegacySyscalls) *LinuxOS {
	return &LinuxOS{}
}

func (l *LinuxOS) Shutdown() {
}
