// Package descriptor models the kernel objects behind a simulated process's
// file descriptors: the descriptor table, shared reference-counted open-file
// handles, and the state/readiness machinery files expose to waiters.
package descriptor

import (
	"strings"
	"sync/atomic"

	"github.com/kmrgirish/hostsim/internal/simulation/eventq"
)

// FileState is a bitset of a file's current readiness.
type FileState uint16

const (
	// StateActive is set while the file supports I/O at all, eg. a
	// connected or listening socket.
	StateActive FileState = 1 << iota
	// StateReadable means a read-like call would make progress, including
	// by returning EOF.
	StateReadable
	// StateWritable means a write-like call would make progress, including
	// by returning EPIPE.
	StateWritable
	// StateClosed is set once and never cleared.
	StateClosed
	// StateAllowingConnect is set on listening sockets while the accept
	// backlog has room, waking blocked connectors.
	StateAllowingConnect
)

func (s FileState) Has(bits FileState) bool {
	return s&bits == bits
}

func (s FileState) String() string {
	var names []string
	for _, f := range []struct {
		bit  FileState
		name string
	}{
		{StateActive, "ACTIVE"},
		{StateReadable, "READABLE"},
		{StateWritable, "WRITABLE"},
		{StateClosed, "CLOSED"},
		{StateAllowingConnect, "ALLOWING_CONNECT"},
	} {
		if s&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// FileStatus holds per-open-file flags. Dup'd descriptors observe each
// other's status changes because they share the underlying file.
type FileStatus uint16

const (
	StatusNonblock FileStatus = 1 << iota
	StatusDirect
)

// FileMode restricts which directions of I/O a file permits. Pipe ends have
// one bit set; sockets have both.
type FileMode uint8

const (
	ModeRead FileMode = 1 << iota
	ModeWrite
)

// File is a simulated kernel object reachable through a descriptor. The
// concrete kinds are a closed set (sockets and pipes); callers that need
// kind-specific operations type-switch rather than extending this surface.
type File interface {
	State() FileState
	Status() FileStatus
	SetStatus(status FileStatus)
	Mode() FileMode
	Events() *EventSource

	// Close tears the object down. Called once, when the last open-file
	// reference drops.
	Close(q *eventq.CallbackQueue) error

	// SupportsSaRestart reports whether a call blocked on this file may be
	// transparently restarted after a signal.
	SupportsSaRestart() bool
}

// FileBase carries the machinery common to every file kind: status and mode
// flags, the readiness state bitset, its event source, and the exclusive
// borrow that guards mutation. Embed it and change state through SetState
// while holding the borrow.
type FileBase struct {
	borrowed atomic.Bool

	mode   FileMode
	status FileStatus
	state  FileState
	events EventSource
}

// InitBase sets the initial mode, status, and state. Call once, before the
// file is shared.
func (b *FileBase) InitBase(mode FileMode, status FileStatus, state FileState) {
	b.mode = mode
	b.status = status
	b.state = state
}

// Borrow takes the exclusive borrow on the file. A conflicting borrow means
// a state-change callback ran while its trigger's mutation was still in
// progress; that is a bug in callback ordering, not a recoverable error.
func (b *FileBase) Borrow() {
	if !b.borrowed.CompareAndSwap(false, true) {
		panic("descriptor: conflicting exclusive borrow of file")
	}
}

// Release returns the exclusive borrow.
func (b *FileBase) Release() {
	if !b.borrowed.CompareAndSwap(true, false) {
		panic("descriptor: release of file that was not borrowed")
	}
}

func (b *FileBase) State() FileState {
	return b.state
}

func (b *FileBase) Status() FileStatus {
	return b.status
}

// SetStatus replaces the per-open-file status flags. It takes the borrow
// itself: a status write runs no listeners, so callers have nothing further
// to order under it, and the borrow still catches a status write reentering
// a mutation in progress.
func (b *FileBase) SetStatus(status FileStatus) {
	b.Borrow()
	b.status = status
	b.Release()
}

func (b *FileBase) Mode() FileMode {
	return b.mode
}

func (b *FileBase) Events() *EventSource {
	return &b.events
}

// SetState applies set and clear bits to the file's state and queues
// notifications for any bits that changed. The caller must hold the borrow;
// listeners run only after it is released and q drains.
func (b *FileBase) SetState(set, clear FileState, q *eventq.CallbackQueue) {
	old := b.state
	state := (old | set) &^ clear
	if state == old {
		return
	}
	b.state = state
	b.events.notify(state, state^old, q)
}
