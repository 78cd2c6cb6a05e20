package simulation

import (
	"errors"
	"log/slog"
	"math/rand"
	"os"

	"github.com/kmrgirish/hostsim/internal/simulation/condition"
	"github.com/kmrgirish/hostsim/internal/simulation/descriptor"
	"github.com/kmrgirish/hostsim/internal/simulation/eventq"
	"github.com/kmrgirish/hostsim/internal/simulation/netns"
	"github.com/kmrgirish/hostsim/internal/simulation/syscallabi"
)

// Machine is one simulated host: its label, address namespace, and seeded
// randomness. All syscall handling for the machine's processes goes through
// its LinuxOS.
type Machine struct {
	label string
	rng   *rand.Rand
	netns *netns.Namespace
	log   *slog.Logger
}

func NewMachine(label string, seed int64) *Machine {
	return &Machine{
		label: label,
		rng:   rand.New(rand.NewSource(seed)),
		netns: netns.New(),
		log:   newLogger().With("machine", label),
	}
}

func (m *Machine) Label() string {
	return m.label
}

func (m *Machine) Namespace() *netns.Namespace {
	return m.netns
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("HOSTSIM_LOG_LEVEL"))); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// pendingCall identifies the syscall a blocked condition belongs to. An
// invocation with a different identity is a fresh call, not a resumption.
type pendingCall struct {
	name string
	fd   int
}

// Thread is the syscall-side state of one simulated thread. The scheduler
// owns running it; this layer only records whether it is blocked and on
// what, so a re-invoked syscall can pick up where it suspended.
type Thread struct {
	id    int
	waker condition.Waker

	// cond holds the blocked condition between a Blocked outcome and the
	// scheduler's re-invocation of the same syscall. pending records which
	// call stashed it.
	cond    *condition.SysCallCondition
	pending pendingCall
}

// NewThread creates the state for thread id. The waker is how the blocked
// thread is marked runnable when its condition fires.
func NewThread(id int, waker condition.Waker) *Thread {
	return &Thread{id: id, waker: waker}
}

func (t *Thread) ID() int {
	return t.id
}

// Blocked reports whether the thread's last syscall suspended.
func (t *Thread) Blocked() bool {
	return t.cond != nil
}

// Condition returns the pending blocked condition, if any.
func (t *Thread) Condition() *condition.SysCallCondition {
	return t.cond
}

// activeFile returns the open file stashed by the thread's blocked syscall.
// Non-nil exactly when the current invocation is a resumption of a blocked
// call that named a file.
func (t *Thread) activeFile() *descriptor.OpenFile {
	if t.cond == nil {
		return nil
	}
	return t.cond.ActiveFile()
}

// beginSyscall checks the current invocation against the thread's pending
// blocked call. An identity mismatch means the scheduler moved on (EINTR was
// delivered, or the guest raced ahead); the stale condition is cancelled so
// the new call resolves its fd freshly from the table.
func (t *Thread) beginSyscall(name string, fd int, log *slog.Logger, q *eventq.CallbackQueue) {
	if t.cond == nil || t.pending == (pendingCall{name, fd}) {
		return
	}
	cond := t.cond
	t.cond = nil
	t.pending = pendingCall{}
	if cerr := cond.Cancel(q); cerr != nil {
		log.Warn("close error while abandoning blocked syscall", "thread", t.id, "err", cerr)
	}
}

// finishSyscall reconciles t's blocked state with the outcome of the
// invocation that just ran. A Blocked outcome stashes and arms its fresh
// condition, keyed to the call's identity; anything else clears the thread.
// Either way a condition left over from an earlier suspension is cancelled,
// dropping its file reference.
func (t *Thread) finishSyscall(name string, fd int, err error, log *slog.Logger, q *eventq.CallbackQueue) {
	prev := t.cond
	var blocked *condition.Blocked
	if errors.As(err, &blocked) {
		t.cond = blocked.Condition
		t.pending = pendingCall{name, fd}
	} else {
		t.cond = nil
		t.pending = pendingCall{}
	}
	if prev != nil && prev != t.cond {
		if cerr := prev.Cancel(q); cerr != nil {
			// The close ran because the condition held the last reference;
			// there is no caller left to hand the error to.
			log.Warn("close error while cancelling blocked syscall", "thread", t.id, "err", cerr)
		}
	}
	if t.cond != nil && t.cond != prev {
		t.cond.Arm(t.waker)
	}
}

// Interrupt abandons the thread's pending blocked condition, dropping its
// file reference and listener registration. The scheduler calls this when it
// delivers EINTR to the guest instead of re-invoking the call, as it must
// for a Blocked outcome with Restartable false. The returned error is the
// close error, if cancelling dropped the last reference to a file whose
// close failed. Interrupting a thread that is not blocked is a no-op.
func (t *Thread) Interrupt() error {
	if t.cond == nil {
		return nil
	}
	cond := t.cond
	t.cond = nil
	t.pending = pendingCall{}
	var err error
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		err = cond.Cancel(q)
	})
	return err
}

// LegacySyscalls is the fallback implementation for the file and socket
// kinds the native layer does not handle, TCP above all. Dispatch is
// all-or-nothing: once a syscall resolves to a legacy-backed file, the whole
// call is handed over, never individual steps.
type LegacySyscalls interface {
	// Syscall runs one syscall against the legacy layer. handle is the
	// legacy endpoint the call resolved to, nil for calls that create one.
	// Arguments arrive in the raw register record, slotted by position.
	// Errors must be syscall.Errno values, or a *condition.Blocked when the
	// call suspends; the router fills the record's return registers from
	// the outcome.
	Syscall(t *Thread, name string, handle any, sc *syscallabi.Syscall) (int, error)

	// NewTCP allocates the legacy endpoint behind an AF_INET stream socket.
	NewTCP(status descriptor.FileStatus) any

	// NewFile allocates a legacy endpoint for any other socket() call the
	// native layer defers.
	NewFile(domain, typ, protocol int, status descriptor.FileStatus) (any, error)

	// CloseFile releases a legacy endpoint once its last open-file
	// reference drops.
	CloseFile(handle any)
}

// legacyFile is a file owned entirely by the legacy layer, held in the
// native descriptor table so fd bookkeeping (dup, close-on-exec, refcounts)
// stays in one place.
type legacyFile struct {
	descriptor.FileBase

	handle  any
	closeFn func(handle any)
}

func newLegacyFile(handle any, status descriptor.FileStatus, closeFn func(handle any)) *legacyFile {
	f := &legacyFile{handle: handle, closeFn: closeFn}
	f.InitBase(descriptor.ModeRead|descriptor.ModeWrite, status, descriptor.StateActive)
	return f
}

func (f *legacyFile) SupportsSaRestart() bool {
	return true
}

func (f *legacyFile) Close(q *eventq.CallbackQueue) error {
	f.Borrow()
	defer f.Release()
	if f.State().Has(descriptor.StateClosed) {
		return nil
	}
	if f.closeFn != nil {
		f.closeFn(f.handle)
	}
	f.SetState(descriptor.StateClosed,
		descriptor.StateActive|descriptor.StateReadable|descriptor.StateWritable, q)
	return nil
}
