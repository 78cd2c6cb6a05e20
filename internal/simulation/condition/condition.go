// Package condition implements the suspended-syscall protocol: a blocked
// syscall returns a Blocked value naming the file state it is waiting for,
// and the scheduler re-invokes the call once that state is reached.
package condition

import (
	"fmt"

	"github.com/kmrgirish/hostsim/internal/simulation/descriptor"
	"github.com/kmrgirish/hostsim/internal/simulation/eventq"
)

// A Waker marks a simulated thread runnable again. Waking is idempotent and
// never runs the thread inline.
type Waker interface {
	Wake()
}

// A Trigger names the file state a blocked call is waiting for.
type Trigger struct {
	File  descriptor.File
	State descriptor.FileState
}

// SysCallCondition is the token handed to the scheduler for one blocked
// syscall. Besides the trigger it can hold an open-file reference, the
// active file, so that closing the originating descriptor cannot free the
// file while the wait is pending. It is used once: armed, woken (or
// cancelled), then replaced by a fresh condition if the call blocks again.
type SysCallCondition struct {
	trigger  Trigger
	active   *descriptor.OpenFile
	listener *descriptor.Listener
	waker    Waker
}

func New(trigger Trigger) *SysCallCondition {
	return &SysCallCondition{trigger: trigger}
}

func (c *SysCallCondition) Trigger() Trigger {
	return c.trigger
}

// SetActiveFile stores of as the condition's lifetime guard, taking over one
// reference from the caller.
func (c *SysCallCondition) SetActiveFile(of *descriptor.OpenFile) {
	if c.active != nil {
		panic("condition: active file already set")
	}
	c.active = of
}

// ActiveFile returns the held open file, if any. The reference stays owned
// by the condition until Cancel.
func (c *SysCallCondition) ActiveFile() *descriptor.OpenFile {
	return c.active
}

// Arm subscribes the condition to its trigger file and records w as the
// thread to wake. If the wanted state is already reached, or the file is
// already closed, w is woken immediately.
func (c *SysCallCondition) Arm(w Waker) {
	if c.listener != nil {
		panic("condition: armed twice")
	}
	c.waker = w
	// A close must wake the waiter even if the wanted bits never arrive, so
	// the resumed call can observe EOF or ECONNRESET.
	mask := c.trigger.State | descriptor.StateClosed
	c.listener = c.trigger.File.Events().Add(mask, func(state, changed descriptor.FileState, q *eventq.CallbackQueue) {
		if state&mask != 0 {
			c.waker.Wake()
		}
	})
	if c.trigger.File.State()&mask != 0 {
		c.waker.Wake()
	}
}

// Cancel unsubscribes from the trigger file and drops the active-file
// reference. Dropping the last reference closes the file; any close error
// surfaces to the canceller.
func (c *SysCallCondition) Cancel(q *eventq.CallbackQueue) error {
	if c.listener != nil {
		c.trigger.File.Events().Remove(c.listener)
		c.listener = nil
	}
	if c.active == nil {
		return nil
	}
	active := c.active
	c.active = nil
	return active.DecRef(q)
}

// Blocked is the error returned by a syscall that must suspend. It never
// reaches the guest; the scheduler holds the condition, arms it, and
// re-invokes the same syscall when it fires.
type Blocked struct {
	Condition *SysCallCondition

	// Restartable reports whether the call may transparently resume after
	// a signal, per SA_RESTART. Non-restartable calls interrupted by a
	// signal must return EINTR instead.
	Restartable bool
}

func (b *Blocked) Error() string {
	return fmt.Sprintf("blocked waiting for %v (restartable=%t)", b.Condition.trigger.State, b.Restartable)
}
