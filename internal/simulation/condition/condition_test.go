package condition_test

import (
	"errors"
	"syscall"
	"testing"

	"github.com/kmrgirish/hostsim/internal/simulation/condition"
	"github.com/kmrgirish/hostsim/internal/simulation/descriptor"
	"github.com/kmrgirish/hostsim/internal/simulation/eventq"
)

type waitFile struct {
	descriptor.FileBase
	closed   int
	closeErr error
}

func newWaitFile(state descriptor.FileState) *waitFile {
	f := &waitFile{}
	f.InitBase(descriptor.ModeRead|descriptor.ModeWrite, 0, state)
	return f
}

func (f *waitFile) SupportsSaRestart() bool { return true }

func (f *waitFile) Close(q *eventq.CallbackQueue) error {
	f.closed++
	return f.closeErr
}

type countWaker struct {
	wakes int
}

func (w *countWaker) Wake() { w.wakes++ }

func TestArmWakesOnTransition(t *testing.T) {
	f := newWaitFile(descriptor.StateActive)
	c := condition.New(condition.Trigger{File: f, State: descriptor.StateReadable})
	w := &countWaker{}
	c.Arm(w)
	if w.wakes != 0 {
		t.Fatalf("woken before the trigger state was reached")
	}

	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		f.Borrow()
		f.SetState(descriptor.StateWritable, 0, q)
		f.Release()
	})
	if w.wakes != 0 {
		t.Fatalf("woken by a state outside the trigger")
	}

	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		f.Borrow()
		f.SetState(descriptor.StateReadable, 0, q)
		f.Release()
	})
	if w.wakes != 1 {
		t.Fatalf("wakes = %d, want 1", w.wakes)
	}
}

func TestArmWakesImmediatelyWhenSatisfied(t *testing.T) {
	f := newWaitFile(descriptor.StateActive | descriptor.StateReadable)
	c := condition.New(condition.Trigger{File: f, State: descriptor.StateReadable})
	w := &countWaker{}
	c.Arm(w)
	if w.wakes != 1 {
		t.Fatalf("wakes = %d, want immediate wake", w.wakes)
	}
}

func TestArmWakesOnClose(t *testing.T) {
	f := newWaitFile(descriptor.StateActive)
	c := condition.New(condition.Trigger{File: f, State: descriptor.StateReadable})
	w := &countWaker{}
	c.Arm(w)

	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		f.Borrow()
		f.SetState(descriptor.StateClosed, descriptor.StateActive, q)
		f.Release()
	})
	if w.wakes != 1 {
		t.Fatalf("wakes = %d, want wake on close", w.wakes)
	}
}

func TestCancelStopsWakes(t *testing.T) {
	f := newWaitFile(descriptor.StateActive)
	c := condition.New(condition.Trigger{File: f, State: descriptor.StateReadable})
	w := &countWaker{}
	c.Arm(w)

	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		if err := c.Cancel(q); err != nil {
			t.Fatal(err)
		}
	})
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		f.Borrow()
		f.SetState(descriptor.StateReadable, 0, q)
		f.Release()
	})
	if w.wakes != 0 {
		t.Fatalf("wakes = %d after cancel", w.wakes)
	}
}

func TestCancelDropsActiveFileReference(t *testing.T) {
	f := newWaitFile(descriptor.StateActive)
	of := descriptor.NewOpenFile(f)
	c := condition.New(condition.Trigger{File: f, State: descriptor.StateReadable})
	c.SetActiveFile(of.IncRef())

	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		// The descriptor table's reference drops first, as when the guest
		// closes the fd while the call is blocked.
		if err := of.DecRef(q); err != nil {
			t.Fatal(err)
		}
		if f.closed != 0 {
			t.Fatalf("file closed while the condition still held it")
		}
		if err := c.Cancel(q); err != nil {
			t.Fatal(err)
		}
		if f.closed != 1 {
			t.Fatalf("closed %d times after cancel, want 1", f.closed)
		}
	})
}

func TestCancelSurfacesCloseError(t *testing.T) {
	f := newWaitFile(descriptor.StateActive)
	f.closeErr = syscall.EIO
	c := condition.New(condition.Trigger{File: f, State: descriptor.StateReadable})
	c.SetActiveFile(descriptor.NewOpenFile(f))

	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		if err := c.Cancel(q); !errors.Is(err, syscall.EIO) {
			t.Fatalf("Cancel = %v, want EIO", err)
		}
	})
}

func TestBlockedError(t *testing.T) {
	f := newWaitFile(descriptor.StateActive)
	var err error = &condition.Blocked{
		Condition:   condition.New(condition.Trigger{File: f, State: descriptor.StateWritable}),
		Restartable: true,
	}
	var blocked *condition.Blocked
	if !errors.As(err, &blocked) {
		t.Fatalf("errors.As failed on %T", err)
	}
	if got := blocked.Condition.Trigger().State; got != descriptor.StateWritable {
		t.Errorf("trigger state = %v", got)
	}
}
