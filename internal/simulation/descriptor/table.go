package descriptor

import "syscall"

// Limit is the per-process descriptor table size, mirroring a default
// RLIMIT_NOFILE of 1024.
const Limit = 1024

// Table is a process's fd-to-descriptor mapping. It is the only writer of
// those bindings; everything it hands out stays owned by the table until
// deregistered.
type Table struct {
	slots map[int]*Descriptor
	// next is a lower bound on the smallest free slot.
	next int
}

func NewTable() *Table {
	return &Table{slots: make(map[int]*Descriptor)}
}

// Register binds d to the lowest free slot and returns it. A full table is
// ENFILE and leaves d unregistered.
func (t *Table) Register(d *Descriptor) (int, error) {
	return t.RegisterFrom(d, t.next)
}

// RegisterFrom binds d to the lowest free slot at or above min.
func (t *Table) RegisterFrom(d *Descriptor, min int) (int, error) {
	if min < 0 {
		return 0, syscall.EINVAL
	}
	for fd := min; fd < Limit; fd++ {
		if _, used := t.slots[fd]; used {
			continue
		}
		t.slots[fd] = d
		if fd == t.next {
			t.next = fd + 1
		}
		return fd, nil
	}
	return 0, syscall.ENFILE
}

// RegisterAt binds d to slot fd, returning the descriptor it evicted, if
// any. The caller owns closing the evicted descriptor.
func (t *Table) RegisterAt(d *Descriptor, fd int) (evicted *Descriptor, err error) {
	if fd < 0 || fd >= Limit {
		return nil, syscall.EBADF
	}
	evicted = t.slots[fd]
	t.slots[fd] = d
	if fd == t.next {
		t.next = fd + 1
	}
	return evicted, nil
}

// Get returns the descriptor bound to fd.
func (t *Table) Get(fd int) (*Descriptor, error) {
	d, ok := t.slots[fd]
	if !ok {
		return nil, syscall.EBADF
	}
	return d, nil
}

// Deregister unbinds fd and returns the descriptor that was there, or nil.
// It never fails: releasing the slot must succeed even if the file's close
// later reports an error.
func (t *Table) Deregister(fd int) *Descriptor {
	d, ok := t.slots[fd]
	if !ok {
		return nil
	}
	delete(t.slots, fd)
	if fd < t.next {
		t.next = fd
	}
	return d
}

// Drain unbinds every slot, in fd order, for process teardown.
func (t *Table) Drain() []*Descriptor {
	var all []*Descriptor
	for fd := 0; fd < Limit; fd++ {
		if d, ok := t.slots[fd]; ok {
			all = append(all, d)
			delete(t.slots, fd)
		}
	}
	t.next = 0
	return all
}

// Len reports the number of bound slots.
func (t *Table) Len() int {
	return len(t.slots)
}
