// Package pipe implements the pipe file kind: two unidirectional endpoints
// over one shared ring buffer.
package pipe

import (
	"syscall"

	"github.com/kmrgirish/hostsim/internal/simulation/descriptor"
	"github.com/kmrgirish/hostsim/internal/simulation/eventq"
	"github.com/kmrgirish/hostsim/internal/simulation/syscallabi"
)

// BufferSize matches the default Linux pipe capacity.
const BufferSize = 64 * 1024

// Pipe is one end of a pipe. The read end carries descriptor.ModeRead, the
// write end descriptor.ModeWrite.
type Pipe struct {
	descriptor.FileBase

	buf      *descriptor.SharedBuf
	listener *descriptor.BufListener
}

// NewPair creates both ends of a pipe connected by a fresh buffer. Both ends
// start with the given status flags.
func NewPair(status descriptor.FileStatus, q *eventq.CallbackQueue) (r, w *Pipe) {
	buf := descriptor.NewSharedBuf(BufferSize)
	r = newEnd(descriptor.ModeRead, status)
	w = newEnd(descriptor.ModeWrite, status)
	r.connect(buf, q)
	w.connect(buf, q)
	return r, w
}

func newEnd(mode descriptor.FileMode, status descriptor.FileStatus) *Pipe {
	p := &Pipe{}
	p.InitBase(mode, status, descriptor.StateActive)
	return p
}

func (p *Pipe) connect(buf *descriptor.SharedBuf, q *eventq.CallbackQueue) {
	p.buf = buf
	if p.Mode()&descriptor.ModeRead != 0 {
		buf.AddReader(q)
	}
	if p.Mode()&descriptor.ModeWrite != 0 {
		buf.AddWriter(q)
	}
	p.listener = buf.AddListener(p.refreshState)
	q.Add(func(q *eventq.CallbackQueue) {
		p.refreshState(q)
	})
}

// refreshState recomputes readiness from the buffer. Runs off the callback
// queue, never while an operation holds the borrow.
func (p *Pipe) refreshState(q *eventq.CallbackQueue) {
	if p.State().Has(descriptor.StateClosed) {
		return
	}
	p.Borrow()
	defer p.Release()

	var set, clear descriptor.FileState
	if p.Mode()&descriptor.ModeRead != 0 {
		if p.buf.ReadReady() {
			set |= descriptor.StateReadable
		} else {
			clear |= descriptor.StateReadable
		}
	}
	if p.Mode()&descriptor.ModeWrite != 0 {
		if p.buf.WriteReady() {
			set |= descriptor.StateWritable
		} else {
			clear |= descriptor.StateWritable
		}
	}
	p.SetState(set, clear, q)
}

func (p *Pipe) SupportsSaRestart() bool {
	return true
}

// Read moves buffered bytes into guest memory. Pipes have no file position,
// so any explicit offset is ESPIPE.
func (p *Pipe) Read(data syscallabi.ByteSliceView, offset int64, q *eventq.CallbackQueue) (int, error) {
	p.Borrow()
	defer p.Release()

	if p.State().Has(descriptor.StateClosed) {
		return 0, syscall.EBADF
	}
	if offset != 0 {
		return 0, syscall.ESPIPE
	}
	if p.Mode()&descriptor.ModeRead == 0 {
		return 0, syscall.EBADF
	}
	return p.buf.Read(data, q)
}

// Write moves bytes from guest memory into the buffer, possibly short.
func (p *Pipe) Write(data syscallabi.ByteSliceView, offset int64, q *eventq.CallbackQueue) (int, error) {
	p.Borrow()
	defer p.Release()

	if p.State().Has(descriptor.StateClosed) {
		return 0, syscall.EBADF
	}
	if offset != 0 {
		return 0, syscall.ESPIPE
	}
	if p.Mode()&descriptor.ModeWrite == 0 {
		return 0, syscall.EBADF
	}
	return p.buf.Write(data, q)
}

// Close detaches the endpoint from the shared buffer, letting the peer end
// observe EOF or EPIPE, and marks the file closed.
func (p *Pipe) Close(q *eventq.CallbackQueue) error {
	p.Borrow()
	defer p.Release()

	if p.State().Has(descriptor.StateClosed) {
		return nil
	}
	if p.Mode()&descriptor.ModeRead != 0 {
		p.buf.RemoveReader(q)
	}
	if p.Mode()&descriptor.ModeWrite != 0 {
		p.buf.RemoveWriter(q)
	}
	p.buf.RemoveListener(p.listener)
	p.listener = nil
	p.SetState(descriptor.StateClosed, descriptor.StateActive|descriptor.StateReadable|descriptor.StateWritable, q)
	return nil
}
