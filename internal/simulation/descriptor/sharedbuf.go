package descriptor

import (
	"syscall"

	"github.com/kmrgirish/hostsim/internal/simulation/eventq"
	"github.com/kmrgirish/hostsim/internal/simulation/syscallabi"
)

// SharedBuf is the byte channel connecting two file endpoints, a pipe's two
// ends or a unix stream socket pair. It is a fixed-size ring transferring
// guest memory with a single copy per direction, and it tracks how many
// endpoints can still read and write so it can report EOF and EPIPE.
//
// Mutating calls take a callback queue because changing the buffer changes
// the readiness of the files attached to it.
type SharedBuf struct {
	data        []byte
	read, write int
	used        int

	readers, writers int

	listeners []*BufListener
}

// A BufListener observes buffer transitions, used by attached files to
// refresh their readiness state.
type BufListener struct {
	fn func(q *eventq.CallbackQueue)
}

func NewSharedBuf(n int) *SharedBuf {
	return &SharedBuf{data: make([]byte, n)}
}

// AddListener registers fn to run, via the callback queue, after any change
// to the buffer's contents or endpoint counts.
func (b *SharedBuf) AddListener(fn func(q *eventq.CallbackQueue)) *BufListener {
	l := &BufListener{fn: fn}
	b.listeners = append(b.listeners, l)
	return l
}

func (b *SharedBuf) RemoveListener(l *BufListener) {
	for i, other := range b.listeners {
		if other == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *SharedBuf) notify(q *eventq.CallbackQueue) {
	for _, l := range b.listeners {
		l := l
		q.Add(func(q *eventq.CallbackQueue) {
			l.fn(q)
		})
	}
}

// AddReader attaches a reading endpoint.
func (b *SharedBuf) AddReader(q *eventq.CallbackQueue) {
	b.readers++
	b.notify(q)
}

// RemoveReader detaches a reading endpoint. When the last one goes, writers
// start seeing EPIPE.
func (b *SharedBuf) RemoveReader(q *eventq.CallbackQueue) {
	if b.readers <= 0 {
		panic("descriptor: SharedBuf has no reader to remove")
	}
	b.readers--
	b.notify(q)
}

// AddWriter attaches a writing endpoint.
func (b *SharedBuf) AddWriter(q *eventq.CallbackQueue) {
	b.writers++
	b.notify(q)
}

// RemoveWriter detaches a writing endpoint. When the last one goes, readers
// drain the remaining bytes and then see EOF.
func (b *SharedBuf) RemoveWriter(q *eventq.CallbackQueue) {
	if b.writers <= 0 {
		panic("descriptor: SharedBuf has no writer to remove")
	}
	b.writers--
	b.notify(q)
}

func (b *SharedBuf) free() int {
	return len(b.data) - b.used
}

func (b *SharedBuf) Used() int {
	return b.used
}

// ReadReady reports whether a read would make progress, counting EOF as
// progress.
func (b *SharedBuf) ReadReady() bool {
	return b.used > 0 || b.writers == 0
}

// WriteReady reports whether a write would make progress, counting EPIPE as
// progress.
func (b *SharedBuf) WriteReady() bool {
	return b.free() > 0 || b.readers == 0
}

// Read copies up to data.Len() buffered bytes out into guest memory. An
// empty buffer reads as (0, nil) at EOF and EAGAIN otherwise.
func (b *SharedBuf) Read(data syscallabi.ByteSliceView, q *eventq.CallbackQueue) (int, error) {
	if data.Len() == 0 {
		return 0, nil
	}
	if b.used == 0 {
		if b.writers == 0 {
			return 0, nil
		}
		return 0, syscall.EAGAIN
	}

	if b.used < data.Len() {
		data = data.Slice(0, b.used)
	}
	n := data.Write(b.data[b.read:])
	b.read += n
	b.used -= n
	if b.read == len(b.data) {
		b.read = 0
		m := data.SliceFrom(n).Write(b.data[b.read:])
		b.read += m
		b.used -= m
		n += m
	}
	b.notify(q)
	return n, nil
}

// Write copies up to data.Len() bytes from guest memory into the buffer,
// returning the possibly short count. A buffer with no readers left is
// EPIPE; a full one is EAGAIN.
func (b *SharedBuf) Write(data syscallabi.ByteSliceView, q *eventq.CallbackQueue) (int, error) {
	if b.readers == 0 {
		return 0, syscall.EPIPE
	}
	if data.Len() == 0 {
		return 0, nil
	}
	if b.free() == 0 {
		return 0, syscall.EAGAIN
	}

	if free := b.free(); free < data.Len() {
		data = data.Slice(0, free)
	}
	n := data.Read(b.data[b.write:])
	b.write += n
	b.used += n
	if b.write == len(b.data) {
		b.write = 0
		m := data.SliceFrom(n).Read(b.data[b.write:])
		b.write += m
		b.used += m
		n += m
	}
	b.notify(q)
	return n, nil
}
