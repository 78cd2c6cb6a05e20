package socket

import (
	"math/rand"

	"github.com/kmrgirish/hostsim/internal/simulation/descriptor"
	"github.com/kmrgirish/hostsim/internal/simulation/eventq"
	"github.com/kmrgirish/hostsim/internal/simulation/netns"
	"github.com/kmrgirish/hostsim/internal/simulation/syscallabi"
)

// InetSocket wraps a TCP endpoint owned by the legacy syscall layer. It
// exists so inet stream sockets live in the same descriptor table and
// open-file lifecycle as native files; every syscall on one is redirected
// wholesale to the legacy layer before reaching the methods below.
type InetSocket struct {
	descriptor.FileBase

	// Handle is the legacy layer's endpoint, opaque here.
	Handle any

	closeFn func(handle any)
}

// NewInet wraps handle. closeFn is invoked once, when the last open-file
// reference drops.
func NewInet(handle any, status descriptor.FileStatus, closeFn func(handle any)) *InetSocket {
	s := &InetSocket{Handle: handle, closeFn: closeFn}
	s.InitBase(descriptor.ModeRead|descriptor.ModeWrite, status, descriptor.StateActive)
	return s
}

func (s *InetSocket) SupportsSaRestart() bool {
	return true
}

func (s *InetSocket) Close(q *eventq.CallbackQueue) error {
	s.Borrow()
	defer s.Release()
	if s.State().Has(descriptor.StateClosed) {
		return nil
	}
	if s.closeFn != nil {
		s.closeFn(s.Handle)
	}
	s.SetState(descriptor.StateClosed,
		descriptor.StateActive|descriptor.StateReadable|descriptor.StateWritable, q)
	return nil
}

// The operations below are unreachable: dispatch redirects inet sockets to
// the legacy layer before calling into the socket surface.

func (s *InetSocket) Bind(sa syscallabi.Sockaddr, ns *netns.Namespace, rng *rand.Rand) error {
	panic("socket: native operation on legacy-backed inet socket")
}

func (s *InetSocket) Listen(backlog int, ns *netns.Namespace, rng *rand.Rand, q *eventq.CallbackQueue) error {
	panic("socket: native operation on legacy-backed inet socket")
}

func (s *InetSocket) Connect(sa syscallabi.Sockaddr, ns *netns.Namespace, rng *rand.Rand, q *eventq.CallbackQueue) error {
	panic("socket: native operation on legacy-backed inet socket")
}

func (s *InetSocket) Accept(q *eventq.CallbackQueue) (*descriptor.OpenFile, error) {
	panic("socket: native operation on legacy-backed inet socket")
}

func (s *InetSocket) SendTo(data syscallabi.ByteSliceView, dest syscallabi.Sockaddr, ns *netns.Namespace, q *eventq.CallbackQueue) (int, error) {
	panic("socket: native operation on legacy-backed inet socket")
}

func (s *InetSocket) RecvFrom(data syscallabi.ByteSliceView, q *eventq.CallbackQueue) (int, syscallabi.Sockaddr, error) {
	panic("socket: native operation on legacy-backed inet socket")
}

func (s *InetSocket) Shutdown(how int, q *eventq.CallbackQueue) error {
	panic("socket: native operation on legacy-backed inet socket")
}

func (s *InetSocket) GetSockOpt(level, opt int) (int, error) {
	panic("socket: native operation on legacy-backed inet socket")
}

func (s *InetSocket) SetSockOpt(level, opt, value int) error {
	panic("socket: native operation on legacy-backed inet socket")
}

func (s *InetSocket) Sockname() (syscallabi.Sockaddr, error) {
	panic("socket: native operation on legacy-backed inet socket")
}

func (s *InetSocket) Peername() (syscallabi.Sockaddr, error) {
	panic("socket: native operation on legacy-backed inet socket")
}
