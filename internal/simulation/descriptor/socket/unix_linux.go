package socket

import (
	"math/rand"
	"syscall"

	"github.com/kmrgirish/hostsim/internal/simulation/condition"
	"github.com/kmrgirish/hostsim/internal/simulation/descriptor"
	"github.com/kmrgirish/hostsim/internal/simulation/eventq"
	"github.com/kmrgirish/hostsim/internal/simulation/netns"
	"github.com/kmrgirish/hostsim/internal/simulation/syscallabi"
)

// UnixSocketType is the subset of socket types unix-domain sockets support.
type UnixSocketType int

const (
	UnixStream UnixSocketType = iota
	UnixDgram
	UnixSeqPacket
)

// UnixSocketTypeFromSys maps a guest SOCK_* value, already stripped of
// SOCK_NONBLOCK and SOCK_CLOEXEC, to a socket type.
func UnixSocketTypeFromSys(typ int) (UnixSocketType, error) {
	switch typ {
	case syscall.SOCK_STREAM:
		return UnixStream, nil
	case syscall.SOCK_DGRAM:
		return UnixDgram, nil
	case syscall.SOCK_SEQPACKET:
		return UnixSeqPacket, nil
	default:
		return 0, syscall.EPROTONOSUPPORT
	}
}

func (t UnixSocketType) String() string {
	switch t {
	case UnixStream:
		return "stream"
	case UnixDgram:
		return "dgram"
	case UnixSeqPacket:
		return "seqpacket"
	default:
		return "unknown"
	}
}

// connectionOriented reports whether the type goes through listen/accept.
func (t UnixSocketType) connectionOriented() bool {
	return t != UnixDgram
}

// streamBufferSize matches the Linux default socket buffer size
// (net.core.wmem_default).
const streamBufferSize = 212992

// A message is one queued datagram or seqpacket payload with its source
// address.
type message struct {
	data []byte
	from syscallabi.Sockaddr
}

// UnixSocket is a unix-domain socket. Stream sockets move bytes through a
// pair of shared ring buffers, one per direction; dgram and seqpacket
// sockets move whole messages through the receiver's queue, preserving
// boundaries.
type UnixSocket struct {
	descriptor.FileBase

	typ UnixSocketType

	bound *syscallabi.SockaddrUnix
	ns    *netns.Namespace

	shutRD, shutWR bool

	listening bool
	backlog   int
	pending   []*UnixSocket

	peer       *UnixSocket
	peerClosed bool

	// stream transport
	recvBuf, sendBuf           *descriptor.SharedBuf
	recvListener, sendListener *descriptor.BufListener

	// message transport
	messages []message
}

// NewUnix creates an unconnected unix socket.
func NewUnix(typ UnixSocketType, status descriptor.FileStatus) *UnixSocket {
	s := &UnixSocket{typ: typ}
	state := descriptor.StateActive
	if typ == UnixDgram {
		// Datagram sends do not wait for a receiver to drain anything.
		state |= descriptor.StateWritable
	}
	s.InitBase(descriptor.ModeRead|descriptor.ModeWrite, status, state)
	return s
}

// NewUnixPair creates two connected unix sockets, as socketpair does.
func NewUnixPair(typ UnixSocketType, status descriptor.FileStatus, q *eventq.CallbackQueue) (*UnixSocket, *UnixSocket) {
	a, b := NewUnix(typ, status), NewUnix(typ, status)
	a.Borrow()
	b.Borrow()
	link(a, b, q)
	b.Release()
	a.Release()
	return a, b
}

// link connects a and b. Both borrows must be held.
func link(a, b *UnixSocket, q *eventq.CallbackQueue) {
	a.peer, b.peer = b, a
	if a.typ == UnixStream {
		a.recvBuf = descriptor.NewSharedBuf(streamBufferSize)
		b.recvBuf = descriptor.NewSharedBuf(streamBufferSize)
		a.sendBuf, b.sendBuf = b.recvBuf, a.recvBuf
		for _, s := range []*UnixSocket{a, b} {
			s.recvBuf.AddReader(q)
			s.sendBuf.AddWriter(q)
			s.recvListener = s.recvBuf.AddListener(s.refreshState)
			s.sendListener = s.sendBuf.AddListener(s.refreshState)
		}
	}
	a.SetState(descriptor.StateWritable, 0, q)
	b.SetState(descriptor.StateWritable, 0, q)
}

// refreshState recomputes readiness. Runs off the callback queue, never
// while an operation holds the borrow.
func (s *UnixSocket) refreshState(q *eventq.CallbackQueue) {
	if s.State().Has(descriptor.StateClosed) {
		return
	}
	s.Borrow()
	defer s.Release()
	s.refreshStateLocked(q)
}

func (s *UnixSocket) refreshStateLocked(q *eventq.CallbackQueue) {
	var set, clear descriptor.FileState
	switch {
	case s.listening:
		if len(s.pending) > 0 {
			set |= descriptor.StateReadable
		} else {
			clear |= descriptor.StateReadable
		}
		if len(s.pending) < s.backlog {
			set |= descriptor.StateAllowingConnect
		} else {
			clear |= descriptor.StateAllowingConnect
		}

	case s.typ == UnixStream:
		if s.recvBuf == nil {
			return
		}
		if s.shutRD || s.recvBuf.ReadReady() {
			set |= descriptor.StateReadable
		} else {
			clear |= descriptor.StateReadable
		}
		if s.shutWR || s.sendBuf.WriteReady() {
			set |= descriptor.StateWritable
		} else {
			clear |= descriptor.StateWritable
		}

	default:
		if len(s.messages) > 0 || s.shutRD || (s.typ == UnixSeqPacket && s.peerClosed) {
			set |= descriptor.StateReadable
		} else {
			clear |= descriptor.StateReadable
		}
	}
	s.SetState(set, clear, q)
}

func (s *UnixSocket) SupportsSaRestart() bool {
	return true
}

func (s *UnixSocket) Bind(sa syscallabi.Sockaddr, ns *netns.Namespace, rng *rand.Rand) error {
	s.Borrow()
	defer s.Release()

	addr, ok := sa.(*syscallabi.SockaddrUnix)
	if !ok {
		// Kernel unix sockets report the wrong family as EINVAL, not
		// EAFNOSUPPORT.
		return syscall.EINVAL
	}
	if s.bound != nil {
		return syscall.EINVAL
	}
	if addr.Name == "" {
		return s.autobindLocked(ns, rng)
	}
	if !addr.Abstract() {
		// Filesystem-backed names would need a simulated fs.
		return syscall.EOPNOTSUPP
	}
	if err := ns.BindUnix(addr.Name, s); err != nil {
		return err
	}
	s.bound = &syscallabi.SockaddrUnix{Name: addr.Name}
	s.ns = ns
	return nil
}

func (s *UnixSocket) autobindLocked(ns *netns.Namespace, rng *rand.Rand) error {
	name, err := ns.AutobindUnix(rng, s)
	if err != nil {
		return err
	}
	s.bound = &syscallabi.SockaddrUnix{Name: name}
	s.ns = ns
	return nil
}

func (s *UnixSocket) Listen(backlog int, ns *netns.Namespace, rng *rand.Rand, q *eventq.CallbackQueue) error {
	s.Borrow()
	defer s.Release()

	if !s.typ.connectionOriented() {
		return syscall.EOPNOTSUPP
	}
	if s.peer != nil {
		return syscall.EINVAL
	}
	if s.bound == nil {
		if err := s.autobindLocked(ns, rng); err != nil {
			return err
		}
	}
	// Relistening just adjusts the backlog.
	s.listening = true
	s.backlog = clampBacklog(backlog)
	s.refreshStateLocked(q)
	return nil
}

func (s *UnixSocket) Connect(sa syscallabi.Sockaddr, ns *netns.Namespace, rng *rand.Rand, q *eventq.CallbackQueue) error {
	s.Borrow()
	defer s.Release()

	addr, ok := sa.(*syscallabi.SockaddrUnix)
	if !ok {
		return syscall.EINVAL
	}
	if s.listening {
		return syscall.EINVAL
	}

	target, found := ns.LookupUnix(addr.Name)
	if !found {
		return syscall.ECONNREFUSED
	}
	server, ok := target.(*UnixSocket)
	if !ok {
		return syscall.ECONNREFUSED
	}
	if server.typ != s.typ {
		return syscall.EPROTOTYPE
	}

	if s.typ == UnixDgram {
		// Datagram connect just pins the default destination; reconnecting
		// is allowed.
		s.peer = server
		s.peerClosed = false
		return nil
	}

	if s.peer != nil {
		return syscall.EISCONN
	}
	if server == s {
		return syscall.ECONNREFUSED
	}

	server.Borrow()
	defer server.Release()
	if !server.listening {
		return syscall.ECONNREFUSED
	}
	if len(server.pending) >= server.backlog {
		if s.Status()&descriptor.StatusNonblock != 0 {
			return syscall.EAGAIN
		}
		// The state being waited on lives on the listener, so the blocked
		// outcome is built here rather than by the generic helper. The
		// caller still attaches the active file.
		return &condition.Blocked{
			Condition:   condition.New(condition.Trigger{File: server, State: descriptor.StateAllowingConnect}),
			Restartable: s.SupportsSaRestart(),
		}
	}

	// The connection completes as soon as it lands in the backlog; accept
	// later just hands the prepared server end to the caller.
	child := NewUnix(s.typ, 0)
	child.bound = server.bound
	child.ns = nil
	child.Borrow()
	link(s, child, q)
	child.Release()
	server.pending = append(server.pending, child)
	server.refreshStateLocked(q)
	return nil
}

func (s *UnixSocket) Accept(q *eventq.CallbackQueue) (*descriptor.OpenFile, error) {
	s.Borrow()
	defer s.Release()

	if !s.listening {
		return nil, syscall.EINVAL
	}
	if len(s.pending) == 0 {
		return nil, syscall.EAGAIN
	}
	child := s.pending[0]
	s.pending = s.pending[1:]
	s.refreshStateLocked(q)
	return descriptor.NewOpenFile(child), nil
}

func (s *UnixSocket) SendTo(data syscallabi.ByteSliceView, dest syscallabi.Sockaddr, ns *netns.Namespace, q *eventq.CallbackQueue) (int, error) {
	s.Borrow()
	defer s.Release()

	if s.State().Has(descriptor.StateClosed) {
		return 0, syscall.EBADF
	}
	if s.listening {
		return 0, syscall.EOPNOTSUPP
	}
	if s.shutWR {
		return 0, syscall.EPIPE
	}

	if s.typ.connectionOriented() {
		if dest != nil {
			if s.peer != nil {
				return 0, syscall.EISCONN
			}
			return 0, syscall.EOPNOTSUPP
		}
		if s.peer == nil {
			return 0, syscall.ENOTCONN
		}
		if s.typ == UnixStream {
			return s.sendBuf.Write(data, q)
		}
		return s.deliver(s.peer, data, q)
	}

	target := s.peer
	if dest != nil {
		addr, ok := dest.(*syscallabi.SockaddrUnix)
		if !ok {
			return 0, syscall.EINVAL
		}
		t, found := ns.LookupUnix(addr.Name)
		if !found {
			return 0, syscall.ECONNREFUSED
		}
		us, ok := t.(*UnixSocket)
		if !ok || us.typ != UnixDgram {
			return 0, syscall.EPROTOTYPE
		}
		target = us
	}
	if target == nil {
		return 0, syscall.ENOTCONN
	}
	return s.deliver(target, data, q)
}

// deliver appends one message to target's receive queue. target may be s
// itself, whose borrow is then already held.
func (s *UnixSocket) deliver(target *UnixSocket, data syscallabi.ByteSliceView, q *eventq.CallbackQueue) (int, error) {
	msg := make([]byte, data.Len())
	data.Read(msg)
	var from syscallabi.Sockaddr
	if s.bound != nil {
		from = s.bound
	}

	if target == s {
		s.messages = append(s.messages, message{data: msg, from: from})
		s.refreshStateLocked(q)
		return len(msg), nil
	}

	target.Borrow()
	defer target.Release()
	if target.State().Has(descriptor.StateClosed) || target.shutRD {
		if s.typ.connectionOriented() {
			return 0, syscall.EPIPE
		}
		return 0, syscall.ECONNREFUSED
	}
	target.messages = append(target.messages, message{data: msg, from: from})
	target.refreshStateLocked(q)
	return len(msg), nil
}

func (s *UnixSocket) RecvFrom(data syscallabi.ByteSliceView, q *eventq.CallbackQueue) (int, syscallabi.Sockaddr, error) {
	s.Borrow()
	defer s.Release()

	if s.State().Has(descriptor.StateClosed) {
		return 0, nil, syscall.EBADF
	}
	if s.listening {
		return 0, nil, syscall.EINVAL
	}

	if s.typ == UnixStream {
		if s.recvBuf == nil {
			return 0, nil, syscall.ENOTCONN
		}
		if s.shutRD {
			return 0, nil, nil
		}
		n, err := s.recvBuf.Read(data, q)
		return n, nil, err
	}

	if len(s.messages) == 0 {
		if s.shutRD {
			return 0, nil, nil
		}
		if s.typ == UnixSeqPacket {
			if s.peer == nil {
				return 0, nil, syscall.ENOTCONN
			}
			if s.peerClosed {
				return 0, nil, nil
			}
		}
		return 0, nil, syscall.EAGAIN
	}
	m := s.messages[0]
	s.messages = s.messages[1:]
	// Messages that do not fit are truncated, the excess is discarded.
	n := data.Write(m.data)
	s.refreshStateLocked(q)
	return n, m.from, nil
}

func (s *UnixSocket) Shutdown(how int, q *eventq.CallbackQueue) error {
	s.Borrow()
	defer s.Release()

	switch how {
	case syscall.SHUT_RD, syscall.SHUT_WR, syscall.SHUT_RDWR:
	default:
		return syscall.EINVAL
	}
	if s.typ.connectionOriented() && s.peer == nil && !s.listening {
		return syscall.ENOTCONN
	}

	if (how == syscall.SHUT_RD || how == syscall.SHUT_RDWR) && !s.shutRD {
		s.shutRD = true
		if s.recvBuf != nil {
			s.recvBuf.RemoveReader(q)
		}
	}
	if (how == syscall.SHUT_WR || how == syscall.SHUT_RDWR) && !s.shutWR {
		s.shutWR = true
		if s.sendBuf != nil {
			s.sendBuf.RemoveWriter(q)
		}
	}
	s.refreshStateLocked(q)
	return nil
}

func (s *UnixSocket) GetSockOpt(level, opt int) (int, error) {
	s.Borrow()
	defer s.Release()

	if level != syscall.SOL_SOCKET {
		return 0, syscall.ENOPROTOOPT
	}
	switch opt {
	case syscall.SO_TYPE:
		switch s.typ {
		case UnixStream:
			return syscall.SOCK_STREAM, nil
		case UnixDgram:
			return syscall.SOCK_DGRAM, nil
		default:
			return syscall.SOCK_SEQPACKET, nil
		}
	case syscall.SO_DOMAIN:
		return syscall.AF_UNIX, nil
	case syscall.SO_PROTOCOL:
		return 0, nil
	case syscall.SO_ERROR:
		return 0, nil
	case syscall.SO_SNDBUF, syscall.SO_RCVBUF:
		return streamBufferSize, nil
	case syscall.SO_ACCEPTCONN:
		if s.listening {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, syscall.ENOPROTOOPT
	}
}

func (s *UnixSocket) SetSockOpt(level, opt, value int) error {
	s.Borrow()
	defer s.Release()

	if level != syscall.SOL_SOCKET {
		return syscall.ENOPROTOOPT
	}
	switch opt {
	case syscall.SO_SNDBUF, syscall.SO_RCVBUF, syscall.SO_REUSEADDR:
		// Accepted for compatibility; buffer sizing is fixed.
		return nil
	default:
		return syscall.ENOPROTOOPT
	}
}

func (s *UnixSocket) Sockname() (syscallabi.Sockaddr, error) {
	s.Borrow()
	defer s.Release()
	if s.bound != nil {
		return s.bound, nil
	}
	return &syscallabi.SockaddrUnix{}, nil
}

func (s *UnixSocket) Peername() (syscallabi.Sockaddr, error) {
	s.Borrow()
	defer s.Release()
	if s.peer == nil {
		return nil, syscall.ENOTCONN
	}
	if s.peer.bound != nil {
		return s.peer.bound, nil
	}
	return &syscallabi.SockaddrUnix{}, nil
}

// Close tears the socket down: the name unbinds, queued connections are
// refused, and the peer observes EOF or EPIPE.
func (s *UnixSocket) Close(q *eventq.CallbackQueue) error {
	s.Borrow()
	defer s.Release()

	if s.State().Has(descriptor.StateClosed) {
		return nil
	}
	if s.bound != nil && s.ns != nil {
		s.ns.UnbindUnix(s.bound.Name)
	}

	pending := s.pending
	s.pending = nil
	for _, child := range pending {
		// Never accepted, so no descriptor or open file refers to it.
		q.Add(func(q *eventq.CallbackQueue) {
			child.Close(q)
		})
	}

	if !s.shutRD && s.recvBuf != nil {
		s.recvBuf.RemoveReader(q)
	}
	if !s.shutWR && s.sendBuf != nil {
		s.sendBuf.RemoveWriter(q)
	}
	if s.recvBuf != nil {
		s.recvBuf.RemoveListener(s.recvListener)
		s.sendBuf.RemoveListener(s.sendListener)
		s.recvListener, s.sendListener = nil, nil
	}

	if peer := s.peer; peer != nil && peer != s && !peer.State().Has(descriptor.StateClosed) {
		q.Add(func(q *eventq.CallbackQueue) {
			if peer.State().Has(descriptor.StateClosed) {
				return
			}
			peer.Borrow()
			defer peer.Release()
			peer.peerClosed = true
			peer.refreshStateLocked(q)
		})
	}

	s.SetState(descriptor.StateClosed,
		descriptor.StateActive|descriptor.StateReadable|descriptor.StateWritable|descriptor.StateAllowingConnect, q)
	return nil
}
