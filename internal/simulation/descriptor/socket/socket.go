// Package socket implements the socket file kinds: unix-domain sockets with
// full native semantics, and inet sockets as thin wrappers around endpoints
// owned by the legacy syscall layer.
package socket

import (
	"math/rand"

	"github.com/kmrgirish/hostsim/internal/simulation/descriptor"
	"github.com/kmrgirish/hostsim/internal/simulation/eventq"
	"github.com/kmrgirish/hostsim/internal/simulation/netns"
	"github.com/kmrgirish/hostsim/internal/simulation/syscallabi"
)

// Socket extends File with addressing and connection operations. The
// concrete kinds are a closed set: *UnixSocket and *InetSocket. Callers that
// must redirect inet sockets to the legacy layer type-switch before using
// this surface.
//
// Operations that cannot make progress return EAGAIN for the caller to
// translate, except Connect, which constructs its own blocked outcome
// because the state it waits for lives on the remote socket.
type Socket interface {
	descriptor.File

	Bind(sa syscallabi.Sockaddr, ns *netns.Namespace, rng *rand.Rand) error
	Listen(backlog int, ns *netns.Namespace, rng *rand.Rand, q *eventq.CallbackQueue) error
	Connect(sa syscallabi.Sockaddr, ns *netns.Namespace, rng *rand.Rand, q *eventq.CallbackQueue) error

	// Accept pops one pending connection and hands the caller a fresh
	// open-file reference to the new socket. The new socket's peer address
	// is resolvable immediately.
	Accept(q *eventq.CallbackQueue) (*descriptor.OpenFile, error)

	SendTo(data syscallabi.ByteSliceView, dest syscallabi.Sockaddr, ns *netns.Namespace, q *eventq.CallbackQueue) (int, error)
	RecvFrom(data syscallabi.ByteSliceView, q *eventq.CallbackQueue) (int, syscallabi.Sockaddr, error)

	Shutdown(how int, q *eventq.CallbackQueue) error

	GetSockOpt(level, opt int) (int, error)
	SetSockOpt(level, opt, value int) error

	Sockname() (syscallabi.Sockaddr, error)
	Peername() (syscallabi.Sockaddr, error)
}

// Listen backlogs outside this range are clamped, not rejected.
const (
	minBacklog = 1
	maxBacklog = 4096
)

func clampBacklog(backlog int) int {
	if backlog < minBacklog {
		return minBacklog
	}
	if backlog > maxBacklog {
		return maxBacklog
	}
	return backlog
}
