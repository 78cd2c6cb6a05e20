package socket_test

import (
	"bytes"
	"errors"
	"math/rand"
	"syscall"
	"testing"

	"github.com/kmrgirish/hostsim/internal/simulation/condition"
	"github.com/kmrgirish/hostsim/internal/simulation/descriptor"
	"github.com/kmrgirish/hostsim/internal/simulation/descriptor/socket"
	"github.com/kmrgirish/hostsim/internal/simulation/eventq"
	"github.com/kmrgirish/hostsim/internal/simulation/netns"
	"github.com/kmrgirish/hostsim/internal/simulation/syscallabi"
)

func view(b []byte) syscallabi.ByteSliceView {
	return syscallabi.ByteSliceView{Ptr: b}
}

func unixAddr(name string) *syscallabi.SockaddrUnix {
	return &syscallabi.SockaddrUnix{Name: name}
}

type env struct {
	ns  *netns.Namespace
	rng *rand.Rand
}

func newEnv() *env {
	return &env{ns: netns.New(), rng: rand.New(rand.NewSource(1))}
}

// listener binds and listens a fresh socket of the given type.
func (e *env) listener(t *testing.T, typ socket.UnixSocketType, name string, backlog int, q *eventq.CallbackQueue) *socket.UnixSocket {
	t.Helper()
	s := socket.NewUnix(typ, 0)
	if err := s.Bind(unixAddr(name), e.ns, e.rng); err != nil {
		t.Fatalf("bind %s: %v", name, err)
	}
	if err := s.Listen(backlog, e.ns, e.rng, q); err != nil {
		t.Fatalf("listen %s: %v", name, err)
	}
	return s
}

// dial connects a fresh socket and accepts the server end.
func (e *env) dial(t *testing.T, server *socket.UnixSocket, name string, q *eventq.CallbackQueue) (client, serverEnd *socket.UnixSocket) {
	t.Helper()
	client = socket.NewUnix(socket.UnixStream, 0)
	if err := client.Connect(unixAddr(name), e.ns, e.rng, q); err != nil {
		t.Fatalf("connect: %v", err)
	}
	of, err := server.Accept(q)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return client, of.File().(*socket.UnixSocket)
}

func TestUnixBind(t *testing.T) {
	e := newEnv()
	s := socket.NewUnix(socket.UnixStream, 0)
	if err := s.Bind(unixAddr("@svc"), e.ns, e.rng); err != nil {
		t.Fatal(err)
	}
	sa, err := s.Sockname()
	if err != nil {
		t.Fatal(err)
	}
	if got := sa.(*syscallabi.SockaddrUnix).Name; got != "@svc" {
		t.Errorf("sockname = %q", got)
	}

	other := socket.NewUnix(socket.UnixStream, 0)
	if err := other.Bind(unixAddr("@svc"), e.ns, e.rng); !errors.Is(err, syscall.EADDRINUSE) {
		t.Errorf("second bind = %v, want EADDRINUSE", err)
	}
	if err := s.Bind(unixAddr("@again"), e.ns, e.rng); !errors.Is(err, syscall.EINVAL) {
		t.Errorf("rebind = %v, want EINVAL", err)
	}
}

func TestUnixBindPathname(t *testing.T) {
	e := newEnv()
	s := socket.NewUnix(socket.UnixStream, 0)
	if err := s.Bind(unixAddr("/tmp/sock"), e.ns, e.rng); !errors.Is(err, syscall.EOPNOTSUPP) {
		t.Errorf("pathname bind = %v, want EOPNOTSUPP", err)
	}
}

func TestUnixBindWrongFamily(t *testing.T) {
	e := newEnv()
	s := socket.NewUnix(socket.UnixStream, 0)
	if err := s.Bind(&syscallabi.SockaddrInet4{Port: 80}, e.ns, e.rng); !errors.Is(err, syscall.EINVAL) {
		t.Errorf("inet bind on unix socket = %v, want EINVAL", err)
	}
}

func TestUnixAutobind(t *testing.T) {
	e := newEnv()
	a := socket.NewUnix(socket.UnixDgram, 0)
	b := socket.NewUnix(socket.UnixDgram, 0)
	if err := a.Bind(unixAddr(""), e.ns, e.rng); err != nil {
		t.Fatal(err)
	}
	if err := b.Bind(unixAddr(""), e.ns, e.rng); err != nil {
		t.Fatal(err)
	}
	sa, _ := a.Sockname()
	sb, _ := b.Sockname()
	na, nb := sa.(*syscallabi.SockaddrUnix), sb.(*syscallabi.SockaddrUnix)
	if !na.Abstract() || !nb.Abstract() {
		t.Errorf("autobind names not abstract: %q %q", na.Name, nb.Name)
	}
	if na.Name == nb.Name {
		t.Errorf("autobind produced duplicate name %q", na.Name)
	}
}

func TestUnixStreamConnectAccept(t *testing.T) {
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		e := newEnv()
		server := e.listener(t, socket.UnixStream, "@srv", 8, q)
		client, child := e.dial(t, server, "@srv", q)

		if _, err := client.Peername(); err != nil {
			t.Fatalf("client peername: %v", err)
		}
		sa, err := child.Sockname()
		if err != nil {
			t.Fatal(err)
		}
		if got := sa.(*syscallabi.SockaddrUnix).Name; got != "@srv" {
			t.Errorf("accepted sockname = %q", got)
		}

		if n, err := client.SendTo(view([]byte("ping")), nil, e.ns, q); err != nil || n != 4 {
			t.Fatalf("send = %d, %v", n, err)
		}
		out := make([]byte, 16)
		n, from, err := child.RecvFrom(view(out), q)
		if err != nil || n != 4 {
			t.Fatalf("recv = %d, %v", n, err)
		}
		if from != nil {
			t.Errorf("stream recv returned source %v", from)
		}
		if !bytes.Equal(out[:n], []byte("ping")) {
			t.Errorf("recv'd %q", out[:n])
		}
	})
}

func TestUnixConnectErrors(t *testing.T) {
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		e := newEnv()
		c := socket.NewUnix(socket.UnixStream, 0)
		if err := c.Connect(unixAddr("@nobody"), e.ns, e.rng, q); !errors.Is(err, syscall.ECONNREFUSED) {
			t.Errorf("connect to unbound name = %v, want ECONNREFUSED", err)
		}

		bound := socket.NewUnix(socket.UnixStream, 0)
		if err := bound.Bind(unixAddr("@bound"), e.ns, e.rng); err != nil {
			t.Fatal(err)
		}
		if err := c.Connect(unixAddr("@bound"), e.ns, e.rng, q); !errors.Is(err, syscall.ECONNREFUSED) {
			t.Errorf("connect to non-listening socket = %v, want ECONNREFUSED", err)
		}

		e.listener(t, socket.UnixSeqPacket, "@seq", 8, q)
		if err := c.Connect(unixAddr("@seq"), e.ns, e.rng, q); !errors.Is(err, syscall.EPROTOTYPE) {
			t.Errorf("stream connect to seqpacket listener = %v, want EPROTOTYPE", err)
		}

		server := e.listener(t, socket.UnixStream, "@srv", 8, q)
		client, _ := e.dial(t, server, "@srv", q)
		if err := client.Connect(unixAddr("@srv"), e.ns, e.rng, q); !errors.Is(err, syscall.EISCONN) {
			t.Errorf("reconnect = %v, want EISCONN", err)
		}
	})
}

func TestUnixConnectBacklogFull(t *testing.T) {
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		e := newEnv()
		server := e.listener(t, socket.UnixStream, "@srv", 1, q)

		first := socket.NewUnix(socket.UnixStream, 0)
		if err := first.Connect(unixAddr("@srv"), e.ns, e.rng, q); err != nil {
			t.Fatalf("first connect: %v", err)
		}
		if server.State().Has(descriptor.StateAllowingConnect) {
			t.Errorf("full backlog still allows connect: %v", server.State())
		}

		second := socket.NewUnix(socket.UnixStream, 0)
		err := second.Connect(unixAddr("@srv"), e.ns, e.rng, q)
		var blocked *condition.Blocked
		if !errors.As(err, &blocked) {
			t.Fatalf("connect with full backlog = %v, want Blocked", err)
		}
		trigger := blocked.Condition.Trigger()
		if trigger.File != descriptor.File(server) || trigger.State != descriptor.StateAllowingConnect {
			t.Errorf("blocked on %v of %T, want ALLOWING_CONNECT on the listener", trigger.State, trigger.File)
		}

		// A non-blocking connect fails fast instead.
		nb := socket.NewUnix(socket.UnixStream, descriptor.StatusNonblock)
		if err := nb.Connect(unixAddr("@srv"), e.ns, e.rng, q); !errors.Is(err, syscall.EAGAIN) {
			t.Errorf("non-blocking connect = %v, want EAGAIN", err)
		}

		// Accepting drains the backlog; the retried connect now succeeds.
		if _, err := server.Accept(q); err != nil {
			t.Fatal(err)
		}
		if !server.State().Has(descriptor.StateAllowingConnect) {
			t.Errorf("drained backlog still blocks connect: %v", server.State())
		}
		if err := second.Connect(unixAddr("@srv"), e.ns, e.rng, q); err != nil {
			t.Fatalf("retried connect: %v", err)
		}
	})
}

func TestUnixDgramSendRecv(t *testing.T) {
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		e := newEnv()
		recv := socket.NewUnix(socket.UnixDgram, 0)
		if err := recv.Bind(unixAddr("@recv"), e.ns, e.rng); err != nil {
			t.Fatal(err)
		}
		send := socket.NewUnix(socket.UnixDgram, 0)
		if err := send.Bind(unixAddr("@send"), e.ns, e.rng); err != nil {
			t.Fatal(err)
		}

		if n, err := send.SendTo(view([]byte("one")), unixAddr("@recv"), e.ns, q); err != nil || n != 3 {
			t.Fatalf("sendto = %d, %v", n, err)
		}
		if n, err := send.SendTo(view([]byte("twotwo")), unixAddr("@recv"), e.ns, q); err != nil || n != 6 {
			t.Fatalf("sendto = %d, %v", n, err)
		}

		out := make([]byte, 16)
		n, from, err := recv.RecvFrom(view(out), q)
		if err != nil || n != 3 {
			t.Fatalf("recvfrom = %d, %v", n, err)
		}
		if got := from.(*syscallabi.SockaddrUnix).Name; got != "@send" {
			t.Errorf("source = %q", got)
		}
		if !bytes.Equal(out[:n], []byte("one")) {
			t.Errorf("datagram reordered: %q", out[:n])
		}

		// Short buffers truncate and discard the rest of the datagram.
		short := make([]byte, 3)
		n, _, err = recv.RecvFrom(view(short), q)
		if err != nil || n != 3 {
			t.Fatalf("truncated recvfrom = %d, %v", n, err)
		}
		if !bytes.Equal(short, []byte("two")) {
			t.Errorf("truncated payload %q", short)
		}
		if _, _, err := recv.RecvFrom(view(out), q); !errors.Is(err, syscall.EAGAIN) {
			t.Errorf("recv after truncation = %v, want EAGAIN (excess discarded)", err)
		}
	})
}

func TestUnixDgramUnconnectedSend(t *testing.T) {
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		e := newEnv()
		s := socket.NewUnix(socket.UnixDgram, 0)
		if _, err := s.SendTo(view([]byte("x")), nil, e.ns, q); !errors.Is(err, syscall.ENOTCONN) {
			t.Errorf("send without destination = %v, want ENOTCONN", err)
		}
		if _, err := s.SendTo(view([]byte("x")), unixAddr("@gone"), e.ns, q); !errors.Is(err, syscall.ECONNREFUSED) {
			t.Errorf("send to unbound name = %v, want ECONNREFUSED", err)
		}
	})
}

func TestUnixDgramConnectPinsDestination(t *testing.T) {
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		e := newEnv()
		recv := socket.NewUnix(socket.UnixDgram, 0)
		if err := recv.Bind(unixAddr("@pin"), e.ns, e.rng); err != nil {
			t.Fatal(err)
		}
		send := socket.NewUnix(socket.UnixDgram, 0)
		if err := send.Connect(unixAddr("@pin"), e.ns, e.rng, q); err != nil {
			t.Fatal(err)
		}
		if n, err := send.SendTo(view([]byte("hi")), nil, e.ns, q); err != nil || n != 2 {
			t.Fatalf("send = %d, %v", n, err)
		}
		out := make([]byte, 8)
		n, from, err := recv.RecvFrom(view(out), q)
		if err != nil || n != 2 {
			t.Fatalf("recv = %d, %v", n, err)
		}
		if from != nil {
			t.Errorf("unbound sender reported source %v", from)
		}
	})
}

func TestUnixSeqPacketBoundaries(t *testing.T) {
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		a, b := socket.NewUnixPair(socket.UnixSeqPacket, 0, q)
		for _, payload := range []string{"first", "second"} {
			if _, err := a.SendTo(view([]byte(payload)), nil, nil, q); err != nil {
				t.Fatal(err)
			}
		}
		out := make([]byte, 64)
		n, _, err := b.RecvFrom(view(out), q)
		if err != nil || n != 5 {
			t.Fatalf("recv = %d, %v; packets not kept separate", n, err)
		}
		n, _, err = b.RecvFrom(view(out), q)
		if err != nil || n != 6 {
			t.Fatalf("recv = %d, %v", n, err)
		}
	})
}

func TestUnixSocketPairStream(t *testing.T) {
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		a, b := socket.NewUnixPair(socket.UnixStream, 0, q)
		if n, err := a.SendTo(view([]byte("pair")), nil, nil, q); err != nil || n != 4 {
			t.Fatalf("send = %d, %v", n, err)
		}
		out := make([]byte, 8)
		n, _, err := b.RecvFrom(view(out), q)
		if err != nil || n != 4 {
			t.Fatalf("recv = %d, %v", n, err)
		}
	})
}

func TestUnixShutdownWrite(t *testing.T) {
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		a, b := socket.NewUnixPair(socket.UnixStream, 0, q)
		if _, err := a.SendTo(view([]byte("last")), nil, nil, q); err != nil {
			t.Fatal(err)
		}
		if err := a.Shutdown(syscall.SHUT_WR, q); err != nil {
			t.Fatal(err)
		}
		if _, err := a.SendTo(view([]byte("x")), nil, nil, q); !errors.Is(err, syscall.EPIPE) {
			t.Errorf("send after SHUT_WR = %v, want EPIPE", err)
		}

		out := make([]byte, 8)
		n, _, err := b.RecvFrom(view(out), q)
		if err != nil || n != 4 {
			t.Fatalf("recv = %d, %v", n, err)
		}
		// Drained and the peer's write side is gone: EOF.
		n, _, err = b.RecvFrom(view(out), q)
		if err != nil || n != 0 {
			t.Fatalf("recv at EOF = %d, %v", n, err)
		}
	})
}

func TestUnixShutdownErrors(t *testing.T) {
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		s := socket.NewUnix(socket.UnixStream, 0)
		if err := s.Shutdown(syscall.SHUT_RDWR, q); !errors.Is(err, syscall.ENOTCONN) {
			t.Errorf("shutdown unconnected = %v, want ENOTCONN", err)
		}
		a, _ := socket.NewUnixPair(socket.UnixStream, 0, q)
		if err := a.Shutdown(99, q); !errors.Is(err, syscall.EINVAL) {
			t.Errorf("shutdown how=99 = %v, want EINVAL", err)
		}
	})
}

func TestUnixCloseNotifiesPeer(t *testing.T) {
	var a, b *socket.UnixSocket
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		a, b = socket.NewUnixPair(socket.UnixStream, 0, q)
		if _, err := a.SendTo(view([]byte("bye")), nil, nil, q); err != nil {
			t.Fatal(err)
		}
		if err := a.Close(q); err != nil {
			t.Fatal(err)
		}
	})

	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		out := make([]byte, 8)
		// Buffered data survives the close, then EOF.
		n, _, err := b.RecvFrom(view(out), q)
		if err != nil || n != 3 {
			t.Fatalf("recv = %d, %v", n, err)
		}
		n, _, err = b.RecvFrom(view(out), q)
		if err != nil || n != 0 {
			t.Fatalf("recv after peer close = %d, %v", n, err)
		}
		if _, err := b.SendTo(view([]byte("x")), nil, nil, q); !errors.Is(err, syscall.EPIPE) {
			t.Errorf("send after peer close = %v, want EPIPE", err)
		}
	})
}

func TestUnixCloseUnbindsName(t *testing.T) {
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		e := newEnv()
		s := e.listener(t, socket.UnixStream, "@reuse", 1, q)
		if err := s.Close(q); err != nil {
			t.Fatal(err)
		}
		again := socket.NewUnix(socket.UnixStream, 0)
		if err := again.Bind(unixAddr("@reuse"), e.ns, e.rng); err != nil {
			t.Fatalf("bind after close = %v", err)
		}
	})
}

func TestUnixSockOpts(t *testing.T) {
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		e := newEnv()
		server := e.listener(t, socket.UnixStream, "@opts", 4, q)

		if v, err := server.GetSockOpt(syscall.SOL_SOCKET, syscall.SO_TYPE); err != nil || v != syscall.SOCK_STREAM {
			t.Errorf("SO_TYPE = %d, %v", v, err)
		}
		if v, err := server.GetSockOpt(syscall.SOL_SOCKET, syscall.SO_ACCEPTCONN); err != nil || v != 1 {
			t.Errorf("SO_ACCEPTCONN on listener = %d, %v", v, err)
		}
		if v, err := server.GetSockOpt(syscall.SOL_SOCKET, syscall.SO_DOMAIN); err != nil || v != syscall.AF_UNIX {
			t.Errorf("SO_DOMAIN = %d, %v", v, err)
		}
		if _, err := server.GetSockOpt(syscall.SOL_SOCKET, syscall.SO_BROADCAST); !errors.Is(err, syscall.ENOPROTOOPT) {
			t.Errorf("SO_BROADCAST = %v, want ENOPROTOOPT", err)
		}
		if err := server.SetSockOpt(syscall.SOL_SOCKET, syscall.SO_SNDBUF, 4096); err != nil {
			t.Errorf("SO_SNDBUF set = %v", err)
		}
	})
}
