//go:build linux

package simulation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/kmrgirish/hostsim/internal/simulation/condition"
	"github.com/kmrgirish/hostsim/internal/simulation/descriptor"
	"github.com/kmrgirish/hostsim/internal/simulation/descriptor/pipe"
	"github.com/kmrgirish/hostsim/internal/simulation/descriptor/socket"
	"github.com/kmrgirish/hostsim/internal/simulation/eventq"
	"github.com/kmrgirish/hostsim/internal/simulation/syscallabi"
)

type (
	RawSockaddrAny = syscall.RawSockaddrAny
	Socklen        = syscallabi.Socklen
)

// LinuxOS implements the native versions of Linux system calls for one
// machine. Calls are entered with a Thread; a call that must wait returns a
// *condition.Blocked, which the scheduler holds until the awaited file state
// arrives and then re-invokes the same entry point on the same thread.
type LinuxOS struct {
	machine *Machine
	legacy  LegacySyscalls

	mu       sync.Mutex
	shutdown bool

	table *descriptor.Table
	log   *slog.Logger
}

func NewLinuxOS(machine *Machine, legacy LegacySyscalls) *LinuxOS {
	return &LinuxOS{
		machine: machine,
		legacy:  legacy,

		table: descriptor.NewTable(),
		log:   machine.log.With("subsystem", "os"),
	}
}

// Shutdown tears the OS down for a machine stop or crash, closing every
// descriptor. Syscalls arriving afterwards fail with EINVAL.
func (l *LinuxOS) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return
	}
	l.shutdown = true

	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		for _, d := range l.table.Drain() {
			if err := d.Close(q); err != nil {
				l.log.Warn("close error during shutdown", "err", err)
			}
		}
	})
}

func (l *LinuxOS) logf(format string, args ...any) {
	if l.log.Enabled(context.Background(), slog.LevelDebug) {
		l.log.Debug(fmt.Sprintf(format, args...))
	}
}

// run executes one syscall body inside a fresh callback queue and reconciles
// the thread's blocked state with the outcome. name and fd identify the call
// so a pending condition stashed by a different call is abandoned up front
// rather than hijacking this one's fd resolution. Queued wake-ups drain
// after the body returns, so a call never observes side effects of the
// wake-ups it causes.
func (l *LinuxOS) run(t *Thread, name string, fd int, op func(q *eventq.CallbackQueue) error) error {
	var err error
	eventq.QueueAndRun(func(q *eventq.CallbackQueue) {
		t.beginSyscall(name, fd, l.log, q)
		err = op(q)
		t.finishSyscall(name, fd, err, l.log, q)
	})
	return err
}

// fileForThread resolves fd for the current invocation. A resumption of a
// blocked call reuses the open file stashed in the pending condition and
// bypasses the table entirely: by now the original descriptor may have been
// closed or reused for something unrelated. run has already abandoned any
// condition stashed by a different call, so a surviving stash is a genuine
// resumption.
func (l *LinuxOS) fileForThread(t *Thread, fd int) (*descriptor.OpenFile, error) {
	if of := t.activeFile(); of != nil {
		return of, nil
	}
	d, err := l.table.Get(fd)
	if err != nil {
		return nil, err
	}
	return d.Open(), nil
}

// legacySyscall hands one call to the legacy layer and completes the raw
// record: the result and errno land in the guest-visible return registers,
// and the errno is boxed back into the shared error values on the way out.
// A Blocked outcome passes through untouched for the scheduler.
func (l *LinuxOS) legacySyscall(t *Thread, name string, handle any, sc *syscallabi.Syscall) (int, error) {
	ret, err := l.legacy.Syscall(t, name, handle, sc)
	var blocked *condition.Blocked
	if errors.As(err, &blocked) {
		return ret, err
	}
	sc.R0 = uintptr(ret)
	sc.Errno = syscallabi.ErrErrno(err)
	return ret, syscallabi.ErrnoErr(sc.Errno)
}

// legacyHandle returns the legacy endpoint behind f if the syscall must be
// redirected wholesale to the legacy layer.
func legacyHandle(f descriptor.File) (any, bool) {
	switch f := f.(type) {
	case *socket.InetSocket:
		return f.Handle, true
	case *legacyFile:
		return f.handle, true
	}
	return nil, false
}

func asSocket(f descriptor.File) (socket.Socket, bool) {
	s, ok := f.(socket.Socket)
	return s, ok
}

// maybeBlock converts a would-block outcome into a Blocked result waiting
// for state wait on of's file. NONBLOCK status and a per-call don't-wait
// flag each independently keep the error as EAGAIN instead.
func maybeBlock(of *descriptor.OpenFile, wait descriptor.FileState, dontwait bool, err error) error {
	if err != syscall.EAGAIN {
		return err
	}
	f := of.File()
	if dontwait || f.Status()&descriptor.StatusNonblock != 0 {
		return syscall.EAGAIN
	}
	cond := condition.New(condition.Trigger{File: f, State: wait})
	cond.SetActiveFile(of.IncRef())
	return &condition.Blocked{Condition: cond, Restartable: f.SupportsSaRestart()}
}

// Socket flags valid in the type argument of socket, socketpair, accept4.
const socketTypeFlags = syscall.SOCK_NONBLOCK | syscall.SOCK_CLOEXEC

func socketFlagsToStatus(typ int) (status descriptor.FileStatus, flags descriptor.Flags) {
	if typ&syscall.SOCK_NONBLOCK != 0 {
		status |= descriptor.StatusNonblock
	}
	if typ&syscall.SOCK_CLOEXEC != 0 {
		flags |= descriptor.FlagCloexec
	}
	return status, flags
}

func (l *LinuxOS) SysSocket(t *Thread, domain, typ, protocol int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return 0, syscall.EINVAL
	}
	l.logf("socket %d %d %d", domain, typ, protocol)

	status, flags := socketFlagsToStatus(typ)
	kind := typ &^ socketTypeFlags

	var fd int
	err := l.run(t, "socket", -1, func(q *eventq.CallbackQueue) error {
		var file descriptor.File
		switch domain {
		case syscall.AF_UNIX:
			unixType, err := socket.UnixSocketTypeFromSys(kind)
			if err != nil {
				return err
			}
			if protocol != 0 {
				return syscall.EPROTONOSUPPORT
			}
			file = socket.NewUnix(unixType, status)

		case syscall.AF_INET:
			if kind == syscall.SOCK_STREAM {
				if protocol != 0 && protocol != syscall.IPPROTO_TCP {
					return syscall.EPROTONOSUPPORT
				}
				file = socket.NewInet(l.legacy.NewTCP(status), status, l.legacy.CloseFile)
				break
			}
			handle, err := l.legacy.NewFile(domain, kind, protocol, status)
			if err != nil {
				return err
			}
			file = newLegacyFile(handle, status, l.legacy.CloseFile)

		case syscall.AF_INET6:
			handle, err := l.legacy.NewFile(domain, kind, protocol, status)
			if err != nil {
				return err
			}
			file = newLegacyFile(handle, status, l.legacy.CloseFile)

		default:
			return syscall.EAFNOSUPPORT
		}

		d := descriptor.New(descriptor.NewOpenFile(file), flags)
		newFd, err := l.table.Register(d)
		if err != nil {
			if cerr := d.Close(q); cerr != nil {
				l.log.Warn("close error rolling back socket", "err", cerr)
			}
			return err
		}
		fd = newFd
		return nil
	})
	return fd, err
}

func (l *LinuxOS) SysBind(t *Thread, fd int, addr syscallabi.ByteSliceView, addrlen Socklen) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return syscall.EINVAL
	}
	l.logf("bind %d %d", fd, addrlen)

	return l.run(t, "bind", fd, func(q *eventq.CallbackQueue) error {
		of, err := l.fileForThread(t, fd)
		if err != nil {
			return err
		}
		if handle, ok := legacyHandle(of.File()); ok {
			sc := &syscallabi.Syscall{Int0: uintptr(fd), Ptr1: addr, Int2: uintptr(addrlen)}
			_, err := l.legacySyscall(t, "bind", handle, sc)
			return err
		}
		sock, ok := asSocket(of.File())
		if !ok {
			return syscall.ENOTSOCK
		}
		if addr.Null() {
			return syscall.EFAULT
		}
		sa, err := syscallabi.ReadSockaddr(addr, addrlen)
		if err != nil {
			return err
		}
		return sock.Bind(sa, l.machine.netns, l.machine.rng)
	})
}

func (l *LinuxOS) SysListen(t *Thread, fd, backlog int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return syscall.EINVAL
	}
	l.logf("listen %d %d", fd, backlog)

	return l.run(t, "listen", fd, func(q *eventq.CallbackQueue) error {
		of, err := l.fileForThread(t, fd)
		if err != nil {
			return err
		}
		if handle, ok := legacyHandle(of.File()); ok {
			sc := &syscallabi.Syscall{Int0: uintptr(fd), Int1: uintptr(backlog)}
			_, err := l.legacySyscall(t, "listen", handle, sc)
			return err
		}
		sock, ok := asSocket(of.File())
		if !ok {
			return syscall.ENOTSOCK
		}
		return sock.Listen(backlog, l.machine.netns, l.machine.rng, q)
	})
}

func (l *LinuxOS) SysConnect(t *Thread, fd int, addr syscallabi.ByteSliceView, addrlen Socklen) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return syscall.EINVAL
	}
	l.logf("connect %d %d", fd, addrlen)

	return l.run(t, "connect", fd, func(q *eventq.CallbackQueue) error {
		of, err := l.fileForThread(t, fd)
		if err != nil {
			return err
		}
		if handle, ok := legacyHandle(of.File()); ok {
			sc := &syscallabi.Syscall{Int0: uintptr(fd), Ptr1: addr, Int2: uintptr(addrlen)}
			_, err := l.legacySyscall(t, "connect", handle, sc)
			return err
		}
		sock, ok := asSocket(of.File())
		if !ok {
			return syscall.ENOTSOCK
		}
		if addr.Null() {
			return syscall.EFAULT
		}
		sa, err := syscallabi.ReadSockaddr(addr, addrlen)
		if err != nil {
			return err
		}
		err = sock.Connect(sa, l.machine.netns, l.machine.rng, q)
		// Connect builds its own blocked outcome because it waits on the
		// remote listener; the active file still must be attached here so a
		// close of fd mid-handshake cannot free the socket.
		var blocked *condition.Blocked
		if errors.As(err, &blocked) {
			blocked.Condition.SetActiveFile(of.IncRef())
		}
		return err
	})
}

func (l *LinuxOS) SysAccept(t *Thread, fd int, rsa syscallabi.ValueView[RawSockaddrAny], addrlen syscallabi.ValueView[Socklen]) (int, error) {
	return l.SysAccept4(t, fd, rsa, addrlen, 0)
}

func (l *LinuxOS) SysAccept4(t *Thread, fd int, rsa syscallabi.ValueView[RawSockaddrAny], addrlen syscallabi.ValueView[Socklen], flags int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return 0, syscall.EINVAL
	}
	l.logf("accept4 %d %d", fd, flags)

	// Bits outside the defined accept4 flags are truncated, matching the
	// leniency of the sendto/recvfrom flag handling.
	flags &= socketTypeFlags
	status, dflags := socketFlagsToStatus(flags)

	var newFd int
	err := l.run(t, "accept4", fd, func(q *eventq.CallbackQueue) error {
		of, err := l.fileForThread(t, fd)
		if err != nil {
			return err
		}
		if handle, ok := legacyHandle(of.File()); ok {
			sc := &syscallabi.Syscall{Int0: uintptr(fd), Ptr1: rsa, Ptr2: addrlen, Int3: uintptr(flags)}
			ret, err := l.legacySyscall(t, "accept4", handle, sc)
			newFd = ret
			return err
		}
		sock, ok := asSocket(of.File())
		if !ok {
			return syscall.ENOTSOCK
		}

		child, err := sock.Accept(q)
		if err != nil {
			return maybeBlock(of, descriptor.StateReadable, false, err)
		}
		child.File().SetStatus(child.File().Status() | status)

		if !rsa.Null() {
			childSock := child.File().(socket.Socket)
			peer, err := childSock.Peername()
			if err != nil {
				// The new socket's peer must be resolvable right away.
				panic("accept produced socket without peer address")
			}
			if err := syscallabi.WriteSockaddr(rsa, addrlen, peer); err != nil {
				if cerr := child.DecRef(q); cerr != nil {
					l.log.Warn("close error rolling back accept", "err", cerr)
				}
				return err
			}
		}

		d := descriptor.New(child, dflags)
		fd2, err := l.table.Register(d)
		if err != nil {
			if cerr := d.Close(q); cerr != nil {
				l.log.Warn("close error rolling back accept", "err", cerr)
			}
			return err
		}
		newFd = fd2
		return nil
	})
	return newFd, err
}

// Flag handling for sendto/recvfrom mirrors kernel leniency: bits outside
// the set of defined MSG_* flags are truncated first, and only then is the
// result checked against what this layer supports.
const knownMsgFlags = unix.MSG_OOB | unix.MSG_PEEK | unix.MSG_DONTROUTE | unix.MSG_CTRUNC |
	unix.MSG_PROXY | unix.MSG_TRUNC | unix.MSG_DONTWAIT | unix.MSG_EOR | unix.MSG_WAITALL |
	unix.MSG_FIN | unix.MSG_SYN | unix.MSG_CONFIRM | unix.MSG_RST | unix.MSG_ERRQUEUE |
	unix.MSG_NOSIGNAL | unix.MSG_MORE | unix.MSG_WAITFORONE | unix.MSG_BATCH |
	unix.MSG_ZEROCOPY | unix.MSG_FASTOPEN | unix.MSG_CMSG_CLOEXEC

const (
	// MSG_NOSIGNAL is accepted but has nothing to suppress: this layer
	// never generates SIGPIPE.
	supportedSendFlags = unix.MSG_DONTWAIT | unix.MSG_NOSIGNAL
	supportedRecvFlags = unix.MSG_DONTWAIT
)

func (l *LinuxOS) SysSendto(t *Thread, fd int, buf syscallabi.ByteSliceView, flags int, dest syscallabi.ByteSliceView, destlen Socklen) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return 0, syscall.EINVAL
	}
	l.logf("sendto %d %d %d", fd, buf.Len(), flags)

	var n int
	err := l.run(t, "sendto", fd, func(q *eventq.CallbackQueue) error {
		of, err := l.fileForThread(t, fd)
		if err != nil {
			return err
		}
		if handle, ok := legacyHandle(of.File()); ok {
			sc := &syscallabi.Syscall{Int0: uintptr(fd), Ptr1: buf, Int2: uintptr(buf.Len()), Int3: uintptr(flags), Ptr4: dest, Int5: uintptr(destlen)}
			ret, err := l.legacySyscall(t, "sendto", handle, sc)
			n = ret
			return err
		}
		sock, ok := asSocket(of.File())
		if !ok {
			return syscall.ENOTSOCK
		}

		flags &= knownMsgFlags
		if flags&^supportedSendFlags != 0 {
			return syscall.EOPNOTSUPP
		}
		dontwait := flags&unix.MSG_DONTWAIT != 0

		sa, err := syscallabi.ReadSockaddr(dest, destlen)
		if err != nil {
			return err
		}
		count, err := sock.SendTo(buf, sa, l.machine.netns, q)
		if err != nil {
			return maybeBlock(of, descriptor.StateWritable, dontwait, err)
		}
		n = count
		return nil
	})
	return n, err
}

func (l *LinuxOS) SysRecvfrom(t *Thread, fd int, buf syscallabi.ByteSliceView, flags int, src syscallabi.ValueView[RawSockaddrAny], srclen syscallabi.ValueView[Socklen]) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return 0, syscall.EINVAL
	}
	l.logf("recvfrom %d %d %d", fd, buf.Len(), flags)

	var n int
	err := l.run(t, "recvfrom", fd, func(q *eventq.CallbackQueue) error {
		of, err := l.fileForThread(t, fd)
		if err != nil {
			return err
		}
		if handle, ok := legacyHandle(of.File()); ok {
			sc := &syscallabi.Syscall{Int0: uintptr(fd), Ptr1: buf, Int2: uintptr(buf.Len()), Int3: uintptr(flags), Ptr4: src, Ptr5: srclen}
			ret, err := l.legacySyscall(t, "recvfrom", handle, sc)
			n = ret
			return err
		}
		sock, ok := asSocket(of.File())
		if !ok {
			return syscall.ENOTSOCK
		}

		flags &= knownMsgFlags
		if flags&^supportedRecvFlags != 0 {
			return syscall.EOPNOTSUPP
		}
		dontwait := flags&unix.MSG_DONTWAIT != 0

		count, from, err := sock.RecvFrom(buf, q)
		if err != nil {
			return maybeBlock(of, descriptor.StateReadable, dontwait, err)
		}
		if !src.Null() {
			if err := syscallabi.WriteSockaddr(src, srclen, from); err != nil {
				return err
			}
		}
		n = count
		return nil
	})
	return n, err
}

func (l *LinuxOS) SysShutdown(t *Thread, fd, how int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return syscall.EINVAL
	}
	l.logf("shutdown %d %d", fd, how)

	return l.run(t, "shutdown", fd, func(q *eventq.CallbackQueue) error {
		of, err := l.fileForThread(t, fd)
		if err != nil {
			return err
		}
		if handle, ok := legacyHandle(of.File()); ok {
			sc := &syscallabi.Syscall{Int0: uintptr(fd), Int1: uintptr(how)}
			_, err := l.legacySyscall(t, "shutdown", handle, sc)
			return err
		}
		sock, ok := asSocket(of.File())
		if !ok {
			return syscall.ENOTSOCK
		}
		return sock.Shutdown(how, q)
	})
}

func (l *LinuxOS) SysSocketpair(t *Thread, domain, typ, protocol int, fds syscallabi.ValueView[[2]int32]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return syscall.EINVAL
	}
	l.logf("socketpair %d %d %d", domain, typ, protocol)

	return l.run(t, "socketpair", -1, func(q *eventq.CallbackQueue) error {
		if domain != syscall.AF_UNIX {
			return syscall.EOPNOTSUPP
		}
		status, flags := socketFlagsToStatus(typ)
		unixType, err := socket.UnixSocketTypeFromSys(typ &^ socketTypeFlags)
		if err != nil {
			return err
		}
		if protocol != 0 {
			return syscall.EPROTONOSUPPORT
		}

		a, b := socket.NewUnixPair(unixType, status, q)
		d0 := descriptor.New(descriptor.NewOpenFile(a), flags)
		d1 := descriptor.New(descriptor.NewOpenFile(b), flags)

		fd0, err := l.table.Register(d0)
		if err != nil {
			l.closeQuietly(q, d0, d1)
			return err
		}
		fd1, err := l.table.Register(d1)
		if err != nil {
			l.table.Deregister(fd0)
			l.closeQuietly(q, d0, d1)
			return err
		}

		if fds.Null() {
			// Both descriptors roll back; no half-created pair survives a
			// failed write of the result.
			l.table.Deregister(fd0)
			l.table.Deregister(fd1)
			l.closeQuietly(q, d0, d1)
			return syscall.EFAULT
		}
		fds.Set([2]int32{int32(fd0), int32(fd1)})
		return nil
	})
}

func (l *LinuxOS) closeQuietly(q *eventq.CallbackQueue, ds ...*descriptor.Descriptor) {
	for _, d := range ds {
		if err := d.Close(q); err != nil {
			l.log.Warn("close error during rollback", "err", err)
		}
	}
}

func (l *LinuxOS) SysGetsockopt(t *Thread, fd, level, opt int, val syscallabi.ByteSliceView, vallen syscallabi.ValueView[Socklen]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return syscall.EINVAL
	}
	l.logf("getsockopt %d %d %d", fd, level, opt)

	return l.run(t, "getsockopt", fd, func(q *eventq.CallbackQueue) error {
		of, err := l.fileForThread(t, fd)
		if err != nil {
			return err
		}
		if handle, ok := legacyHandle(of.File()); ok {
			sc := &syscallabi.Syscall{Int0: uintptr(fd), Int1: uintptr(level), Int2: uintptr(opt), Ptr3: val, Ptr4: vallen}
			_, err := l.legacySyscall(t, "getsockopt", handle, sc)
			return err
		}
		sock, ok := asSocket(of.File())
		if !ok {
			return syscall.ENOTSOCK
		}
		if val.Null() || vallen.Null() {
			return syscall.EFAULT
		}
		if vallen.Get() < 4 || val.Len() < 4 {
			return syscall.EINVAL
		}
		value, err := sock.GetSockOpt(level, opt)
		if err != nil {
			return err
		}
		var out [4]byte
		binary.NativeEndian.PutUint32(out[:], uint32(value))
		val.Write(out[:])
		vallen.Set(4)
		return nil
	})
}

func (l *LinuxOS) SysSetsockopt(t *Thread, fd, level, opt int, val syscallabi.ByteSliceView, vallen Socklen) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return syscall.EINVAL
	}
	l.logf("setsockopt %d %d %d", fd, level, opt)

	return l.run(t, "setsockopt", fd, func(q *eventq.CallbackQueue) error {
		of, err := l.fileForThread(t, fd)
		if err != nil {
			return err
		}
		if handle, ok := legacyHandle(of.File()); ok {
			sc := &syscallabi.Syscall{Int0: uintptr(fd), Int1: uintptr(level), Int2: uintptr(opt), Ptr3: val, Int4: uintptr(vallen)}
			_, err := l.legacySyscall(t, "setsockopt", handle, sc)
			return err
		}
		sock, ok := asSocket(of.File())
		if !ok {
			return syscall.ENOTSOCK
		}
		if val.Null() {
			return syscall.EFAULT
		}
		if vallen < 4 || val.Len() < 4 {
			return syscall.EINVAL
		}
		var in [4]byte
		val.Read(in[:])
		return sock.SetSockOpt(level, opt, int(int32(binary.NativeEndian.Uint32(in[:]))))
	})
}

func (l *LinuxOS) SysGetsockname(t *Thread, fd int, rsa syscallabi.ValueView[RawSockaddrAny], addrlen syscallabi.ValueView[Socklen]) error {
	return l.sockname(t, fd, rsa, addrlen, "getsockname")
}

func (l *LinuxOS) SysGetpeername(t *Thread, fd int, rsa syscallabi.ValueView[RawSockaddrAny], addrlen syscallabi.ValueView[Socklen]) error {
	return l.sockname(t, fd, rsa, addrlen, "getpeername")
}

func (l *LinuxOS) sockname(t *Thread, fd int, rsa syscallabi.ValueView[RawSockaddrAny], addrlen syscallabi.ValueView[Socklen], which string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return syscall.EINVAL
	}
	l.logf("%s %d", which, fd)

	return l.run(t, which, fd, func(q *eventq.CallbackQueue) error {
		of, err := l.fileForThread(t, fd)
		if err != nil {
			return err
		}
		if handle, ok := legacyHandle(of.File()); ok {
			sc := &syscallabi.Syscall{Int0: uintptr(fd), Ptr1: rsa, Ptr2: addrlen}
			_, err := l.legacySyscall(t, which, handle, sc)
			return err
		}
		sock, ok := asSocket(of.File())
		if !ok {
			return syscall.ENOTSOCK
		}
		// Null pointers are EFAULT before any socket-state error such as
		// ENOTCONN.
		if rsa.Null() || addrlen.Null() {
			return syscall.EFAULT
		}
		var sa syscallabi.Sockaddr
		if which == "getsockname" {
			sa, err = sock.Sockname()
		} else {
			sa, err = sock.Peername()
		}
		if err != nil {
			return err
		}
		return syscallabi.WriteSockaddr(rsa, addrlen, sa)
	})
}

func (l *LinuxOS) SysRead(t *Thread, fd int, buf syscallabi.ByteSliceView) (int, error) {
	return l.readCommon(t, fd, buf, 0, false, "read")
}

func (l *LinuxOS) SysPread64(t *Thread, fd int, buf syscallabi.ByteSliceView, offset int64) (int, error) {
	return l.readCommon(t, fd, buf, offset, true, "pread64")
}

func (l *LinuxOS) SysWrite(t *Thread, fd int, buf syscallabi.ByteSliceView) (int, error) {
	return l.writeCommon(t, fd, buf, 0, false, "write")
}

func (l *LinuxOS) SysPwrite64(t *Thread, fd int, buf syscallabi.ByteSliceView, offset int64) (int, error) {
	return l.writeCommon(t, fd, buf, offset, true, "pwrite64")
}

func (l *LinuxOS) readCommon(t *Thread, fd int, buf syscallabi.ByteSliceView, offset int64, haveOffset bool, name string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return 0, syscall.EINVAL
	}
	l.logf("%s %d %d %d", name, fd, buf.Len(), offset)

	var n int
	err := l.run(t, name, fd, func(q *eventq.CallbackQueue) error {
		of, err := l.fileForThread(t, fd)
		if err != nil {
			return err
		}
		if handle, ok := legacyHandle(of.File()); ok {
			sc := &syscallabi.Syscall{Int0: uintptr(fd), Ptr1: buf, Int2: uintptr(buf.Len()), Int3: uintptr(offset)}
			ret, err := l.legacySyscall(t, name, handle, sc)
			n = ret
			return err
		}

		switch f := of.File().(type) {
		case socket.Socket:
			// read on a socket is recvfrom with no source address.
			if offset != 0 {
				return syscall.ESPIPE
			}
			count, _, err := f.RecvFrom(buf, q)
			if err != nil {
				return maybeBlock(of, descriptor.StateReadable, false, err)
			}
			n = count
			return nil
		case *pipe.Pipe:
			if haveOffset {
				return syscall.ESPIPE
			}
			count, err := f.Read(buf, offset, q)
			if err != nil {
				return maybeBlock(of, descriptor.StateReadable, false, err)
			}
			n = count
			return nil
		default:
			return syscall.EINVAL
		}
	})
	return n, err
}

func (l *LinuxOS) writeCommon(t *Thread, fd int, buf syscallabi.ByteSliceView, offset int64, haveOffset bool, name string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return 0, syscall.EINVAL
	}
	l.logf("%s %d %d %d", name, fd, buf.Len(), offset)

	var n int
	err := l.run(t, name, fd, func(q *eventq.CallbackQueue) error {
		of, err := l.fileForThread(t, fd)
		if err != nil {
			return err
		}
		if handle, ok := legacyHandle(of.File()); ok {
			sc := &syscallabi.Syscall{Int0: uintptr(fd), Ptr1: buf, Int2: uintptr(buf.Len()), Int3: uintptr(offset)}
			ret, err := l.legacySyscall(t, name, handle, sc)
			n = ret
			return err
		}

		switch f := of.File().(type) {
		case socket.Socket:
			// write on a socket is sendto with no destination.
			if offset != 0 {
				return syscall.ESPIPE
			}
			count, err := f.SendTo(buf, nil, l.machine.netns, q)
			if err != nil {
				return maybeBlock(of, descriptor.StateWritable, false, err)
			}
			n = count
			return nil
		case *pipe.Pipe:
			if haveOffset {
				return syscall.ESPIPE
			}
			count, err := f.Write(buf, offset, q)
			if err != nil {
				return maybeBlock(of, descriptor.StateWritable, false, err)
			}
			n = count
			return nil
		default:
			return syscall.EINVAL
		}
	})
	return n, err
}

func (l *LinuxOS) SysPipe(t *Thread, fds syscallabi.ValueView[[2]int32]) error {
	return l.SysPipe2(t, fds, 0)
}

func (l *LinuxOS) SysPipe2(t *Thread, fds syscallabi.ValueView[[2]int32], flags int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return syscall.EINVAL
	}
	l.logf("pipe2 %x", flags)

	return l.run(t, "pipe2", -1, func(q *eventq.CallbackQueue) error {
		if fds.Null() {
			return syscall.EFAULT
		}

		var status descriptor.FileStatus
		var dflags descriptor.Flags
		if flags&syscall.O_NONBLOCK != 0 {
			status |= descriptor.StatusNonblock
		}
		if flags&syscall.O_DIRECT != 0 {
			status |= descriptor.StatusDirect
		}
		if flags&syscall.O_CLOEXEC != 0 {
			dflags |= descriptor.FlagCloexec
		}
		if rest := flags &^ (syscall.O_NONBLOCK | syscall.O_DIRECT | syscall.O_CLOEXEC); rest != 0 {
			l.log.Warn("ignoring unsupported pipe2 flags", "flags", rest)
		}

		r, w := pipe.NewPair(status, q)
		d0 := descriptor.New(descriptor.NewOpenFile(r), dflags)
		d1 := descriptor.New(descriptor.NewOpenFile(w), dflags)

		fd0, err := l.table.Register(d0)
		if err != nil {
			l.closeQuietly(q, d0, d1)
			return err
		}
		fd1, err := l.table.Register(d1)
		if err != nil {
			l.table.Deregister(fd0)
			l.closeQuietly(q, d0, d1)
			return err
		}
		fds.Set([2]int32{int32(fd0), int32(fd1)})
		return nil
	})
}

func (l *LinuxOS) SysClose(t *Thread, fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return syscall.EINVAL
	}
	l.logf("close %d", fd)

	return l.run(t, "close", fd, func(q *eventq.CallbackQueue) error {
		// The slot is always released, even if the object-level close
		// reports an error below.
		d := l.table.Deregister(fd)
		if d == nil {
			return syscall.EBADF
		}
		return d.Close(q)
	})
}

func (l *LinuxOS) SysDup(t *Thread, fd int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return 0, syscall.EINVAL
	}
	l.logf("dup %d", fd)

	var newFd int
	err := l.run(t, "dup", fd, func(q *eventq.CallbackQueue) error {
		d, err := l.table.Get(fd)
		if err != nil {
			return err
		}
		dup := d.Dup(0)
		fd2, err := l.table.Register(dup)
		if err != nil {
			l.closeQuietly(q, dup)
			return err
		}
		newFd = fd2
		return nil
	})
	return newFd, err
}

func (l *LinuxOS) SysDup2(t *Thread, oldFd, newFd int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return 0, syscall.EINVAL
	}
	l.logf("dup2 %d %d", oldFd, newFd)

	err := l.run(t, "dup2", oldFd, func(q *eventq.CallbackQueue) error {
		return l.dupAt(q, oldFd, newFd, 0, false)
	})
	return newFd, err
}

func (l *LinuxOS) SysDup3(t *Thread, oldFd, newFd, flags int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return 0, syscall.EINVAL
	}
	l.logf("dup3 %d %d %x", oldFd, newFd, flags)

	var dflags descriptor.Flags
	switch flags {
	case 0:
	case syscall.O_CLOEXEC:
		dflags = descriptor.FlagCloexec
	default:
		return 0, syscall.EINVAL
	}

	err := l.run(t, "dup3", oldFd, func(q *eventq.CallbackQueue) error {
		return l.dupAt(q, oldFd, newFd, dflags, true)
	})
	return newFd, err
}

// dupAt implements dup2/dup3 replacement. dup2 with identical fds succeeds
// without duplicating or closing anything; dup3 rejects that case.
func (l *LinuxOS) dupAt(q *eventq.CallbackQueue, oldFd, newFd int, flags descriptor.Flags, rejectSame bool) error {
	if oldFd == newFd {
		if rejectSame {
			return syscall.EINVAL
		}
		_, err := l.table.Get(oldFd)
		return err
	}
	d, err := l.table.Get(oldFd)
	if err != nil {
		return err
	}
	dup := d.Dup(flags)
	evicted, err := l.table.RegisterAt(dup, newFd)
	if err != nil {
		l.closeQuietly(q, dup)
		return err
	}
	if evicted != nil {
		// POSIX: the replaced descriptor's close error is lost to the
		// caller; keep it in the log only.
		if cerr := evicted.Close(q); cerr != nil {
			l.log.Warn("close error from descriptor evicted by dup", "fd", newFd, "err", cerr)
		}
	}
	return nil
}

func (l *LinuxOS) SysFcntl(t *Thread, fd, cmd, arg int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return 0, syscall.EINVAL
	}
	l.logf("fcntl %d %d %d", fd, cmd, arg)

	var ret int
	err := l.run(t, "fcntl", fd, func(q *eventq.CallbackQueue) error {
		d, err := l.table.Get(fd)
		if err != nil {
			return err
		}

		switch cmd {
		case syscall.F_GETFD:
			if d.Flags()&descriptor.FlagCloexec != 0 {
				ret = syscall.FD_CLOEXEC
			}
			return nil

		case syscall.F_SETFD:
			flags := d.Flags() &^ descriptor.FlagCloexec
			if arg&syscall.FD_CLOEXEC != 0 {
				flags |= descriptor.FlagCloexec
			}
			d.SetFlags(flags)
			return nil

		case syscall.F_GETFL:
			f := d.File()
			switch f.Mode() {
			case descriptor.ModeRead:
				ret = syscall.O_RDONLY
			case descriptor.ModeWrite:
				ret = syscall.O_WRONLY
			default:
				ret = syscall.O_RDWR
			}
			if f.Status()&descriptor.StatusNonblock != 0 {
				ret |= syscall.O_NONBLOCK
			}
			if f.Status()&descriptor.StatusDirect != 0 {
				ret |= syscall.O_DIRECT
			}
			return nil

		case syscall.F_SETFL:
			// Access mode and creation flags are ignored, as the kernel
			// does.
			f := d.File()
			status := f.Status() &^ (descriptor.StatusNonblock | descriptor.StatusDirect)
			if arg&syscall.O_NONBLOCK != 0 {
				status |= descriptor.StatusNonblock
			}
			if arg&syscall.O_DIRECT != 0 {
				status |= descriptor.StatusDirect
			}
			f.SetStatus(status)
			return nil

		case syscall.F_DUPFD, unix.F_DUPFD_CLOEXEC:
			var flags descriptor.Flags
			if cmd == unix.F_DUPFD_CLOEXEC {
				flags = descriptor.FlagCloexec
			}
			dup := d.Dup(flags)
			fd2, err := l.table.RegisterFrom(dup, arg)
			if err != nil {
				l.closeQuietly(q, dup)
				return err
			}
			ret = fd2
			return nil

		default:
			return syscall.EINVAL
		}
	})
	return ret, err
}

func (l *LinuxOS) SysGetrandom(t *Thread, buf syscallabi.ByteSliceView, flags int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return 0, syscall.EINVAL
	}
	l.logf("getrandom %d %x", buf.Len(), flags)

	if flags&^(unix.GRND_NONBLOCK|unix.GRND_RANDOM|unix.GRND_INSECURE) != 0 {
		return 0, syscall.EINVAL
	}
	if buf.Null() {
		return 0, syscall.EFAULT
	}
	// The simulated entropy pool is the machine's seeded rng and never
	// blocks, so GRND_NONBLOCK and GRND_RANDOM change nothing.
	tmp := make([]byte, buf.Len())
	l.machine.rng.Read(tmp)
	buf.Write(tmp)
	return buf.Len(), nil
}
