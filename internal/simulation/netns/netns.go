// Package netns tracks a simulated host's address bindings: the unix-domain
// abstract namespace and inet port reservations.
package netns

import (
	"fmt"
	"math/rand"
	"syscall"
)

// Namespace is one host's address space. Sockets register themselves here on
// bind and are looked up by connecting peers. Bindings hold the socket as an
// opaque value; the namespace does not keep files alive.
type Namespace struct {
	unix  map[string]any
	ports map[uint16]any
}

func New() *Namespace {
	return &Namespace{
		unix:  make(map[string]any),
		ports: make(map[uint16]any),
	}
}

// BindUnix registers sock under name, which must carry its leading "@" for
// abstract names. Names are first come, first served.
func (ns *Namespace) BindUnix(name string, sock any) error {
	if _, taken := ns.unix[name]; taken {
		return syscall.EADDRINUSE
	}
	ns.unix[name] = sock
	return nil
}

// LookupUnix resolves a bound unix name to its socket.
func (ns *Namespace) LookupUnix(name string) (any, bool) {
	sock, ok := ns.unix[name]
	return sock, ok
}

// UnbindUnix releases name. Unbinding a free name is a no-op.
func (ns *Namespace) UnbindUnix(name string) {
	delete(ns.unix, name)
}

// AutobindUnix binds sock to a fresh abstract name, as Linux does for a
// connect or listen on an unbound unix socket, and returns the chosen name.
// Linux picks a 5-hex-digit abstract name; so does this.
func (ns *Namespace) AutobindUnix(rng *rand.Rand, sock any) (string, error) {
	for range 1 << 20 {
		name := fmt.Sprintf("@%05x", rng.Intn(1<<20))
		if _, taken := ns.unix[name]; taken {
			continue
		}
		ns.unix[name] = sock
		return name, nil
	}
	return "", syscall.EADDRINUSE
}

// ReservePort claims an inet port for sock. Port 0 picks a free ephemeral
// port. Used by the legacy inet path, which owns its own socket objects but
// shares the host's port space.
func (ns *Namespace) ReservePort(port uint16, rng *rand.Rand, sock any) (uint16, error) {
	if port == 0 {
		for range 1 << 16 {
			candidate := uint16(32768 + rng.Intn(60999-32768+1))
			if _, taken := ns.ports[candidate]; taken {
				continue
			}
			ns.ports[candidate] = sock
			return candidate, nil
		}
		return 0, syscall.EADDRINUSE
	}
	if _, taken := ns.ports[port]; taken {
		return 0, syscall.EADDRINUSE
	}
	ns.ports[port] = sock
	return port, nil
}

// LookupPort resolves a reserved inet port to its socket.
func (ns *Namespace) LookupPort(port uint16) (any, bool) {
	sock, ok := ns.ports[port]
	return sock, ok
}

// ReleasePort returns a reserved port. Releasing a free port is a no-op.
func (ns *Namespace) ReleasePort(port uint16) {
	delete(ns.ports, port)
}
