package syscallabi

import "fmt"

// Sockaddr is a decoded socket address. The zero of each concrete type is an
// unnamed address of that family.
type Sockaddr interface {
	isSockaddr()
	fmt.Stringer
}

// SockaddrInet4 is an IPv4 address and port in host byte order.
type SockaddrInet4 struct {
	Port int
	Addr [4]byte
}

func (*SockaddrInet4) isSockaddr() {}

func (sa *SockaddrInet4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3], sa.Port)
}

// SockaddrUnix is a unix domain address. Abstract-namespace names keep their
// leading "@"; an empty Name is the unnamed address.
type SockaddrUnix struct {
	Name string
}

func (*SockaddrUnix) isSockaddr() {}

// Abstract reports whether the address lives in the abstract namespace.
func (sa *SockaddrUnix) Abstract() bool {
	return len(sa.Name) > 0 && sa.Name[0] == '@'
}

func (sa *SockaddrUnix) String() string {
	if sa.Name == "" {
		return "unix:<unnamed>"
	}
	return "unix:" + sa.Name
}
