package syscallabi

import (
	"encoding/binary"
	"syscall"
	"unsafe"
)

// ReadSockaddr decodes the raw sockaddr bytes a guest passed to bind, connect,
// or sendto. A null or empty view decodes to a nil address.
func ReadSockaddr(buf ByteSliceView, addrlen Socklen) (Sockaddr, error) {
	if buf.Null() || addrlen == 0 {
		return nil, nil
	}
	if int(addrlen) > buf.Len() {
		return nil, syscall.EINVAL
	}
	if addrlen < 2 {
		return nil, syscall.EINVAL
	}

	raw := make([]byte, addrlen)
	buf.SliceFrom(0).Read(raw)

	family := binary.NativeEndian.Uint16(raw[0:2])
	switch family {
	case syscall.AF_INET:
		if addrlen < syscall.SizeofSockaddrInet4 {
			return nil, syscall.EINVAL
		}
		var sa SockaddrInet4
		// sin_port is in network byte order.
		sa.Port = int(raw[2])<<8 + int(raw[3])
		copy(sa.Addr[:], raw[4:8])
		return &sa, nil

	case syscall.AF_UNIX:
		// sun_path: NUL-terminated pathname, abstract name with a leading
		// NUL, or nothing at all for the unnamed address.
		path := raw[2:]
		if len(path) == 0 {
			return &SockaddrUnix{}, nil
		}
		if path[0] == 0 {
			// Abstract names are not NUL-terminated; every byte counts.
			return &SockaddrUnix{Name: "@" + string(path[1:])}, nil
		}
		n := 0
		for n < len(path) && path[n] != 0 {
			n++
		}
		return &SockaddrUnix{Name: string(path[:n])}, nil

	default:
		return nil, syscall.EAFNOSUPPORT
	}
}

// WriteSockaddr encodes sa into the guest's addr/addrlen out-parameters, as
// accept, getsockname, getpeername, and recvfrom do. A nil sa writes length
// zero. Writing a non-nil sa through a null view fails with EFAULT.
func WriteSockaddr(rsa ValueView[syscall.RawSockaddrAny], lenView ValueView[Socklen], sa Sockaddr) error {
	if sa == nil {
		if !lenView.Null() {
			lenView.Set(0)
		}
		return nil
	}
	if rsa.Null() || lenView.Null() {
		return syscall.EFAULT
	}

	switch sa := sa.(type) {
	case *SockaddrInet4:
		out := NewValueView((*syscall.RawSockaddrInet4)(rsa.UnsafePointer()))
		var raw syscall.RawSockaddrInet4
		raw.Family = syscall.AF_INET
		portBytes := (*[2]byte)(unsafe.Pointer(&raw.Port))
		portBytes[0] = byte(sa.Port >> 8)
		portBytes[1] = byte(sa.Port)
		raw.Addr = sa.Addr
		out.Set(raw)
		lenView.Set(syscall.SizeofSockaddrInet4)
		return nil

	case *SockaddrUnix:
		out := NewValueView((*syscall.RawSockaddrUnix)(rsa.UnsafePointer()))
		var raw syscall.RawSockaddrUnix
		raw.Family = syscall.AF_UNIX
		name := sa.Name
		abstract := sa.Abstract()
		if abstract {
			name = name[1:]
		}
		if len(name) > len(raw.Path)-1 {
			return syscall.EINVAL
		}
		n := Socklen(2)
		if abstract {
			raw.Path[0] = 0
			for i := 0; i < len(name); i++ {
				raw.Path[i+1] = int8(name[i])
			}
			n += Socklen(len(name)) + 1
		} else if len(name) > 0 {
			for i := 0; i < len(name); i++ {
				raw.Path[i] = int8(name[i])
			}
			// Include the terminating NUL.
			n += Socklen(len(name)) + 1
		}
		out.Set(raw)
		lenView.Set(n)
		return nil

	default:
		return syscall.EAFNOSUPPORT
	}
}
