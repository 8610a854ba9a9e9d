//go:build linux || darwin

package transport

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/srediag/plugin-socket/api"
)

type platformHelper struct{}

func (platformHelper) SetNonblock(fd int) error {
	unix.CloseOnExec(fd)
	return unix.SetNonblock(fd, true)
}

func optionLevel(opt api.SocketOption) (level, name int, ok bool) {
	switch opt {
	case api.LowDelayOption:
		return unix.IPPROTO_TCP, unix.TCP_NODELAY, true
	case api.KeepAliveOption:
		return unix.SOL_SOCKET, unix.SO_KEEPALIVE, true
	case api.SendBufferSizeSocketOption:
		return unix.SOL_SOCKET, unix.SO_SNDBUF, true
	case api.ReceiveBufferSizeSocketOption:
		return unix.SOL_SOCKET, unix.SO_RCVBUF, true
	case api.AddressReusable:
		return unix.SOL_SOCKET, unix.SO_REUSEADDR, true
	}
	return 0, 0, false
}

func (platformHelper) SetSocketOption(fd int, opt api.SocketOption, value int) error {
	if opt == api.NonBlockingSocketOption {
		return unix.SetNonblock(fd, value != 0)
	}
	level, name, ok := optionLevel(opt)
	if !ok {
		return fmt.Errorf("unsupported socket option %s", opt)
	}
	return unix.SetsockoptInt(fd, level, name, value)
}

func (platformHelper) SocketOption(fd int, opt api.SocketOption) (int, error) {
	if opt == api.NonBlockingSocketOption {
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			return -1, err
		}
		if flags&unix.O_NONBLOCK != 0 {
			return 1, nil
		}
		return 0, nil
	}
	level, name, ok := optionLevel(opt)
	if !ok {
		return -1, fmt.Errorf("unsupported socket option %s", opt)
	}
	return unix.GetsockoptInt(fd, level, name)
}

// Sockaddr converts addr and port to a unix.Sockaddr of the matching family.
func Sockaddr(addr netip.Addr, port uint16) unix.Sockaddr {
	if addr.Is4() {
		return &unix.SockaddrInet4{Addr: addr.As4(), Port: int(port)}
	}
	sa := &unix.SockaddrInet6{Addr: addr.As16(), Port: int(port)}
	if zone := addr.Zone(); zone != "" {
		if id, err := zoneIndex(zone); err == nil {
			sa.ZoneId = id
		}
	}
	return sa
}

// AddrPort extracts the address and port of sa. Unknown families yield the
// zero values.
func AddrPort(sa unix.Sockaddr) (netip.Addr, uint16) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(sa.Addr), uint16(sa.Port)
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port)
	}
	return netip.Addr{}, 0
}

// Family returns the socket domain for protocol.
func Family(protocol api.NetworkLayerProtocol) int {
	if protocol == api.IPv6Protocol || protocol == api.AnyIPProtocol {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// SocketType returns the unix socket type for typ.
func SocketType(typ api.SocketType) int {
	if typ == api.UDPSocket {
		return unix.SOCK_DGRAM
	}
	return unix.SOCK_STREAM
}

// BytesAvailable returns the number of bytes readable from fd without
// blocking.
func BytesAvailable(fd int) (int, error) {
	return unix.IoctlGetInt(fd, ioctlInputQueue)
}
