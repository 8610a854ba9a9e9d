//go:build linux || darwin

package transport

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/srediag/plugin-socket/api"
)

// Op names the syscall an errno came from.
type Op int

const (
	OpSocket Op = iota
	OpConnect
	OpBind
	OpRead
	OpWrite
	OpWait
)

// Messages shared by engines.
const (
	MsgConnectionRefused   = "Connection refused"
	MsgConnectionTimedOut  = "Connection timed out"
	MsgHostUnreachable     = "Host unreachable"
	MsgNetworkUnreachable  = "Network unreachable"
	MsgAddressInUse        = "Address already in use"
	MsgAddressNotAvailable = "The address is not available"
	MsgPermissionDenied    = "Permission denied"
	MsgProtocolUnsupported = "Protocol type not supported"
	MsgOutOfResources      = "Out of resources"
	MsgRemoteClosed        = "The remote host closed the connection"
	MsgDatagramTooLarge    = "Datagram was too large to send"
	MsgReadFailed          = "Unable to receive a message"
	MsgWriteFailed         = "Unable to write"
	MsgNonSocket           = "Operation on non-socket"
	MsgInvalidSocket       = "Invalid socket descriptor"
	MsgUnknown             = "Unknown error"
)

// Classify maps an errno returned by op to a socket error kind and message.
func Classify(op Op, err error) (api.SocketError, string) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return api.UnknownSocketError, MsgUnknown
	}
	switch op {
	case OpSocket:
		switch errno {
		case unix.EPROTONOSUPPORT, unix.EAFNOSUPPORT, unix.EINVAL:
			return api.UnsupportedSocketOperationError, MsgProtocolUnsupported
		case unix.ENFILE, unix.EMFILE, unix.ENOBUFS, unix.ENOMEM:
			return api.SocketResourceError, MsgOutOfResources
		case unix.EACCES:
			return api.SocketAccessError, MsgPermissionDenied
		}
	case OpConnect:
		switch errno {
		case unix.ECONNREFUSED, unix.EINVAL:
			return api.ConnectionRefusedError, MsgConnectionRefused
		case unix.ETIMEDOUT:
			return api.NetworkError, MsgConnectionTimedOut
		case unix.EHOSTUNREACH:
			return api.NetworkError, MsgHostUnreachable
		case unix.ENETUNREACH:
			return api.NetworkError, MsgNetworkUnreachable
		case unix.EADDRINUSE:
			return api.NetworkError, MsgAddressInUse
		case unix.EINPROGRESS, unix.EALREADY, unix.EAGAIN:
			return api.UnfinishedSocketOperationError, ""
		case unix.EACCES, unix.EPERM:
			return api.SocketAccessError, MsgPermissionDenied
		case unix.EAFNOSUPPORT, unix.EBADF, unix.EFAULT, unix.ENOTSOCK:
			return api.UnsupportedSocketOperationError, MsgNonSocket
		}
	case OpBind:
		switch errno {
		case unix.EADDRINUSE:
			return api.AddressInUseError, MsgAddressInUse
		case unix.EACCES:
			return api.SocketAccessError, MsgPermissionDenied
		case unix.EINVAL:
			return api.UnsupportedSocketOperationError, MsgNonSocket
		case unix.EADDRNOTAVAIL:
			return api.SocketAddressNotAvailableError, MsgAddressNotAvailable
		}
	case OpRead:
		switch errno {
		case unix.ECONNRESET, unix.EPIPE:
			return api.RemoteHostClosedError, MsgRemoteClosed
		case unix.EBADF, unix.EINVAL:
			return api.NetworkError, MsgInvalidSocket
		}
		return api.NetworkError, MsgReadFailed
	case OpWrite:
		switch errno {
		case unix.EPIPE, unix.ECONNRESET:
			return api.RemoteHostClosedError, MsgRemoteClosed
		case unix.EMSGSIZE:
			return api.DatagramTooLargeError, MsgDatagramTooLarge
		}
		return api.NetworkError, MsgWriteFailed
	}
	return api.UnknownSocketError, errno.Error()
}

// WouldBlock reports whether err means "try again later".
func WouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
