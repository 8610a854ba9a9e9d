// Package api defines public API contracts for plugin-socket.
package api

import "net/netip"

// SocketState is the connection state of a socket.
type SocketState int

const (
	UnconnectedState SocketState = iota
	HostLookupState
	ConnectingState
	ConnectedState
	BoundState
	ListeningState
	ClosingState
)

func (s SocketState) String() string {
	switch s {
	case UnconnectedState:
		return "Unconnected"
	case HostLookupState:
		return "HostLookup"
	case ConnectingState:
		return "Connecting"
	case ConnectedState:
		return "Connected"
	case BoundState:
		return "Bound"
	case ListeningState:
		return "Listening"
	case ClosingState:
		return "Closing"
	}
	return "Unknown"
}

// SocketType selects stream or datagram semantics.
type SocketType int

const (
	TCPSocket SocketType = iota
	UDPSocket
	UnknownSocketType = -1
)

func (t SocketType) String() string {
	switch t {
	case TCPSocket:
		return "tcp"
	case UDPSocket:
		return "udp"
	}
	return "unknown"
}

// NetworkLayerProtocol is the address family a socket prefers or uses.
type NetworkLayerProtocol int

const (
	IPv4Protocol NetworkLayerProtocol = iota
	IPv6Protocol
	AnyIPProtocol
	UnknownNetworkLayerProtocol = -1
)

func (p NetworkLayerProtocol) String() string {
	switch p {
	case IPv4Protocol:
		return "ipv4"
	case IPv6Protocol:
		return "ipv6"
	case AnyIPProtocol:
		return "any"
	}
	return "unknown"
}

// ProtocolOf reports the network layer protocol of addr.
func ProtocolOf(addr netip.Addr) NetworkLayerProtocol {
	switch {
	case !addr.IsValid():
		return UnknownNetworkLayerProtocol
	case addr.Is4() || addr.Is4In6():
		return IPv4Protocol
	default:
		return IPv6Protocol
	}
}

// BindMode flags control address sharing on Bind.
type BindMode uint8

const (
	DefaultForPlatform BindMode = 0
	ShareAddress       BindMode = 1 << (iota - 1)
	DontShareAddress
	ReuseAddressHint
)

// PauseMode controls when a socket suspends its notifiers waiting for Resume.
type PauseMode uint8

const (
	PauseNever PauseMode = iota
	// PauseOnError suspends notifiers before an error event is delivered on a
	// connected socket.
	PauseOnError
)

// SocketOption identifies a per-socket option forwarded to the engine.
type SocketOption int

const (
	LowDelayOption SocketOption = iota
	KeepAliveOption
	SendBufferSizeSocketOption
	ReceiveBufferSizeSocketOption
	AddressReusable
	NonBlockingSocketOption
)

func (o SocketOption) String() string {
	switch o {
	case LowDelayOption:
		return "LowDelay"
	case KeepAliveOption:
		return "KeepAlive"
	case SendBufferSizeSocketOption:
		return "SendBufferSize"
	case ReceiveBufferSizeSocketOption:
		return "ReceiveBufferSize"
	case AddressReusable:
		return "AddressReusable"
	case NonBlockingSocketOption:
		return "NonBlocking"
	}
	return "Unknown"
}
