// Package engine implements the socket engines consumed by pkg/socket: a
// native engine over non-blocking descriptors and tunnelling engines that
// traverse SOCKS5 and HTTP CONNECT proxies on top of it.
package engine

import (
	"net/netip"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/internal/debug"
)

var internalLogger = debug.New("engine", nil)

// base holds the state every engine reports.
type base struct {
	typ       api.SocketType
	protocol  api.NetworkLayerProtocol
	state     api.SocketState
	err       api.SocketError
	errString string
	errSet    bool

	localAddr netip.Addr
	localPort uint16
	peerAddr  netip.Addr
	peerPort  uint16

	receiver api.Receiver
}

func newBase() base {
	return base{
		typ:      api.UnknownSocketType,
		protocol: api.UnknownNetworkLayerProtocol,
		state:    api.UnconnectedState,
		err:      api.UnknownSocketError,
	}
}

func (b *base) setError(kind api.SocketError, msg string) {
	b.err = kind
	b.errString = msg
	b.errSet = true
}

func (b *base) clearError() {
	b.err = api.UnknownSocketError
	b.errString = ""
	b.errSet = false
}

func (b *base) clearAddresses() {
	b.localAddr = netip.Addr{}
	b.localPort = 0
	b.peerAddr = netip.Addr{}
	b.peerPort = 0
}

func (b *base) SetReceiver(r api.Receiver) { b.receiver = r }

func (b *base) State() api.SocketState { return b.state }
func (b *base) Error() api.SocketError { return b.err }
func (b *base) ErrorString() string { return b.errString }
func (b *base) LocalAddr() netip.Addr { return b.localAddr }
func (b *base) LocalPort() uint16 { return b.localPort }
func (b *base) PeerAddr() netip.Addr { return b.peerAddr }
func (b *base) PeerPort() uint16 { return b.peerPort }
func (b *base) SocketType() api.SocketType { return b.typ }

func (b *base) notifyRead() {
	if b.receiver != nil {
		b.receiver.ReadNotification()
	}
}

func (b *base) notifyWrite() {
	if b.receiver != nil {
		b.receiver.WriteNotification()
	}
}

func (b *base) notifyConnection() {
	if b.receiver != nil {
		b.receiver.ConnectionNotification()
	}
}
