package engine

import (
	"context"
	"net/netip"
	"time"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/pkg/buffer"
)

// handshaker drives a proxy negotiation. advance is fed every buffered
// byte received so far and reports how many it consumed, an optional reply
// to send, and whether the tunnel is open.
type handshaker interface {
	start() []byte
	advance(in []byte) (consumed int, reply []byte, done bool, err *api.Error)
}

type handshakeFunc func(p api.Proxy, target handshakeTarget) handshaker

const (
	tunnelProbeSize      = 4096
	proxyLookupTimeout   = 30 * time.Second
	msgProxyClosed       = "Connection to proxy closed prematurely"
	msgProxyRefused      = "Connection to proxy refused"
	msgProxyTimeout      = "Connection to proxy timed out"
	msgProxyNotFound     = "Proxy host not found"
	msgWaitTimedOut      = "Network operation timed out"
	msgTunnelNotReady    = "The proxy tunnel is not open"
	msgTunnelUnsupported = "Operation on socket is not supported"
)

// Tunnel carries a TCP stream through a proxy. It owns a native engine
// connected to the proxy and reports Connecting until the handshake has
// opened the tunnel to the target.
type Tunnel struct {
	base
	proxy    api.Proxy
	resolver api.Resolver
	newShake handshakeFunc
	inner    *Native
	async    bool
	lookupID int
	shake    handshaker
	target   handshakeTarget
	out      *buffer.Ring
	in       *buffer.Ring
	scratch  []byte
	valid    bool
	waiting  bool
	readOn   bool
	writeOn  bool
}

var (
	_ api.Engine   = (*Tunnel)(nil)
	_ api.Receiver = (*Tunnel)(nil)
)

// newTunnel returns a tunnel through p. With async set, a proxy host given
// by name is looked up in the background and the connect completes through
// the receiver.
func newTunnel(p api.Proxy, inner *Native, resolver api.Resolver, fn handshakeFunc, async bool) *Tunnel {
	return &Tunnel{
		base:     newBase(),
		proxy:    p,
		resolver: resolver,
		newShake: fn,
		inner:    inner,
		async:    async,
		lookupID: -1,
		out:      buffer.New(tunnelProbeSize),
		in:       buffer.New(tunnelProbeSize),
	}
}

// Proxy returns the proxy this tunnel traverses.
func (t *Tunnel) Proxy() api.Proxy { return t.proxy }

// Initialize implements api.Engine. The inner socket is created once the
// proxy address is known.
func (t *Tunnel) Initialize(typ api.SocketType, protocol api.NetworkLayerProtocol) bool {
	t.Close()
	t.clearError()
	if typ != api.TCPSocket {
		t.setError(api.UnsupportedSocketOperationError, msgTunnelUnsupported)
		return false
	}
	t.typ = typ
	t.protocol = protocol
	t.valid = true
	return true
}

// InitializeDescriptor implements api.Engine. Tunnels never adopt
// descriptors.
func (t *Tunnel) InitializeDescriptor(int, api.SocketState) bool {
	t.setError(api.UnsupportedSocketOperationError, msgTunnelUnsupported)
	return false
}

// ConnectToHost implements api.Engine.
func (t *Tunnel) ConnectToHost(addr netip.Addr, port uint16) api.ConnectResult {
	return t.connect(handshakeTarget{addr: addr.Unmap(), port: port})
}

// ConnectToHostByName implements api.Engine. The proxy resolves name.
func (t *Tunnel) ConnectToHostByName(name string, port uint16) api.ConnectResult {
	return t.connect(handshakeTarget{name: name, port: port})
}

func (t *Tunnel) connect(target handshakeTarget) api.ConnectResult {
	if !t.valid {
		t.setError(api.UnsupportedSocketOperationError, msgTunnelNotReady)
		return api.ConnectFailed
	}
	t.target = target
	t.peerAddr, t.peerPort = target.addr, target.port

	if addr, err := netip.ParseAddr(t.proxy.Host); err == nil {
		return t.connectInner(addr.Unmap())
	}
	if t.resolver == nil {
		return t.proxyNotFound()
	}
	if !t.async {
		addr, ok := t.lookupProxy()
		if !ok {
			return t.proxyNotFound()
		}
		return t.connectInner(addr)
	}
	id, info, immediate := t.resolver.Lookup(t.proxy.Host, t.proxyFound)
	if !immediate {
		t.lookupID = id
		t.state = api.ConnectingState
		internalLogger.Debugf("tunnel via %s: looking up proxy host", t.proxy)
		return api.ConnectPending
	}
	if info.Err != nil || len(info.Addresses) == 0 {
		return t.proxyNotFound()
	}
	return t.connectInner(info.Addresses[0])
}

func (t *Tunnel) proxyNotFound() api.ConnectResult {
	t.setError(api.ProxyNotFoundError, msgProxyNotFound)
	t.state = api.UnconnectedState
	return api.ConnectFailed
}

// connectInner opens the connection to the proxy at addr.
func (t *Tunnel) connectInner(addr netip.Addr) api.ConnectResult {
	if !t.inner.Initialize(api.TCPSocket, api.ProtocolOf(addr)) {
		t.setError(t.inner.Error(), t.inner.ErrorString())
		t.state = api.UnconnectedState
		return api.ConnectFailed
	}
	t.inner.SetReceiver(t)
	t.state = api.ConnectingState
	internalLogger.Debugf("tunnel via %s to %s", t.proxy, t.targetString())

	switch t.inner.ConnectToHost(addr, t.proxy.Port) {
	case api.ConnectSuccess:
		t.beginHandshake()
	case api.ConnectPending:
		t.inner.SetWriteNotificationEnabled(true)
	default:
		t.failInner()
	}
	if t.state == api.ConnectingState {
		return api.ConnectPending
	}
	return api.ConnectFailed
}

// proxyFound receives the background lookup of the proxy host.
func (t *Tunnel) proxyFound(info api.HostInfo) {
	if t.state != api.ConnectingState || t.lookupID < 0 || info.LookupID != t.lookupID {
		return
	}
	t.lookupID = -1
	if info.Err != nil || len(info.Addresses) == 0 {
		t.proxyNotFound()
	} else {
		t.connectInner(info.Addresses[0])
	}
	t.settle()
}

func (t *Tunnel) targetString() string {
	if t.target.name != "" {
		return t.target.name
	}
	return t.target.addr.String()
}

// lookupProxy resolves the proxy host synchronously.
func (t *Tunnel) lookupProxy() (netip.Addr, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), proxyLookupTimeout)
	defer cancel()
	info := t.resolver.FromName(ctx, t.proxy.Host)
	if info.Err != nil || len(info.Addresses) == 0 {
		return netip.Addr{}, false
	}
	return info.Addresses[0], true
}

func (t *Tunnel) beginHandshake() {
	t.shake = t.newShake(t.proxy, t.target)
	t.out.Append(t.shake.start())
	t.inner.SetReadNotificationEnabled(true)
	t.flushHandshake()
}

// flushHandshake pushes queued handshake bytes to the proxy.
func (t *Tunnel) flushHandshake() {
	for !t.out.IsEmpty() {
		n := t.inner.Write(t.out.ReadPointer())
		if n < 0 {
			t.fail(api.ProxyConnectionClosedError, msgProxyClosed)
			return
		}
		if n == 0 {
			t.inner.SetWriteNotificationEnabled(true)
			return
		}
		t.out.Free(n)
	}
	t.inner.SetWriteNotificationEnabled(false)
}

// pumpHandshake reads what the proxy sent and advances the negotiation.
func (t *Tunnel) pumpHandshake() {
	for {
		buf := t.in.Reserve(tunnelProbeSize)
		n := t.inner.Read(buf)
		if n < 0 {
			t.in.Chop(tunnelProbeSize)
			if n == api.ReadWouldBlock {
				break
			}
			t.fail(api.ProxyConnectionClosedError, msgProxyClosed)
			return
		}
		t.in.Chop(tunnelProbeSize - n)
		if n < tunnelProbeSize {
			break
		}
	}
	for t.state == api.ConnectingState && !t.in.IsEmpty() {
		if cap(t.scratch) < int(t.in.Len()) {
			t.scratch = make([]byte, t.in.Len())
		}
		data := t.scratch[:t.in.Peek(t.scratch[:t.in.Len()])]
		consumed, reply, done, err := t.shake.advance(data)
		t.in.Skip(consumed)
		if err != nil {
			internalLogger.Debugf("tunnel via %s: %v", t.proxy, err)
			t.fail(err.Kind, err.Message)
			return
		}
		if len(reply) > 0 {
			t.out.Append(reply)
			if t.flushHandshake(); t.state != api.ConnectingState {
				return
			}
		}
		if done {
			t.open()
			return
		}
		if consumed == 0 {
			return
		}
	}
}

func (t *Tunnel) open() {
	t.shake = nil
	t.state = api.ConnectedState
	t.localAddr, t.localPort = t.inner.LocalAddr(), t.inner.LocalPort()
	t.inner.SetReadNotificationEnabled(t.readOn)
	t.inner.SetWriteNotificationEnabled(t.writeOn)
	internalLogger.Debugf("tunnel via %s to %s open", t.proxy, t.targetString())
}

func (t *Tunnel) fail(kind api.SocketError, msg string) {
	t.setError(kind, msg)
	t.inner.Close()
	t.shake = nil
	t.out.Clear()
	t.in.Clear()
	t.state = api.UnconnectedState
}

// failInner maps a failed connect to the proxy onto a proxy error.
func (t *Tunnel) failInner() {
	switch t.inner.Error() {
	case api.ConnectionRefusedError:
		t.fail(api.ProxyConnectionRefusedError, msgProxyRefused)
	case api.SocketTimeoutError:
		t.fail(api.ProxyConnectionTimeoutError, msgProxyTimeout)
	case api.HostNotFoundError:
		t.fail(api.ProxyNotFoundError, msgProxyNotFound)
	case api.RemoteHostClosedError:
		t.fail(api.ProxyConnectionClosedError, msgProxyClosed)
	default:
		t.fail(api.ProxyConnectionRefusedError, msgProxyRefused)
	}
}

// ConnectionNotification implements api.Receiver for the inner engine.
func (t *Tunnel) ConnectionNotification() {
	if t.state != api.ConnectingState || t.shake != nil {
		return
	}
	if t.inner.State() == api.ConnectedState {
		t.beginHandshake()
	} else {
		t.failInner()
	}
	t.settle()
}

// ReadNotification implements api.Receiver for the inner engine.
func (t *Tunnel) ReadNotification() {
	switch t.state {
	case api.ConnectingState:
		if t.shake != nil {
			t.pumpHandshake()
			t.settle()
		}
	case api.ConnectedState:
		if t.readOn {
			t.notifyRead()
		}
	}
}

// WriteNotification implements api.Receiver for the inner engine.
func (t *Tunnel) WriteNotification() {
	switch t.state {
	case api.ConnectingState:
		t.flushHandshake()
		t.settle()
	case api.ConnectedState:
		if t.writeOn {
			t.notifyWrite()
		}
	}
}

// settle reports the end of the handshake. Bytes the proxy sent after its
// reply are announced right away.
func (t *Tunnel) settle() {
	if t.waiting || t.state == api.ConnectingState {
		return
	}
	t.notifyConnection()
	if t.state == api.ConnectedState && t.readOn && !t.in.IsEmpty() {
		t.notifyRead()
	}
}

// Bind implements api.Engine. Binding through a proxy needs the BIND
// command, which is not offered.
func (t *Tunnel) Bind(netip.Addr, uint16) bool {
	t.setError(api.UnsupportedSocketOperationError, msgTunnelUnsupported)
	return false
}

// Read implements api.Engine.
func (t *Tunnel) Read(p []byte) int {
	if t.state != api.ConnectedState {
		return -1
	}
	if !t.in.IsEmpty() {
		return t.in.Read(p)
	}
	n := t.inner.Read(p)
	if n == -1 {
		t.setError(t.inner.Error(), t.inner.ErrorString())
		t.Close()
	}
	return n
}

// Write implements api.Engine.
func (t *Tunnel) Write(p []byte) int {
	if t.state != api.ConnectedState {
		return -1
	}
	n := t.inner.Write(p)
	if n < 0 {
		t.setError(t.inner.Error(), t.inner.ErrorString())
		if !t.inner.IsValid() {
			t.Close()
		}
	}
	return n
}

// BytesAvailable implements api.Engine.
func (t *Tunnel) BytesAvailable() int64 {
	if t.state != api.ConnectedState {
		return 0
	}
	return t.in.Len() + t.inner.BytesAvailable()
}

// BytesToWrite implements api.Engine. It counts unsent handshake bytes.
func (t *Tunnel) BytesToWrite() int64 { return t.out.Len() }

func (t *Tunnel) SetReadNotificationEnabled(enable bool) {
	t.readOn = enable
	if t.state == api.ConnectedState {
		t.inner.SetReadNotificationEnabled(enable)
	}
}

func (t *Tunnel) IsReadNotificationEnabled() bool { return t.readOn }

func (t *Tunnel) SetWriteNotificationEnabled(enable bool) {
	t.writeOn = enable
	if t.state == api.ConnectedState {
		t.inner.SetWriteNotificationEnabled(enable)
	}
}

func (t *Tunnel) IsWriteNotificationEnabled() bool { return t.writeOn }

// WaitForReadOrWrite implements api.Engine. While connecting it drives the
// handshake itself and returns once the tunnel is open or has failed.
func (t *Tunnel) WaitForReadOrWrite(checkRead, checkWrite bool, timeout time.Duration) (api.Readiness, bool) {
	if !t.valid || t.state == api.UnconnectedState {
		t.setError(api.UnsupportedSocketOperationError, msgTunnelNotReady)
		return api.Readiness{}, false
	}
	if t.state == api.ConnectedState {
		if checkRead && !t.in.IsEmpty() {
			return api.Readiness{Read: true}, true
		}
		r, ok := t.inner.WaitForReadOrWrite(checkRead, checkWrite, timeout)
		if !ok {
			t.setError(t.inner.Error(), t.inner.ErrorString())
		}
		return r, ok
	}

	t.waiting = true
	defer func() { t.waiting = false }()
	deadline := time.Now().Add(timeout)
	if t.lookupID >= 0 {
		t.resolver.AbortLookup(t.lookupID)
		t.lookupID = -1
		if addr, ok := t.lookupProxy(); ok {
			t.connectInner(addr)
		} else {
			t.proxyNotFound()
		}
	}
	for t.state == api.ConnectingState {
		left := time.Duration(-1)
		if timeout >= 0 {
			if left = time.Until(deadline); left < 0 {
				left = 0
			}
		}
		innerConnecting := t.inner.State() == api.ConnectingState
		r, ok := t.inner.WaitForReadOrWrite(t.shake != nil, innerConnecting || !t.out.IsEmpty(), left)
		if !ok {
			if r.TimedOut {
				t.setError(api.SocketTimeoutError, msgWaitTimedOut)
				return r, false
			}
			t.failInner()
			break
		}
		switch {
		case innerConnecting && t.inner.State() != api.ConnectingState:
			if t.inner.State() == api.ConnectedState {
				t.beginHandshake()
			} else {
				t.failInner()
			}
		case innerConnecting:
		default:
			if r.Write {
				t.flushHandshake()
			}
			if r.Read && t.state == api.ConnectingState {
				t.pumpHandshake()
			}
		}
	}
	return api.Readiness{Write: true}, true
}

func (t *Tunnel) IsValid() bool { return t.valid }

func (t *Tunnel) Descriptor() int { return t.inner.Descriptor() }

func (t *Tunnel) SetOption(opt api.SocketOption, value int) bool {
	return t.inner.SetOption(opt, value)
}

func (t *Tunnel) Option(opt api.SocketOption) int { return t.inner.Option(opt) }

// Close implements api.Engine.
func (t *Tunnel) Close() {
	if t.lookupID >= 0 {
		t.resolver.AbortLookup(t.lookupID)
		t.lookupID = -1
	}
	t.inner.Close()
	t.out.Clear()
	t.in.Clear()
	t.shake = nil
	t.valid = false
	t.readOn = false
	t.writeOn = false
	t.state = api.UnconnectedState
	t.clearAddresses()
}
