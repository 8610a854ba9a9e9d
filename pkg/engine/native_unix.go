//go:build linux || darwin

package engine

import (
	"errors"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/internal/transport"
)

// Native drives a non-blocking descriptor. Readiness arrives through an
// api.FDWatcher; without one the engine still works for the blocking wait
// path but raises no notifications.
type Native struct {
	base
	fd           int
	watcher      api.FDWatcher
	watch        api.FDWatch
	helper       transport.SocketHelper
	readEnabled  bool
	writeEnabled bool
}

var _ api.Engine = (*Native)(nil)

// NewNative returns an uninitialized native engine.
func NewNative(watcher api.FDWatcher) *Native {
	return &Native{
		base:    newBase(),
		fd:      -1,
		watcher: watcher,
		helper:  transport.Default,
	}
}

// Initialize implements api.Engine.
func (e *Native) Initialize(typ api.SocketType, protocol api.NetworkLayerProtocol) bool {
	if e.IsValid() {
		e.Close()
	}
	e.clearError()
	fd, err := unix.Socket(transport.Family(protocol), transport.SocketType(typ), 0)
	if err != nil {
		e.setError(transport.Classify(transport.OpSocket, err))
		return false
	}
	if err := e.helper.SetNonblock(fd); err != nil {
		_ = unix.Close(fd)
		e.setError(transport.Classify(transport.OpSocket, err))
		return false
	}
	if protocol == api.AnyIPProtocol {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	if typ == api.UDPSocket {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}
	e.fd = fd
	e.typ = typ
	e.protocol = protocol
	e.state = api.UnconnectedState
	e.register()
	return true
}

// InitializeDescriptor implements api.Engine.
func (e *Native) InitializeDescriptor(fd int, state api.SocketState) bool {
	if e.IsValid() {
		e.Close()
	}
	e.clearError()
	st, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		e.setError(api.UnsupportedSocketOperationError, transport.MsgInvalidSocket)
		return false
	}
	if err := e.helper.SetNonblock(fd); err != nil {
		e.setError(api.UnsupportedSocketOperationError, transport.MsgInvalidSocket)
		return false
	}
	e.fd = fd
	e.typ = api.TCPSocket
	if st == unix.SOCK_DGRAM {
		e.typ = api.UDPSocket
	}
	e.fetchParameters()
	e.protocol = api.ProtocolOf(e.localAddr)
	e.state = state
	e.register()
	return true
}

func (e *Native) register() {
	if e.watcher == nil {
		return
	}
	w, err := e.watcher.Watch(e.fd, e.onReady)
	if err != nil {
		internalLogger.Debugf("fd %d: no readiness notifications: %v", e.fd, err)
		return
	}
	e.watch = w
	e.updateWatch()
}

func (e *Native) updateWatch() {
	if e.watch != nil {
		e.watch.SetEvents(e.readEnabled, e.writeEnabled)
	}
}

func (e *Native) onReady(readable, writable bool) {
	if writable && e.writeEnabled {
		if e.state == api.ConnectingState {
			e.connectionNotification()
		} else {
			e.notifyWrite()
		}
	}
	// a handler above may have closed or disabled us
	if readable && e.readEnabled && e.IsValid() {
		e.notifyRead()
	}
}

// connectionNotification settles a pending connect and reports it.
func (e *Native) connectionNotification() {
	e.checkPendingConnect()
	if e.state != api.ConnectingState {
		e.notifyConnection()
	}
}

func (e *Native) checkPendingConnect() {
	soerr, err := unix.GetsockoptInt(e.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		e.setError(transport.Classify(transport.OpConnect, err))
		e.state = api.UnconnectedState
		return
	}
	if soerr != 0 {
		e.setError(transport.Classify(transport.OpConnect, unix.Errno(soerr)))
		e.state = api.UnconnectedState
		return
	}
	if _, err := unix.Getpeername(e.fd); err != nil {
		if errors.Is(err, unix.ENOTCONN) {
			return
		}
		e.setError(transport.Classify(transport.OpConnect, err))
		e.state = api.UnconnectedState
		return
	}
	e.state = api.ConnectedState
	e.fetchParameters()
}

// ConnectToHost implements api.Engine.
func (e *Native) ConnectToHost(addr netip.Addr, port uint16) api.ConnectResult {
	if !e.IsValid() {
		e.setError(api.UnsupportedSocketOperationError, transport.MsgInvalidSocket)
		return api.ConnectFailed
	}
	if e.protocol == api.IPv4Protocol && !addr.Is4() {
		e.setError(api.NetworkError, transport.MsgNetworkUnreachable)
		return api.ConnectFailed
	}
	if e.protocol != api.IPv4Protocol && addr.Is4() {
		addr = netip.AddrFrom16(addr.As16())
	}
	e.peerAddr = addr.Unmap()
	e.peerPort = port

	err := unix.Connect(e.fd, transport.Sockaddr(addr, port))
	if err == nil || errors.Is(err, unix.EISCONN) {
		e.state = api.ConnectedState
		e.fetchParameters()
		return api.ConnectSuccess
	}
	kind, msg := transport.Classify(transport.OpConnect, err)
	if kind == api.UnfinishedSocketOperationError {
		e.state = api.ConnectingState
		return api.ConnectPending
	}
	e.setError(kind, msg)
	e.state = api.UnconnectedState
	return api.ConnectFailed
}

// ConnectToHostByName implements api.Engine. Name connects need a proxy.
func (e *Native) ConnectToHostByName(string, uint16) api.ConnectResult {
	e.setError(api.UnsupportedSocketOperationError, "Operation not supported")
	return api.ConnectFailed
}

// Bind implements api.Engine.
func (e *Native) Bind(addr netip.Addr, port uint16) bool {
	if !e.IsValid() {
		e.setError(api.UnsupportedSocketOperationError, transport.MsgInvalidSocket)
		return false
	}
	if e.protocol != api.IPv4Protocol && addr.Is4() {
		addr = netip.AddrFrom16(addr.As16())
	}
	if err := unix.Bind(e.fd, transport.Sockaddr(addr, port)); err != nil {
		e.setError(transport.Classify(transport.OpBind, err))
		return false
	}
	e.state = api.BoundState
	e.fetchParameters()
	return true
}

func (e *Native) fetchParameters() {
	if sa, err := unix.Getsockname(e.fd); err == nil {
		e.localAddr, e.localPort = transport.AddrPort(sa)
	}
	if sa, err := unix.Getpeername(e.fd); err == nil {
		e.peerAddr, e.peerPort = transport.AddrPort(sa)
	}
}

// Read implements api.Engine.
func (e *Native) Read(p []byte) int {
	if !e.IsValid() {
		return -1
	}
	n, err := unix.Read(e.fd, p)
	if err != nil {
		if transport.WouldBlock(err) {
			return api.ReadWouldBlock
		}
		e.setError(transport.Classify(transport.OpRead, err))
		e.Close()
		return -1
	}
	if n == 0 && e.typ == api.TCPSocket && len(p) > 0 {
		e.setError(api.RemoteHostClosedError, transport.MsgRemoteClosed)
		e.Close()
		return -1
	}
	return n
}

// Write implements api.Engine.
func (e *Native) Write(p []byte) int {
	if !e.IsValid() {
		return -1
	}
	n, err := unix.Write(e.fd, p)
	if err != nil {
		if transport.WouldBlock(err) {
			return 0
		}
		kind, msg := transport.Classify(transport.OpWrite, err)
		e.setError(kind, msg)
		if kind == api.RemoteHostClosedError {
			e.Close()
		}
		return -1
	}
	return n
}

// BytesAvailable implements api.Engine.
func (e *Native) BytesAvailable() int64 {
	if !e.IsValid() {
		return 0
	}
	n, err := transport.BytesAvailable(e.fd)
	if err != nil {
		return 0
	}
	return int64(n)
}

// BytesToWrite implements api.Engine. The kernel owns queued bytes.
func (e *Native) BytesToWrite() int64 { return 0 }

func (e *Native) SetReadNotificationEnabled(enable bool) {
	e.readEnabled = enable
	e.updateWatch()
}

func (e *Native) IsReadNotificationEnabled() bool { return e.readEnabled }

func (e *Native) SetWriteNotificationEnabled(enable bool) {
	e.writeEnabled = enable
	e.updateWatch()
}

func (e *Native) IsWriteNotificationEnabled() bool { return e.writeEnabled }

// WaitForReadOrWrite implements api.Engine.
func (e *Native) WaitForReadOrWrite(checkRead, checkWrite bool, timeout time.Duration) (api.Readiness, bool) {
	if !e.IsValid() {
		e.setError(api.UnsupportedSocketOperationError, transport.MsgInvalidSocket)
		return api.Readiness{}, false
	}
	var events int16
	if checkRead {
		events |= unix.POLLIN
	}
	if checkWrite || e.state == api.ConnectingState {
		events |= unix.POLLOUT
	}
	deadline := time.Now().Add(timeout)
	for {
		ms := -1
		if timeout >= 0 {
			left := time.Until(deadline)
			if left < 0 {
				left = 0
			}
			ms = int((left + time.Millisecond - 1) / time.Millisecond)
		}
		fds := []unix.PollFd{{Fd: int32(e.fd), Events: events}}
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			e.setError(api.NetworkError, err.Error())
			return api.Readiness{}, false
		}
		if n == 0 {
			e.setError(api.SocketTimeoutError, "Network operation timed out")
			return api.Readiness{TimedOut: true}, false
		}
		rev := fds[0].Revents
		failed := rev&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
		r := api.Readiness{
			Read:  checkRead && (rev&unix.POLLIN != 0 || failed),
			Write: (checkWrite || e.state == api.ConnectingState) && (rev&unix.POLLOUT != 0 || failed),
		}
		if e.state == api.ConnectingState && r.Write {
			e.checkPendingConnect()
		}
		return r, true
	}
}

func (e *Native) IsValid() bool { return e.fd >= 0 }

func (e *Native) Descriptor() int { return e.fd }

// SetOption implements api.Engine.
func (e *Native) SetOption(opt api.SocketOption, value int) bool {
	if !e.IsValid() {
		return false
	}
	if err := e.helper.SetSocketOption(e.fd, opt, value); err != nil {
		internalLogger.Debugf("fd %d: set %s=%d: %v", e.fd, opt, value, err)
		return false
	}
	return true
}

// Option implements api.Engine.
func (e *Native) Option(opt api.SocketOption) int {
	if !e.IsValid() {
		return -1
	}
	v, err := e.helper.SocketOption(e.fd, opt)
	if err != nil {
		return -1
	}
	return v
}

// Close implements api.Engine. It is idempotent.
func (e *Native) Close() {
	if e.watch != nil {
		e.watch.Stop()
		e.watch = nil
	}
	if e.fd >= 0 {
		if err := unix.Close(e.fd); err != nil {
			internalLogger.Warnf("fd %d close: %v", e.fd, err)
		}
		e.fd = -1
	}
	e.readEnabled = false
	e.writeEnabled = false
	e.state = api.UnconnectedState
	e.clearAddresses()
}
