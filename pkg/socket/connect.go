package socket

import (
	"net/netip"
	"time"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/pkg/proxy"
	"github.com/srediag/plugin-socket/pkg/resolver"
)

// ConnectToHost starts connecting to host:port. host may be a literal
// address or a name. Progress is reported through observers; use
// WaitForConnected to block.
func (s *Socket) ConnectToHost(host string, port uint16) {
	s.connectToHost(host, port, s.preferred)
}

// ConnectToHostProtocol is ConnectToHost restricted to candidates of
// protocol, falling back to all candidates when none match.
func (s *Socket) ConnectToHostProtocol(host string, port uint16, protocol api.NetworkLayerProtocol) {
	s.connectToHost(host, port, protocol)
}

// ConnectToAddr starts connecting to addr:port.
func (s *Socket) ConnectToAddr(addr netip.Addr, port uint16) {
	s.connectToHost(addr.String(), port, api.AnyIPProtocol)
}

func (s *Socket) connectToHost(host string, port uint16, protocol api.NetworkLayerProtocol) {
	s.logger.Debugf("connectToHost(%q, %d)", host, port)
	switch s.state {
	case api.ConnectedState, api.ConnectingState, api.ClosingState, api.HostLookupState:
		s.logger.Warnf("connectToHost(%q) called while %s", host, s.state)
		s.setErrorAndEmit(api.OperationError, msgConnectInProgress)
		return
	}

	s.preferred = protocol
	s.hostName = host
	s.port = port
	s.readBuf.Clear()
	s.writeBuf.Clear()
	s.abortCalled = false
	s.pendingClose = false
	if s.state != api.BoundState {
		s.state = api.UnconnectedState
		s.localPort = 0
		s.localAddr = netip.Addr{}
	}
	s.peerPort = 0
	s.peerAddr = netip.Addr{}
	s.peerName = host
	s.abortLookup()

	s.resolveProxy(host, port)
	if s.proxyInUse.Type == api.DefaultProxy {
		s.setErrorAndEmit(api.UnsupportedSocketOperationError, msgUnsupported)
		return
	}

	s.buffered = s.typ == api.TCPSocket && s.config.Buffered
	s.open = true
	s.connectStart = time.Now()
	s.setState(api.HostLookupState)

	if addr, err := resolver.ParseLiteral(host); err == nil {
		s.startConnecting(api.HostInfo{LookupID: -1, HostName: host, Addresses: []netip.Addr{addr}})
		return
	}
	if s.proxyInUse.Has(api.HostNameLookupCapability) {
		s.startConnectingByName(host)
		return
	}
	if s.resolver == nil {
		s.startConnecting(api.HostInfo{LookupID: -1, HostName: host})
		return
	}
	if s.scheduler == nil {
		// no loop to deliver on; WaitForConnected resolves synchronously
		return
	}
	id, info, immediate := s.resolver.Lookup(host, s.startConnecting)
	if immediate {
		s.hostLookupID = -1
		s.startConnecting(info)
		return
	}
	s.hostLookupID = id
}

func (s *Socket) abortLookup() {
	if s.hostLookupID == -1 {
		return
	}
	if s.resolver != nil {
		s.resolver.AbortLookup(s.hostLookupID)
	}
	s.hostLookupID = -1
}

func (s *Socket) resolveProxy(host string, port uint16) {
	s.proxyInUse = proxy.Resolve(s.proxy, s.proxies, proxy.QueryFor(s.typ, host, port), s.typ)
	if s.proxyInUse.Type != api.NoProxy {
		s.logger.Debugf("using proxy %s", s.proxyInUse)
	}
}

// startConnectingByName hands the name to a proxy engine that resolves it
// on the far side.
func (s *Socket) startConnectingByName(host string) {
	if s.state == api.ConnectingState || s.state == api.ConnectedState {
		return
	}
	s.setState(api.ConnectingState)

	if s.descriptor != -1 || s.initSocketLayer(api.UnknownNetworkLayerProtocol) {
		s.metrics.connectAttempt()
		if s.engine.ConnectToHostByName(host, s.port) != api.ConnectFailed ||
			s.engine.State() == api.ConnectingState {
			s.descriptor = s.engine.Descriptor()
			if s.engine.State() == api.ConnectedState {
				s.fetchConnectionParameters()
				return
			}
			s.startConnectTimer()
			s.engine.SetWriteNotificationEnabled(true)
			return
		}
		s.setError(s.engine.Error(), s.engine.ErrorString())
	}

	s.state = api.UnconnectedState
	s.emitError()
	s.emitStateChanged()
}

// startConnecting receives the lookup result and begins iterating over the
// candidates.
func (s *Socket) startConnecting(info api.HostInfo) {
	s.addresses = s.addresses[:0]
	if s.state != api.HostLookupState {
		return
	}
	if s.hostLookupID != -1 && s.hostLookupID != info.LookupID {
		s.logger.Warnf("ignoring lookup result %d, waiting for %d", info.LookupID, s.hostLookupID)
		return
	}
	s.hostLookupID = -1

	s.addresses = candidates(info.Addresses, s.preferred)
	s.logger.Debugf("candidates for %q: %v", s.hostName, s.addresses)
	// each candidate is tried twice
	s.addresses = append(s.addresses, s.addresses...)

	if len(s.addresses) == 0 {
		s.state = api.UnconnectedState
		s.setError(api.HostNotFoundError, msgHostNotFound)
		s.emitStateChanged()
		s.emitError()
		return
	}

	s.setState(api.ConnectingState)
	s.emitHostFound()
	s.connectToNextAddress()
}

// candidates filters addrs by protocol. An empty result falls back to the
// unfiltered list.
func candidates(addrs []netip.Addr, protocol api.NetworkLayerProtocol) []netip.Addr {
	out := make([]netip.Addr, 0, 2*len(addrs))
	if protocol == api.AnyIPProtocol || protocol == api.UnknownNetworkLayerProtocol {
		return append(out, addrs...)
	}
	for _, addr := range addrs {
		if api.ProtocolOf(addr) == protocol {
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		out = append(out, addrs...)
	}
	return out
}

// connectToNextAddress tries candidates until one connects, one is pending
// or none remain.
func (s *Socket) connectToNextAddress() {
	for s.state != api.ConnectedState {
		if len(s.addresses) == 0 {
			s.state = api.UnconnectedState
			if s.engine != nil {
				if s.engine.Error() == api.UnknownSocketError && s.engine.State() == api.ConnectingState {
					s.setError(api.ConnectionRefusedError, msgConnectionRefused)
				} else {
					s.setError(s.engine.Error(), s.engine.ErrorString())
				}
			}
			s.emitStateChanged()
			s.emitError()
			return
		}

		s.host = s.addresses[0]
		s.addresses = s.addresses[1:]
		s.logger.Debugf("connecting to %s:%d, %d left", s.host, s.port, len(s.addresses))

		if s.descriptor == -1 && !s.initSocketLayer(api.ProtocolOf(s.host)) {
			continue
		}

		s.metrics.connectAttempt()
		switch s.engine.ConnectToHost(s.host, s.port) {
		case api.ConnectSuccess:
			s.fetchConnectionParameters()
			return
		case api.ConnectPending:
		default:
			if s.engine.State() != api.ConnectingState {
				s.logger.Debugf("connect to %s failed: %s", s.host, s.engine.ErrorString())
				continue
			}
		}

		s.startConnectTimer()
		s.engine.SetWriteNotificationEnabled(true)
		return
	}
}

func (s *Socket) startConnectTimer() {
	if s.scheduler == nil {
		return
	}
	s.stopConnectTimer()
	s.connectTimer = s.scheduler.AfterFunc(s.config.ConnectTimeout, s.abortConnectionAttempt)
}

func (s *Socket) stopConnectTimer() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

func (s *Socket) stopDisconnectTimer() {
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
		s.disconnectTimer = nil
	}
}

// testConnection checks a pending connect after a write-ready notification.
func (s *Socket) testConnection() {
	if s.engine != nil {
		s.stopConnectTimer()
		if s.engine.State() == api.ConnectedState {
			s.fetchConnectionParameters()
			if s.pendingClose {
				s.DisconnectFromHost()
				s.pendingClose = false
			}
			return
		}
		// a proxy failure would repeat for every candidate
		if s.engine.Error().IsProxyError() {
			s.addresses = s.addresses[:0]
		}
	}
	s.stopConnectTimer()
	s.logger.Debugf("connection to %s failed, trying next candidate", s.host)
	s.connectToNextAddress()
}

// abortConnectionAttempt runs when the connect timer fires.
func (s *Socket) abortConnectionAttempt() {
	s.logger.Debugf("connect to %s timed out", s.host)
	if s.engine != nil {
		s.engine.SetWriteNotificationEnabled(false)
	}
	s.stopConnectTimer()
	if len(s.addresses) == 0 {
		s.state = api.UnconnectedState
		s.setError(api.SocketTimeoutError, msgConnectTimedOut)
		s.emitStateChanged()
		s.emitError()
		return
	}
	s.connectToNextAddress()
}

// forceDisconnect runs when a graceful close is stuck on bytes held by the
// engine.
func (s *Socket) forceDisconnect() {
	s.disconnectTimer = nil
	if s.engine != nil && s.engine.IsValid() && s.state == api.ClosingState {
		s.engine.Close()
		s.DisconnectFromHost()
	}
}

func (s *Socket) connectionNotification() {
	if s.state == api.ConnectingState {
		s.testConnection()
	}
}

// resetSocketLayer drops the engine and its timers.
func (s *Socket) resetSocketLayer() {
	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
		s.descriptor = -1
	}
	s.stopConnectTimer()
	s.stopDisconnectTimer()
}

// initSocketLayer replaces the engine with a fresh one for the selected
// proxy.
func (s *Socket) initSocketLayer(protocol api.NetworkLayerProtocol) bool {
	s.resetSocketLayer()

	e, err := s.engines.NewEngine(s.typ, s.proxyInUse)
	if err != nil {
		s.logger.Debugf("no engine: %v", err)
		s.setError(api.UnsupportedSocketOperationError, msgUnsupported)
		return false
	}
	s.engine = e
	if !e.Initialize(s.typ, protocol) {
		s.logger.Debugf("initialize %s/%s failed: %s", s.typ, protocol, e.ErrorString())
		s.setError(e.Error(), e.ErrorString())
		return false
	}
	if s.scheduler != nil {
		e.SetReceiver(receiver{s})
	}
	return true
}

// fetchConnectionParameters finishes a successful connect.
func (s *Socket) fetchConnectionParameters() {
	s.peerName = s.hostName
	if s.engine != nil {
		s.engine.SetReadNotificationEnabled(true)
		s.engine.SetWriteNotificationEnabled(true)
		s.localPort = s.engine.LocalPort()
		s.peerPort = s.engine.PeerPort()
		s.localAddr = s.engine.LocalAddr()
		s.peerAddr = s.engine.PeerAddr()
		s.descriptor = s.engine.Descriptor()
	}
	s.setState(api.ConnectedState)
	s.logger.Infof("connected to %s:%d", s.peerAddr, s.peerPort)
	s.emitConnected()
}
