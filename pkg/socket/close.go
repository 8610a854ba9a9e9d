package socket

import (
	"net/netip"

	"github.com/srediag/plugin-socket/api"
)

// Close disconnects gracefully and clears the read buffer and the
// addresses. Calling it on an unconnected socket only clears state.
func (s *Socket) Close() {
	s.logger.Debugf("close")
	s.open = false
	s.readBuf.Clear()
	if s.state != api.UnconnectedState {
		s.DisconnectFromHost()
	}
	s.localPort = 0
	s.peerPort = 0
	s.localAddr = netip.Addr{}
	s.peerAddr = netip.Addr{}
	s.peerName = ""
	s.descriptor = -1
}

// DisconnectFromHost closes the connection once the write buffer has been
// flushed. While a connect is still in progress the close is deferred
// until it completes.
func (s *Socket) DisconnectFromHost() {
	if s.state == api.UnconnectedState {
		return
	}
	if !s.abortCalled && (s.state == api.ConnectingState || s.state == api.HostLookupState) {
		s.logger.Debugf("disconnect deferred until connected")
		s.pendingClose = true
		return
	}

	if s.engine != nil {
		s.engine.SetReadNotificationEnabled(false)
	}

	if s.abortCalled {
		if s.state == api.HostLookupState {
			s.abortLookup()
		}
	} else {
		s.setState(api.ClosingState)
		if s.engine != nil && s.engine.IsValid() && (s.writeBuf.Len() > 0 || s.engine.BytesToWrite() > 0) {
			// bytes held by the engine get a bounded grace period
			if s.writeBuf.Len() == 0 && s.engine.BytesToWrite() > 0 && (s.disconnectTimer == nil || !s.disconnectTimer.Active()) && s.scheduler != nil {
				s.disconnectTimer = s.scheduler.AfterFunc(s.config.DisconnectTimeout, s.forceDisconnect)
			}
			s.engine.SetWriteNotificationEnabled(true)
			s.logger.Debugf("disconnect delayed, %d bytes pending", s.writeBuf.Len())
			return
		}
	}

	previous := s.state
	s.resetSocketLayer()
	s.setState(api.UnconnectedState)
	s.emitReadChannelFinished()
	if previous == api.ConnectedState || previous == api.ClosingState {
		s.logger.Infof("disconnected from %s:%d", s.peerAddr, s.peerPort)
		s.emitDisconnected()
	}

	s.localPort = 0
	s.peerPort = 0
	s.localAddr = netip.Addr{}
	s.peerAddr = netip.Addr{}
	s.writeBuf.Clear()
}

// Abort drops the connection at once, discarding the write buffer.
func (s *Socket) Abort() {
	s.logger.Debugf("abort")
	s.writeBuf.Clear()
	if s.state == api.UnconnectedState {
		return
	}
	s.stopConnectTimer()
	s.abortCalled = true
	s.Close()
}
