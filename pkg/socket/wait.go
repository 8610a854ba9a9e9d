package socket

import (
	"context"
	"net/netip"
	"time"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/pkg/resolver"
)

// deadline tracks the time left of a Wait call. A negative timeout never
// expires.
type deadline struct {
	start   time.Time
	timeout time.Duration
}

func newDeadline(timeout time.Duration) deadline {
	return deadline{start: time.Now(), timeout: timeout}
}

func (d deadline) forever() bool { return d.timeout < 0 }

func (d deadline) remaining() time.Duration {
	if d.forever() {
		return -1
	}
	if left := d.timeout - time.Since(d.start); left > 0 {
		return left
	}
	return 0
}

func (d deadline) expired() bool {
	return !d.forever() && time.Since(d.start) >= d.timeout
}

// WaitForConnected blocks until the socket is connected or timeout passes.
// A negative timeout waits forever. Host lookup runs synchronously. On
// timeout the socket is reset to Unconnected with SocketTimeoutError.
// Sockets that are not connecting are left untouched.
func (s *Socket) WaitForConnected(timeout time.Duration) bool {
	switch s.state {
	case api.ConnectedState:
		return true
	case api.HostLookupState, api.ConnectingState:
	default:
		return false
	}
	wasPendingClose := s.pendingClose
	s.pendingClose = false
	dl := newDeadline(timeout)

	if s.state == api.HostLookupState {
		s.abortLookup()
		if addr, err := resolver.ParseLiteral(s.hostName); err == nil {
			s.startConnecting(api.HostInfo{LookupID: -1, HostName: s.hostName, Addresses: []netip.Addr{addr}})
		} else {
			s.startConnecting(s.lookupSync(dl))
		}
	}
	if s.state == api.UnconnectedState {
		return false
	}

	timedOut := false
	for s.state == api.ConnectingState && !dl.expired() {
		step := dl.remaining()
		if !dl.forever() && step > s.config.ConnectTimeout {
			step = s.config.ConnectTimeout
		}
		timedOut = false
		if s.engine != nil {
			r, ok := s.engine.WaitForReadOrWrite(false, true, step)
			timedOut = r.TimedOut
			if ok && !timedOut {
				s.testConnection()
				continue
			}
		}
		s.connectToNextAddress()
	}

	if (timedOut && s.state != api.ConnectedState) || s.state == api.ConnectingState {
		s.setError(api.SocketTimeoutError, msgWaitTimedOut)
		s.setState(api.UnconnectedState)
		s.resetSocketLayer()
	}
	if s.state != api.ConnectedState {
		return false
	}
	if wasPendingClose {
		s.DisconnectFromHost()
	}
	return true
}

func (s *Socket) lookupSync(dl deadline) api.HostInfo {
	if s.resolver == nil {
		return api.HostInfo{LookupID: -1, HostName: s.hostName}
	}
	ctx := context.Background()
	if !dl.forever() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dl.remaining())
		defer cancel()
	}
	return s.resolver.FromName(ctx, s.hostName)
}

// waitEngine polls the engine; on failure it records and emits the error
// and closes the socket unless the failure was a timeout.
func (s *Socket) waitEngine(checkRead, checkWrite bool, dl deadline) (api.Readiness, bool) {
	if s.engine == nil {
		return api.Readiness{}, false
	}
	r, ok := s.engine.WaitForReadOrWrite(checkRead, checkWrite, dl.remaining())
	if !ok {
		s.setError(s.engine.Error(), s.engine.ErrorString())
		s.emitError()
		if s.err != api.SocketTimeoutError {
			s.Close()
		}
	}
	return r, ok
}

// WaitForReadyRead blocks until new data is buffered or timeout passes.
func (s *Socket) WaitForReadyRead(timeout time.Duration) bool {
	if s.state == api.UnconnectedState {
		return false
	}
	dl := newDeadline(timeout)
	if s.state == api.HostLookupState || s.state == api.ConnectingState {
		if !s.WaitForConnected(dl.remaining()) {
			return false
		}
	}
	for {
		if s.state != api.ConnectedState && s.state != api.BoundState {
			return false
		}
		r, ok := s.waitEngine(true, !s.writeBuf.IsEmpty(), dl)
		if !ok {
			return false
		}
		if r.Read && s.canReadNotification() {
			return true
		}
		if r.Write {
			s.canWriteNotification()
		}
		if !dl.forever() && dl.remaining() <= 0 {
			return false
		}
	}
}

// WaitForBytesWritten blocks until some buffered data has been written or
// timeout passes. It returns false at once when nothing is buffered.
func (s *Socket) WaitForBytesWritten(timeout time.Duration) bool {
	if s.state == api.UnconnectedState {
		s.logger.Warnf("WaitForBytesWritten is not allowed in %s", s.state)
		return false
	}
	if s.writeBuf.IsEmpty() {
		return false
	}
	dl := newDeadline(timeout)
	if s.state == api.HostLookupState || s.state == api.ConnectingState {
		if !s.WaitForConnected(dl.remaining()) {
			return false
		}
	}
	for {
		r, ok := s.waitEngine(true, !s.writeBuf.IsEmpty(), dl)
		if !ok {
			return false
		}
		if r.Read && !s.canReadNotification() {
			return false
		}
		if r.Write && s.canWriteNotification() {
			return true
		}
		if s.state != api.ConnectedState {
			return false
		}
	}
}

// WaitForDisconnected blocks until the socket is Unconnected or timeout
// passes.
func (s *Socket) WaitForDisconnected(timeout time.Duration) bool {
	if s.state == api.UnconnectedState {
		s.logger.Warnf("WaitForDisconnected is not allowed in %s", s.state)
		return false
	}
	dl := newDeadline(timeout)
	if s.state == api.HostLookupState || s.state == api.ConnectingState {
		if !s.WaitForConnected(dl.remaining()) {
			return false
		}
		if s.state == api.UnconnectedState {
			return true
		}
	}
	for {
		r, ok := s.waitEngine(s.state == api.ConnectedState, !s.writeBuf.IsEmpty(), dl)
		if !ok {
			return false
		}
		if r.Read {
			s.canReadNotification()
		}
		if r.Write {
			s.canWriteNotification()
		}
		if s.state == api.UnconnectedState {
			return true
		}
	}
}
