package socket

import "github.com/srediag/plugin-socket/api"

// Observer receives socket events. Callbacks run synchronously on the
// goroutine driving the socket and may call back into it.
type Observer interface {
	StateChanged(s *Socket, state api.SocketState)
	HostFound(s *Socket)
	Connected(s *Socket)
	Disconnected(s *Socket)
	Error(s *Socket, err *api.Error)
	ReadyRead(s *Socket)
	BytesWritten(s *Socket, n int64)
	ReadChannelFinished(s *Socket)
}

// ObserverFuncs adapts optional functions to Observer. Nil fields are
// skipped.
type ObserverFuncs struct {
	OnStateChanged        func(s *Socket, state api.SocketState)
	OnHostFound           func(s *Socket)
	OnConnected           func(s *Socket)
	OnDisconnected        func(s *Socket)
	OnError               func(s *Socket, err *api.Error)
	OnReadyRead           func(s *Socket)
	OnBytesWritten        func(s *Socket, n int64)
	OnReadChannelFinished func(s *Socket)
}

var _ Observer = ObserverFuncs{}

func (f ObserverFuncs) StateChanged(s *Socket, state api.SocketState) {
	if f.OnStateChanged != nil {
		f.OnStateChanged(s, state)
	}
}

func (f ObserverFuncs) HostFound(s *Socket) {
	if f.OnHostFound != nil {
		f.OnHostFound(s)
	}
}

func (f ObserverFuncs) Connected(s *Socket) {
	if f.OnConnected != nil {
		f.OnConnected(s)
	}
}

func (f ObserverFuncs) Disconnected(s *Socket) {
	if f.OnDisconnected != nil {
		f.OnDisconnected(s)
	}
}

func (f ObserverFuncs) Error(s *Socket, err *api.Error) {
	if f.OnError != nil {
		f.OnError(s, err)
	}
}

func (f ObserverFuncs) ReadyRead(s *Socket) {
	if f.OnReadyRead != nil {
		f.OnReadyRead(s)
	}
}

func (f ObserverFuncs) BytesWritten(s *Socket, n int64) {
	if f.OnBytesWritten != nil {
		f.OnBytesWritten(s, n)
	}
}

func (f ObserverFuncs) ReadChannelFinished(s *Socket) {
	if f.OnReadChannelFinished != nil {
		f.OnReadChannelFinished(s)
	}
}

// emit helpers fan an event out to every observer and update metrics.

func (s *Socket) emitStateChanged() {
	s.metrics.stateTransition(s.state)
	for _, o := range s.observers {
		o.StateChanged(s, s.state)
	}
}

func (s *Socket) emitHostFound() {
	for _, o := range s.observers {
		o.HostFound(s)
	}
}

func (s *Socket) emitConnected() {
	s.metrics.connected(s.connectStart)
	for _, o := range s.observers {
		o.Connected(s)
	}
}

func (s *Socket) emitDisconnected() {
	for _, o := range s.observers {
		o.Disconnected(s)
	}
}

func (s *Socket) emitError() {
	err := s.lastError()
	s.logger.Debugf("error %s: %s", s.err, s.errString)
	s.metrics.error(s.err)
	if s.pauseMode == api.PauseOnError && s.state == api.ConnectedState {
		s.pause()
	}
	for _, o := range s.observers {
		o.Error(s, err)
	}
}

func (s *Socket) emitReadyRead() {
	for _, o := range s.observers {
		o.ReadyRead(s)
	}
}

func (s *Socket) emitBytesWritten(n int64) {
	s.metrics.written(n)
	for _, o := range s.observers {
		o.BytesWritten(s, n)
	}
}

func (s *Socket) emitReadChannelFinished() {
	for _, o := range s.observers {
		o.ReadChannelFinished(s)
	}
}
