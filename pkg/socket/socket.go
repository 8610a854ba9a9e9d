// Package socket implements the connection controller: an asynchronous,
// connection-oriented socket driven by readiness notifications from an
// engine, with host lookup, multi-address candidate iteration, proxy
// selection, buffered I/O and a synchronous wait layer on top.
//
// A Socket is not safe for concurrent use. Every method, observer callback,
// timer and engine notification runs on the goroutine that drives its
// Scheduler (usually a loop.Loop).
package socket

import (
	"errors"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/internal/debug"
	"github.com/srediag/plugin-socket/pkg/buffer"
	"github.com/srediag/plugin-socket/pkg/engine"
)

const (
	msgConnectInProgress = "Trying to connect while connection is in progress"
	msgUnsupported       = "Operation on socket is not supported"
	msgHostNotFound      = "Host not found"
	msgConnectionRefused = "Connection refused"
	msgConnectTimedOut   = "Connection timed out"
	msgWaitTimedOut      = "Socket operation timed out"
	msgNotConnected      = "Socket is not connected"
)

// ErrInvalidSocketType is returned by New for types other than TCP and UDP.
var ErrInvalidSocketType = errors.New("socket: invalid socket type")

// Option customizes a Socket.
type Option func(*Socket)

// WithScheduler sets the event loop the socket runs on. Without one the
// socket can only be driven through the Wait methods.
func WithScheduler(sched api.Scheduler) Option {
	return func(s *Socket) { s.scheduler = sched }
}

// WithResolver sets the host name resolver. Without one only literal
// addresses can be connected to.
func WithResolver(r api.Resolver) Option {
	return func(s *Socket) { s.resolver = r }
}

// WithEngineFactory replaces the default engine factory.
func WithEngineFactory(f api.EngineFactory) Option {
	return func(s *Socket) { s.engines = f }
}

// WithProxyFactory sets the factory consulted when no explicit proxy is set.
// Without one connections are direct.
func WithProxyFactory(f api.ProxyFactory) Option {
	return func(s *Socket) { s.proxies = f }
}

// WithObserver registers o for socket events.
func WithObserver(o Observer) Option {
	return func(s *Socket) { s.observers = append(s.observers, o) }
}

// WithMetrics records socket activity into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Socket) { s.metrics = m }
}

// Socket is an asynchronous TCP or UDP client socket.
type Socket struct {
	id        string
	typ       api.SocketType
	config    *Config
	logger    *debug.Logger
	scheduler api.Scheduler
	resolver  api.Resolver
	engines   api.EngineFactory
	proxies   api.ProxyFactory
	observers []Observer
	metrics   *Metrics

	state     api.SocketState
	err       api.SocketError
	errString string

	hostName  string
	port      uint16
	peerName  string
	localAddr netip.Addr
	localPort uint16
	peerAddr  netip.Addr
	peerPort  uint16

	engine     api.Engine
	descriptor int
	proxy      api.Proxy
	proxyInUse api.Proxy
	addresses  []netip.Addr
	host       netip.Addr

	readBuf       *buffer.Ring
	writeBuf      *buffer.Ring
	readBufferMax int64
	buffered      bool
	open          bool
	preferred     api.NetworkLayerProtocol
	pauseMode     api.PauseMode

	pendingClose bool
	abortCalled  bool
	hostLookupID int

	connectTimer    api.Timer
	disconnectTimer api.Timer
	connectStart    time.Time

	readNotifierCalled   bool
	readNotifierState    bool
	readNotifierStateSet bool
	emittedReadyRead     bool
	emittedBytesWritten  bool

	prePauseRead  bool
	prePauseWrite bool
}

// New returns an unconnected socket of type typ. A nil config uses
// DefaultConfig.
func New(typ api.SocketType, config *Config, opts ...Option) (*Socket, error) {
	if typ != api.TCPSocket && typ != api.UDPSocket {
		return nil, ErrInvalidSocketType
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	s := &Socket{
		id:            uuid.NewString(),
		typ:           typ,
		config:        config,
		err:           api.UnknownSocketError,
		descriptor:    -1,
		hostLookupID:  -1,
		readBuf:       buffer.New(config.ProbeReadSize),
		writeBuf:      buffer.New(config.WriteChunkSize),
		readBufferMax: config.ReadBufferSize,
		buffered:      typ == api.TCPSocket && config.Buffered,
		preferred:     config.PreferredProtocol,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = debug.New("socket", config.LogOutput).With(s.id[:8])
	if s.engines == nil {
		var watcher api.FDWatcher
		if w, ok := s.scheduler.(api.FDWatcher); ok {
			watcher = w
		}
		s.engines = engine.NewFactory(watcher, s.resolver)
	}
	return s, nil
}

// receiver forwards engine notifications without exporting them on Socket.
type receiver struct{ s *Socket }

func (r receiver) ReadNotification()       { r.s.canReadNotification() }
func (r receiver) WriteNotification()      { r.s.canWriteNotification() }
func (r receiver) ConnectionNotification() { r.s.connectionNotification() }

// AddObserver registers o for socket events.
func (s *Socket) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// ID returns the identifier used in logs.
func (s *Socket) ID() string { return s.id }

// Type returns the socket type.
func (s *Socket) Type() api.SocketType { return s.typ }

// State returns the current state.
func (s *Socket) State() api.SocketState { return s.state }

// Error returns the kind of the last error, UnknownSocketError if none.
func (s *Socket) Error() api.SocketError { return s.err }

// ErrorString returns the message of the last error.
func (s *Socket) ErrorString() string {
	if s.errString == "" {
		return "Unknown error"
	}
	return s.errString
}

// Err returns the last error as an *api.Error, or nil if none was recorded.
func (s *Socket) Err() error {
	if e := s.lastError(); e != nil {
		return e
	}
	return nil
}

func (s *Socket) lastError() *api.Error {
	if s.err == api.UnknownSocketError && s.errString == "" {
		return nil
	}
	return api.NewError(s.err, s.errString)
}

func (s *Socket) LocalAddr() netip.Addr { return s.localAddr }
func (s *Socket) LocalPort() uint16     { return s.localPort }
func (s *Socket) PeerAddr() netip.Addr  { return s.peerAddr }
func (s *Socket) PeerPort() uint16      { return s.peerPort }

// PeerName returns the host name given to ConnectToHost.
func (s *Socket) PeerName() string { return s.peerName }

// Descriptor returns the native descriptor, or -1.
func (s *Socket) Descriptor() int { return s.descriptor }

// IsValid reports whether the socket is ready for use.
func (s *Socket) IsValid() bool {
	if s.engine != nil {
		return s.engine.IsValid()
	}
	return s.open
}

// IsBuffered reports whether reads go through the read buffer.
func (s *Socket) IsBuffered() bool { return s.buffered }

// Proxy returns the explicitly set proxy.
func (s *Socket) Proxy() api.Proxy { return s.proxy }

// SetProxy sets the proxy used by the next connection attempt. The zero
// Proxy (DefaultProxy) consults the proxy factory.
func (s *Socket) SetProxy(p api.Proxy) { s.proxy = p }

// ProxyInUse returns the proxy selected for the current attempt.
func (s *Socket) ProxyInUse() api.Proxy { return s.proxyInUse }

// SetPreferredProtocol sets the protocol used to filter candidates for
// ConnectToHost.
func (s *Socket) SetPreferredProtocol(p api.NetworkLayerProtocol) { s.preferred = p }

// ReadBufferSize returns the read buffer high-water mark; 0 is unbounded.
func (s *Socket) ReadBufferSize() int64 { return s.readBufferMax }

// SetReadBufferSize changes the read buffer high-water mark. Reading
// resumes if the buffer is now below it.
func (s *Socket) SetReadBufferSize(size int64) {
	if s.readBufferMax == size {
		return
	}
	s.readBufferMax = size
	if !s.readNotifierCalled && s.engine != nil {
		if (size == 0 || s.readBuf.Len() < size) && s.state == api.ConnectedState {
			s.engine.SetReadNotificationEnabled(true)
		}
	}
}

// PauseMode returns the pause mode.
func (s *Socket) PauseMode() api.PauseMode { return s.pauseMode }

// SetPauseMode sets when the socket suspends its notifiers.
func (s *Socket) SetPauseMode(m api.PauseMode) { s.pauseMode = m }

// Resume restores the notifiers suspended by a pause.
func (s *Socket) Resume() {
	if s.engine == nil {
		return
	}
	s.engine.SetReadNotificationEnabled(s.prePauseRead)
	s.engine.SetWriteNotificationEnabled(s.prePauseWrite)
}

func (s *Socket) pause() {
	if s.engine == nil {
		return
	}
	s.prePauseRead = s.engine.IsReadNotificationEnabled()
	s.prePauseWrite = s.engine.IsWriteNotificationEnabled()
	s.engine.SetReadNotificationEnabled(false)
	s.engine.SetWriteNotificationEnabled(false)
}

// SetSocketOption forwards opt to the engine. It is a no-op before the
// engine exists.
func (s *Socket) SetSocketOption(opt api.SocketOption, value int) {
	if s.engine == nil {
		return
	}
	if !s.engine.SetOption(opt, value) {
		s.logger.Debugf("set option %s=%d failed: %s", opt, value, s.engine.ErrorString())
	}
}

// SocketOption returns the value of opt, or -1 when unavailable.
func (s *Socket) SocketOption(opt api.SocketOption) int {
	if s.engine == nil {
		return -1
	}
	return s.engine.Option(opt)
}

// Bind binds the socket to addr:port. An invalid addr binds the wildcard
// address.
func (s *Socket) Bind(addr netip.Addr, port uint16, mode api.BindMode) bool {
	if s.engine == nil || !s.engine.IsValid() {
		s.resolveProxy("", port)
		protocol := api.ProtocolOf(addr)
		if protocol == api.UnknownNetworkLayerProtocol {
			protocol = api.AnyIPProtocol
		}
		if !s.initSocketLayer(protocol) {
			return false
		}
	}
	if !addr.IsValid() {
		addr = netip.IPv6Unspecified()
	}
	if mode != api.DefaultForPlatform {
		reuse := 0
		if mode&(api.ShareAddress|api.ReuseAddressHint) != 0 {
			reuse = 1
		}
		s.engine.SetOption(api.AddressReusable, reuse)
	}
	ok := s.engine.Bind(addr, port)
	s.descriptor = s.engine.Descriptor()
	if !ok {
		s.setErrorAndEmit(s.engine.Error(), s.engine.ErrorString())
		return false
	}
	s.localAddr = s.engine.LocalAddr()
	s.localPort = s.engine.LocalPort()
	s.setState(api.BoundState)
	if s.typ == api.UDPSocket {
		s.engine.SetReadNotificationEnabled(true)
	}
	return true
}

// SetSocketDescriptor adopts an existing native descriptor in state.
func (s *Socket) SetSocketDescriptor(fd int, state api.SocketState) bool {
	s.resetSocketLayer()
	s.writeBuf.Clear()
	s.readBuf.Clear()

	e, err := s.engines.NewEngineForDescriptor(fd)
	if err != nil {
		s.setError(api.UnsupportedSocketOperationError, msgUnsupported)
		return false
	}
	s.engine = e
	if !e.InitializeDescriptor(fd, state) {
		s.setError(e.Error(), e.ErrorString())
		return false
	}
	if s.scheduler != nil {
		e.SetReceiver(receiver{s})
	}
	s.buffered = s.typ == api.TCPSocket && s.config.Buffered
	s.open = true
	s.setState(state)
	s.pendingClose = false
	e.SetReadNotificationEnabled(true)
	s.localPort = e.LocalPort()
	s.peerPort = e.PeerPort()
	s.localAddr = e.LocalAddr()
	s.peerAddr = e.PeerAddr()
	s.descriptor = fd
	return true
}

func (s *Socket) setError(kind api.SocketError, msg string) {
	s.err = kind
	s.errString = msg
}

func (s *Socket) setErrorAndEmit(kind api.SocketError, msg string) {
	s.setError(kind, msg)
	s.emitError()
}

// setState emits StateChanged only for real changes.
func (s *Socket) setState(state api.SocketState) {
	if s.state == state {
		return
	}
	s.state = state
	s.emitStateChanged()
}
