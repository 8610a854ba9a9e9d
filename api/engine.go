package api

import (
	"net/netip"
	"time"
)

// ConnectResult is the outcome of a single engine connect attempt.
type ConnectResult int

const (
	ConnectFailed ConnectResult = iota
	ConnectPending
	ConnectSuccess
)

func (r ConnectResult) String() string {
	switch r {
	case ConnectSuccess:
		return "Success"
	case ConnectPending:
		return "Pending"
	}
	return "Failed"
}

// ReadWouldBlock is returned by Engine.Read when no data is available yet.
const ReadWouldBlock = -2

// Readiness is the result of Engine.WaitForReadOrWrite.
type Readiness struct {
	Read     bool
	Write    bool
	TimedOut bool
}

// Receiver consumes readiness notifications raised by an engine. All calls
// happen on the goroutine that runs the owning event loop.
type Receiver interface {
	ReadNotification()
	WriteNotification()
	// ConnectionNotification reports that a pending connect has settled,
	// successfully or not.
	ConnectionNotification()
}

// Engine performs the platform socket operations for one socket. Engines
// never panic; failures are reported through Error and ErrorString.
type Engine interface {
	Initialize(typ SocketType, protocol NetworkLayerProtocol) bool
	InitializeDescriptor(fd int, state SocketState) bool
	SetReceiver(r Receiver)

	ConnectToHost(addr netip.Addr, port uint16) ConnectResult
	ConnectToHostByName(name string, port uint16) ConnectResult
	Bind(addr netip.Addr, port uint16) bool

	// Read returns the number of bytes read, ReadWouldBlock, or -1 on error.
	Read(p []byte) int
	// Write returns the number of bytes accepted or -1 on error.
	Write(p []byte) int
	BytesAvailable() int64
	BytesToWrite() int64

	SetReadNotificationEnabled(enable bool)
	IsReadNotificationEnabled() bool
	SetWriteNotificationEnabled(enable bool)
	IsWriteNotificationEnabled() bool

	// WaitForReadOrWrite blocks until the requested readiness or timeout. A
	// negative timeout waits forever. The bool is false on failure, in which
	// case Error holds the reason (SocketTimeoutError on timeout).
	WaitForReadOrWrite(checkRead, checkWrite bool, timeout time.Duration) (Readiness, bool)

	State() SocketState
	// Error returns UnknownSocketError while no error has been recorded.
	Error() SocketError
	ErrorString() string
	IsValid() bool
	Descriptor() int

	LocalAddr() netip.Addr
	LocalPort() uint16
	PeerAddr() netip.Addr
	PeerPort() uint16

	SetOption(opt SocketOption, value int) bool
	Option(opt SocketOption) int

	Close()
}

// EngineFactory creates engines for sockets.
type EngineFactory interface {
	NewEngine(typ SocketType, proxy Proxy) (Engine, error)
	NewEngineForDescriptor(fd int) (Engine, error)
}
