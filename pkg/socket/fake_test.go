package socket

import (
	"bytes"
	"context"
	"net/netip"
	"time"

	"github.com/srediag/plugin-socket/api"
)

// fakeEngine is a scripted api.Engine. Connects are Pending unless connect
// says otherwise; WaitForReadOrWrite reports what the script holds.
type fakeEngine struct {
	factory  *fakeFactory
	typ      api.SocketType
	protocol api.NetworkLayerProtocol
	proxy    api.Proxy
	recv     api.Receiver

	state     api.SocketState
	err       api.SocketError
	errString string
	valid     bool
	fd        int

	connect func(e *fakeEngine, addr netip.Addr) api.ConnectResult
	byName  func(e *fakeEngine, name string) api.ConnectResult
	wait    func(e *fakeEngine, checkRead, checkWrite bool, timeout time.Duration) (api.Readiness, bool)
	bindErr *api.Error

	incoming   bytes.Buffer
	readErr    *api.Error
	written    bytes.Buffer
	writeLimit int
	writeErr   *api.Error
	pending    int64

	readOn  bool
	writeOn bool
	options map[api.SocketOption]int

	localAddr netip.Addr
	localPort uint16
	peerAddr  netip.Addr
	peerPort  uint16
	closed    int
}

func (e *fakeEngine) setError(kind api.SocketError, msg string) {
	e.err = kind
	e.errString = msg
}

// complete finishes a pending connect and notifies the receiver.
func (e *fakeEngine) complete() {
	e.state = api.ConnectedState
	e.localAddr = netip.MustParseAddr("192.0.2.1")
	e.localPort = 40000
	if e.recv != nil {
		e.recv.ConnectionNotification()
	}
}

func (e *fakeEngine) Initialize(typ api.SocketType, protocol api.NetworkLayerProtocol) bool {
	e.typ = typ
	e.protocol = protocol
	e.valid = true
	e.fd = e.factory.nextFD()
	return true
}

func (e *fakeEngine) InitializeDescriptor(fd int, state api.SocketState) bool {
	e.valid = true
	e.fd = fd
	e.state = state
	e.localAddr = netip.MustParseAddr("192.0.2.1")
	e.localPort = 40001
	e.peerAddr = netip.MustParseAddr("192.0.2.2")
	e.peerPort = 8080
	return true
}

func (e *fakeEngine) SetReceiver(r api.Receiver) { e.recv = r }

func (e *fakeEngine) ConnectToHost(addr netip.Addr, port uint16) api.ConnectResult {
	e.factory.attempts++
	e.peerAddr = addr
	e.peerPort = port
	res := api.ConnectPending
	if e.connect != nil {
		res = e.connect(e, addr)
	}
	switch res {
	case api.ConnectSuccess:
		e.state = api.ConnectedState
		e.localAddr = netip.MustParseAddr("192.0.2.1")
		e.localPort = 40000
	case api.ConnectPending:
		e.state = api.ConnectingState
	default:
		e.state = api.UnconnectedState
	}
	return res
}

func (e *fakeEngine) ConnectToHostByName(name string, port uint16) api.ConnectResult {
	e.factory.attempts++
	e.factory.names = append(e.factory.names, name)
	e.peerPort = port
	res := api.ConnectPending
	if e.byName != nil {
		res = e.byName(e, name)
	}
	if res == api.ConnectFailed {
		e.state = api.UnconnectedState
	} else {
		e.state = api.ConnectingState
	}
	return res
}

func (e *fakeEngine) Bind(addr netip.Addr, port uint16) bool {
	if e.bindErr != nil {
		e.setError(e.bindErr.Kind, e.bindErr.Message)
		return false
	}
	e.localAddr = addr
	e.localPort = port
	e.state = api.BoundState
	return true
}

func (e *fakeEngine) Read(p []byte) int {
	if e.readErr != nil {
		e.setError(e.readErr.Kind, e.readErr.Message)
		e.valid = false
		e.state = api.UnconnectedState
		return -1
	}
	if e.incoming.Len() == 0 {
		return api.ReadWouldBlock
	}
	n, _ := e.incoming.Read(p)
	return n
}

func (e *fakeEngine) Write(p []byte) int {
	if e.writeErr != nil {
		e.setError(e.writeErr.Kind, e.writeErr.Message)
		return -1
	}
	n := len(p)
	if e.writeLimit > 0 && n > e.writeLimit {
		n = e.writeLimit
	}
	e.written.Write(p[:n])
	return n
}

func (e *fakeEngine) BytesAvailable() int64 { return int64(e.incoming.Len()) }
func (e *fakeEngine) BytesToWrite() int64   { return e.pending }

func (e *fakeEngine) SetReadNotificationEnabled(enable bool)  { e.readOn = enable }
func (e *fakeEngine) IsReadNotificationEnabled() bool         { return e.readOn }
func (e *fakeEngine) SetWriteNotificationEnabled(enable bool) { e.writeOn = enable }
func (e *fakeEngine) IsWriteNotificationEnabled() bool        { return e.writeOn }

func (e *fakeEngine) WaitForReadOrWrite(checkRead, checkWrite bool, timeout time.Duration) (api.Readiness, bool) {
	if e.wait != nil {
		return e.wait(e, checkRead, checkWrite, timeout)
	}
	var r api.Readiness
	if checkRead && e.incoming.Len() > 0 {
		r.Read = true
	}
	if checkWrite || e.state == api.ConnectingState {
		r.Write = true
	}
	if e.state == api.ConnectingState {
		e.state = api.ConnectedState
	}
	if !r.Read && !r.Write {
		e.setError(api.SocketTimeoutError, "Network operation timed out")
		return api.Readiness{TimedOut: true}, false
	}
	return r, true
}

func (e *fakeEngine) State() api.SocketState { return e.state }
func (e *fakeEngine) Error() api.SocketError { return e.err }
func (e *fakeEngine) ErrorString() string    { return e.errString }
func (e *fakeEngine) IsValid() bool          { return e.valid }

func (e *fakeEngine) Descriptor() int {
	if !e.valid {
		return -1
	}
	return e.fd
}

func (e *fakeEngine) LocalAddr() netip.Addr { return e.localAddr }
func (e *fakeEngine) LocalPort() uint16     { return e.localPort }
func (e *fakeEngine) PeerAddr() netip.Addr  { return e.peerAddr }
func (e *fakeEngine) PeerPort() uint16      { return e.peerPort }

func (e *fakeEngine) SetOption(opt api.SocketOption, value int) bool {
	if !e.valid {
		return false
	}
	e.options[opt] = value
	return true
}

func (e *fakeEngine) Option(opt api.SocketOption) int {
	if v, ok := e.options[opt]; ok && e.valid {
		return v
	}
	return -1
}

func (e *fakeEngine) Close() {
	e.closed++
	e.valid = false
	e.state = api.UnconnectedState
	e.readOn = false
	e.writeOn = false
}

// fakeFactory hands out fakeEngines, each prepared by setup.
type fakeFactory struct {
	setup    func(e *fakeEngine)
	fail     bool
	engines  []*fakeEngine
	proxies  []api.Proxy
	names    []string
	attempts int
	fds      int
}

func (f *fakeFactory) nextFD() int {
	f.fds++
	return 100 + f.fds
}

func (f *fakeFactory) newFake() *fakeEngine {
	e := &fakeEngine{
		factory: f,
		err:     api.UnknownSocketError,
		fd:      -1,
		options: make(map[api.SocketOption]int),
	}
	if f.setup != nil {
		f.setup(e)
	}
	f.engines = append(f.engines, e)
	return e
}

func (f *fakeFactory) NewEngine(typ api.SocketType, p api.Proxy) (api.Engine, error) {
	if f.fail {
		return nil, api.NewError(api.UnsupportedSocketOperationError, "no engine")
	}
	f.proxies = append(f.proxies, p)
	e := f.newFake()
	e.proxy = p
	return e, nil
}

func (f *fakeFactory) NewEngineForDescriptor(int) (api.Engine, error) {
	if f.fail {
		return nil, api.NewError(api.UnsupportedSocketOperationError, "no engine")
	}
	return f.newFake(), nil
}

func (f *fakeFactory) last() *fakeEngine {
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

// manualScheduler fires timers only when the test says so.
type manualScheduler struct {
	timers []*manualTimer
	posted []func()
}

type manualTimer struct {
	d      time.Duration
	fn     func()
	active bool
}

func (t *manualTimer) Stop() bool {
	was := t.active
	t.active = false
	return was
}

func (t *manualTimer) Active() bool { return t.active }

func (m *manualScheduler) AfterFunc(d time.Duration, fn func()) api.Timer {
	t := &manualTimer{d: d, fn: fn, active: true}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualScheduler) Post(fn func()) {
	m.posted = append(m.posted, fn)
}

func (m *manualScheduler) active() []*manualTimer {
	var out []*manualTimer
	for _, t := range m.timers {
		if t.active {
			out = append(out, t)
		}
	}
	return out
}

// fireNext runs the oldest active timer.
func (m *manualScheduler) fireNext() bool {
	for _, t := range m.timers {
		if t.active {
			t.active = false
			t.fn()
			return true
		}
	}
	return false
}

// fakeResolver answers from a static table, either immediately or when
// the test delivers.
type fakeResolver struct {
	hosts   map[string][]netip.Addr
	async   bool
	nextID  int
	pending map[int]func(api.HostInfo)
	names   map[int]string
	aborted []int
	lookups int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		hosts:   make(map[string][]netip.Addr),
		pending: make(map[int]func(api.HostInfo)),
		names:   make(map[int]string),
	}
}

func (r *fakeResolver) info(id int, name string) api.HostInfo {
	info := api.HostInfo{LookupID: id, HostName: name, Addresses: r.hosts[name]}
	if len(info.Addresses) == 0 {
		info.Err = api.NewError(api.HostNotFoundError, "Host not found")
	}
	return info
}

func (r *fakeResolver) Lookup(name string, deliver func(api.HostInfo)) (int, api.HostInfo, bool) {
	r.lookups++
	r.nextID++
	id := r.nextID
	if !r.async {
		return id, r.info(id, name), true
	}
	r.pending[id] = deliver
	r.names[id] = name
	return id, api.HostInfo{}, false
}

// deliver completes a pending lookup.
func (r *fakeResolver) deliver(id int) bool {
	fn, ok := r.pending[id]
	if !ok {
		return false
	}
	delete(r.pending, id)
	fn(r.info(id, r.names[id]))
	return true
}

func (r *fakeResolver) AbortLookup(id int) {
	r.aborted = append(r.aborted, id)
	delete(r.pending, id)
}

func (r *fakeResolver) FromName(_ context.Context, name string) api.HostInfo {
	r.lookups++
	return r.info(-1, name)
}

// recorder collects socket events in order.
type recorder struct {
	events       []string
	states       []api.SocketState
	errors       []api.SocketError
	written      int64
	readyRead    int
	connected    int
	disconnected int
	hostFound    int
	finished     int
	onReadyRead  func(s *Socket)
}

func (r *recorder) reset() {
	*r = recorder{onReadyRead: r.onReadyRead}
}

func (r *recorder) StateChanged(_ *Socket, state api.SocketState) {
	r.states = append(r.states, state)
	r.events = append(r.events, "state:"+state.String())
}

func (r *recorder) HostFound(*Socket) {
	r.hostFound++
	r.events = append(r.events, "hostFound")
}

func (r *recorder) Connected(*Socket) {
	r.connected++
	r.events = append(r.events, "connected")
}

func (r *recorder) Disconnected(*Socket) {
	r.disconnected++
	r.events = append(r.events, "disconnected")
}

func (r *recorder) Error(_ *Socket, err *api.Error) {
	r.errors = append(r.errors, err.Kind)
	r.events = append(r.events, "error:"+err.Kind.String())
}

func (r *recorder) ReadyRead(s *Socket) {
	r.readyRead++
	if r.onReadyRead != nil {
		r.onReadyRead(s)
	}
}

func (r *recorder) BytesWritten(_ *Socket, n int64) {
	r.written += n
}

func (r *recorder) ReadChannelFinished(*Socket) {
	r.finished++
	r.events = append(r.events, "finished")
}
