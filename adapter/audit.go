package adapter

import (
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/pkg/socket"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Time   time.Time `json:"time"`
	Socket string    `json:"socket"`
	Event  string    `json:"event"`
	State  string    `json:"state,omitempty"`
	Peer   string    `json:"peer,omitempty"`
	Kind   string    `json:"kind,omitempty"`
	Error  string    `json:"error,omitempty"`
	Bytes  int64     `json:"bytes,omitempty"`
}

// AuditAdapter writes socket lifecycle events as JSON lines. Data events
// (ready-read, bytes-written) are only written when Verbose is set.
type AuditAdapter struct {
	Verbose bool

	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
	err error
}

var _ socket.Observer = (*AuditAdapter)(nil)

// NewAuditAdapter writes to w.
func NewAuditAdapter(w io.Writer) *AuditAdapter {
	return &AuditAdapter{enc: json.NewEncoder(w), now: time.Now}
}

// Err returns the first write error, if any. Later events are dropped.
func (a *AuditAdapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *AuditAdapter) log(s *socket.Socket, ev AuditEvent) {
	ev.Time = a.now().UTC()
	ev.Socket = s.ID()
	if name := s.PeerName(); name != "" {
		ev.Peer = name
		if port := s.PeerPort(); port != 0 {
			ev.Peer += ":" + strconv.Itoa(int(port))
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return
	}
	a.err = a.enc.Encode(ev)
}

func (a *AuditAdapter) StateChanged(s *socket.Socket, state api.SocketState) {
	a.log(s, AuditEvent{Event: "state", State: state.String()})
}

func (a *AuditAdapter) HostFound(s *socket.Socket) {
	a.log(s, AuditEvent{Event: "host_found"})
}

func (a *AuditAdapter) Connected(s *socket.Socket) {
	a.log(s, AuditEvent{Event: "connected"})
}

func (a *AuditAdapter) Disconnected(s *socket.Socket) {
	a.log(s, AuditEvent{Event: "disconnected"})
}

func (a *AuditAdapter) Error(s *socket.Socket, err *api.Error) {
	a.log(s, AuditEvent{Event: "error", Kind: err.Kind.String(), Error: err.Error()})
}

func (a *AuditAdapter) ReadyRead(s *socket.Socket) {
	if a.Verbose {
		a.log(s, AuditEvent{Event: "ready_read", Bytes: s.BytesAvailable()})
	}
}

func (a *AuditAdapter) BytesWritten(s *socket.Socket, n int64) {
	if a.Verbose {
		a.log(s, AuditEvent{Event: "bytes_written", Bytes: n})
	}
}

func (a *AuditAdapter) ReadChannelFinished(s *socket.Socket) {
	a.log(s, AuditEvent{Event: "read_finished"})
}
