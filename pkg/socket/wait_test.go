package socket

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/plugin-socket/api"
)

type WaitTestSuite struct {
	suite.Suite
	h *harness
}

func (s *WaitTestSuite) SetupTest() {
	s.h = newHarness(s.T(), api.TCPSocket, nil)
}

func (s *WaitTestSuite) TestWaitForConnectedTimesOut() {
	h := s.h
	h.factory.setup = func(e *fakeEngine) {
		e.wait = func(e *fakeEngine, _, _ bool, timeout time.Duration) (api.Readiness, bool) {
			time.Sleep(timeout)
			e.setError(api.SocketTimeoutError, "Network operation timed out")
			return api.Readiness{TimedOut: true}, false
		}
	}
	h.sock.ConnectToHost("192.0.2.10", 80)

	start := time.Now()
	ok := h.sock.WaitForConnected(100 * time.Millisecond)

	s.False(ok)
	s.GreaterOrEqual(time.Since(start), 100*time.Millisecond)
	s.Equal(api.UnconnectedState, h.sock.State())
	s.Equal(api.SocketTimeoutError, h.sock.Error())
	s.Equal("Socket operation timed out", h.sock.ErrorString())
	s.Nil(h.sock.engine)
}

func (s *WaitTestSuite) TestWaitForConnectedCompletesPendingConnect() {
	h := s.h
	h.sock.ConnectToHost("192.0.2.10", 80)
	s.Equal(api.ConnectingState, h.sock.State())

	s.True(h.sock.WaitForConnected(time.Second))
	s.Equal(api.ConnectedState, h.sock.State())
	s.Equal(1, h.rec.connected)
	s.True(h.sock.WaitForConnected(0))
}

func (s *WaitTestSuite) TestWaitForConnectedResolvesWithoutLoop() {
	h := newHarness(s.T(), api.TCPSocket, nil, WithScheduler(nil))
	h.resolver.hosts["sync.example"] = []netip.Addr{netip.MustParseAddr("192.0.2.60")}

	h.sock.ConnectToHost("sync.example", 80)
	s.Equal(api.HostLookupState, h.sock.State())
	s.Equal(0, h.resolver.lookups)

	s.True(h.sock.WaitForConnected(time.Second))
	s.Equal(1, h.resolver.lookups)
	s.Equal(netip.MustParseAddr("192.0.2.60"), h.sock.PeerAddr())
	s.Nil(h.factory.last().recv)
	s.Empty(h.sched.timers)
}

func (s *WaitTestSuite) TestWaitForConnectedAbortsAsyncLookup() {
	h := s.h
	h.resolver.async = true
	h.resolver.hosts["slow.example"] = []netip.Addr{netip.MustParseAddr("192.0.2.61")}
	h.sock.ConnectToHost("slow.example", 80)

	s.True(h.sock.WaitForConnected(time.Second))
	s.Equal([]int{1}, h.resolver.aborted)
	s.False(h.resolver.deliver(1))
}

func (s *WaitTestSuite) TestWaitForConnectedHostNotFound() {
	h := newHarness(s.T(), api.TCPSocket, nil, WithScheduler(nil))
	h.sock.ConnectToHost("nowhere.example", 80)

	s.False(h.sock.WaitForConnected(time.Second))
	s.Equal(api.HostNotFoundError, h.sock.Error())
	s.Equal(api.UnconnectedState, h.sock.State())
}

func (s *WaitTestSuite) TestWaitForConnectedKeepsDeferredClose() {
	h := s.h
	h.connecting()
	h.sock.DisconnectFromHost()

	s.True(h.sock.WaitForConnected(time.Second))
	s.Equal(api.UnconnectedState, h.sock.State())
	s.Equal(1, h.rec.disconnected)
}

func (s *WaitTestSuite) TestWaitForConnectedLeavesClosingSocketAlone() {
	h := s.h
	h.connected()
	_, err := h.sock.Write([]byte("pending"))
	s.Require().NoError(err)
	h.sock.DisconnectFromHost()
	s.Require().Equal(api.ClosingState, h.sock.State())
	h.rec.reset()

	s.False(h.sock.WaitForConnected(0))
	s.Equal(api.ClosingState, h.sock.State())
	s.Equal(int64(7), h.sock.BytesToWrite())
	s.NotNil(h.sock.engine)
	s.Empty(h.rec.events)
}

func (s *WaitTestSuite) TestWaitForConnectedLeavesBoundSocketAlone() {
	h := newHarness(s.T(), api.UDPSocket, nil)
	s.Require().True(h.sock.Bind(netip.MustParseAddr("127.0.0.1"), 5353, api.DefaultForPlatform))
	h.rec.reset()

	s.False(h.sock.WaitForConnected(0))
	s.Equal(api.BoundState, h.sock.State())
	s.Empty(h.rec.events)
}

func (s *WaitTestSuite) TestWaitTimeoutOnLastCandidateEmitsUnconnectedOnce() {
	h := s.h
	h.factory.setup = func(e *fakeEngine) {
		e.wait = func(e *fakeEngine, _, _ bool, _ time.Duration) (api.Readiness, bool) {
			e.setError(api.SocketTimeoutError, "Network operation timed out")
			return api.Readiness{TimedOut: true}, false
		}
	}
	h.sock.ConnectToHost("192.0.2.10", 80)

	s.False(h.sock.WaitForConnected(time.Second))
	s.Equal(api.UnconnectedState, h.sock.State())
	s.Equal(api.SocketTimeoutError, h.sock.Error())

	unconnected := 0
	for _, ev := range h.rec.events {
		if ev == "state:Unconnected" {
			unconnected++
		}
	}
	s.Equal(1, unconnected)
}

func (s *WaitTestSuite) TestWaitForReadyRead() {
	h := s.h
	e := h.connected()
	e.incoming.WriteString("data")

	s.True(h.sock.WaitForReadyRead(time.Second))
	s.Equal(int64(4), h.sock.BytesAvailable())
	s.Equal(1, h.rec.readyRead)
}

func (s *WaitTestSuite) TestWaitForReadyReadTimeoutKeepsConnection() {
	h := s.h
	h.connected()

	s.False(h.sock.WaitForReadyRead(10 * time.Millisecond))
	s.Equal(api.ConnectedState, h.sock.State())
	s.Equal([]string{"error:SocketTimeout"}, h.rec.events)
}

func (s *WaitTestSuite) TestWaitFailureClosesSocket() {
	h := s.h
	e := h.connected()
	e.wait = func(e *fakeEngine, _, _ bool, _ time.Duration) (api.Readiness, bool) {
		e.setError(api.NetworkError, "Network unreachable")
		return api.Readiness{}, false
	}

	s.False(h.sock.WaitForReadyRead(time.Second))
	s.Equal(api.UnconnectedState, h.sock.State())
	s.Equal(api.NetworkError, h.sock.Error())
	s.Equal(1, h.rec.disconnected)
}

func (s *WaitTestSuite) TestWaitForBytesWritten() {
	h := s.h
	e := h.connected()
	s.False(h.sock.WaitForBytesWritten(time.Second), "nothing buffered")

	_, err := h.sock.Write([]byte("abc"))
	s.Require().NoError(err)

	s.True(h.sock.WaitForBytesWritten(time.Second))
	s.Equal("abc", e.written.String())
	s.Equal(int64(3), h.rec.written)
}

func (s *WaitTestSuite) TestWaitForDisconnected() {
	h := s.h
	e := h.connected()
	_, _ = h.sock.Write([]byte("bye"))
	h.sock.DisconnectFromHost()
	s.Equal(api.ClosingState, h.sock.State())

	s.True(h.sock.WaitForDisconnected(time.Second))
	s.Equal("bye", e.written.String())
	s.Equal(api.UnconnectedState, h.sock.State())
	s.Equal(1, h.rec.disconnected)

	s.False(h.sock.WaitForDisconnected(time.Second))
}

func TestWaitTestSuite(t *testing.T) {
	suite.Run(t, new(WaitTestSuite))
}

func TestDeadline(t *testing.T) {
	forever := newDeadline(-1)
	assert.True(t, forever.forever())
	assert.Equal(t, time.Duration(-1), forever.remaining())
	assert.False(t, forever.expired())

	past := deadline{start: time.Now().Add(-time.Second), timeout: 10 * time.Millisecond}
	assert.True(t, past.expired())
	assert.Equal(t, time.Duration(0), past.remaining())

	dl := newDeadline(time.Hour)
	assert.False(t, dl.expired())
	assert.Greater(t, dl.remaining(), 59*time.Minute)
}
