//go:build linux || darwin

package engine

import (
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/pkg/loop"
)

type recorder struct {
	reads, writes, connections int
}

func (r *recorder) ReadNotification()       { r.reads++ }
func (r *recorder) WriteNotification()      { r.writes++ }
func (r *recorder) ConnectionNotification() { r.connections++ }

func listenerAddr(t *testing.T, ln net.Listener) (netip.Addr, uint16) {
	ap, err := netip.ParseAddrPort(ln.Addr().String())
	require.NoError(t, err)
	return ap.Addr(), ap.Port()
}

// connectNative opens a native engine to ln and waits for it to connect.
func connectNative(t *testing.T, e *Native, ln net.Listener) net.Conn {
	addr, port := listenerAddr(t, ln)
	require.True(t, e.Initialize(api.TCPSocket, api.IPv4Protocol))
	switch e.ConnectToHost(addr, port) {
	case api.ConnectPending:
		_, ok := e.WaitForReadOrWrite(false, true, 2*time.Second)
		require.True(t, ok)
	case api.ConnectFailed:
		t.Fatalf("connect failed: %s", e.ErrorString())
	}
	require.Equal(t, api.ConnectedState, e.State())
	conn, err := ln.Accept()
	require.NoError(t, err)
	return conn
}

type NativeTestSuite struct {
	suite.Suite
	ln net.Listener
}

func (s *NativeTestSuite) SetupTest() {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	s.Require().NoError(err)
	s.ln = ln
}

func (s *NativeTestSuite) TearDownTest() {
	_ = s.ln.Close()
}

func (s *NativeTestSuite) TestReadWriteAndRemoteClose() {
	e := NewNative(nil)
	defer e.Close()
	conn := connectNative(s.T(), e, s.ln)

	_, port := listenerAddr(s.T(), s.ln)
	s.Equal(port, e.PeerPort())
	s.Equal(netip.MustParseAddr("127.0.0.1"), e.LocalAddr())
	s.NotZero(e.LocalPort())

	buf := make([]byte, 64)
	s.Equal(api.ReadWouldBlock, e.Read(buf))

	_, err := conn.Write([]byte("hello"))
	s.Require().NoError(err)
	r, ok := e.WaitForReadOrWrite(true, false, 2*time.Second)
	s.Require().True(ok)
	s.True(r.Read)
	s.Equal(int64(5), e.BytesAvailable())
	s.Equal(5, e.Read(buf))
	s.Equal("hello", string(buf[:5]))

	s.Equal(4, e.Write([]byte("ping")))
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	n, err := conn.Read(buf)
	s.Require().NoError(err)
	s.Equal("ping", string(buf[:n]))

	s.Require().NoError(conn.Close())
	_, ok = e.WaitForReadOrWrite(true, false, 2*time.Second)
	s.Require().True(ok)
	s.Equal(-1, e.Read(buf))
	s.Equal(api.RemoteHostClosedError, e.Error())
	s.False(e.IsValid())
	s.Equal(api.UnconnectedState, e.State())
}

func (s *NativeTestSuite) TestWaitTimeout() {
	e := NewNative(nil)
	defer e.Close()
	conn := connectNative(s.T(), e, s.ln)
	defer conn.Close()

	r, ok := e.WaitForReadOrWrite(true, false, 20*time.Millisecond)
	s.False(ok)
	s.True(r.TimedOut)
	s.Equal(api.SocketTimeoutError, e.Error())
}

func (s *NativeTestSuite) TestConnectionRefused() {
	addr, port := listenerAddr(s.T(), s.ln)
	s.Require().NoError(s.ln.Close())

	e := NewNative(nil)
	defer e.Close()
	s.Require().True(e.Initialize(api.TCPSocket, api.IPv4Protocol))
	if e.ConnectToHost(addr, port) == api.ConnectPending {
		_, _ = e.WaitForReadOrWrite(false, true, 2*time.Second)
	}
	s.Equal(api.UnconnectedState, e.State())
	s.Equal(api.ConnectionRefusedError, e.Error())
	s.Equal("Connection refused", e.ErrorString())
}

func (s *NativeTestSuite) TestOptions() {
	e := NewNative(nil)
	defer e.Close()
	s.Equal(-1, e.Option(api.LowDelayOption))
	s.Require().True(e.Initialize(api.TCPSocket, api.IPv4Protocol))
	s.True(e.SetOption(api.LowDelayOption, 1))
	s.NotZero(e.Option(api.LowDelayOption))
	s.Equal(1, e.Option(api.NonBlockingSocketOption))
}

func (s *NativeTestSuite) TestBind() {
	e := NewNative(nil)
	defer e.Close()
	s.Require().True(e.Initialize(api.UDPSocket, api.IPv4Protocol))
	s.Require().True(e.Bind(netip.MustParseAddr("127.0.0.1"), 0))
	s.Equal(api.BoundState, e.State())
	s.NotZero(e.LocalPort())

	other := NewNative(nil)
	defer other.Close()
	s.Require().True(other.Initialize(api.UDPSocket, api.IPv4Protocol))
	s.False(other.Bind(netip.MustParseAddr("127.0.0.1"), e.LocalPort()))
	s.Equal(api.AddressInUseError, other.Error())
}

func (s *NativeTestSuite) TestLoopNotifications() {
	l, err := loop.New(nil)
	s.Require().NoError(err)
	defer func() { _ = l.Close() }()

	rec := &recorder{}
	e := NewNative(l)
	e.SetReceiver(rec)
	defer e.Close()

	addr, port := listenerAddr(s.T(), s.ln)
	s.Require().True(e.Initialize(api.TCPSocket, api.IPv4Protocol))
	res := e.ConnectToHost(addr, port)
	s.Require().NotEqual(api.ConnectFailed, res)
	if res == api.ConnectPending {
		e.SetWriteNotificationEnabled(true)
		for i := 0; i < 50 && rec.connections == 0; i++ {
			s.Require().NoError(l.RunOnce(20 * time.Millisecond))
		}
		s.Equal(1, rec.connections)
		e.SetWriteNotificationEnabled(false)
	}
	s.Equal(api.ConnectedState, e.State())

	conn, err := s.ln.Accept()
	s.Require().NoError(err)
	defer conn.Close()

	e.SetReadNotificationEnabled(true)
	_, err = conn.Write([]byte("x"))
	s.Require().NoError(err)
	for i := 0; i < 50 && rec.reads == 0; i++ {
		s.Require().NoError(l.RunOnce(20 * time.Millisecond))
	}
	s.Equal(1, rec.reads)
}

func TestNativeTestSuite(t *testing.T) {
	suite.Run(t, new(NativeTestSuite))
}

func TestNativeNoDescriptorLeak(t *testing.T) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	require.NoError(t, err)
	before, err := proc.NumFDs()
	if err != nil {
		t.Skipf("descriptor count unavailable: %v", err)
	}

	for i := 0; i < 16; i++ {
		e := NewNative(nil)
		require.True(t, e.Initialize(api.TCPSocket, api.IPv4Protocol))
		e.Close()
		e.Close()
	}

	after, err := proc.NumFDs()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestNativeByNameUnsupported(t *testing.T) {
	e := NewNative(nil)
	assert.Equal(t, api.ConnectFailed, e.ConnectToHostByName("example.com", 80))
	assert.Equal(t, api.UnsupportedSocketOperationError, e.Error())
	assert.Equal(t, -1, e.Read(make([]byte, 1)))
}
