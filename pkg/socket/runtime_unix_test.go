//go:build linux || darwin

package socket

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/internal/debug"
	"github.com/srediag/plugin-socket/pkg/resolver"
)

type RuntimeTestSuite struct {
	suite.Suite
	ln        net.Listener
	port      uint16
	rt        *Runtime
	proxyGate chan struct{}
}

func (s *RuntimeTestSuite) SetupTest() {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	s.Require().NoError(err)
	s.ln = ln
	ap, err := netip.ParseAddrPort(ln.Addr().String())
	s.Require().NoError(err)
	s.port = ap.Port()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	config := DefaultConfig()
	config.LogOutput = io.Discard
	lookup := func(_ context.Context, host string) ([]netip.Addr, error) {
		switch host {
		case "echo.test":
			return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
		case "proxy.test":
			if s.proxyGate != nil {
				<-s.proxyGate
			}
			return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
		}
		return nil, nil
	}
	s.rt, err = NewRuntime(&RuntimeConfig{
		Socket:          config,
		Registerer:      prometheus.NewRegistry(),
		ResolverOptions: []resolver.Option{resolver.WithLookupFunc(lookup)},
	})
	s.Require().NoError(err)
}

func (s *RuntimeTestSuite) TearDownTest() {
	_ = s.ln.Close()
	s.NoError(s.rt.Close())
}

// runUntil drives the loop on the test goroutine.
func (s *RuntimeTestSuite) runUntil(cond func() bool) {
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		s.Require().True(time.Now().Before(deadline), "loop condition not met in time")
		s.Require().NoError(s.rt.Loop.RunOnce(10 * time.Millisecond))
	}
}

func (s *RuntimeTestSuite) TestEchoThroughLoop() {
	var got []byte
	var states []api.SocketState
	disconnected := 0
	sock, err := s.rt.NewSocket(api.TCPSocket, WithObserver(ObserverFuncs{
		OnStateChanged: func(_ *Socket, st api.SocketState) { states = append(states, st) },
		OnReadyRead:    func(sock *Socket) { got = append(got, sock.ReadAll()...) },
		OnDisconnected: func(*Socket) { disconnected++ },
	}))
	s.Require().NoError(err)

	sock.ConnectToHost("echo.test", s.port)
	s.Equal(api.HostLookupState, sock.State())
	s.runUntil(func() bool { return sock.State() == api.ConnectedState })
	s.Equal([]api.SocketState{api.HostLookupState, api.ConnectingState, api.ConnectedState}, states)
	s.Equal(netip.MustParseAddr("127.0.0.1"), sock.PeerAddr())
	s.Equal(s.port, sock.PeerPort())

	_, err = sock.Write([]byte("ping"))
	s.Require().NoError(err)
	s.runUntil(func() bool { return string(got) == "ping" })

	sock.DisconnectFromHost()
	s.runUntil(func() bool { return sock.State() == api.UnconnectedState })
	s.Equal(1, disconnected)

	m := s.rt.Metrics
	s.Equal(1.0, testutil.ToFloat64(m.ConnectAttemptsCounter()))
	s.Equal(4.0, testutil.ToFloat64(m.readBytes))
	s.Equal(4.0, testutil.ToFloat64(m.writtenBytes))
}

func (s *RuntimeTestSuite) TestBlockingWaits() {
	sock, err := s.rt.NewSocket(api.TCPSocket)
	s.Require().NoError(err)

	sock.ConnectToHost("127.0.0.1", s.port)
	s.Require().True(sock.WaitForConnected(2 * time.Second))

	_, err = sock.Write([]byte("hello"))
	s.Require().NoError(err)
	s.Require().True(sock.WaitForBytesWritten(2 * time.Second))

	var got []byte
	for len(got) < 5 && sock.WaitForReadyRead(2*time.Second) {
		got = append(got, sock.ReadAll()...)
	}
	s.Equal("hello", string(got))

	sock.DisconnectFromHost()
	s.Equal(api.UnconnectedState, sock.State())
}

func (s *RuntimeTestSuite) TestUnknownHost() {
	sock, err := s.rt.NewSocket(api.TCPSocket)
	s.Require().NoError(err)

	sock.ConnectToHost("missing.test", s.port)
	s.runUntil(func() bool { return sock.State() == api.UnconnectedState })
	s.Equal(api.HostNotFoundError, sock.Error())
}

// hangupSocks accepts one SOCKS5 CONNECT without authentication, reports
// success and closes the connection.
func (s *RuntimeTestSuite) hangupSocks() uint16 {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		var buf [10]byte
		if _, err := io.ReadFull(c, buf[:3]); err != nil {
			return
		}
		_, _ = c.Write([]byte{5, 0})
		// VER CMD RSV ATYP=IPv4 ADDR PORT
		if _, err := io.ReadFull(c, buf[:10]); err != nil {
			return
		}
		_, _ = c.Write([]byte{5, 0, 0, 1, 127, 0, 0, 1, 0, 80})
	}()
	return netip.MustParseAddrPort(ln.Addr().String()).Port()
}

func (s *RuntimeTestSuite) TestProxyHangupDisconnects() {
	s.proxyGate = make(chan struct{})
	var states []api.SocketState
	disconnected := 0
	sock, err := s.rt.NewSocket(api.TCPSocket, WithObserver(ObserverFuncs{
		OnStateChanged: func(_ *Socket, st api.SocketState) { states = append(states, st) },
		OnDisconnected: func(*Socket) { disconnected++ },
	}))
	s.Require().NoError(err)
	sock.SetProxy(api.NewProxy(api.Socks5Proxy, "proxy.test", s.hangupSocks()))

	// the proxy host lookup is still blocked, so connecting must not wait on it
	sock.ConnectToHost("192.0.2.10", 80)
	s.Equal(api.ConnectingState, sock.State())
	close(s.proxyGate)

	s.runUntil(func() bool { return disconnected > 0 })
	s.Equal(1, disconnected)
	s.Equal(api.UnconnectedState, sock.State())
	s.Equal(api.RemoteHostClosedError, sock.Error())
	s.Contains(states, api.ConnectedState)
	s.Equal(api.UnconnectedState, states[len(states)-1])
}

func TestRuntimeTestSuite(t *testing.T) {
	suite.Run(t, new(RuntimeTestSuite))
}

func TestLogLevelAppliedByRuntime(t *testing.T) {
	saved := debug.LogLevel()
	t.Cleanup(func() { debug.SetLogLevel(saved) })
	debug.SetLogLevel(debug.LevelWarn)

	config := DefaultConfig()
	config.LogOutput = io.Discard
	config.LogLevel = "trace"
	_, err := New(api.TCPSocket, config)
	require.NoError(t, err)
	assert.Equal(t, debug.LevelWarn, debug.LogLevel())

	rt, err := NewRuntime(&RuntimeConfig{Socket: config})
	require.NoError(t, err)
	defer func() { _ = rt.Close() }()
	assert.Equal(t, debug.LevelTrace, debug.LogLevel())

	_, err = rt.NewSocket(api.TCPSocket)
	require.NoError(t, err)
	debug.SetLogLevel(debug.LevelInfo)
	_, err = rt.NewSocket(api.TCPSocket)
	require.NoError(t, err)
	assert.Equal(t, debug.LevelInfo, debug.LogLevel())
}
