//go:build linux || darwin

package adapter

import (
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/pkg/resolver"
	"github.com/srediag/plugin-socket/pkg/socket"
)

type ConnTestSuite struct {
	suite.Suite
	ln       net.Listener
	port     uint16
	resolver *resolver.Resolver
}

func (s *ConnTestSuite) SetupTest() {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	s.Require().NoError(err)
	s.ln = ln
	ap, err := netip.ParseAddrPort(ln.Addr().String())
	s.Require().NoError(err)
	s.port = ap.Port()
	s.resolver = newTestResolver(s.T())
}

func (s *ConnTestSuite) TearDownTest() {
	_ = s.ln.Close()
}

func (s *ConnTestSuite) serveEcho() {
	go func() {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()
}

func (s *ConnTestSuite) TestDialEcho() {
	s.serveEcho()
	conn, err := Dial(context.Background(), "loopback.test", s.port, &DialOptions{
		Config:   quietConfig(),
		Resolver: s.resolver,
	})
	s.Require().NoError(err)
	defer conn.Close()

	s.Equal(api.ConnectedState, conn.Socket().State())
	s.Equal(s.ln.Addr().String(), conn.RemoteAddr().String())

	n, err := conn.Write([]byte("ping"))
	s.Require().NoError(err)
	s.Equal(4, n)

	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	buf := make([]byte, 16)
	got := 0
	for got < 4 {
		n, err := conn.Read(buf[got:])
		s.Require().NoError(err)
		got += n
	}
	s.Equal("ping", string(buf[:got]))

	s.NoError(conn.Close())
	s.NoError(conn.Close())
	_, err = conn.Read(buf)
	s.ErrorIs(err, ErrClosed)
}

func (s *ConnTestSuite) TestReadDeadline() {
	s.serveEcho()
	conn, err := Dial(context.Background(), "127.0.0.1", s.port, &DialOptions{Config: quietConfig()})
	s.Require().NoError(err)
	defer conn.Close()

	s.Require().NoError(conn.SetDeadline(time.Now().Add(50 * time.Millisecond)))
	_, err = conn.Read(make([]byte, 8))
	s.ErrorIs(err, os.ErrDeadlineExceeded)
	s.Equal(api.ConnectedState, conn.Socket().State())
}

func (s *ConnTestSuite) TestReadAfterPeerClose() {
	go func() {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("bye"))
		_ = conn.Close()
	}()
	conn, err := Dial(context.Background(), "127.0.0.1", s.port, &DialOptions{Config: quietConfig()})
	s.Require().NoError(err)
	defer conn.Close()

	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	data, err := io.ReadAll(conn)
	s.NoError(err)
	s.Equal("bye", string(data))
}

func (s *ConnTestSuite) TestDialRetriesRefusedConnections() {
	_ = s.ln.Close()
	attempts := 0
	counter := socket.ObserverFuncs{OnStateChanged: func(_ *socket.Socket, st api.SocketState) {
		if st == api.HostLookupState {
			attempts++
		}
	}}

	_, err := Dial(context.Background(), "127.0.0.1", s.port, &DialOptions{
		Config:        quietConfig(),
		Observers:     []socket.Observer{counter},
		MaxRetries:    2,
		RetryInterval: time.Millisecond,
	})

	s.Require().Error(err)
	s.ErrorIs(err, api.ErrConnectionRefused)
	s.Equal(3, attempts)
}

func TestConnTestSuite(t *testing.T) {
	suite.Run(t, new(ConnTestSuite))
}
