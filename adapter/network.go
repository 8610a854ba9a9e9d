// Package adapter connects sockets to code and systems outside the event
// loop: blocking net.Conn style access, OpenTelemetry, health endpoints and
// audit logs.
package adapter

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/pkg/socket"
)

// ErrClosed is returned by Conn operations after Close.
var ErrClosed = errors.New("adapter: connection closed")

// DialOptions configures Dial. The zero value connects directly with the
// default socket configuration and no retries.
type DialOptions struct {
	Config    *socket.Config
	Resolver  api.Resolver
	Proxy     api.Proxy
	Proxies   api.ProxyFactory
	Metrics   *socket.Metrics
	Observers []socket.Observer

	// MaxRetries bounds the connect attempts after the first one.
	MaxRetries uint64
	// RetryInterval is the first backoff interval; later ones grow
	// exponentially up to MaxRetryInterval.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

// Dial connects to host:port and returns a blocking connection. Each attempt
// runs the full candidate iteration of a socket; failed attempts are retried
// with exponential backoff. Host lookup failures are not retried.
func Dial(ctx context.Context, host string, port uint16, opts *DialOptions) (*Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	config := socket.DefaultConfig()
	if opts.Config != nil {
		copied := *opts.Config
		config = &copied
	}

	exp := backoff.NewExponentialBackOff()
	if opts.RetryInterval > 0 {
		exp.InitialInterval = opts.RetryInterval
	}
	if opts.MaxRetryInterval > 0 {
		exp.MaxInterval = opts.MaxRetryInterval
	}
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, opts.MaxRetries), ctx)

	var conn *Conn
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		sock, err := newBlockingSocket(config, opts)
		if err != nil {
			return backoff.Permanent(err)
		}
		sock.ConnectToHost(host, port)
		if !sock.WaitForConnected(attemptTimeout(ctx, config.ConnectTimeout)) {
			err := sock.Err()
			sock.Abort()
			if err == nil {
				err = api.NewError(api.UnknownSocketError, "connect failed")
			}
			if errors.Is(err, api.ErrHostNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = &Conn{sock: sock, config: config}
		return nil
	}
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return conn, nil
}

func newBlockingSocket(config *socket.Config, opts *DialOptions) (*socket.Socket, error) {
	sockOpts := []socket.Option{socket.WithMetrics(opts.Metrics)}
	if opts.Resolver != nil {
		sockOpts = append(sockOpts, socket.WithResolver(opts.Resolver))
	}
	if opts.Proxies != nil {
		sockOpts = append(sockOpts, socket.WithProxyFactory(opts.Proxies))
	}
	for _, o := range opts.Observers {
		sockOpts = append(sockOpts, socket.WithObserver(o))
	}
	sock, err := socket.New(api.TCPSocket, config, sockOpts...)
	if err != nil {
		return nil, err
	}
	sock.SetProxy(opts.Proxy)
	return sock, nil
}

// attemptTimeout caps one connect attempt by the context deadline.
func attemptTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			if left < 0 {
				return 0
			}
			return left
		}
	}
	return timeout
}

// Conn is a blocking connection over a Socket that has no event loop. It
// implements net.Conn. Like the socket it wraps, it must not be used from
// several goroutines at once.
type Conn struct {
	sock          *socket.Socket
	config        *socket.Config
	readDeadline  time.Time
	writeDeadline time.Time
	closed        bool
}

var _ net.Conn = (*Conn)(nil)

// NewConn wraps a connected socket that is not driven by an event loop.
func NewConn(sock *socket.Socket, config *socket.Config) *Conn {
	if config == nil {
		config = socket.DefaultConfig()
	}
	return &Conn{sock: sock, config: config}
}

// Socket returns the wrapped socket.
func (c *Conn) Socket() *socket.Socket { return c.sock }

// waitFor converts a deadline to a wait timeout: -1 for none, 0 once passed.
func waitFor(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return -1
	}
	if left := time.Until(deadline); left > 0 {
		return left
	}
	return 0
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	for {
		n, err := c.sock.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		timeout := waitFor(c.readDeadline)
		if timeout == 0 {
			return 0, os.ErrDeadlineExceeded
		}
		if c.sock.WaitForReadyRead(timeout) {
			continue
		}
		if c.sock.State() == api.ConnectedState {
			return 0, os.ErrDeadlineExceeded
		}
		if n, err := c.sock.Read(p); n > 0 || err != nil {
			return n, err
		}
		return 0, io.EOF
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	n, err := c.sock.Write(p)
	if err != nil {
		return 0, err
	}
	for c.sock.BytesToWrite() > 0 {
		timeout := waitFor(c.writeDeadline)
		if timeout == 0 {
			return n, os.ErrDeadlineExceeded
		}
		if c.sock.WaitForBytesWritten(timeout) {
			continue
		}
		if c.sock.State() == api.ConnectedState {
			return n, os.ErrDeadlineExceeded
		}
		if err := c.sock.Err(); err != nil {
			return n, err
		}
		return n, io.ErrClosedPipe
	}
	return n, nil
}

// Close flushes pending data for at most the configured disconnect timeout
// and closes the socket.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.sock.DisconnectFromHost()
	if c.sock.State() != api.UnconnectedState && !c.sock.WaitForDisconnected(c.config.DisconnectTimeout) {
		c.sock.Abort()
	}
	return nil
}

func (c *Conn) LocalAddr() net.Addr {
	return tcpAddr(c.sock.LocalAddr(), c.sock.LocalPort())
}

func (c *Conn) RemoteAddr() net.Addr {
	return tcpAddr(c.sock.PeerAddr(), c.sock.PeerPort())
}

func tcpAddr(addr netip.Addr, port uint16) net.Addr {
	if !addr.IsValid() {
		return &net.TCPAddr{}
	}
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(addr, port))
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.readDeadline = t
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline = t
	return nil
}
