package api

import (
	"net"
	"strconv"
)

// ProxyType selects the proxy protocol.
type ProxyType int

const (
	DefaultProxy ProxyType = iota
	Socks5Proxy
	NoProxy
	HTTPProxy
	HTTPCachingProxy
	FTPCachingProxy
)

func (t ProxyType) String() string {
	switch t {
	case DefaultProxy:
		return "default"
	case Socks5Proxy:
		return "socks5"
	case NoProxy:
		return "none"
	case HTTPProxy:
		return "http"
	case HTTPCachingProxy:
		return "http-caching"
	case FTPCachingProxy:
		return "ftp-caching"
	}
	return "unknown"
}

// ProxyCapability flags describe what a proxy can do.
type ProxyCapability uint16

const (
	TunnelingCapability ProxyCapability = 1 << iota
	ListeningCapability
	UDPTunnelingCapability
	CachingCapability
	HostNameLookupCapability
)

// DefaultCapabilities returns the capabilities a proxy of type t supports.
func DefaultCapabilities(t ProxyType) ProxyCapability {
	switch t {
	case NoProxy:
		return TunnelingCapability | ListeningCapability | UDPTunnelingCapability
	case Socks5Proxy:
		return TunnelingCapability | ListeningCapability | UDPTunnelingCapability | HostNameLookupCapability
	case HTTPProxy:
		return TunnelingCapability | CachingCapability | HostNameLookupCapability
	case HTTPCachingProxy, FTPCachingProxy:
		return CachingCapability | HostNameLookupCapability
	}
	return 0
}

// Proxy describes a proxy server. The zero value is DefaultProxy, meaning
// "consult the proxy factory".
type Proxy struct {
	Type         ProxyType
	Host         string
	Port         uint16
	User         string
	Password     string
	Capabilities ProxyCapability
}

// NewProxy returns a proxy of type t with its default capabilities.
func NewProxy(t ProxyType, host string, port uint16) Proxy {
	return Proxy{Type: t, Host: host, Port: port, Capabilities: DefaultCapabilities(t)}
}

// Has reports whether every capability in c is set.
func (p Proxy) Has(c ProxyCapability) bool {
	return p.Capabilities&c == c
}

// Address returns host:port of the proxy server.
func (p Proxy) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
}

func (p Proxy) String() string {
	if p.Type == NoProxy || p.Type == DefaultProxy {
		return p.Type.String()
	}
	return p.Type.String() + "://" + p.Address()
}

// ProxyQueryType is the kind of socket a proxy is requested for.
type ProxyQueryType int

const (
	TCPSocketQuery ProxyQueryType = iota
	UDPSocketQuery
	TCPServerQuery
	URLRequestQuery
)

// ProxyQuery describes the connection a proxy is requested for.
type ProxyQuery struct {
	Type     ProxyQueryType
	PeerHost string
	PeerPort uint16
	Protocol string
}

// ProxyFactory returns candidate proxies for a query, most preferred first.
type ProxyFactory interface {
	ProxyForQuery(q ProxyQuery) []Proxy
}
