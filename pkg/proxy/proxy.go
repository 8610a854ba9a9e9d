// Package proxy selects the proxy a socket connects through.
package proxy

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpproxy"

	"github.com/srediag/plugin-socket/api"
)

// Resolve picks the proxy for one connection attempt. An explicit proxy
// other than DefaultProxy wins. Otherwise the factory is queried and the
// first candidate able to carry typ is used. A DefaultProxy result means no
// usable proxy was found.
func Resolve(explicit api.Proxy, factory api.ProxyFactory, query api.ProxyQuery, typ api.SocketType) api.Proxy {
	if explicit.Type != api.DefaultProxy {
		return explicit
	}
	if factory == nil {
		return api.NewProxy(api.NoProxy, "", 0)
	}
	for _, p := range factory.ProxyForQuery(query) {
		if typ == api.TCPSocket && p.Has(api.TunnelingCapability) {
			return p
		}
		if typ == api.UDPSocket && p.Has(api.UDPTunnelingCapability) {
			return p
		}
	}
	return api.Proxy{Type: api.DefaultProxy}
}

// QueryFor builds the query for connecting typ to host:port.
func QueryFor(typ api.SocketType, host string, port uint16) api.ProxyQuery {
	q := api.ProxyQuery{PeerHost: host, PeerPort: port}
	if typ == api.UDPSocket {
		q.Type = api.UDPSocketQuery
	}
	return q
}

// Static always answers with the same list.
type Static []api.Proxy

// ProxyForQuery implements api.ProxyFactory.
func (s Static) ProxyForQuery(api.ProxyQuery) []api.Proxy {
	return s
}

// NoProxyFactory routes everything directly.
var NoProxyFactory = Static{api.NewProxy(api.NoProxy, "", 0)}

// Environment reads ALL_PROXY, HTTPS_PROXY, HTTP_PROXY and NO_PROXY (and
// their lower-case forms). SOCKS proxies come from ALL_PROXY; hosts matched
// by NO_PROXY connect directly.
type Environment struct {
	config   *httpproxy.Config
	allProxy string
}

// FromEnvironment snapshots the proxy environment variables.
func FromEnvironment() *Environment {
	all := os.Getenv("ALL_PROXY")
	if all == "" {
		all = os.Getenv("all_proxy")
	}
	return &Environment{config: httpproxy.FromEnvironment(), allProxy: all}
}

// NewEnvironment builds an Environment from explicit values.
func NewEnvironment(config *httpproxy.Config, allProxy string) *Environment {
	return &Environment{config: config, allProxy: allProxy}
}

// ProxyForQuery implements api.ProxyFactory.
func (e *Environment) ProxyForQuery(q api.ProxyQuery) []api.Proxy {
	direct := api.NewProxy(api.NoProxy, "", 0)
	target := &url.URL{Scheme: "https", Host: net.JoinHostPort(q.PeerHost, strconv.Itoa(int(q.PeerPort)))}

	var out []api.Proxy
	if e.allProxy != "" && q.PeerHost != "" {
		if p, ok := Parse(e.allProxy); ok && !e.bypass(target) {
			out = append(out, p)
		}
	}
	if q.Type == api.TCPSocketQuery || q.Type == api.URLRequestQuery {
		if u, err := e.config.ProxyFunc()(target); err == nil && u != nil {
			if p, ok := Parse(u.String()); ok {
				out = append(out, p)
			}
		}
	}
	return append(out, direct)
}

// bypass reports whether NO_PROXY exempts target. httpproxy applies it
// only to HTTP proxies, so it is evaluated here against a probe config.
func (e *Environment) bypass(target *url.URL) bool {
	probe := &httpproxy.Config{HTTPSProxy: "http://probe.invalid", NoProxy: e.config.NoProxy}
	u, err := probe.ProxyFunc()(target)
	return err == nil && u == nil
}

// Parse converts a proxy URL (socks5://, socks5h://, http://) into a Proxy.
func Parse(raw string) (api.Proxy, bool) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return api.Proxy{}, false
	}
	var typ api.ProxyType
	var defaultPort uint16
	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h", "socks":
		typ, defaultPort = api.Socks5Proxy, 1080
	case "http", "https":
		typ, defaultPort = api.HTTPProxy, 8080
	default:
		return api.Proxy{}, false
	}
	port := defaultPort
	if ps := u.Port(); ps != "" {
		n, err := strconv.ParseUint(ps, 10, 16)
		if err != nil {
			return api.Proxy{}, false
		}
		port = uint16(n)
	}
	p := api.NewProxy(typ, u.Hostname(), port)
	if u.User != nil {
		p.User = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, true
}
