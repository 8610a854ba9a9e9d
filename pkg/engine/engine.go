package engine

import (
	"fmt"

	"github.com/srediag/plugin-socket/api"
)

// Factory builds engines for a proxy choice. Proxy hosts given by name are
// resolved with the optional resolver.
type Factory struct {
	watcher  api.FDWatcher
	resolver api.Resolver
}

var _ api.EngineFactory = (*Factory)(nil)

// NewFactory returns a factory whose engines report readiness through
// watcher. watcher may be nil for sockets used only in blocking mode.
func NewFactory(watcher api.FDWatcher, resolver api.Resolver) *Factory {
	return &Factory{watcher: watcher, resolver: resolver}
}

// NewEngine implements api.EngineFactory.
func (f *Factory) NewEngine(typ api.SocketType, proxy api.Proxy) (api.Engine, error) {
	switch proxy.Type {
	case api.NoProxy:
		return NewNative(f.watcher), nil
	case api.Socks5Proxy:
		if typ != api.TCPSocket {
			return nil, api.NewError(api.UnsupportedSocketOperationError, "SOCKSv5 UDP association is not supported")
		}
		return newTunnel(proxy, NewNative(f.watcher), f.resolver, newSocks5Handshake, f.watcher != nil), nil
	case api.HTTPProxy:
		if typ != api.TCPSocket {
			return nil, api.NewError(api.UnsupportedSocketOperationError, "HTTP proxies cannot carry datagrams")
		}
		return newTunnel(proxy, NewNative(f.watcher), f.resolver, newHTTPConnectHandshake, f.watcher != nil), nil
	}
	return nil, api.NewError(api.UnsupportedSocketOperationError,
		fmt.Sprintf("Operation on socket is not supported: no engine for %s", proxy.Type))
}

// NewEngineForDescriptor implements api.EngineFactory.
func (f *Factory) NewEngineForDescriptor(int) (api.Engine, error) {
	return NewNative(f.watcher), nil
}
