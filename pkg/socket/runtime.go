package socket

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/internal/debug"
	"github.com/srediag/plugin-socket/pkg/engine"
	"github.com/srediag/plugin-socket/pkg/loop"
	"github.com/srediag/plugin-socket/pkg/resolver"
)

// RuntimeConfig configures the process-wide services shared by sockets.
type RuntimeConfig struct {
	Loop     *loop.Config
	Resolver *resolver.Config
	Socket   *Config
	// Proxies is consulted by sockets without an explicit proxy. nil
	// connects directly.
	Proxies api.ProxyFactory
	// Registerer receives the socket metrics. nil disables metrics.
	Registerer prometheus.Registerer
	// ResolverOptions are passed to resolver.New.
	ResolverOptions []resolver.Option
}

// Runtime owns the event loop, resolver, engine factory and metrics that
// sockets are built on. Create one at start-up and Close it at shutdown.
type Runtime struct {
	Loop     *loop.Loop
	Resolver *resolver.Resolver
	Engines  api.EngineFactory
	Proxies  api.ProxyFactory
	Metrics  *Metrics

	config *Config
}

// NewRuntime starts the shared services. A nil config uses defaults.
func NewRuntime(config *RuntimeConfig) (*Runtime, error) {
	if config == nil {
		config = &RuntimeConfig{}
	}
	sockConfig := config.Socket
	if sockConfig == nil {
		sockConfig = DefaultConfig()
	}
	if err := VerifyConfig(sockConfig); err != nil {
		return nil, err
	}
	if sockConfig.LogLevel != "" {
		lv, _ := debug.ParseLevel(sockConfig.LogLevel)
		debug.SetLogLevel(lv)
	}

	l, err := loop.New(config.Loop)
	if err != nil {
		return nil, fmt.Errorf("socket runtime: %w", err)
	}
	r, err := resolver.New(config.Resolver, l.Post, config.ResolverOptions...)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("socket runtime: %w", err)
	}
	rt := &Runtime{
		Loop:     l,
		Resolver: r,
		Engines:  engine.NewFactory(l, r),
		Proxies:  config.Proxies,
		config:   sockConfig,
	}
	if config.Registerer != nil {
		if rt.Metrics, err = NewMetrics(config.Registerer); err != nil {
			r.Release()
			_ = l.Close()
			return nil, fmt.Errorf("socket runtime: %w", err)
		}
	}
	return rt, nil
}

// NewSocket returns a socket wired to the runtime. opts are applied after
// the runtime's own options and may override them.
func (rt *Runtime) NewSocket(typ api.SocketType, opts ...Option) (*Socket, error) {
	base := []Option{
		WithScheduler(rt.Loop),
		WithResolver(rt.Resolver),
		WithEngineFactory(rt.Engines),
		WithMetrics(rt.Metrics),
	}
	if rt.Proxies != nil {
		base = append(base, WithProxyFactory(rt.Proxies))
	}
	config := *rt.config
	return New(typ, &config, append(base, opts...)...)
}

// Config returns the socket configuration new sockets start from.
func (rt *Runtime) Config() *Config {
	return rt.config
}

// Close stops the resolver workers and the loop.
func (rt *Runtime) Close() error {
	rt.Resolver.Release()
	return rt.Loop.Close()
}
