// Package resolver turns host names into address candidates. Lookups run on
// an ants worker pool and results are handed back through the event loop.
// Results are cached in a concurrent map shared by every socket using the
// same Resolver.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/internal/debug"
)

var internalLogger = debug.New("resolver", nil)

// LookupFunc performs the actual name resolution.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Config holds resolver parameters.
type Config struct {
	// Workers bounds concurrent lookups.
	Workers int
	// CacheTTL is how long a successful result is served from cache. Zero
	// disables caching.
	CacheTTL time.Duration
	// LookupTimeout bounds a single asynchronous lookup.
	LookupTimeout time.Duration
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:       8,
		CacheTTL:      60 * time.Second,
		LookupTimeout: 30 * time.Second,
	}
}

// VerifyConfig checks config for obvious mistakes.
func VerifyConfig(config *Config) error {
	if config.Workers <= 0 {
		return errors.New("Workers must be positive")
	}
	if config.CacheTTL < 0 {
		return errors.New("CacheTTL must not be negative")
	}
	if config.LookupTimeout <= 0 {
		return errors.New("LookupTimeout must be positive")
	}
	return nil
}

type cacheEntry struct {
	addresses []netip.Addr
	expires   time.Time
}

// Resolver implements api.Resolver. Create one per process, share it
// between sockets and Release it at shutdown.
type Resolver struct {
	config  *Config
	post    func(func())
	lookup  LookupFunc
	pool    *ants.Pool
	cache   cmap.ConcurrentMap[string, cacheEntry]
	pending cmap.ConcurrentMap[string, context.CancelFunc]
	nextID  int32
}

var _ api.Resolver = (*Resolver)(nil)

// Option customizes a Resolver.
type Option func(*Resolver)

// WithLookupFunc replaces the system resolver, mainly for tests.
func WithLookupFunc(fn LookupFunc) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// New creates a resolver. post delivers results to the event loop; it is
// usually (*loop.Loop).Post.
func New(config *Config, post func(func()), opts ...Option) (*Resolver, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	if post == nil {
		return nil, errors.New("resolver: post function is required")
	}
	pool, err := ants.NewPool(config.Workers)
	if err != nil {
		return nil, fmt.Errorf("resolver: create worker pool: %w", err)
	}
	r := &Resolver{
		config:  config,
		post:    post,
		lookup:  systemLookup,
		pool:    pool,
		cache:   cmap.New[cacheEntry](),
		pending: cmap.New[context.CancelFunc](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func systemLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// Lookup implements api.Resolver.
func (r *Resolver) Lookup(name string, deliver func(api.HostInfo)) (int, api.HostInfo, bool) {
	id := int(atomic.AddInt32(&r.nextID, 1))
	if info, ok := r.FromCache(name); ok {
		info.LookupID = id
		return id, info, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.LookupTimeout)
	key := strconv.Itoa(id)
	r.pending.Set(key, cancel)
	err := r.pool.Submit(func() {
		info := r.resolve(ctx, name)
		info.LookupID = id
		r.post(func() {
			// dropped when AbortLookup ran first
			if _, ok := r.pending.Pop(key); !ok {
				return
			}
			cancel()
			deliver(info)
		})
	})
	if err != nil {
		r.pending.Remove(key)
		cancel()
		internalLogger.Warnf("lookup %s: submit failed: %v", name, err)
		return id, api.HostInfo{
			LookupID: id,
			HostName: name,
			Err:      api.WrapError(api.UnknownSocketError, "Host lookup failed", err),
		}, true
	}
	return id, api.HostInfo{}, false
}

// AbortLookup implements api.Resolver.
func (r *Resolver) AbortLookup(id int) {
	if cancel, ok := r.pending.Pop(strconv.Itoa(id)); ok {
		cancel()
		internalLogger.Debugf("lookup %d aborted", id)
	}
}

// FromName implements api.Resolver.
func (r *Resolver) FromName(ctx context.Context, name string) api.HostInfo {
	if info, ok := r.FromCache(name); ok {
		return info
	}
	return r.resolve(ctx, name)
}

// FromCache answers literal addresses and cached names without blocking.
func (r *Resolver) FromCache(name string) (api.HostInfo, bool) {
	if addr, err := ParseLiteral(name); err == nil {
		return api.HostInfo{HostName: name, Addresses: []netip.Addr{addr}}, true
	}
	entry, ok := r.cache.Get(cacheKey(name))
	if !ok {
		return api.HostInfo{}, false
	}
	if time.Now().After(entry.expires) {
		r.cache.Remove(cacheKey(name))
		return api.HostInfo{}, false
	}
	return api.HostInfo{HostName: name, Addresses: append([]netip.Addr(nil), entry.addresses...)}, true
}

// ClearCache drops every cached result.
func (r *Resolver) ClearCache() {
	r.cache.Clear()
}

// Release stops the worker pool and cancels outstanding lookups.
func (r *Resolver) Release() {
	for _, key := range r.pending.Keys() {
		if cancel, ok := r.pending.Pop(key); ok {
			cancel()
		}
	}
	r.pool.Release()
}

func (r *Resolver) resolve(ctx context.Context, name string) api.HostInfo {
	info := api.HostInfo{HostName: name}
	addrs, err := r.lookup(ctx, strings.TrimSuffix(name, "."))
	if err != nil {
		info.Err = lookupError(err)
		internalLogger.Debugf("lookup %s failed: %v", name, err)
		return info
	}
	for _, a := range addrs {
		info.Addresses = append(info.Addresses, a.Unmap())
	}
	if len(info.Addresses) == 0 {
		info.Err = api.NewError(api.HostNotFoundError, "Host not found")
		return info
	}
	if r.config.CacheTTL > 0 {
		r.cache.Set(cacheKey(name), cacheEntry{
			addresses: info.Addresses,
			expires:   time.Now().Add(r.config.CacheTTL),
		})
	}
	return info
}

func lookupError(err error) *api.Error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return api.WrapError(api.HostNotFoundError, "Host not found", err)
		}
		if dnsErr.IsTimeout {
			return api.WrapError(api.HostNotFoundError, "Host lookup timed out", err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return api.WrapError(api.HostNotFoundError, "Host lookup timed out", err)
	}
	return api.WrapError(api.UnknownSocketError, "Host lookup failed", err)
}

func cacheKey(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// ParseLiteral parses a literal IPv4 or IPv6 address, accepting the
// bracketed form "[::1]" and zones.
func ParseLiteral(s string) (netip.Addr, error) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}
