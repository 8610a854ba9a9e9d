package api

import (
	"context"
	"net/netip"
)

// HostInfo is the result of a host name lookup.
type HostInfo struct {
	LookupID  int
	HostName  string
	Addresses []netip.Addr
	// Err is nil on success.
	Err *Error
}

// Resolver turns host names into addresses.
type Resolver interface {
	// Lookup starts an asynchronous lookup of name. When the result is
	// available immediately (literal address or cache hit) it is returned
	// with immediate set and deliver is never called. Otherwise deliver is
	// invoked later on the event loop goroutine with a HostInfo carrying id.
	Lookup(name string, deliver func(HostInfo)) (id int, info HostInfo, immediate bool)
	// AbortLookup drops the pending lookup id; its deliver is never called.
	AbortLookup(id int)
	// FromName resolves name synchronously, consulting the cache first.
	FromName(ctx context.Context, name string) HostInfo
}
