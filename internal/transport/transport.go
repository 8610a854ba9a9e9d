// Package transport contains internal helpers for the socket engines:
// descriptor setup, socket options, sockaddr conversion and errno mapping.
package transport

import "github.com/srediag/plugin-socket/api"

// SocketHelper provides low-level socket operations for engines.
type SocketHelper interface {
	SetNonblock(fd int) error
	SetSocketOption(fd int, opt api.SocketOption, value int) error
	SocketOption(fd int, opt api.SocketOption) (int, error)
}

// Default is the helper for the current platform.
var Default SocketHelper = platformHelper{}
