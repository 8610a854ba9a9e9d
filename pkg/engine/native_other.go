//go:build !linux && !darwin

package engine

import (
	"net/netip"
	"time"

	"github.com/srediag/plugin-socket/api"
)

const msgUnsupported = "Native sockets are not supported on this platform"

// Native is unavailable on this platform; every operation fails with
// UnsupportedSocketOperationError.
type Native struct {
	base
}

var _ api.Engine = (*Native)(nil)

// NewNative returns an engine that always fails.
func NewNative(api.FDWatcher) *Native {
	return &Native{base: newBase()}
}

func (e *Native) unsupported() {
	e.setError(api.UnsupportedSocketOperationError, msgUnsupported)
}

func (e *Native) Initialize(api.SocketType, api.NetworkLayerProtocol) bool {
	e.unsupported()
	return false
}

func (e *Native) InitializeDescriptor(int, api.SocketState) bool {
	e.unsupported()
	return false
}

func (e *Native) ConnectToHost(netip.Addr, uint16) api.ConnectResult {
	e.unsupported()
	return api.ConnectFailed
}

func (e *Native) ConnectToHostByName(string, uint16) api.ConnectResult {
	e.unsupported()
	return api.ConnectFailed
}

func (e *Native) Bind(netip.Addr, uint16) bool {
	e.unsupported()
	return false
}

func (e *Native) Read([]byte) int  { return -1 }
func (e *Native) Write([]byte) int { return -1 }

func (e *Native) BytesAvailable() int64 { return 0 }
func (e *Native) BytesToWrite() int64   { return 0 }

func (e *Native) SetReadNotificationEnabled(bool)  {}
func (e *Native) IsReadNotificationEnabled() bool  { return false }
func (e *Native) SetWriteNotificationEnabled(bool) {}
func (e *Native) IsWriteNotificationEnabled() bool { return false }

func (e *Native) WaitForReadOrWrite(bool, bool, time.Duration) (api.Readiness, bool) {
	e.unsupported()
	return api.Readiness{}, false
}

func (e *Native) IsValid() bool   { return false }
func (e *Native) Descriptor() int { return -1 }

func (e *Native) SetOption(api.SocketOption, int) bool { return false }
func (e *Native) Option(api.SocketOption) int          { return -1 }

func (e *Native) Close() {}
