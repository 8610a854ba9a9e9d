package adapter

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/pkg/socket"
)

// HealthAdapter serves /live and /ready. Every tracked socket adds a
// readiness check that passes while the socket is connected.
type HealthAdapter struct {
	handler healthcheck.Handler
}

// NewHealthAdapter returns an adapter whose liveness check fails once more
// than maxGoroutines goroutines run. maxGoroutines <= 0 disables that check.
func NewHealthAdapter(maxGoroutines int) *HealthAdapter {
	h := healthcheck.NewHandler()
	if maxGoroutines > 0 {
		h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	}
	return &HealthAdapter{handler: h}
}

// Handler returns the HTTP handler.
func (a *HealthAdapter) Handler() http.Handler { return a.handler }

// socketHealth mirrors the socket state for the HTTP goroutine.
type socketHealth struct {
	mu      sync.Mutex
	state   api.SocketState
	lastErr *api.Error
}

func (h *socketHealth) check(name string) healthcheck.Check {
	return func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.state == api.ConnectedState {
			return nil
		}
		if h.lastErr != nil {
			return fmt.Errorf("socket %s is %s: %w", name, h.state, h.lastErr)
		}
		return fmt.Errorf("socket %s is %s", name, h.state)
	}
}

// Track registers a readiness check named name and returns the observer
// that feeds it. Add the observer to the socket.
func (a *HealthAdapter) Track(name string) socket.Observer {
	h := &socketHealth{}
	a.handler.AddReadinessCheck(name, h.check(name))
	return socket.ObserverFuncs{
		OnStateChanged: func(_ *socket.Socket, state api.SocketState) {
			h.mu.Lock()
			h.state = state
			if state == api.ConnectedState {
				h.lastErr = nil
			}
			h.mu.Unlock()
		},
		OnError: func(_ *socket.Socket, err *api.Error) {
			h.mu.Lock()
			h.lastErr = err
			h.mu.Unlock()
		},
	}
}
