//go:build !linux && !darwin

package loop

import "time"

// chanPoller serves timers and posted tasks only.
type chanPoller struct {
	wake chan struct{}
}

func newPoller() (poller, error) {
	return &chanPoller{wake: make(chan struct{}, 1)}, nil
}

func (p *chanPoller) supported() bool { return false }

func (p *chanPoller) poll(_ map[int]*watch, timeout time.Duration) ([]readyEvent, error) {
	if timeout < 0 {
		<-p.wake
		return nil, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.wake:
	case <-t.C:
	}
	return nil, nil
}

func (p *chanPoller) wakeup() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *chanPoller) close() error {
	return nil
}
