/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build linux || darwin

package loop

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller multiplexes descriptors with poll(2). A self-pipe wakes it
// from Post.
type pollPoller struct {
	wakeR   int
	wakeW   int
	woken   int32
	fds     []unix.PollFd
	scratch [64]byte
}

func newPoller() (poller, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("loop: create wake pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, fmt.Errorf("loop: wake pipe nonblock: %w", err)
		}
	}
	return &pollPoller{wakeR: p[0], wakeW: p[1]}, nil
}

func (p *pollPoller) supported() bool { return true }

func (p *pollPoller) poll(watches map[int]*watch, timeout time.Duration) ([]readyEvent, error) {
	p.fds = p.fds[:0]
	p.fds = append(p.fds, unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
	for fd, w := range watches {
		var events int16
		if w.read {
			events |= unix.POLLIN
		}
		if w.write {
			events |= unix.POLLOUT
		}
		if events == 0 {
			continue
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.Poll(p.fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("loop: poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	var ready []readyEvent
	for _, pfd := range p.fds {
		if pfd.Revents == 0 {
			continue
		}
		if int(pfd.Fd) == p.wakeR {
			p.drain()
			continue
		}
		failed := pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
		ready = append(ready, readyEvent{
			fd:       int(pfd.Fd),
			readable: pfd.Revents&unix.POLLIN != 0 || (failed && pfd.Events&unix.POLLIN != 0),
			writable: pfd.Revents&unix.POLLOUT != 0 || (failed && pfd.Events&unix.POLLOUT != 0),
		})
	}
	return ready, nil
}

func (p *pollPoller) drain() {
	atomic.StoreInt32(&p.woken, 0)
	for {
		n, err := unix.Read(p.wakeR, p.scratch[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *pollPoller) wakeup() {
	if !atomic.CompareAndSwapInt32(&p.woken, 0, 1) {
		return
	}
	_, _ = unix.Write(p.wakeW, []byte{1})
}

func (p *pollPoller) close() error {
	err := unix.Close(p.wakeR)
	if cerr := unix.Close(p.wakeW); err == nil {
		err = cerr
	}
	return err
}
