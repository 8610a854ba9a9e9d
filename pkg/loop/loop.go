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

// Package loop is the single-threaded event loop that delivers descriptor
// readiness, timers and posted tasks to sockets.
package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/internal/debug"
)

var (
	internalLogger = debug.New("loop", nil)

	// ErrLoopClosed is returned once Close has been called.
	ErrLoopClosed = errors.New("event loop closed")
	// ErrWatchUnsupported is returned on platforms without a descriptor poller.
	ErrWatchUnsupported = errors.New("descriptor watching not supported on this platform")
	// ErrAlreadyWatched is returned when a descriptor is registered twice.
	ErrAlreadyWatched = errors.New("descriptor already watched")
)

// Config holds loop parameters.
type Config struct {
	// QueueHint sizes the posted task queue.
	QueueHint int64
	// MaxWait bounds a single poll when nothing else is scheduled.
	MaxWait time.Duration
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() *Config {
	return &Config{
		QueueHint: 64,
		MaxWait:   time.Second,
	}
}

// Loop owns every readiness callback, timer and posted task of the sockets
// attached to it. Only Post may be called from other goroutines.
type Loop struct {
	config  *Config
	tasks   *queuepkg.Queue
	timers  *queuepkg.PriorityQueue
	seq     uint64
	watches map[int]*watch
	poller  poller
	closed  int32
}

var _ api.Scheduler = (*Loop)(nil)
var _ api.FDWatcher = (*Loop)(nil)

// New creates a loop. A nil config selects DefaultConfig.
func New(config *Config) (*Loop, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &Loop{
		config:  config,
		tasks:   queuepkg.New(config.QueueHint),
		timers:  queuepkg.NewPriorityQueue(int(config.QueueHint), true),
		watches: make(map[int]*watch),
		poller:  p,
	}, nil
}

// Post queues fn to run on the loop goroutine and wakes the loop.
func (l *Loop) Post(fn func()) {
	if atomic.LoadInt32(&l.closed) == 1 {
		return
	}
	if err := l.tasks.Put(fn); err != nil {
		internalLogger.Warnf("loop post dropped: %v", err)
		return
	}
	l.poller.wakeup()
}

// AfterFunc schedules fn to run on the loop goroutine after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) api.Timer {
	l.seq++
	t := &timer{
		loop: l,
		when: time.Now().Add(d),
		seq:  l.seq,
		fn:   fn,
	}
	_ = l.timers.Put(t)
	return t
}

// Watch registers fd for readiness callbacks. Events are disabled until
// SetEvents is called on the returned watch.
func (l *Loop) Watch(fd int, handler func(readable, writable bool)) (api.FDWatch, error) {
	if atomic.LoadInt32(&l.closed) == 1 {
		return nil, ErrLoopClosed
	}
	if !l.poller.supported() {
		return nil, ErrWatchUnsupported
	}
	if _, ok := l.watches[fd]; ok {
		return nil, ErrAlreadyWatched
	}
	w := &watch{loop: l, fd: fd, handler: handler}
	l.watches[fd] = w
	return w, nil
}

// Pending returns the number of posted tasks and live timers.
func (l *Loop) Pending() int {
	return int(l.tasks.Len()) + l.timers.Len()
}

// RunOnce polls for at most timeout and dispatches everything that became
// due: readiness callbacks, expired timers, then posted tasks. A negative
// timeout blocks until something happens.
func (l *Loop) RunOnce(timeout time.Duration) error {
	if atomic.LoadInt32(&l.closed) == 1 {
		return ErrLoopClosed
	}
	wait := l.nextWait(timeout)
	ready, err := l.poller.poll(l.watches, wait)
	if err != nil {
		return err
	}
	for _, r := range ready {
		if w, ok := l.watches[r.fd]; ok && !w.stopped {
			w.handler(r.readable, r.writable)
		}
	}
	l.runTimers()
	l.runTasks()
	return nil
}

// Run dispatches until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.poller.wakeup)
	defer stop()
	for ctx.Err() == nil {
		if err := l.RunOnce(l.config.MaxWait); err != nil {
			if errors.Is(err, ErrLoopClosed) {
				return nil
			}
			return err
		}
	}
	return ctx.Err()
}

// Close releases the poller. Pending tasks and timers are dropped.
func (l *Loop) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	l.tasks.Dispose()
	l.timers.Dispose()
	return l.poller.close()
}

func (l *Loop) nextWait(timeout time.Duration) time.Duration {
	if l.tasks.Len() > 0 {
		return 0
	}
	wait := timeout
	if next := l.timers.Peek(); next != nil {
		until := time.Until(next.(*timer).when)
		if until < 0 {
			until = 0
		}
		if wait < 0 || until < wait {
			wait = until
		}
	}
	return wait
}

func (l *Loop) runTimers() {
	now := time.Now()
	for !l.timers.Empty() {
		t := l.timers.Peek().(*timer)
		if t.when.After(now) {
			return
		}
		items, err := l.timers.Get(1)
		if err != nil || len(items) == 0 {
			return
		}
		t = items[0].(*timer)
		if t.stopped || t.fired {
			continue
		}
		t.fired = true
		t.fn()
	}
}

func (l *Loop) runTasks() {
	n := l.tasks.Len()
	if n == 0 {
		return
	}
	items, err := l.tasks.Get(n)
	if err != nil {
		return
	}
	for _, item := range items {
		item.(func())()
	}
}

// timer is a lazily cancelled entry of the loop's priority queue.
type timer struct {
	loop    *Loop
	when    time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
}

// Compare orders timers by deadline, then by scheduling order.
func (t *timer) Compare(other queuepkg.Item) int {
	o := other.(*timer)
	switch {
	case t.when.Before(o.when):
		return -1
	case t.when.After(o.when):
		return 1
	case t.seq < o.seq:
		return -1
	case t.seq > o.seq:
		return 1
	}
	return 0
}

func (t *timer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (t *timer) Active() bool {
	return !t.stopped && !t.fired
}

type watch struct {
	loop    *Loop
	fd      int
	read    bool
	write   bool
	stopped bool
	handler func(readable, writable bool)
}

func (w *watch) SetEvents(read, write bool) {
	w.read = read
	w.write = write
}

func (w *watch) Stop() {
	if w.stopped {
		return
	}
	w.stopped = true
	if cur, ok := w.loop.watches[w.fd]; ok && cur == w {
		delete(w.loop.watches, w.fd)
	}
}

type readyEvent struct {
	fd       int
	readable bool
	writable bool
}

// poller is the platform descriptor multiplexer.
type poller interface {
	supported() bool
	poll(watches map[int]*watch, timeout time.Duration) ([]readyEvent, error)
	wakeup()
	close() error
}
