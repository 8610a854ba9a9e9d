//go:build linux || darwin

package loop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWatchPipe(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	}()

	var readable, writable int
	rw, err := l.Watch(p[0], func(r, _ bool) {
		if r {
			readable++
		}
	})
	require.NoError(t, err)
	ww, err := l.Watch(p[1], func(_, w bool) {
		if w {
			writable++
		}
	})
	require.NoError(t, err)

	_, err = l.Watch(p[0], func(bool, bool) {})
	require.ErrorIs(t, err, ErrAlreadyWatched)

	// nothing is delivered until events are enabled
	require.NoError(t, l.RunOnce(10*time.Millisecond))
	require.Equal(t, 0, readable+writable)

	rw.SetEvents(true, false)
	ww.SetEvents(false, true)
	require.NoError(t, l.RunOnce(100*time.Millisecond))
	require.Equal(t, 0, readable)
	require.Equal(t, 1, writable)

	ww.Stop()
	_, err = unix.Write(p[1], []byte("x"))
	require.NoError(t, err)
	require.NoError(t, l.RunOnce(100*time.Millisecond))
	require.Equal(t, 1, readable)
	require.Equal(t, 1, writable)
}
