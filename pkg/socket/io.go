package socket

import (
	"io"

	"github.com/srediag/plugin-socket/api"
)

// canReadNotification handles a read-ready notification. It reports
// whether the socket is still usable.
func (s *Socket) canReadNotification() bool {
	if s.engine == nil {
		return false
	}
	// nested call: park the notifier until the outer call restores it
	if s.readNotifierCalled && !s.readNotifierStateSet {
		s.readNotifierStateSet = true
		s.readNotifierState = s.engine.IsReadNotificationEnabled()
		s.engine.SetReadNotificationEnabled(false)
	}
	outer := s.readNotifierCalled
	s.readNotifierCalled = true
	defer func() { s.readNotifierCalled = outer }()

	if !s.buffered {
		s.engine.SetReadNotificationEnabled(false)
	}

	var newBytes int64
	if s.buffered {
		if s.readBufferMax > 0 && s.readBuf.Len() >= s.readBufferMax {
			s.engine.SetReadNotificationEnabled(false)
			return false
		}
		before := s.readBuf.Len()
		if !s.readFromSocket() {
			s.DisconnectFromHost()
			return false
		}
		newBytes = s.readBuf.Len() - before
		if s.readBufferMax > 0 && s.readBuf.Len() == s.readBufferMax {
			s.engine.SetReadNotificationEnabled(false)
		}
	}

	hasData := newBytes > 0 ||
		(!s.buffered && s.typ != api.TCPSocket && s.engine != nil && s.engine.BytesAvailable() > 0) ||
		(!s.buffered && s.typ == api.TCPSocket && s.engine != nil)
	if !s.emittedReadyRead && hasData {
		s.emittedReadyRead = true
		s.emitReadyRead()
		s.emittedReadyRead = false
	}

	// observers may have closed the socket
	if s.state == api.UnconnectedState || s.state == api.ClosingState {
		return true
	}
	if s.engine != nil && s.buffered {
		s.engine.SetReadNotificationEnabled(s.readBufferMax == 0 || s.readBufferMax > s.BytesAvailable())
	}
	if s.readNotifierStateSet && s.engine != nil &&
		s.readNotifierState != s.engine.IsReadNotificationEnabled() {
		s.engine.SetReadNotificationEnabled(s.readNotifierState)
		s.readNotifierStateSet = false
	}
	return true
}

// readFromSocket moves what the engine has into the read buffer. It
// returns false when the engine failed and was dropped.
func (s *Socket) readFromSocket() bool {
	toRead := s.engine.BytesAvailable()
	if toRead == 0 {
		// spurious notifications read a probe to tell EAGAIN from EOF
		toRead = int64(s.config.ProbeReadSize)
	}
	if s.readBufferMax > 0 && toRead > s.readBufferMax-s.readBuf.Len() {
		toRead = s.readBufferMax - s.readBuf.Len()
	}
	if toRead <= 0 {
		return true
	}

	p := s.readBuf.Reserve(int(toRead))
	n := s.engine.Read(p)
	if n == api.ReadWouldBlock {
		s.readBuf.Chop(int(toRead))
		return true
	}
	got := n
	if got < 0 {
		got = 0
	}
	s.readBuf.Chop(int(toRead) - got)
	s.metrics.read(int64(got))

	if !s.engine.IsValid() {
		s.setError(s.engine.Error(), s.engine.ErrorString())
		s.logger.Debugf("read failed: %s", s.errString)
		s.emitError()
		s.resetSocketLayer()
		return false
	}
	return true
}

// canWriteNotification handles a write-ready notification. It reports
// whether anything left the write buffer.
func (s *Socket) canWriteNotification() bool {
	if s.state == api.ConnectingState {
		s.testConnection()
		return false
	}
	if s.engine != nil && s.engine.IsWriteNotificationEnabled() {
		s.engine.SetWriteNotificationEnabled(false)
	}
	before := s.writeBuf.Len()
	s.flush()
	if s.engine != nil {
		if !s.writeBuf.IsEmpty() {
			s.engine.SetWriteNotificationEnabled(true)
		}
		if s.writeBuf.IsEmpty() && s.engine.BytesToWrite() == 0 {
			s.engine.SetWriteNotificationEnabled(false)
		}
	}
	return s.writeBuf.Len() < before
}

// flush writes the next contiguous block of the write buffer.
func (s *Socket) flush() bool {
	if s.engine == nil || !s.engine.IsValid() || (s.writeBuf.IsEmpty() && s.engine.BytesToWrite() == 0) {
		// the engine may have just drained its own queue
		if s.state == api.ClosingState {
			s.DisconnectFromHost()
		}
		return false
	}

	written := 0
	if block := s.writeBuf.ReadPointer(); len(block) > 0 {
		written = s.engine.Write(block)
	}
	if written < 0 {
		s.setError(s.engine.Error(), s.engine.ErrorString())
		s.logger.Debugf("write failed: %s", s.errString)
		s.emitError()
		s.Abort()
		return false
	}

	s.writeBuf.Free(written)
	if written > 0 && !s.emittedBytesWritten {
		s.emittedBytesWritten = true
		s.emitBytesWritten(int64(written))
		s.emittedBytesWritten = false
	}

	if s.writeBuf.IsEmpty() && s.engine != nil && s.engine.IsWriteNotificationEnabled() && s.engine.BytesToWrite() == 0 {
		s.engine.SetWriteNotificationEnabled(false)
	}
	if s.state == api.ClosingState {
		s.DisconnectFromHost()
	}
	return true
}

// Flush writes as much of the write buffer as possible without blocking.
// It reports whether any data was written.
func (s *Socket) Flush() bool {
	if s.engine == nil {
		return false
	}
	return s.flush()
}

// Read implements io.Reader without blocking. It returns 0, nil when
// connected but no data is available yet and io.EOF once the socket is
// closed and drained.
func (s *Socket) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := s.readBuf.Read(p)
	r := s.readData(p[n:])
	if r > 0 {
		n += r
	}
	if n > 0 {
		return n, nil
	}
	if r < 0 {
		if s.err == api.UnknownSocketError || s.err == api.RemoteHostClosedError || !s.open {
			return 0, io.EOF
		}
		return 0, s.Err()
	}
	return 0, nil
}

// readData reads past the read buffer: directly from the engine for
// unbuffered sockets, nothing otherwise. -1 means end of stream.
func (s *Socket) readData(p []byte) int {
	if s.engine != nil && !s.engine.IsReadNotificationEnabled() && s.engine.IsValid() {
		s.engine.SetReadNotificationEnabled(true)
	}
	if len(p) == 0 {
		return 0
	}
	if s.buffered {
		if s.state == api.ConnectedState {
			return 0
		}
		return -1
	}
	if s.engine == nil || !s.engine.IsValid() || s.state != api.ConnectedState {
		return -1
	}
	n := s.engine.Read(p)
	switch {
	case n == api.ReadWouldBlock:
		return 0
	case n < 0:
		s.setError(s.engine.Error(), s.engine.ErrorString())
		s.resetSocketLayer()
		s.state = api.UnconnectedState
	default:
		s.metrics.read(int64(n))
		if !s.engine.IsReadNotificationEnabled() {
			s.engine.SetReadNotificationEnabled(true)
		}
	}
	return n
}

// ReadAll drains the read buffer.
func (s *Socket) ReadAll() []byte {
	out := s.readBuf.ReadAll()
	s.readData(nil)
	return out
}

// Peek returns up to max buffered bytes without consuming them.
func (s *Socket) Peek(max int) []byte {
	if max <= 0 {
		return nil
	}
	p := make([]byte, max)
	return p[:s.readBuf.Peek(p)]
}

// CanReadLine reports whether a full line is buffered.
func (s *Socket) CanReadLine() bool {
	return s.readBuf.CanReadLine()
}

// ReadLine consumes up to max bytes ending at the first newline. The
// newline is included when it fits.
func (s *Socket) ReadLine(max int) []byte {
	if max <= 0 {
		return nil
	}
	p := make([]byte, max)
	n := s.readBuf.ReadLine(p)
	s.readData(nil)
	return p[:n]
}

// Write queues p for sending, or sends it directly on unbuffered sockets.
// It never blocks; buffered data leaves on write-ready notifications or
// through Flush and WaitForBytesWritten.
func (s *Socket) Write(p []byte) (int, error) {
	n := s.writeData(p)
	if n < 0 {
		return 0, s.Err()
	}
	return n, nil
}

func (s *Socket) writeData(p []byte) int {
	if s.state == api.UnconnectedState || (s.engine == nil && s.typ != api.TCPSocket && !s.buffered) {
		s.setError(api.UnknownSocketError, msgNotConnected)
		return -1
	}

	if !s.buffered && s.typ == api.TCPSocket && s.engine != nil && s.writeBuf.IsEmpty() {
		written := 0
		if len(p) > 0 {
			written = s.engine.Write(p)
		}
		if written < 0 {
			s.setError(s.engine.Error(), s.engine.ErrorString())
			return written
		}
		if written < len(p) {
			s.writeBuf.Append(p[written:])
			s.engine.SetWriteNotificationEnabled(true)
		}
		return len(p)
	}

	if !s.buffered && s.typ != api.TCPSocket {
		written := s.engine.Write(p)
		if written < 0 {
			s.setError(s.engine.Error(), s.engine.ErrorString())
		} else if !s.writeBuf.IsEmpty() {
			s.engine.SetWriteNotificationEnabled(true)
		}
		if written >= 0 {
			s.emitBytesWritten(int64(written))
		}
		return written
	}

	s.writeBuf.Append(p)
	if s.engine != nil && !s.writeBuf.IsEmpty() {
		s.engine.SetWriteNotificationEnabled(true)
	}
	return len(p)
}

// BytesAvailable returns the number of bytes ready to Read.
func (s *Socket) BytesAvailable() int64 {
	n := s.readBuf.Len()
	if !s.buffered && s.engine != nil && s.engine.IsValid() {
		n += s.engine.BytesAvailable()
	}
	return n
}

// BytesToWrite returns the number of bytes waiting in the write buffer.
func (s *Socket) BytesToWrite() int64 {
	return s.writeBuf.Len()
}

// AtEnd reports whether no more data can be read right now.
func (s *Socket) AtEnd() bool {
	return !s.open || s.readBuf.IsEmpty()
}
