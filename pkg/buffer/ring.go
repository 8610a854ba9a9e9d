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

// Package buffer provides the chunked byte ring used for socket read and
// write buffers.
package buffer

import (
	"bytes"
	"errors"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// DefaultChunkSize is the minimum allocation unit of a Ring.
const DefaultChunkSize = 16384

var (
	// ErrNotEnoughData is returned when fewer bytes are buffered than requested.
	ErrNotEnoughData = errors.New("not enough data in buffer")

	chunkPool = &sync.Pool{
		New: func() interface{} {
			return &chunk{}
		},
	}
)

// chunk is one contiguous segment of a Ring. Data lives in a pooled
// bytebufferpool.ByteBuffer whose length is the chunk capacity.
type chunk struct {
	buf        *bytebufferpool.ByteBuffer
	readIndex  int
	writeIndex int
	next       *chunk
}

func newChunk(size int) *chunk {
	c := chunkPool.Get().(*chunk)
	c.buf = bytebufferpool.Get()
	if cap(c.buf.B) < size {
		c.buf.B = make([]byte, size)
	} else {
		c.buf.B = c.buf.B[:cap(c.buf.B)]
	}
	return c
}

func putBackChunk(c *chunk) {
	bytebufferpool.Put(c.buf)
	c.buf = nil
	c.readIndex = 0
	c.writeIndex = 0
	c.next = nil
	chunkPool.Put(c)
}

func (c *chunk) size() int {
	return c.writeIndex - c.readIndex
}

func (c *chunk) remain() int {
	return len(c.buf.B) - c.writeIndex
}

func (c *chunk) capacity() int {
	return len(c.buf.B)
}

func (c *chunk) data() []byte {
	return c.buf.B[c.readIndex:c.writeIndex]
}

// Ring is an append-at-tail, consume-from-head byte sequence built from a
// linked list of chunks. Consuming never reallocates; growth allocates new
// chunks of at least the configured chunk size.
//
// NOT thread-safe: a Ring is owned by a single socket.
type Ring struct {
	front     *chunk
	back      *chunk
	chunks    int
	size      int64
	chunkSize int
}

// New returns an empty Ring. A chunkSize <= 0 selects DefaultChunkSize.
func New(chunkSize int) *Ring {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Ring{chunkSize: chunkSize}
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int64 {
	return r.size
}

// IsEmpty reports whether no bytes are buffered.
func (r *Ring) IsEmpty() bool {
	return r.size == 0
}

// Cap returns the total capacity of the allocated chunks. Len() <= Cap()
// always holds.
func (r *Ring) Cap() int64 {
	var n int64
	for c := r.front; c != nil; c = c.next {
		n += int64(c.capacity())
	}
	return n
}

// ChunkSize returns the minimum allocation unit.
func (r *Ring) ChunkSize() int {
	return r.chunkSize
}

func (r *Ring) pushBack(c *chunk) {
	if r.chunks > 0 {
		r.back.next = c
	} else {
		r.front = c
	}
	r.back = c
	r.chunks++
}

func (r *Ring) popFront() *chunk {
	if r.front == nil {
		return nil
	}
	c := r.front
	r.front = c.next
	if r.front == nil {
		r.back = nil
	}
	r.chunks--
	return c
}

// Reserve appends n bytes at the tail and returns them for the caller to
// fill. Use Chop to give back the part that was not filled.
func (r *Ring) Reserve(n int) []byte {
	if n <= 0 {
		return nil
	}
	r.recycleEmptyBack(n)
	if r.back == nil || r.back.remain() < n {
		size := r.chunkSize
		if n > size {
			size = n
		}
		r.pushBack(newChunk(size))
	}
	c := r.back
	start := c.writeIndex
	c.writeIndex += n
	r.size += int64(n)
	return c.buf.B[start:c.writeIndex]
}

// Chop removes n bytes from the tail.
func (r *Ring) Chop(n int) {
	if int64(n) >= r.size {
		r.Clear()
		return
	}
	for n > 0 {
		c := r.back
		if s := c.size(); s > n {
			c.writeIndex -= n
			r.size -= int64(n)
			return
		}
		n -= c.size()
		r.size -= int64(c.size())
		r.dropBack()
	}
}

// dropBack unlinks the last chunk. The list is singly linked, so this walks
// from the front; it only happens when a reservation spans chunks.
func (r *Ring) dropBack() {
	if r.front == r.back {
		putBackChunk(r.popFront())
		return
	}
	prev := r.front
	for prev.next != r.back {
		prev = prev.next
	}
	putBackChunk(r.back)
	prev.next = nil
	r.back = prev
	r.chunks--
}

// recycleEmptyBack rewinds an empty tail chunk, dropping it when it still
// cannot hold n bytes, so the head block is never empty while data remains.
func (r *Ring) recycleEmptyBack(n int) {
	if r.back == nil || r.back.size() != 0 {
		return
	}
	r.back.readIndex = 0
	r.back.writeIndex = 0
	if r.back.remain() < n && r.front == r.back {
		putBackChunk(r.popFront())
	}
}

// Append copies p to the tail.
func (r *Ring) Append(p []byte) {
	r.recycleEmptyBack(len(p))
	for len(p) > 0 {
		if r.back == nil || r.back.remain() == 0 {
			size := r.chunkSize
			if len(p) > size {
				size = len(p)
			}
			r.pushBack(newChunk(size))
		}
		c := r.back
		n := copy(c.buf.B[c.writeIndex:], p)
		c.writeIndex += n
		r.size += int64(n)
		p = p[n:]
	}
}

// AppendByte appends a single byte.
func (r *Ring) AppendByte(b byte) {
	r.Reserve(1)[0] = b
}

// NextDataBlockSize returns the size of the contiguous block at the head.
func (r *Ring) NextDataBlockSize() int {
	if r.front == nil {
		return 0
	}
	return r.front.size()
}

// ReadPointer returns the contiguous block at the head without consuming it.
func (r *Ring) ReadPointer() []byte {
	if r.front == nil {
		return nil
	}
	return r.front.data()
}

// Free consumes n bytes from the head and returns how many were consumed.
func (r *Ring) Free(n int) int {
	freed := 0
	for n > 0 && r.front != nil {
		c := r.front
		s := c.size()
		if s > n {
			c.readIndex += n
			r.size -= int64(n)
			return freed + n
		}
		n -= s
		freed += s
		r.size -= int64(s)
		if r.front == r.back {
			// keep the last chunk around for the next append
			c.readIndex = 0
			c.writeIndex = 0
			break
		}
		putBackChunk(r.popFront())
	}
	return freed
}

// Skip discards n bytes from the head.
func (r *Ring) Skip(n int) int {
	return r.Free(n)
}

// Peek copies up to len(p) bytes from the head without consuming them.
func (r *Ring) Peek(p []byte) int {
	n := 0
	for c := r.front; c != nil && n < len(p); c = c.next {
		n += copy(p[n:], c.data())
	}
	return n
}

// Read copies up to len(p) bytes from the head and consumes them.
func (r *Ring) Read(p []byte) int {
	n := r.Peek(p)
	r.Free(n)
	return n
}

// ReadFull reads exactly len(p) bytes or returns ErrNotEnoughData leaving
// the buffer untouched.
func (r *Ring) ReadFull(p []byte) error {
	if int64(len(p)) > r.size {
		return ErrNotEnoughData
	}
	r.Read(p)
	return nil
}

// ReadAll consumes and returns every buffered byte.
func (r *Ring) ReadAll() []byte {
	out := make([]byte, r.size)
	r.Read(out)
	return out
}

// IndexByte returns the offset of the first c at or after the head, or -1.
func (r *Ring) IndexByte(c byte) int64 {
	var base int64
	for ch := r.front; ch != nil; ch = ch.next {
		if i := bytes.IndexByte(ch.data(), c); i >= 0 {
			return base + int64(i)
		}
		base += int64(ch.size())
	}
	return -1
}

// CanReadLine reports whether a full line is buffered.
func (r *Ring) CanReadLine() bool {
	return r.IndexByte('\n') >= 0
}

// ReadLine consumes up to and including the first newline, bounded by
// len(p), and returns the number of bytes copied.
func (r *Ring) ReadLine(p []byte) int {
	limit := int64(len(p))
	if i := r.IndexByte('\n'); i >= 0 && i+1 < limit {
		limit = i + 1
	}
	return r.Read(p[:min(limit, r.size)])
}

// Clear drops all buffered bytes and releases every chunk.
func (r *Ring) Clear() {
	for c := r.popFront(); c != nil; c = r.popFront() {
		putBackChunk(c)
	}
	r.size = 0
}
