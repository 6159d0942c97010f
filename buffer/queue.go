// Package buffer implements the FIFO byte deque that backs every
// DataSocket's input and output buffer: on a short write, only the
// transmitted prefix is removed from the head. It is built on
// github.com/eapache/queue, a ring-buffer-backed FIFO of interface{}
// used here to hold one []byte chunk per Write call.
package buffer

import "github.com/eapache/queue"

// Queue is an ordered, unbounded byte sequence with FIFO semantics:
// Write appends, Read drains from the head. It is not safe for
// concurrent use; callers (socket.DataSocket) only ever touch a Queue
// from their owning Reactor's thread.
type Queue struct {
	chunks *queue.Queue
	head   int // bytes already consumed from the chunk at the front
	length int // total unconsumed bytes across all chunks
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{chunks: queue.New()}
}

// Write appends a copy of p to the tail of the queue and returns len(p).
// It always succeeds (the buffer is unbounded in principle); it never
// blocks and never calls the network.
func (q *Queue) Write(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	q.chunks.Add(cp)
	q.length += len(cp)
	return len(p)
}

// Read drains up to len(p) bytes from the head of the queue into p and
// returns the count actually drained.
func (q *Queue) Read(p []byte) int {
	n := 0
	for n < len(p) && q.chunks.Length() > 0 {
		chunk := q.chunks.Peek().([]byte)
		avail := chunk[q.head:]
		c := copy(p[n:], avail)
		n += c
		q.head += c
		q.length -= c
		if q.head == len(chunk) {
			q.chunks.Remove()
			q.head = 0
		}
	}
	return n
}

// Peek copies up to len(p) bytes from the head of the queue into p without
// consuming them, returning the count copied. Used by drainOutput to
// snapshot what a single raw write attempt should try to send.
func (q *Queue) Peek(p []byte) int {
	n := 0
	idx := 0
	off := q.head
	for n < len(p) && idx < q.chunks.Length() {
		chunk := q.chunks.Get(idx).([]byte)
		avail := chunk[off:]
		c := copy(p[n:], avail)
		n += c
		off = 0
		idx++
	}
	return n
}

// Discard removes the first n bytes from the head of the queue without
// copying them anywhere. n must not exceed Len().
func (q *Queue) Discard(n int) {
	for n > 0 && q.chunks.Length() > 0 {
		chunk := q.chunks.Peek().([]byte)
		remaining := len(chunk) - q.head
		if n < remaining {
			q.head += n
			q.length -= n
			return
		}
		n -= remaining
		q.length -= remaining
		q.chunks.Remove()
		q.head = 0
	}
}

// Len returns the number of unconsumed bytes currently queued.
func (q *Queue) Len() int { return q.length }

// Empty reports whether the queue holds no unconsumed bytes.
func (q *Queue) Empty() bool { return q.length == 0 }
