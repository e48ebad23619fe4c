// Package bufevent provides the per-socket output queue used by every
// writer in the server: an ordered list of immutable byte views flushed
// with writev until EAGAIN, with a hard cap on queued bytes.
package bufevent

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// DefaultMaxQueueSize caps a consumer's unsent backlog; a client that falls
// this far behind is evicted. Overridable through the queue_size setting.
const DefaultMaxQueueSize = 24 * 1 << 20

// Max iovecs handed to one writev call.
const writevBatch = 64

// QueueSizeExceededError reports a queue that outgrew its cap after a flush.
type QueueSizeExceededError struct {
	Size, Max int
}

func (e *QueueSizeExceededError) Error() string {
	return fmt.Sprintf("output queue size %d > %d", e.Size, e.Max)
}

// IsPeerClosed reports whether err means the remote end is gone, as opposed
// to a transient or local failure.
func IsPeerClosed(err error) bool {
	return errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, io.EOF)
}

// OutputBuffer queues byte views for a non-blocking socket. Views must not
// be mutated after Add; partial sends keep a tail reference into the head
// view rather than copying.
type OutputBuffer struct {
	fd       int
	queue    [][]byte
	queued   int
	maxQueue int

	// Ready is cleared when the kernel refuses bytes (EAGAIN or a partial
	// send) and set again on the next Flush attempt.
	Ready bool
}

func New(fd, maxQueue int, initial ...[]byte) *OutputBuffer {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueueSize
	}
	b := &OutputBuffer{fd: fd, maxQueue: maxQueue, Ready: true}
	for _, view := range initial {
		b.Add(view)
	}
	return b
}

func (b *OutputBuffer) Add(view []byte) {
	if len(view) == 0 {
		return
	}
	b.queue = append(b.queue, view)
	b.queued += len(view)
}

func (b *OutputBuffer) Empty() bool { return len(b.queue) == 0 }

func (b *OutputBuffer) QueueSize() int { return b.queued }

// Flush writes queued views until the queue drains or the kernel pushes
// back. Returns the bytes written. A *QueueSizeExceededError means the
// caller must evict this consumer; any other error is a socket failure
// (check IsPeerClosed).
func (b *OutputBuffer) Flush() (int, error) {
	b.Ready = true
	total := 0
	for len(b.queue) > 0 {
		batch := b.queue
		if len(batch) > writevBatch {
			batch = batch[:writevBatch]
		}
		batchBytes := 0
		for _, view := range batch {
			batchBytes += len(view)
		}
		n, err := unix.Writev(b.fd, batch)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			b.Ready = false
			break
		}
		if err != nil {
			return total, err
		}
		total += n
		b.queued -= n
		b.pop(n)
		if n < batchBytes {
			// Partial send: assume the socket buffer is full.
			b.Ready = false
			break
		}
	}
	if b.queued > b.maxQueue {
		return total, &QueueSizeExceededError{Size: b.queued, Max: b.maxQueue}
	}
	return total, nil
}

// pop drops n sent bytes from the front of the queue, slicing the view a
// partial send stopped in.
func (b *OutputBuffer) pop(n int) {
	i := 0
	for i < len(b.queue) && n >= len(b.queue[i]) {
		n -= len(b.queue[i])
		b.queue[i] = nil
		i++
	}
	b.queue = b.queue[i:]
	if n > 0 && len(b.queue) > 0 {
		b.queue[0] = b.queue[0][n:]
	}
}

// SetMaxQueueSize adjusts the cap in place (reconfiguration).
func (b *OutputBuffer) SetMaxQueueSize(max int) {
	if max > 0 {
		b.maxQueue = max
	}
}
