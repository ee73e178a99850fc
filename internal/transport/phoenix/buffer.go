package phoenix

import "sync"

// sendBuffer is a thread-safe FIFO of encoded frames awaiting the writer.
//
// Frames pushed while the socket is down stay queued and go out, in order,
// once the next connection's writer starts. The buffer is unbounded; a
// push that sits in it too long is resolved by its own timeout.
//
// The signal channel lets the writer wait with select alongside its
// context.
type sendBuffer struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	signal chan struct{} // buffered, size 1
}

func newSendBuffer() *sendBuffer {
	return &sendBuffer{
		frames: make([][]byte, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a frame to the back of the buffer. Returns false once the
// buffer is closed.
func (b *sendBuffer) Enqueue(frame []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.frames = append(b.frames, frame)

	// buffer of 1 coalesces signals
	select {
	case b.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front frame without blocking.
func (b *sendBuffer) TryDequeue() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return nil, false
	}
	frame := b.frames[0]
	b.frames[0] = nil
	if len(b.frames) == 1 {
		b.frames = b.frames[:0]
	} else {
		b.frames = b.frames[1:]
	}
	return frame, true
}

// Requeue puts a frame back at the front, e.g. after a failed write.
func (b *sendBuffer) Requeue(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.frames = append([][]byte{frame}, b.frames...)
}

// Reset drops queued frames. Frames from a dead connection (joins with
// stale refs) must not leak into the next one.
func (b *sendBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.frames = b.frames[:0]
}

// Wait returns a channel that signals when frames may be available.
func (b *sendBuffer) Wait() <-chan struct{} {
	return b.signal
}

// Len returns the number of queued frames.
func (b *sendBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Close drops queued frames and wakes waiters.
func (b *sendBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.frames = nil
	close(b.signal)
}
