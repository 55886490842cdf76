package audio

import (
	"io"
	"sync"
)

// PCMBuffer carries raw PCM between a push side (device callback, bridge
// playback) and a pull side (capture reader, output player). It holds at
// most limit bytes and drops the oldest audio beyond that.
//
// Readers are bound to the generation current when they were opened. Flush
// starts a new generation, so a reader left over from before the flush ends
// with io.EOF instead of taking audio queued for its successor.
type PCMBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	limit  int
	gen    uint64
	closed bool
}

func NewPCMBuffer(limit int) *PCMBuffer {
	if limit <= 0 {
		limit = 1 << 16
	}
	b := &PCMBuffer{buf: make([]byte, 0, limit), limit: limit}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write appends pcm, trimming the oldest bytes past the cap.
func (b *PCMBuffer) Write(pcm []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrStreamStopped
	}
	b.buf = append(b.buf, pcm...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.cond.Broadcast()
	return len(pcm), nil
}

// Flush discards buffered audio and retires every open reader. It returns
// the number of bytes dropped.
func (b *PCMBuffer) Flush() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.buf)
	b.buf = b.buf[:0]
	b.gen++
	b.cond.Broadcast()
	return n
}

// Close wakes all readers; they return ErrStreamStopped.
func (b *PCMBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *PCMBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Reader returns a blocking reader for the current generation.
func (b *PCMBuffer) Reader() io.Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &pcmReader{b: b, gen: b.gen}
}

type pcmReader struct {
	b   *PCMBuffer
	gen uint64
}

func (r *pcmReader) Read(p []byte) (int, error) {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.buf) == 0 && !b.closed && r.gen == b.gen {
		b.cond.Wait()
	}
	switch {
	case b.closed:
		return 0, ErrStreamStopped
	case r.gen != b.gen:
		return 0, io.EOF
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}
