// Package tts provides text-to-speech functionality.
package tts

import (
	"context"
	"errors"
	"sync"
)

// Synthesizer converts text to streaming PCM audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error)
}

// WarmUpper is implemented by synthesizers that can prime a voice before the
// first real request.
type WarmUpper interface {
	WarmUp(ctx context.Context, opts SynthesizeOptions) error
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice      string  // Voice identifier
	Style      float64 // Style exaggeration (0-1)
	Speed      float64 // Speed multiplier (0.7-1.2, default 1.0)
	Stability  float64 // Voice stability (0-1)
	SampleRate int     // PCM sample rate: 16000, 22050, 24000, 44100
}

// ErrStreamClosed is returned by Send after the consumer closed the stream.
var ErrStreamClosed = errors.New("synthesis stream closed")

// SynthesisStream provides streaming audio output. The producer calls Send
// and finally FinishSending; the consumer ranges over Chunks and must call
// Close when it stops reading early.
type SynthesisStream struct {
	chunks    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	err      error
	finished bool
}

// NewSynthesisStream creates a new synthesis stream.
func NewSynthesisStream() *SynthesisStream {
	return &SynthesisStream{
		chunks: make(chan []byte, 100),
		done:   make(chan struct{}),
	}
}

// Chunks returns the channel of audio chunks.
func (s *SynthesisStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err returns any error recorded by the producer.
func (s *SynthesisStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tells the producer the consumer is gone.
func (s *SynthesisStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Done is closed once the consumer closes the stream.
func (s *SynthesisStream) Done() <-chan struct{} {
	return s.done
}

// SetError records the first producer error.
func (s *SynthesisStream) SetError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Send sends a chunk to the stream. Returns false if the stream is finished
// or closed.
func (s *SynthesisStream) Send(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// FinishSending closes the chunks channel to signal completion. Safe to call
// more than once.
func (s *SynthesisStream) FinishSending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	close(s.chunks)
}

// Finished reports whether FinishSending has run.
func (s *SynthesisStream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
