package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
)

type CaptureStats struct {
	// Dropped counts frames discarded because the send queue was full.
	Dropped int64
	// ReadErrors counts skipped device reads.
	ReadErrors int64
}

func (b *Bridge) CaptureStats() CaptureStats {
	return CaptureStats{Dropped: b.dropped.Load(), ReadErrors: b.readErrors.Load()}
}

// Capture reads profile-sized frames from dev on a dedicated goroutine. Read
// errors other than io.EOF and ErrStreamStopped are skipped. When the send
// queue is full the newest frame is dropped so the device never blocks on
// the consumer. The returned channel closes when capture ends.
func (b *Bridge) Capture(ctx context.Context, dev CaptureDevice) <-chan []byte {
	out := make(chan []byte, b.cfg.SendQueue)
	go func() {
		defer close(out)
		buf := make([]byte, b.cfg.Profile.ChunkBytes)
		for ctx.Err() == nil {
			n, err := dev.Read(buf)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, ErrStreamStopped) || ctx.Err() != nil {
					return
				}
				b.readErrors.Add(1)
				b.logger.Debug("audio capture read skipped", "error", fmt.Errorf("%w: %v", ErrDeviceRead, err))
				if b.sleep(ctx, captureRetryDelay) != nil {
					return
				}
				continue
			}
			if n <= 0 {
				continue
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			select {
			case out <- frame:
			default:
				if b.dropped.Add(1)%50 == 1 {
					b.logger.Debug("send queue full, dropping newest capture frame", "dropped", b.dropped.Load())
				}
			}
		}
	}()
	return out
}

// RunSender forwards captured frames to the owning event loop. post schedules
// fn on that loop and reports false once the loop has shut down, at which
// point RunSender returns without error.
func RunSender(ctx context.Context, frames <-chan []byte, post func(fn func()) bool, send func([]byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if !post(func() { send(frame) }) {
				return
			}
		}
	}
}
