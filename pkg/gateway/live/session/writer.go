package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-switchboard/pkg/core/audio"
	"github.com/vango-go/vai-switchboard/pkg/gateway/live/protocol"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type WriterConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	QueueSize    int
}

type outboundFrame struct {
	payload []byte
	// audioResponseID is set for audio chunks so frames of an interrupted
	// response can be dropped at write time.
	audioResponseID string
}

// outboundWriter serializes every client write. Priority frames (status,
// audio resets, errors) preempt queued normal frames.
type outboundWriter struct {
	ws         wsWriter
	cfg        WriterConfig
	priority   chan outboundFrame
	normal     chan outboundFrame
	isCanceled func(string) bool
}

func newOutboundWriter(ws wsWriter, cfg WriterConfig, isCanceled func(string) bool) *outboundWriter {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	return &outboundWriter{
		ws:         ws,
		cfg:        cfg,
		priority:   make(chan outboundFrame, 16),
		normal:     make(chan outboundFrame, cfg.QueueSize),
		isCanceled: isCanceled,
	}
}

// Run writes frames until ctx is done or a write fails.
func (w *outboundWriter) Run(ctx context.Context) error {
	if w == nil || w.ws == nil {
		return nil
	}
	writeTimeout := w.cfg.WriteTimeout

	pingTicker := time.NewTicker(w.cfg.PingInterval)
	defer pingTicker.Stop()

	var pendingNormal *outboundFrame

	for {
		select {
		case <-ctx.Done():
			w.flushPriorityOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		// Hard priority: if anything is queued, handle it before writing normal frames.
		select {
		case frame := <-w.priority:
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingNormal != nil {
			if err := w.writeFrame(*pendingNormal, writeTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		select {
		case <-ctx.Done():
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame := <-w.priority:
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame := <-w.normal:
			pendingNormal = &frame
		}
	}
}

func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	const maxFlushFrames = 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame := <-w.priority:
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if frame.audioResponseID != "" && w.isCanceled != nil && w.isCanceled(frame.audioResponseID) {
		return nil
	}
	if len(frame.payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.payload)
}

func (w *outboundWriter) enqueue(ctx context.Context, ch chan outboundFrame, frame outboundFrame) error {
	select {
	case ch <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendJSON queues msg on the normal lane.
func (w *outboundWriter) SendJSON(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode client message: %w", err)
	}
	return w.enqueue(ctx, w.normal, outboundFrame{payload: data})
}

// SendRaw queues an already encoded message on the normal lane.
func (w *outboundWriter) SendRaw(ctx context.Context, data []byte) error {
	return w.enqueue(ctx, w.normal, outboundFrame{payload: data})
}

// SendPriority queues msg ahead of normal traffic. It never blocks; a full
// priority lane drops the message.
func (w *outboundWriter) SendPriority(msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case w.priority <- outboundFrame{payload: data}:
		return true
	default:
		return false
	}
}

// clientSpeaker is the bridge's playback device for a websocket client:
// chunks become audio_chunk messages and a flush becomes audio_reset.
type clientSpeaker struct {
	ctx    context.Context
	writer *outboundWriter
}

func (s *clientSpeaker) WriteChunk(c audio.Chunk) error {
	data, err := json.Marshal(protocol.ServerAudioChunk{
		Type:       "audio_chunk",
		ResponseID: c.ResponseID,
		Seq:        int64(c.Seq),
		AudioB64:   base64.StdEncoding.EncodeToString(c.Data),
	})
	if err != nil {
		return err
	}
	if err := s.writer.enqueue(s.ctx, s.writer.normal, outboundFrame{payload: data, audioResponseID: c.ResponseID}); err != nil {
		return audio.ErrStreamStopped
	}
	return nil
}

func (s *clientSpeaker) Write(p []byte) (int, error) {
	if err := s.WriteChunk(audio.Chunk{Data: p}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush tells the client to drop whatever it has buffered. Called from
// StopPlayback, possibly on another goroutine than WriteChunk.
func (s *clientSpeaker) Flush() error {
	s.writer.SendPriority(protocol.ServerAudioReset{Type: "audio_reset", Reason: "barge_in"})
	return nil
}
