package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-switchboard/pkg/core/audio"
	"github.com/vango-go/vai-switchboard/pkg/core/handoff"
	"github.com/vango-go/vai-switchboard/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-switchboard/pkg/gateway/messenger"
)

const defaultInboundQueue = 64

// ClientConn is the client websocket. *websocket.Conn satisfies it.
type ClientConn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
}

// Runner wires one client connection to its orchestrator: client audio flows
// to the provider, playback and observer messages flow back.
type Runner struct {
	Conn         ClientConn
	Orchestrator *Orchestrator
	Bridge       *audio.Bridge
	// Bus is optional; without it observer messages are not forwarded.
	Bus       *messenger.Bus
	Variables handoff.Variables
	Writer    WriterConfig
	Logger    *slog.Logger
	// InboundQueue bounds client audio frames waiting for capture.
	InboundQueue int

	writer atomic.Pointer[outboundWriter]
}

// Notify sends an error frame to the client ahead of queued traffic. It
// reports false before Run starts or when the priority lane is full.
func (r *Runner) Notify(code, message string) bool {
	w := r.writer.Load()
	if w == nil {
		return false
	}
	return w.SendPriority(protocol.ServerError{Type: "error", Code: code, Message: message})
}

// Run starts the session and blocks until the client leaves, the provider
// connection closes or ctx ends. The orchestrator is closed on return.
func (r *Runner) Run(ctx context.Context) error {
	if r.Conn == nil || r.Orchestrator == nil || r.Bridge == nil {
		return errors.New("runner requires a client connection, orchestrator and bridge")
	}
	o := r.Orchestrator
	defer o.Close()

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", o.SessionID())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := newOutboundWriter(r.Conn, r.Writer, o.IsResponseCanceled)
	r.writer.Store(w)
	in := newInboundAudio(ctx, r.InboundQueue)

	var updates <-chan []byte
	if r.Bus != nil {
		ch, err := r.Bus.Subscribe(ctx, o.SessionID())
		if err != nil {
			return err
		}
		updates = ch
	}

	vars := r.Variables
	if !o.Post(func() {
		if err := o.Start(vars); err != nil {
			logger.Error("session start failed", "error", err)
			w.SendPriority(protocol.ServerError{Type: "error", Code: "start_failed", Message: "session could not start", Close: true})
			_ = o.Close()
		}
	}) {
		return ErrClosed
	}

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		return o.Run(ctx)
	})
	g.Go(func() error {
		defer cancel()
		// Unblocks the read loop when the writer fails first.
		defer r.Conn.Close()
		return w.Run(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return r.readLoop(ctx, logger, w, in)
	})
	g.Go(func() error {
		frames := r.Bridge.Capture(ctx, in)
		audio.RunSender(ctx, frames, o.Post, o.SendAudio)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return r.Bridge.RunPlayback(ctx, &clientSpeaker{ctx: ctx, writer: w})
	})
	if updates != nil {
		g.Go(func() error {
			for payload := range updates {
				if err := w.SendRaw(ctx, payload); err != nil {
					return nil
				}
			}
			return nil
		})
	}

	err := g.Wait()
	if dropped := in.dropped.Load(); dropped > 0 {
		logger.Info("client audio dropped", "frames", dropped)
	}
	return err
}

func (r *Runner) readLoop(ctx context.Context, logger *slog.Logger, w *outboundWriter, in *inboundAudio) error {
	o := r.Orchestrator
	for {
		messageType, data, err := r.Conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("client connection closed", "error", err)
			}
			return nil
		}
		// Binary frames carry raw PCM.
		if messageType == websocket.BinaryMessage {
			in.push(data)
			continue
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				w.SendPriority(protocol.ServerError{Type: "error", Code: de.Code, Message: de.Error()})
			}
			continue
		}
		switch m := msg.(type) {
		case protocol.ClientAudio:
			in.push(m.PCM)
		case protocol.ClientControl:
			switch m.Op {
			case protocol.ControlStop:
				logger.Info("client stopped session")
				return nil
			case protocol.ControlBargeIn:
				o.Post(o.BargeIn)
			}
		case protocol.ClientHello:
			w.SendPriority(protocol.ServerError{Type: "error", Code: "bad_request", Message: "hello already received"})
		}
	}
}

// inboundAudio is the capture device for a websocket client. The read loop
// pushes decoded frames; the bridge's capture goroutine reads them.
type inboundAudio struct {
	done    <-chan struct{}
	frames  chan []byte
	pending []byte
	dropped atomic.Int64
}

func newInboundAudio(ctx context.Context, size int) *inboundAudio {
	if size <= 0 {
		size = defaultInboundQueue
	}
	return &inboundAudio{done: ctx.Done(), frames: make(chan []byte, size)}
}

// push never blocks; a full queue drops the frame.
func (a *inboundAudio) push(pcm []byte) bool {
	if len(pcm) == 0 {
		return true
	}
	select {
	case a.frames <- pcm:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

// Read returns buffered PCM, blocking until a frame arrives. It returns
// io.EOF once the session context is done.
func (a *inboundAudio) Read(p []byte) (int, error) {
	if len(a.pending) == 0 {
		select {
		case <-a.done:
			return 0, io.EOF
		case frame := <-a.frames:
			a.pending = frame
		}
	}
	n := copy(p, a.pending)
	a.pending = a.pending[n:]
	return n, nil
}
