package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-switchboard/pkg/core/pool"
	"github.com/vango-go/vai-switchboard/pkg/core/voice/tts"
)

var (
	ErrSynthesisFailed = errors.New("synthesis failed")
	ErrDeviceRead      = errors.New("audio device read failed")
	// ErrStreamStopped is returned by devices whose stream was stopped or
	// underflowed; bridge workers treat it as a clean exit.
	ErrStreamStopped = errors.New("audio stream stopped")
)

const (
	defaultSendQueue     = 64
	defaultPlaybackQueue = 256
	captureRetryDelay    = 5 * time.Millisecond
)

// HandlePool is the part of *pool.Pool the bridge needs.
type HandlePool interface {
	AcquireForSession(ctx context.Context, sessionID string, kind pool.Kind) (*pool.Entry, error)
	Release(sessionID string, e *pool.Entry) error
}

// CaptureDevice is a blocking PCM source (microphone, inbound transport).
type CaptureDevice interface {
	Read(p []byte) (int, error)
}

// PlaybackDevice is a blocking PCM sink (speaker, outbound transport).
type PlaybackDevice interface {
	Write(p []byte) (int, error)
}

// ChunkWriter is implemented by playback transports that forward chunk
// metadata (response id, sequence) along with the PCM. RunPlayback prefers
// it over Write.
type ChunkWriter interface {
	WriteChunk(c Chunk) error
}

// Flusher is implemented by playback devices that buffer internally.
type Flusher interface {
	Flush() error
}

type Config struct {
	SessionID string
	Profile   Profile
	Pool      HandlePool
	Logger    *slog.Logger
	Metrics   *pool.Metrics

	WarmUpTimeout time.Duration
	SendQueue     int
	PlaybackQueue int

	// OnInterrupt runs after BargeIn has silenced playback.
	OnInterrupt func()
	// Sleep paces chunks for paced profiles. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type queued struct {
	chunk Chunk
	gen   uint64
}

// Bridge owns one session's playback queue, capture stats and in-flight
// syntheses. All methods are safe for concurrent use.
type Bridge struct {
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	queue chan queued
	gen   atomic.Uint64

	mu        sync.Mutex
	synths    map[uint64]context.CancelFunc
	nextSynth uint64
	device    PlaybackDevice
	seqResp   string
	seqNext   int

	dropped    atomic.Int64
	readErrors atomic.Int64
}

func NewBridge(cfg Config) *Bridge {
	if cfg.Profile.ChunkBytes <= 0 || cfg.Profile.SampleRate <= 0 {
		cfg.Profile = ProfileUI
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.PlaybackQueue <= 0 {
		cfg.PlaybackQueue = defaultPlaybackQueue
	}
	if cfg.WarmUpTimeout <= 0 {
		cfg.WarmUpTimeout = pool.DefaultConfig().WarmUpTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Bridge{
		cfg:    cfg,
		logger: logger.With("session_id", cfg.SessionID, "profile", cfg.Profile.Name),
		sleep:  sleep,
		queue:  make(chan queued, cfg.PlaybackQueue),
		synths: make(map[uint64]context.CancelFunc),
	}
}

func (b *Bridge) Profile() Profile { return b.cfg.Profile }

type SynthesisRequest struct {
	Text         string
	Voice        VoiceParams
	ResponseID   string
	OnFirstAudio func()
}

type SynthesisResult struct {
	Chunks int
	Bytes  int
	Tier   pool.Tier
}

// Synthesize acquires a TTS handle, warms the voice once per handle, and
// feeds profile-sized chunks into the playback queue until the engine
// finishes or ctx is canceled. Cancellation is observed at chunk boundaries;
// audio not yet queued is dropped. The handle is released on every path.
func (b *Bridge) Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error) {
	var res SynthesisResult
	if b.cfg.Pool == nil {
		return res, fmt.Errorf("%w: no speech pool configured", ErrSynthesisFailed)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	id := b.trackSynthesis(cancel)
	defer b.untrackSynthesis(id)
	gen := b.gen.Load()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	entry, err := b.acquire(ctx)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := b.cfg.Pool.Release(b.cfg.SessionID, entry); err != nil {
			b.logger.Warn("release speech handle failed", "handle_id", entry.ID, "error", err)
		}
	}()
	res.Tier = entry.Tier()

	synth, ok := entry.Handle.(tts.Synthesizer)
	if !ok {
		return res, fmt.Errorf("%w: handle %s cannot synthesize", ErrSynthesisFailed, entry.ID)
	}
	opts := req.Voice.options(b.cfg.Profile.SampleRate)
	if err := b.prepareVoice(ctx, entry, req.Voice, opts); err != nil {
		return res, err
	}

	stream, err := synth.Synthesize(ctx, req.Text, opts)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	defer stream.Close()

	var (
		pending []byte
		seq     int
		first   sync.Once
	)
	emit := func(data []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := Chunk{Data: data, SampleRate: b.cfg.Profile.SampleRate, Seq: seq, ResponseID: req.ResponseID}
		if err := b.push(ctx, queued{chunk: c, gen: gen}); err != nil {
			return err
		}
		seq++
		res.Chunks++
		res.Bytes += len(data)
		if req.OnFirstAudio != nil {
			first.Do(req.OnFirstAudio)
		}
		if b.cfg.Profile.Paced {
			return b.sleep(ctx, BytesDuration(len(data), b.cfg.Profile.SampleRate))
		}
		return nil
	}

	size := b.cfg.Profile.ChunkBytes
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case data, ok := <-stream.Chunks():
			if !ok {
				if err := stream.Err(); err != nil {
					if ctx.Err() != nil {
						return res, ctx.Err()
					}
					return res, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
				}
				if len(pending) > 0 {
					if err := emit(pending); err != nil {
						return res, err
					}
				}
				return res, nil
			}
			pending = append(pending, data...)
			for len(pending) >= size {
				out := make([]byte, size)
				copy(out, pending[:size])
				pending = pending[size:]
				if err := emit(out); err != nil {
					return res, err
				}
			}
		}
	}
}

// acquire retries a single time on ErrPoolExhausted.
func (b *Bridge) acquire(ctx context.Context) (*pool.Entry, error) {
	for attempt := 0; ; attempt++ {
		e, err := b.cfg.Pool.AcquireForSession(ctx, b.cfg.SessionID, pool.KindTTS)
		if err == nil {
			return e, nil
		}
		if errors.Is(err, pool.ErrPoolExhausted) && attempt == 0 && ctx.Err() == nil {
			b.logger.Warn("speech pool exhausted, retrying once", "error", err)
			continue
		}
		return nil, err
	}
}

// prepareVoice fails only when ctx is done; warm-up problems are logged and
// synthesis proceeds cold.
func (b *Bridge) prepareVoice(ctx context.Context, entry *pool.Entry, voice VoiceParams, opts tts.SynthesizeOptions) error {
	w, ok := entry.Handle.(tts.WarmUpper)
	if !ok {
		return nil
	}
	ran, err := entry.PrepareVoice(ctx, voice.Signature(opts.SampleRate), b.cfg.WarmUpTimeout, func(wctx context.Context) error {
		return w.WarmUp(wctx, opts)
	})
	switch {
	case err == nil && ran:
		b.cfg.Metrics.WarmUp(entry.Kind, "ran")
	case err == nil:
		b.cfg.Metrics.WarmUp(entry.Kind, "cached")
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, pool.ErrWarmUpTimeout):
		b.cfg.Metrics.WarmUp(entry.Kind, "timeout")
		b.logger.Warn("voice warm-up timed out", "handle_id", entry.ID, "voice", voice.Voice, "error", err)
	default:
		b.cfg.Metrics.WarmUp(entry.Kind, "error")
		b.logger.Warn("voice warm-up failed", "handle_id", entry.ID, "voice", voice.Voice, "error", err)
	}
	return nil
}

func (b *Bridge) push(ctx context.Context, q queued) error {
	select {
	case b.queue <- q:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues a chunk for playback without blocking. It reports false when
// the queue is full and the chunk was dropped.
func (b *Bridge) Enqueue(c Chunk) bool {
	select {
	case b.queue <- queued{chunk: c, gen: b.gen.Load()}:
		return true
	default:
		b.logger.Debug("playback queue full, dropping chunk", "response_id", c.ResponseID, "seq", c.Seq)
		return false
	}
}

// EnqueuePCM splits provider audio into profile chunks, numbering them
// continuously within responseID. It returns the number of chunks queued.
func (b *Bridge) EnqueuePCM(data []byte, responseID string) int {
	chunks := Split(data, b.cfg.Profile, responseID)
	b.mu.Lock()
	if b.seqResp != responseID {
		b.seqResp = responseID
		b.seqNext = 0
	}
	for i := range chunks {
		chunks[i].Seq = b.seqNext
		b.seqNext++
	}
	b.mu.Unlock()

	n := 0
	for _, c := range chunks {
		if b.Enqueue(c) {
			n++
		}
	}
	return n
}

// RunPlayback drains the playback queue into dev until ctx is done. A device
// reporting ErrStreamStopped ends playback cleanly.
func (b *Bridge) RunPlayback(ctx context.Context, dev PlaybackDevice) error {
	b.mu.Lock()
	b.device = dev
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.device = nil
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-b.queue:
			if q.gen != b.gen.Load() {
				continue
			}
			var err error
			if cw, ok := dev.(ChunkWriter); ok {
				err = cw.WriteChunk(q.chunk)
			} else {
				_, err = dev.Write(q.chunk.Data)
			}
			if err != nil {
				if errors.Is(err, ErrStreamStopped) {
					b.logger.Debug("playback stream stopped")
					return nil
				}
				return fmt.Errorf("playback write: %w", err)
			}
		}
	}
}

// StopPlayback cancels in-flight syntheses, discards queued audio and flushes
// the playback device. Safe to call when nothing is playing. It returns the
// number of queued chunks discarded.
func (b *Bridge) StopPlayback() int {
	b.gen.Add(1)

	b.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(b.synths))
	for _, cancel := range b.synths {
		cancels = append(cancels, cancel)
	}
	dev := b.device
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	dropped := 0
drain:
	for {
		select {
		case <-b.queue:
			dropped++
		default:
			break drain
		}
	}
	if f, ok := dev.(Flusher); ok {
		if err := f.Flush(); err != nil {
			b.logger.Debug("playback flush failed", "error", err)
		}
	}
	return dropped
}

// BargeIn silences playback and then signals OnInterrupt so the owner can
// cancel the in-flight response.
func (b *Bridge) BargeIn() int {
	dropped := b.StopPlayback()
	if b.cfg.OnInterrupt != nil {
		b.cfg.OnInterrupt()
	}
	return dropped
}

func (b *Bridge) PlaybackDepth() int {
	return len(b.queue)
}

func (b *Bridge) trackSynthesis(cancel context.CancelFunc) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSynth++
	b.synths[b.nextSynth] = cancel
	return b.nextSynth
}

func (b *Bridge) untrackSynthesis(id uint64) {
	b.mu.Lock()
	delete(b.synths, id)
	b.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
