package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-switchboard/pkg/core/pool"
)

// multi-stream-input supports per-message `context_id`; one synthesis request
// maps to one ElevenLabs context.
const defaultLiveWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/multi-stream-input"

const (
	defaultLiveSampleRate = 24000
	defaultLiveKeepAlive  = 15 * time.Second
	liveWriteTimeout      = 5 * time.Second
)

var ErrLiveConnClosed = errors.New("elevenlabs live connection closed")

type LiveConfig struct {
	APIKey       string
	BaseWSURL    string
	DefaultVoice string
	ModelID      string
	SampleRate   int
	KeepAlive    time.Duration
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
}

// LiveConn is a synthesis engine handle backed by ElevenLabs multi-stream
// websockets. It keeps one socket per (voice, sample rate) and multiplexes
// concurrent requests over it by context id.
type LiveConn struct {
	cfg    LiveConfig
	logger *slog.Logger

	mu      sync.Mutex
	sockets map[string]*liveSocket
	closed  bool
}

// DialLive validates cfg and, when a default voice is configured, opens its
// socket eagerly so the first request skips the handshake.
func DialLive(ctx context.Context, cfg LiveConfig) (*LiveConn, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultLiveSampleRate
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultLiveKeepAlive
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &LiveConn{
		cfg:     cfg,
		logger:  logger,
		sockets: make(map[string]*liveSocket),
	}
	if voice := strings.TrimSpace(cfg.DefaultVoice); voice != "" {
		if _, err := c.socket(ctx, voice, cfg.SampleRate); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// NewLiveConnFactory returns a pool factory producing LiveConn handles.
func NewLiveConnFactory(cfg LiveConfig) pool.Factory {
	return func(ctx context.Context, kind pool.Kind) (pool.Handle, error) {
		if kind != pool.KindTTS {
			return nil, fmt.Errorf("elevenlabs factory cannot create %s handles", kind)
		}
		return DialLive(ctx, cfg)
	}
}

// Synthesize sends text as a single flushed context and streams the PCM it
// produces. Canceling ctx closes the context upstream and finishes the stream
// with ctx.Err().
func (c *LiveConn) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	voice := strings.TrimSpace(opts.Voice)
	if voice == "" {
		voice = strings.TrimSpace(c.cfg.DefaultVoice)
	}
	if voice == "" {
		return nil, fmt.Errorf("elevenlabs voice id is required")
	}
	rate := opts.SampleRate
	if rate <= 0 {
		rate = c.cfg.SampleRate
	}
	sock, err := c.socket(ctx, voice, rate)
	if err != nil {
		return nil, err
	}

	contextID := uuid.NewString()
	stream := NewSynthesisStream()
	sock.register(contextID, stream)

	init := map[string]any{
		"text":       " ",
		"context_id": contextID,
	}
	if vs := voiceSettings(opts); len(vs) > 0 {
		init["voice_settings"] = vs
	}
	if err := sock.writeJSON(ctx, init); err != nil {
		sock.unregister(contextID)
		return nil, err
	}
	payload := text
	if strings.TrimSpace(payload) != "" && !strings.HasSuffix(payload, " ") {
		payload += " "
	}
	if err := sock.writeJSON(ctx, map[string]any{
		"text":       payload,
		"context_id": contextID,
		"flush":      true,
	}); err != nil {
		sock.unregister(contextID)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			if sock.unregister(contextID) {
				_ = sock.writeJSON(context.Background(), map[string]any{
					"context_id":    contextID,
					"close_context": true,
				})
				stream.SetError(ctx.Err())
				stream.FinishSending()
			}
		case <-stream.Done():
			if sock.unregister(contextID) {
				_ = sock.writeJSON(context.Background(), map[string]any{
					"context_id":    contextID,
					"close_context": true,
				})
				stream.FinishSending()
			}
		case <-sock.finished(contextID):
		}
	}()
	return stream, nil
}

// WarmUp synthesizes a throwaway utterance and discards its audio.
func (c *LiveConn) WarmUp(ctx context.Context, opts SynthesizeOptions) error {
	stream, err := c.Synthesize(ctx, ".", opts)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		select {
		case _, ok := <-stream.Chunks():
			if !ok {
				return stream.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *LiveConn) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sockets := c.sockets
	c.sockets = nil
	c.mu.Unlock()
	for _, s := range sockets {
		s.close("closed")
	}
	return nil
}

func (c *LiveConn) socket(ctx context.Context, voice string, rate int) (*liveSocket, error) {
	key := voice + "@" + strconv.Itoa(rate)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrLiveConnClosed
	}
	if s, ok := c.sockets[key]; ok && !s.isClosed() {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	wsURL, err := buildLiveWSURL(strings.TrimSpace(c.cfg.BaseWSURL), voice, c.cfg.ModelID, rate)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("xi-api-key", strings.TrimSpace(c.cfg.APIKey))
	conn, _, err := c.cfg.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial elevenlabs voice %s: %w", voice, err)
	}
	s := newLiveSocket(key, conn, c.cfg.KeepAlive, c.logger)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.close("closed")
		return nil, ErrLiveConnClosed
	}
	if cur, ok := c.sockets[key]; ok && !cur.isClosed() {
		// Lost a dial race; keep the socket that is already registered.
		s.close("duplicate")
		return cur, nil
	}
	c.sockets[key] = s
	return s, nil
}

func voiceSettings(opts SynthesizeOptions) map[string]any {
	vs := map[string]any{}
	if opts.Speed > 0 {
		vs["speed"] = opts.Speed
	}
	if opts.Style > 0 {
		vs["style"] = opts.Style
	}
	if opts.Stability > 0 {
		vs["stability"] = opts.Stability
	}
	return vs
}

type liveSocket struct {
	key       string
	conn      *websocket.Conn
	keepAlive time.Duration
	logger    *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[string]*liveContext

	errMu           sync.Mutex
	lastServerError string
	lastClose       string

	closed    chan struct{}
	closeOnce sync.Once
}

type liveContext struct {
	stream *SynthesisStream
	done   chan struct{}
}

func newLiveSocket(key string, conn *websocket.Conn, keepAlive time.Duration, logger *slog.Logger) *liveSocket {
	s := &liveSocket{
		key:       key,
		conn:      conn,
		keepAlive: keepAlive,
		logger:    logger,
		streams:   make(map[string]*liveContext),
		closed:    make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAliveLoop()
	return s
}

func (s *liveSocket) register(contextID string, stream *SynthesisStream) {
	s.mu.Lock()
	s.streams[contextID] = &liveContext{stream: stream, done: make(chan struct{})}
	s.mu.Unlock()
}

// unregister removes the context and reports whether this call removed it.
func (s *liveSocket) unregister(contextID string) bool {
	s.mu.Lock()
	lc, ok := s.streams[contextID]
	delete(s.streams, contextID)
	s.mu.Unlock()
	if ok {
		close(lc.done)
	}
	return ok
}

func (s *liveSocket) finished(contextID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lc, ok := s.streams[contextID]; ok {
		return lc.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (s *liveSocket) lookup(contextID string) *SynthesisStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lc, ok := s.streams[contextID]; ok {
		return lc.stream
	}
	return nil
}

func (s *liveSocket) activeContexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	return ids
}

func (s *liveSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *liveSocket) close(reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.setLastClose(reason)
		_ = s.conn.Close()
	})
}

func (s *liveSocket) readLoop() {
	defer s.failAll()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
			} else {
				s.setLastClose(strings.TrimSpace(err.Error()))
			}
			return
		}

		var msg map[string]json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if serverErr := decodeString(msg["error"]); serverErr != "" {
			s.setLastServerError(serverErr)
		} else if serverErr := decodeString(msg["message"]); serverErr != "" {
			s.setLastServerError(serverErr)
		}

		contextID := decodeString(msg["context_id"])
		if contextID == "" {
			contextID = decodeString(msg["contextId"])
		}
		stream := s.lookup(contextID)
		if stream == nil {
			continue
		}

		if audioB64 := decodeString(msg["audio"]); audioB64 != "" {
			audio, err := decodeBase64Any(audioB64)
			if err != nil {
				s.setLastServerError("invalid audio base64")
			} else if len(audio) > 0 {
				stream.Send(audio)
			}
		}
		if decodeBool(msg["isFinal"]) || decodeBool(msg["is_final"]) {
			if s.unregister(contextID) {
				stream.FinishSending()
			}
		}
	}
}

// failAll finishes every open stream once the socket is gone.
func (s *liveSocket) failAll() {
	s.close("read loop ended")
	reason := s.failureReason()
	for _, id := range s.activeContexts() {
		stream := s.lookup(id)
		if stream == nil || !s.unregister(id) {
			continue
		}
		stream.SetError(fmt.Errorf("%w (elevenlabs %s)", ErrLiveConnClosed, reason))
		stream.FinishSending()
	}
}

func (s *liveSocket) keepAliveLoop() {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			for _, id := range s.activeContexts() {
				if err := s.writeJSON(context.Background(), map[string]any{
					"text":       "",
					"context_id": id,
				}); err != nil {
					s.logger.Debug("elevenlabs keep-alive failed", "socket", s.key, "error", err)
				}
			}
		}
	}
}

func (s *liveSocket) writeJSON(ctx context.Context, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrLiveConnClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	}
	if err := s.conn.WriteJSON(payload); err != nil {
		reason := strings.TrimSpace(s.failureReason())
		if reason == "" {
			return err
		}
		return fmt.Errorf("%w (elevenlabs %s)", err, reason)
	}
	return nil
}

func buildLiveWSURL(base, voiceID, modelID string, sampleRate int) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = defaultLiveWSBase
	}
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/multi-stream-input"
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		if strings.TrimSpace(modelID) == "" {
			modelID = "eleven_flash_v2_5"
		}
		q.Set("model_id", modelID)
	}
	if q.Get("output_format") == "" {
		q.Set("output_format", "pcm_"+strconv.Itoa(sampleRate))
	}
	if q.Get("apply_text_normalization") == "" {
		q.Set("apply_text_normalization", "off")
	}
	if q.Get("inactivity_timeout") == "" {
		q.Set("inactivity_timeout", "180")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func decodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func decodeBool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var out bool
	if err := json.Unmarshal(raw, &out); err != nil {
		return false
	}
	return out
}

func decodeBase64Any(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	// ElevenLabs typically uses standard base64 but may omit padding.
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("invalid base64")
}

func (s *liveSocket) setLastServerError(msg string) {
	msg = compactReason(msg)
	if msg == "" {
		return
	}
	s.errMu.Lock()
	s.lastServerError = msg
	s.errMu.Unlock()
}

func (s *liveSocket) setLastClose(msg string) {
	msg = compactReason(msg)
	if msg == "" {
		return
	}
	s.errMu.Lock()
	if s.lastClose == "" {
		s.lastClose = msg
	}
	s.errMu.Unlock()
}

func (s *liveSocket) failureReason() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	parts := make([]string, 0, 2)
	if s.lastServerError != "" {
		parts = append(parts, "server_error="+s.lastServerError)
	}
	if s.lastClose != "" {
		parts = append(parts, "close="+s.lastClose)
	}
	return strings.Join(parts, " ")
}

func compactReason(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > 300 {
		msg = msg[:300] + "…"
	}
	return msg
}
