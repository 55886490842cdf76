package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-switchboard/pkg/core/agents"
	"github.com/vango-go/vai-switchboard/pkg/core/audio"
	"github.com/vango-go/vai-switchboard/pkg/core/handoff"
	"github.com/vango-go/vai-switchboard/pkg/gateway/config"
	"github.com/vango-go/vai-switchboard/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-switchboard/pkg/gateway/live/session"
	"github.com/vango-go/vai-switchboard/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-switchboard/pkg/gateway/messenger"
	"github.com/vango-go/vai-switchboard/pkg/gateway/mw"
	"github.com/vango-go/vai-switchboard/pkg/gateway/ratelimit"
)

// VoiceHandler handles /v1/voice websocket sessions.
type VoiceHandler struct {
	Config   config.Config
	Sessions SessionFactory
	Bus      *messenger.Bus
	Tracker  *sessions.Tracker
	// Limiter admits sessions per client; nil admits everything.
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	if h.Tracker.Draining() {
		writeAPIError(w, r, statusOverloaded, &mw.APIError{Type: errOverloaded, Message: "gateway is draining", Code: "draining"})
		return
	}
	if !mw.OriginAllowed(h.Config.AllowedOrigins, r.Header.Get("Origin")) {
		writeAPIError(w, r, http.StatusForbidden, &mw.APIError{Type: errPermission, Message: "origin is not allowed", Param: "Origin"})
		return
	}
	if h.Config.VoiceMaxSessions > 0 && h.Tracker.Count() >= h.Config.VoiceMaxSessions {
		writeAPIError(w, r, http.StatusServiceUnavailable, &mw.APIError{Type: errOverloaded, Message: "too many active voice sessions", Code: "too_many_sessions"})
		return
	}
	admission := h.Limiter.AcquireSession(ratelimit.ClientKey(r), time.Now())
	if !admission.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(admission.RetryAfter))
		writeAPIError(w, r, http.StatusTooManyRequests, &mw.APIError{Type: errRateLimit, Message: "too many voice sessions from this client", Code: "rate_limited"})
		return
	}
	defer admission.Permit.Release()

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.VoiceMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.VoiceMaxMessageBytes)
	}

	handshakeTimeout := h.Config.VoiceHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		writeWSError(conn, "bad_request", "failed to read hello")
		return
	}
	if messageType != websocket.TextMessage {
		writeWSError(conn, "bad_request", "first frame must be hello")
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		writeDecodeError(conn, err)
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		writeWSError(conn, "bad_request", "first frame must be hello")
		return
	}
	if strings.TrimSpace(hello.Profile) == "" {
		hello.Profile = h.Config.AudioProfile
	}
	if err := protocol.ValidateHello(&hello); err != nil {
		writeDecodeError(conn, err)
		return
	}
	profile, ok := audio.ProfileByName(hello.Profile)
	if !ok {
		writeWSError(conn, "unsupported", "unsupported audio profile")
		return
	}

	sessionID := strings.TrimSpace(hello.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger = logger.With("session_id", sessionID, "request_id", requestIDFromContext(r.Context()))
	logger.Info("voice session requested", "hello", hello.RedactedForLog())

	if h.Sessions == nil {
		writeWSError(conn, "internal", "voice sessions are not configured")
		return
	}
	vs, err := h.Sessions.NewSession(r.Context(), SessionParams{
		SessionID: sessionID,
		Agent:     strings.TrimSpace(hello.Agent),
		Profile:   profile,
	})
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			writeWSError(conn, "unknown_agent", "unknown agent")
			return
		}
		logger.Warn("voice session setup failed", "error", err)
		writeWSError(conn, "provider_error", "failed to start voice session")
		return
	}
	if vs.Release != nil {
		defer vs.Release()
	}

	ack := protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       sessionID,
		Profile:         profile.Name,
		SampleRateHz:    profile.SampleRate,
		Agent:           vs.Agent,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteJSON(ack); err != nil {
		_ = vs.Orchestrator.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	runner := &session.Runner{
		Conn:         conn,
		Orchestrator: vs.Orchestrator,
		Bridge:       vs.Bridge,
		Bus:          h.Bus,
		Variables:    handoff.Variables(hello.Variables),
		Writer: session.WriterConfig{
			PingInterval: h.Config.VoicePingInterval,
			WriteTimeout: h.Config.VoiceWriteTimeout,
		},
		Logger:       logger,
		InboundQueue: h.Config.VoiceInboundQueue,
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	unregister := h.Tracker.Register(sessionID, sessions.Handle{
		Cancel:   cancel,
		Notify:   runner.Notify,
		Snapshot: vs.Orchestrator.Snapshot,
	})
	defer unregister()

	started := time.Now()
	if err := runner.Run(ctx); err != nil {
		logger.Warn("voice session ended with error", "error", err)
		return
	}
	logger.Info("voice session ended", "duration_ms", time.Since(started).Milliseconds())
}

func writeDecodeError(conn *websocket.Conn, err error) {
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		writeWSError(conn, de.Code, de.Error())
		return
	}
	writeWSError(conn, "bad_request", "invalid hello frame")
}

func writeWSError(conn *websocket.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Code: code, Message: message, Close: true})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
