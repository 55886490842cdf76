package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-switchboard/pkg/core/agents"
	"github.com/vango-go/vai-switchboard/pkg/core/handoff"
	"github.com/vango-go/vai-switchboard/pkg/gateway/config"
	"github.com/vango-go/vai-switchboard/pkg/gateway/live/session"
	"github.com/vango-go/vai-switchboard/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-switchboard/pkg/gateway/messenger"
	"github.com/vango-go/vai-switchboard/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-switchboard/pkg/gateway/realtime"
)

const voiceTestAgents = `
default: Concierge
agents:
  - name: Concierge
    greeting: 'Hello {{ .customer_name | default "there" }}'
    handoffs:
      transfer_to_billing: Billing
  - name: Billing
    greeting: Billing desk.
state_rules:
  - name: verified
    key: authenticated
    when: became_true
    target: Billing
`

type fakeRealtime struct {
	events chan realtime.Event

	mu      sync.Mutex
	cfg     realtime.Config
	updates []realtime.SessionConfig
	closed  bool
}

func (c *fakeRealtime) Events() <-chan realtime.Event { return c.events }

func (c *fakeRealtime) UpdateSession(_ context.Context, cfg realtime.SessionConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, cfg)
	return nil
}

func (c *fakeRealtime) CreateResponse(context.Context, realtime.ResponseOptions) error { return nil }
func (c *fakeRealtime) CancelResponse(context.Context, string) error                   { return nil }
func (c *fakeRealtime) AppendItem(context.Context, realtime.Item) error                { return nil }
func (c *fakeRealtime) AppendAudio(context.Context, []byte) error                      { return nil }

func (c *fakeRealtime) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeRealtime) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type voiceTestOptions struct {
	maxSessions    int
	allowedOrigins map[string]struct{}
	dialErr        error
	limiter        *ratelimit.Limiter
}

type voiceHarness struct {
	url     string
	tracker *sessions.Tracker
	dialed  chan *fakeRealtime
}

func newVoiceTestServer(t *testing.T, opts voiceTestOptions) *voiceHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := agents.Parse([]byte(voiceTestAgents))
	require.NoError(t, err)

	bus := messenger.NewBus(logger)
	t.Cleanup(func() { _ = bus.Close() })

	cfg := config.Config{
		AllowedOrigins:        opts.allowedOrigins,
		VoiceMaxMessageBytes:  64 * 1024,
		VoiceMaxSessions:      opts.maxSessions,
		VoiceHandshakeTimeout: 2 * time.Second,
		VoicePingInterval:     time.Minute,
		VoiceWriteTimeout:     2 * time.Second,
		RealtimeURL:           "wss://provider.invalid/v1/realtime",
		RealtimeAPIKey:        "sk-test",
		RealtimeModel:         "test-model",
		AudioProfile:          "ui",
		GreetingTimeout:       time.Hour,
	}

	h := &voiceHarness{tracker: sessions.NewTracker(), dialed: make(chan *fakeRealtime, 4)}
	builder := &SessionBuilder{
		Config:   cfg,
		Registry: reg,
		Bus:      bus,
		Logger:   logger,
		Dial: func(_ context.Context, rc realtime.Config) (realtime.Conn, error) {
			if opts.dialErr != nil {
				return nil, opts.dialErr
			}
			c := &fakeRealtime{events: make(chan realtime.Event, 16), cfg: rc}
			h.dialed <- c
			return c, nil
		},
	}

	srv := httptest.NewServer(VoiceHandler{
		Config:   cfg,
		Sessions: builder,
		Bus:      bus,
		Tracker:  h.tracker,
		Limiter:  opts.limiter,
		Logger:   logger,
	})
	t.Cleanup(func() {
		h.tracker.CancelAll()
		h.tracker.Wait(context.Background())
		srv.Close()
	})
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return h
}

func mustDialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	return conn
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func mustReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return out
}

// readUntilType skips frames until one of type typ arrives.
func readUntilType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := mustReadJSON(t, conn, time.Until(deadline))
		if msg["type"] == typ {
			return msg
		}
	}
	t.Fatalf("no %s frame", typ)
	return nil
}

func hello(extra map[string]any) map[string]any {
	out := map[string]any{"type": "hello", "protocol_version": "1"}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func TestVoiceHandler_HandshakeStartsSession(t *testing.T) {
	h := newVoiceTestServer(t, voiceTestOptions{})
	conn := mustDialWS(t, h.url)
	defer conn.Close()

	mustWriteJSON(t, conn, hello(map[string]any{
		"session_id": "call-42",
		"profile":    "telephony",
		"variables":  map[string]any{"customer_name": "Ada"},
	}))

	ack := mustReadJSON(t, conn, 2*time.Second)
	assert.Equal(t, "hello_ack", ack["type"])
	assert.Equal(t, "call-42", ack["session_id"])
	assert.Equal(t, "telephony", ack["profile"])
	assert.EqualValues(t, 16000, ack["sample_rate_hz"])
	assert.Equal(t, "Concierge", ack["agent"])

	switched := readUntilType(t, conn, "agent_switched")
	assert.Equal(t, "Concierge", switched["to"])

	var provider *fakeRealtime
	select {
	case provider = <-h.dialed:
	case <-time.After(2 * time.Second):
		t.Fatal("provider was not dialed")
	}
	assert.Equal(t, "sk-test", provider.cfg.APIKey)
	assert.Equal(t, "test-model", provider.cfg.Model)
	require.Eventually(t, func() bool { return h.tracker.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	snaps := h.tracker.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "Ada", snaps[0].Variables["customer_name"])
	assert.Equal(t, "call-42", snaps[0].Variables["session_id"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.tracker.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, provider.isClosed())
}

func TestVoiceHandler_DefaultsProfileAndSessionID(t *testing.T) {
	h := newVoiceTestServer(t, voiceTestOptions{})
	conn := mustDialWS(t, h.url)
	defer conn.Close()

	mustWriteJSON(t, conn, hello(map[string]any{"agent": "Billing"}))
	ack := mustReadJSON(t, conn, 2*time.Second)
	assert.Equal(t, "ui", ack["profile"])
	assert.EqualValues(t, 24000, ack["sample_rate_hz"])
	assert.Equal(t, "Billing", ack["agent"])
	assert.NotEmpty(t, ack["session_id"])
}

func TestVoiceHandler_HandshakeErrors(t *testing.T) {
	cases := []struct {
		name  string
		first any
		code  string
	}{
		{name: "unsupported version", first: hello(map[string]any{"protocol_version": "2"}), code: "unsupported"},
		{name: "unsupported profile", first: hello(map[string]any{"profile": "hifi"}), code: "unsupported"},
		{name: "not hello", first: map[string]any{"type": "control", "op": "stop"}, code: "bad_request"},
		{name: "unknown agent", first: hello(map[string]any{"agent": "Nobody"}), code: "unknown_agent"},
		{name: "garbage", first: map[string]any{"type": "nope"}, code: "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newVoiceTestServer(t, voiceTestOptions{})
			conn := mustDialWS(t, h.url)
			defer conn.Close()

			mustWriteJSON(t, conn, tc.first)
			msg := mustReadJSON(t, conn, 2*time.Second)
			assert.Equal(t, "error", msg["type"])
			assert.Equal(t, tc.code, msg["code"])
			assert.Equal(t, true, msg["close"])
			assert.Equal(t, 0, h.tracker.Count())
		})
	}
}

func TestVoiceHandler_ProviderDialFailure(t *testing.T) {
	h := newVoiceTestServer(t, voiceTestOptions{dialErr: errors.New("connection refused")})
	conn := mustDialWS(t, h.url)
	defer conn.Close()

	mustWriteJSON(t, conn, hello(nil))
	msg := mustReadJSON(t, conn, 2*time.Second)
	assert.Equal(t, "provider_error", msg["code"])
}

func TestVoiceHandler_RejectsBeforeUpgrade(t *testing.T) {
	t.Run("draining", func(t *testing.T) {
		h := newVoiceTestServer(t, voiceTestOptions{})
		h.tracker.SetDraining(true)
		_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, 529, resp.StatusCode)
	})
	t.Run("origin", func(t *testing.T) {
		h := newVoiceTestServer(t, voiceTestOptions{allowedOrigins: map[string]struct{}{"https://app.example": {}}})
		header := http.Header{"Origin": []string{"https://evil.example"}}
		_, resp, err := websocket.DefaultDialer.Dial(h.url, header)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		header.Set("Origin", "https://app.example")
		conn, _, err := websocket.DefaultDialer.Dial(h.url, header)
		require.NoError(t, err)
		_ = conn.Close()
	})
	t.Run("session limit", func(t *testing.T) {
		h := newVoiceTestServer(t, voiceTestOptions{maxSessions: 1})
		unregister := h.tracker.Register("busy", sessions.Handle{})
		defer unregister()
		_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
	t.Run("client rate limit", func(t *testing.T) {
		h := newVoiceTestServer(t, voiceTestOptions{limiter: ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1})})
		conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
		require.NoError(t, err)
		_ = conn.Close()

		_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	})
	t.Run("method", func(t *testing.T) {
		rr := httptest.NewRecorder()
		VoiceHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/voice", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestVoiceHandler_DrainNotifiesClient(t *testing.T) {
	h := newVoiceTestServer(t, voiceTestOptions{})
	conn := mustDialWS(t, h.url)
	defer conn.Close()

	mustWriteJSON(t, conn, hello(nil))
	mustReadJSON(t, conn, 2*time.Second)
	require.Eventually(t, func() bool { return h.tracker.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return h.tracker.NotifyAll("draining", "server is shutting down") == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := readUntilType(t, conn, "error")
	assert.Equal(t, "draining", msg["code"])

	assert.Equal(t, 1, h.tracker.CancelAll())
	require.True(t, h.tracker.Wait(context.Background()))
}

func TestStrategies_IncludesStateRules(t *testing.T) {
	reg, err := agents.Parse([]byte(voiceTestAgents))
	require.NoError(t, err)

	strategies := Strategies(reg)
	require.Len(t, strategies, 2)
	assert.True(t, strategies[0].IsHandoffTrigger("transfer_to_billing"))

	detector, ok := strategies[1].(handoff.StateDetector)
	require.True(t, ok)
	name, _, ok := detector.Detect(handoff.Variables{}, handoff.Variables{"authenticated": true})
	require.True(t, ok)
	target, ok := strategies[1].TargetAgent(name)
	require.True(t, ok)
	assert.Equal(t, "Billing", target)
}

func TestSessionsHandler_ListsSnapshots(t *testing.T) {
	tracker := sessions.NewTracker()
	unregister := tracker.Register("s1", sessions.Handle{Snapshot: func() session.Snapshot {
		return session.Snapshot{
			SessionID:   "s1",
			State:       session.StateAgentActive,
			ActiveAgent: "Billing",
			Variables:   handoff.Variables{"customer_id": "c-1", "authenticated": true},
		}
	}})
	defer unregister()

	rr := httptest.NewRecorder()
	SessionsHandler{Tracker: tracker}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Sessions []sessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "agent_active", body.Sessions[0].State)
	assert.Equal(t, []string{"authenticated", "customer_id"}, body.Sessions[0].VariableKeys)
	assert.NotContains(t, rr.Body.String(), "c-1")
}
