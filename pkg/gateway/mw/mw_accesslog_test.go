package mw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBaseWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newTestBaseWriter() *testBaseWriter {
	return &testBaseWriter{header: make(http.Header)}
}

func (w *testBaseWriter) Header() http.Header { return w.header }

func (w *testBaseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
}

func (w *testBaseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(p)
}

// capWriter optionally implements Flusher and Hijacker depending on which
// wrapper type embeds it.
type capWriter struct {
	*testBaseWriter
	flushed  bool
	hijacked bool
}

func (w *capWriter) flush() { w.flushed = true }

func (w *capWriter) hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

type flushOnly struct{ *capWriter }

func (w flushOnly) Flush() { w.flush() }

type hijackOnly struct{ *capWriter }

func (w hijackOnly) Hijack() (net.Conn, *bufio.ReadWriter, error) { return w.hijack() }

type flushHijack struct{ *capWriter }

func (w flushHijack) Flush() { w.flush() }

func (w flushHijack) Hijack() (net.Conn, *bufio.ReadWriter, error) { return w.hijack() }

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func parseSingleLogRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line, "expected log output")
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	return rec
}

func TestAccessLog_AdvertisesExactlyTheUnderlyingInterfaces(t *testing.T) {
	cases := []struct {
		name      string
		wrap      func(*capWriter) http.ResponseWriter
		canFlush  bool
		canHijack bool
	}{
		{"plain", func(c *capWriter) http.ResponseWriter { return c.testBaseWriter }, false, false},
		{"flusher", func(c *capWriter) http.ResponseWriter { return flushOnly{c} }, true, false},
		{"hijacker", func(c *capWriter) http.ResponseWriter { return hijackOnly{c} }, false, true},
		{"both", func(c *capWriter) http.ResponseWriter { return flushHijack{c} }, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &capWriter{testBaseWriter: newTestBaseWriter()}
			h := AccessLog(newTestLogger(&bytes.Buffer{}), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				f, okF := w.(http.Flusher)
				hj, okH := w.(http.Hijacker)
				assert.Equal(t, tc.canFlush, okF)
				assert.Equal(t, tc.canHijack, okH)
				if okF {
					f.Flush()
				}
				if okH {
					_, _, _ = hj.Hijack()
				}
			}))
			h.ServeHTTP(tc.wrap(c), httptest.NewRequest(http.MethodGet, "/v1/voice", nil))

			assert.Equal(t, tc.canFlush, c.flushed)
			assert.Equal(t, tc.canHijack, c.hijacked)
		})
	}
}

func TestAccessLog_WebsocketUpgradeThroughMiddleware(t *testing.T) {
	logs := &bytes.Buffer{}
	upgrader := websocket.Upgrader{}
	h := RequestID(AccessLog(newTestLogger(logs), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, msg)
	})))
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)))
	_, echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"hello"}`, string(echoed))
	_ = conn.Close()
}

func TestAccessLog_StatusLogging(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    int
	}{
		{"explicit", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }, http.StatusServiceUnavailable},
		{"implicit", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "ok\n") }, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logs := &bytes.Buffer{}
			h := AccessLog(newTestLogger(logs), tc.handler)
			h.ServeHTTP(newTestBaseWriter(), httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(WithRequestID(context.Background(), "req_test")))

			rec := parseSingleLogRecord(t, logs)
			assert.Equal(t, float64(tc.want), rec["status"])
			assert.Equal(t, "req_test", rec["request_id"])
			assert.Equal(t, "/readyz", rec["path"])
		})
	}
}

func TestRecover_PanicReturnsJSONError(t *testing.T) {
	h := RequestID(Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	var env struct {
		Error APIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	assert.Equal(t, "api_error", env.Error.Type)
	assert.NotEmpty(t, env.Error.RequestID)
	assert.Equal(t, env.Error.RequestID, rr.Header().Get("X-Request-ID"))
}

func TestRequestID_KeepsIncomingHeader(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req_fixed")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "req_fixed", seen)
	assert.Equal(t, "req_fixed", rr.Header().Get("X-Request-ID"))
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	rr := httptest.NewRecorder()
	RequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	id := rr.Header().Get("X-Request-ID")
	require.True(t, strings.HasPrefix(id, "req_"), id)
	_, err := uuid.Parse(strings.TrimPrefix(id, "req_"))
	assert.NoError(t, err)
}
