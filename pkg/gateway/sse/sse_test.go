package sse

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWriter_SendAndPing(t *testing.T) {
	rr := httptest.NewRecorder()
	sw, err := New(rr)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := sw.Send("status", json.RawMessage(`{"type":"status","status":"ok"}`)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if err := sw.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}

	if got := rr.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type=%q", got)
	}
	want := "event: status\ndata: {\"type\":\"status\",\"status\":\"ok\"}\n\n: ping\n\n"
	if got := rr.Body.String(); got != want {
		t.Fatalf("body=%q, want %q", got, want)
	}
}
