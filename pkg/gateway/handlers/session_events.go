package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-switchboard/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-switchboard/pkg/gateway/messenger"
	"github.com/vango-go/vai-switchboard/pkg/gateway/mw"
	"github.com/vango-go/vai-switchboard/pkg/gateway/sse"
)

// SessionEventsHandler streams a live session's observer frames (status,
// tool, transcript, agent switch) as server-sent events. Audio is not
// included.
type SessionEventsHandler struct {
	Bus          *messenger.Bus
	Tracker      *sessions.Tracker
	PingInterval time.Duration
	Logger       *slog.Logger
}

func (h SessionEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	sessionID := strings.TrimSpace(r.PathValue("id"))
	if h.Bus == nil || sessionID == "" || !h.Tracker.Has(sessionID) {
		writeAPIError(w, r, http.StatusNotFound, &mw.APIError{Type: errNotFound, Message: "session not found", Param: "id"})
		return
	}

	frames, err := h.Bus.Subscribe(r.Context(), sessionID)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("session events subscribe failed", "session_id", sessionID, "error", err)
		}
		writeAPIError(w, r, http.StatusInternalServerError, &mw.APIError{Type: "api_error", Message: "failed to subscribe"})
		return
	}
	sw, err := sse.New(w)
	if err != nil {
		writeAPIError(w, r, http.StatusInternalServerError, &mw.APIError{Type: "api_error", Message: "streaming unsupported"})
		return
	}

	interval := h.PingInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := sw.Send(frameType(frame), json.RawMessage(frame)); err != nil {
				return
			}
		case <-ticker.C:
			if !h.Tracker.Has(sessionID) {
				_ = sw.Send("session_ended", map[string]string{"session_id": sessionID})
				return
			}
			if err := sw.Ping(); err != nil {
				return
			}
		}
	}
}

func frameType(frame []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil || head.Type == "" {
		return "message"
	}
	return head.Type
}
