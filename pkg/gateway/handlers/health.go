package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-switchboard/pkg/core/pool"
	"github.com/vango-go/vai-switchboard/pkg/gateway/config"
	"github.com/vango-go/vai-switchboard/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// PoolStats is the part of *pool.Pool readiness reports on.
type PoolStats interface {
	Stats(kind pool.Kind) pool.Stats
}

// StoreHealth is implemented by stores that can run degraded.
type StoreHealth interface {
	Degraded() bool
}

type ReadyHandler struct {
	Config   config.Config
	Sessions *sessions.Tracker
	// Pool is nil unless speech synthesis is enabled.
	Pool  PoolStats
	Store StoreHealth
}

type readyPool struct {
	Free      int `json:"free"`
	InUse     int `json:"in_use"`
	Temporary int `json:"temporary"`
	Creating  int `json:"creating"`
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool       `json:"ok"`
		Draining      bool       `json:"draining"`
		Sessions      int        `json:"sessions"`
		StoreDegraded bool       `json:"store_degraded"`
		SpeechPool    *readyPool `json:"speech_pool,omitempty"`
		Issues        []string   `json:"issues,omitempty"`
	}

	resp := readyResp{
		Draining: h.Sessions.Draining(),
		Sessions: h.Sessions.Count(),
	}
	issues := make([]string, 0, 4)

	if err := h.Config.RequireProvider(); err != nil {
		issues = append(issues, err.Error())
	}
	if h.Pool != nil {
		st := h.Pool.Stats(pool.KindTTS)
		resp.SpeechPool = &readyPool{Free: st.Free, InUse: st.InUse, Temporary: st.Temporary, Creating: st.Creating}
		if st.Warm() == 0 {
			issues = append(issues, "speech pool has no warm handles")
		}
	}
	if h.Store != nil && h.Store.Degraded() {
		// Sessions still run on the in-memory store.
		resp.StoreDegraded = true
	}
	if h.Config.VoiceMaxSessions > 0 && resp.Sessions >= h.Config.VoiceMaxSessions {
		issues = append(issues, "voice session limit reached")
	}

	status := http.StatusOK
	switch {
	case resp.Draining:
		issues = append(issues, "draining")
		status = http.StatusServiceUnavailable
	case len(issues) > 0:
		status = http.StatusServiceUnavailable
	}
	resp.OK = len(issues) == 0
	resp.Issues = issues

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
