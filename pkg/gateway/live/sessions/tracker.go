// Package sessions tracks the live voice sessions of one gateway process so
// shutdown can notify, cancel and wait for them.
package sessions

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vango-go/vai-switchboard/pkg/gateway/live/session"
)

type Handle struct {
	Cancel func()
	// Notify delivers a best-effort message to the client.
	Notify func(code, message string) bool
	// Snapshot is optional and feeds Snapshots.
	Snapshot func() session.Snapshot
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
	draining atomic.Bool
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds a session. A second registration under the same id replaces
// the first.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Has reports whether sessionID is registered.
func (t *Tracker) Has(sessionID string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[sessionID]
	return ok
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// SetDraining marks the process as shutting down. New sessions are refused
// and readiness fails while draining.
func (t *Tracker) SetDraining(v bool) {
	if t == nil {
		return
	}
	t.draining.Store(v)
}

func (t *Tracker) Draining() bool {
	return t != nil && t.draining.Load()
}

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.sessions))
	for _, entry := range t.sessions {
		if entry != nil {
			out = append(out, entry.handle)
		}
	}
	return out
}

// NotifyAll sends code/message to every session and returns how many
// accepted it.
func (t *Tracker) NotifyAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Notify != nil && h.Notify(code, message) {
			sent++
		}
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Snapshots returns the state of every session that exposes one, ordered by
// session id.
func (t *Tracker) Snapshots() []session.Snapshot {
	if t == nil {
		return nil
	}
	var out []session.Snapshot
	for _, h := range t.handles() {
		if h.Snapshot != nil {
			out = append(out, h.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Wait blocks until every session has unregistered or ctx ends. It reports
// whether all sessions finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
