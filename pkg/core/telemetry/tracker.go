// Package telemetry accumulates per-turn timing and token usage for the
// active agent and rolls it up into a TurnRecord when the agent changes.
package telemetry

import (
	"sync"
	"time"
)

// TurnRecord summarizes one agent episode. TTFT and Duration are averages
// over the turns that recorded them.
type TurnRecord struct {
	Agent         string        `json:"agent"`
	Turns         int           `json:"turns"`
	TurnStart     time.Time     `json:"turn_start"`
	FirstToken    *time.Time    `json:"first_token,omitempty"`
	TTFT          time.Duration `json:"ttft"`
	Duration      time.Duration `json:"duration"`
	InputTokens   int           `json:"input_tokens"`
	OutputTokens  int           `json:"output_tokens"`
	ResponseCount int           `json:"response_count"`
}

// Tracker is safe for concurrent use, though the session loop is its only
// writer in practice.
type Tracker struct {
	mu  sync.Mutex
	now func() time.Time

	turns        int
	turnStart    time.Time
	firstToken   time.Time
	inTurn       bool
	firstStart   time.Time
	firstOutput  *time.Time
	ttftTotal    time.Duration
	ttftCount    int
	durTotal     time.Duration
	durCount     int
	inputTokens  int
	outputTokens int
	responses    int
}

func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// StartTurn opens a turn. An unfinished previous turn is closed first.
func (t *Tracker) StartTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inTurn {
		t.endTurnLocked()
	}
	now := t.now()
	t.turns++
	t.turnStart = now
	t.firstToken = time.Time{}
	t.inTurn = true
	if t.firstStart.IsZero() {
		t.firstStart = now
	}
}

// MarkFirstToken records the first output of the current turn. Later calls
// in the same turn are ignored.
func (t *Tracker) MarkFirstToken() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inTurn || !t.firstToken.IsZero() {
		return
	}
	now := t.now()
	t.firstToken = now
	t.ttftTotal += now.Sub(t.turnStart)
	t.ttftCount++
	if t.firstOutput == nil {
		ft := now
		t.firstOutput = &ft
	}
}

func (t *Tracker) AddUsage(input, output int) {
	if input < 0 {
		input = 0
	}
	if output < 0 {
		output = 0
	}
	t.mu.Lock()
	t.inputTokens += input
	t.outputTokens += output
	t.mu.Unlock()
}

func (t *Tracker) AddResponse() {
	t.mu.Lock()
	t.responses++
	t.mu.Unlock()
}

// EndTurn closes the current turn; it is a no-op outside a turn.
func (t *Tracker) EndTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inTurn {
		t.endTurnLocked()
	}
}

func (t *Tracker) endTurnLocked() {
	t.durTotal += t.now().Sub(t.turnStart)
	t.durCount++
	t.inTurn = false
}

// HasActivity reports whether anything worth flushing was recorded.
func (t *Tracker) HasActivity() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turns > 0 || t.responses > 0
}

// Flush rolls the episode up into a record attributed to agent and resets
// the tracker. A turn still open is closed at the flush time.
func (t *Tracker) Flush(agent string) TurnRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inTurn {
		t.endTurnLocked()
	}
	rec := TurnRecord{
		Agent:         agent,
		Turns:         t.turns,
		TurnStart:     t.firstStart,
		FirstToken:    t.firstOutput,
		InputTokens:   t.inputTokens,
		OutputTokens:  t.outputTokens,
		ResponseCount: t.responses,
	}
	if t.ttftCount > 0 {
		rec.TTFT = t.ttftTotal / time.Duration(t.ttftCount)
	}
	if t.durCount > 0 {
		rec.Duration = t.durTotal / time.Duration(t.durCount)
	}
	t.resetLocked()
	return rec
}

func (t *Tracker) resetLocked() {
	t.turns = 0
	t.turnStart = time.Time{}
	t.firstToken = time.Time{}
	t.inTurn = false
	t.firstStart = time.Time{}
	t.firstOutput = nil
	t.ttftTotal, t.ttftCount = 0, 0
	t.durTotal, t.durCount = 0, 0
	t.inputTokens, t.outputTokens = 0, 0
	t.responses = 0
}
