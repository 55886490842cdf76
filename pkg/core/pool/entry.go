package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Handle is a synthesis or recognition engine connection.
type Handle interface {
	Close() error
}

// Factory creates a new engine handle of the given kind.
type Factory func(ctx context.Context, kind Kind) (Handle, error)

// VoiceSignature identifies a voice configuration that has been warmed up
// on a handle. Engines keep one stream per output sample rate, so the rate
// is part of the key.
type VoiceSignature struct {
	Voice      string
	Style      string
	Rate       float64
	SampleRate int
}

func (s VoiceSignature) String() string {
	return fmt.Sprintf("%s/%s/%.2f@%d", s.Voice, s.Style, s.Rate, s.SampleRate)
}

// Entry is a pooled handle. Ownership fields are guarded by the pool mutex;
// the prepared-voice cache has its own lock because warm-up runs outside the
// pool lock.
type Entry struct {
	ID     string
	Kind   Kind
	Handle Handle

	tier        Tier
	owner       string
	reservedFor string
	createdAt   time.Time
	lastUsed    time.Time

	voiceMu  sync.Mutex
	prepared map[VoiceSignature]struct{}
}

func newEntry(id string, kind Kind, h Handle, tier Tier, now time.Time) *Entry {
	return &Entry{
		ID:        id,
		Kind:      kind,
		Handle:    h,
		tier:      tier,
		createdAt: now,
		lastUsed:  now,
		prepared:  make(map[VoiceSignature]struct{}),
	}
}

// Tier reports how the entry was obtained by its current owner.
func (e *Entry) Tier() Tier {
	if e == nil {
		return ""
	}
	return e.tier
}

func (e *Entry) Temporary() bool {
	return e != nil && e.tier == TierTemporary
}

func (e *Entry) IsPrepared(sig VoiceSignature) bool {
	if e == nil {
		return false
	}
	e.voiceMu.Lock()
	defer e.voiceMu.Unlock()
	_, ok := e.prepared[sig]
	return ok
}

// PrepareVoice runs warm once per signature on this handle. It reports true
// when warm-up actually ran. A warm-up that exceeds timeout yields
// ErrWarmUpTimeout and is not cached, so the next call retries it.
func (e *Entry) PrepareVoice(ctx context.Context, sig VoiceSignature, timeout time.Duration, warm func(context.Context) error) (bool, error) {
	if e == nil || warm == nil {
		return false, nil
	}
	if e.IsPrepared(sig) {
		return false, nil
	}
	if timeout <= 0 {
		timeout = DefaultConfig().WarmUpTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := warm(wctx); err != nil {
		if errors.Is(wctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return false, fmt.Errorf("%w: %s after %s", ErrWarmUpTimeout, sig, timeout)
		}
		return false, err
	}

	e.voiceMu.Lock()
	e.prepared[sig] = struct{}{}
	e.voiceMu.Unlock()
	return true, nil
}
