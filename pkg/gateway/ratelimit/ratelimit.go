// Package ratelimit admits voice sessions per client: a token bucket bounds
// how fast a client may open sessions and a counter bounds how many it may
// hold at once.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

type Config struct {
	// RPS and Burst size the per-client handshake bucket. Either <= 0
	// disables it.
	RPS   float64
	Burst int

	// MaxSessions caps concurrent sessions per client; <= 0 disables it.
	MaxSessions int

	// EntryTTL evicts idle buckets.
	EntryTTL time.Duration
}

type Limiter struct {
	cfg Config

	buckets *cache.Cache

	mu     sync.Mutex
	active map[string]int
}

type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		buckets: cache.New(cfg.EntryTTL, cfg.EntryTTL),
		active:  make(map[string]int),
	}
}

// ClientKey identifies the caller by remote IP.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		return r.RemoteAddr
	}
	return host
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed bool
	// RetryAfter is in whole seconds.
	RetryAfter int
	Permit     *Permit
}

// AcquireSession admits one session for client. A nil Limiter admits
// everything. Allowed decisions carry a Permit the caller releases when the
// session ends.
func (l *Limiter) AcquireSession(client string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	if client == "" {
		client = "anonymous"
	}

	if l.cfg.MaxSessions > 0 {
		l.mu.Lock()
		if l.active[client] >= l.cfg.MaxSessions {
			l.mu.Unlock()
			return Decision{Allowed: false, RetryAfter: 1}
		}
		l.mu.Unlock()
	}

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if ok, retryAfter := l.bucket(client, now).take(now, l.cfg.RPS, l.cfg.Burst); !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}

	if l.cfg.MaxSessions <= 0 {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[client] >= l.cfg.MaxSessions {
		return Decision{Allowed: false, RetryAfter: 1}
	}
	l.active[client]++
	return Decision{Allowed: true, Permit: &Permit{release: func() { l.done(client) }}}
}

// Active reports the sessions currently held by client.
func (l *Limiter) Active(client string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[client]
}

func (l *Limiter) done(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[client] <= 1 {
		delete(l.active, client)
		return
	}
	l.active[client]--
}

func (l *Limiter) bucket(client string, now time.Time) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.buckets.Get(client); ok {
		b := v.(*tokenBucket)
		l.buckets.SetDefault(client, b)
		return b
	}
	b := &tokenBucket{tokens: float64(l.cfg.Burst), last: now}
	l.buckets.SetDefault(client, b)
	return b
}

func (b *tokenBucket) take(now time.Time, rps float64, burst int) (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(burst), b.tokens+elapsed*rps)
		b.last = now
	}
	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - b.tokens) / rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
