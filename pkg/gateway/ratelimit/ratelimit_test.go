package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestAcquireSession_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxSessions: 1})
	now := time.Now()

	first := l.AcquireSession("p1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.AcquireSession("p1", now)
	if second.Allowed {
		t.Fatalf("second should be denied")
	}
	if other := l.AcquireSession("p2", now); !other.Allowed {
		t.Fatalf("other clients are counted separately")
	}

	first.Permit.Release()
	first.Permit.Release()
	if got := l.Active("p1"); got != 0 {
		t.Fatalf("Active=%d after release, want 0", got)
	}
	third := l.AcquireSession("p1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAcquireSession_TokenBucket(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Now()

	for i := 0; i < 2; i++ {
		if d := l.AcquireSession("p1", now); !d.Allowed {
			t.Fatalf("attempt %d denied within burst", i)
		}
	}
	denied := l.AcquireSession("p1", now)
	if denied.Allowed {
		t.Fatalf("third attempt should exceed the burst")
	}
	if denied.RetryAfter != 1 {
		t.Fatalf("RetryAfter=%d, want 1", denied.RetryAfter)
	}

	if d := l.AcquireSession("p1", now.Add(1500*time.Millisecond)); !d.Allowed {
		t.Fatalf("bucket should refill over time")
	}
}

func TestAcquireSession_NilLimiterAdmits(t *testing.T) {
	var l *Limiter
	d := l.AcquireSession("p1", time.Now())
	if !d.Allowed {
		t.Fatalf("nil limiter should admit")
	}
	d.Permit.Release()
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/voice", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	if got := ClientKey(r); got != "203.0.113.7" {
		t.Fatalf("ClientKey=%q", got)
	}
	r.RemoteAddr = "pipe"
	if got := ClientKey(r); got != "pipe" {
		t.Fatalf("ClientKey=%q", got)
	}
}
