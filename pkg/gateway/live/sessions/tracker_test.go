package sessions

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-switchboard/pkg/gateway/live/session"
)

func TestTracker_RegisterUnregister_CountAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1 := tr.Register("s1", Handle{})
	u2 := tr.Register("s2", Handle{})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}

	if !tr.Has("s1") || tr.Has("s3") {
		t.Fatalf("Has: s1=%v s3=%v", tr.Has("s1"), tr.Has("s3"))
	}

	u1()
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}
	if tr.Has("s1") {
		t.Fatalf("s1 still registered after unregister")
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
	if tr.Count() != 0 {
		t.Fatalf("count=%d, want 0", tr.Count())
	}
}

func TestTracker_CancelAll_CallsCancel(t *testing.T) {
	tr := NewTracker()
	var c1, c2 atomic.Int64
	tr.Register("s1", Handle{Cancel: func() { c1.Add(1) }})
	tr.Register("s2", Handle{Cancel: func() { c2.Add(1) }})

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestTracker_NotifyAll_CountsAccepted(t *testing.T) {
	tr := NewTracker()
	var n1, n2 atomic.Int64
	tr.Register("s1", Handle{Notify: func(code, message string) bool {
		if code != "draining" || message != "shutting down" {
			t.Errorf("notify got %q/%q", code, message)
		}
		n1.Add(1)
		return true
	}})
	tr.Register("s2", Handle{Notify: func(string, string) bool {
		n2.Add(1)
		return false
	}})
	tr.Register("s3", Handle{})

	if sent := tr.NotifyAll("draining", "shutting down"); sent != 1 {
		t.Fatalf("sent=%d, want 1", sent)
	}
	if n1.Load() != 1 || n2.Load() != 1 {
		t.Fatalf("notify calls=%d/%d, want 1/1", n1.Load(), n2.Load())
	}
}

func TestTracker_RegisterReplacesSameID(t *testing.T) {
	tr := NewTracker()
	u1 := tr.Register("s1", Handle{})
	u2 := tr.Register("s1", Handle{})
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}
	// The replaced registration no longer owns the id.
	u1()
	if tr.Count() != 1 {
		t.Fatalf("count=%d after stale unregister, want 1", tr.Count())
	}
	u2()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Fatalf("Wait should finish once both registrations are released")
	}
}

func TestTracker_WaitTimesOut(t *testing.T) {
	tr := NewTracker()
	tr.Register("s1", Handle{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("Wait returned true with a live session")
	}
}

func TestTracker_DrainingAndSnapshots(t *testing.T) {
	tr := NewTracker()
	if tr.Draining() {
		t.Fatalf("new tracker is draining")
	}
	tr.SetDraining(true)
	if !tr.Draining() {
		t.Fatalf("SetDraining(true) not visible")
	}

	tr.Register("b", Handle{Snapshot: func() session.Snapshot { return session.Snapshot{SessionID: "b", ActiveAgent: "Billing"} }})
	tr.Register("a", Handle{Snapshot: func() session.Snapshot { return session.Snapshot{SessionID: "a", ActiveAgent: "Concierge"} }})
	tr.Register("c", Handle{})

	snaps := tr.Snapshots()
	if len(snaps) != 2 || snaps[0].SessionID != "a" || snaps[1].ActiveAgent != "Billing" {
		t.Fatalf("snapshots=%+v", snaps)
	}

	var nilTracker *Tracker
	if nilTracker.Draining() || nilTracker.Count() != 0 || nilTracker.NotifyAll("x", "y") != 0 {
		t.Fatalf("nil tracker should be inert")
	}
}
