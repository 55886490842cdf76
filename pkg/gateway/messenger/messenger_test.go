package messenger

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan []byte) map[string]any {
	t.Helper()
	select {
	case raw := <-ch:
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBus_DeliversInOrderPerSession(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "s2")
	require.NoError(t, err)

	m := bus.For("s1")
	m.NotifyToolStart("c1", "lookup_invoice", map[string]any{"id": "INV-7"})
	m.SendAssistantStreaming("r1", "Billing", "Hel")
	m.SendAssistantStreaming("r1", "Billing", "lo")
	m.NotifyToolEnd("c1", "lookup_invoice", true, nil)
	m.SendStatusUpdate("generic", "Sorry", "error")
	m.NotifyAgentSwitched("Concierge", "Billing", "billing question")
	m.SendAssistantMessage("r1", "Billing", "Hello")

	assert.Equal(t, "tool_start", receive(t, sub)["type"])
	assert.Equal(t, "Hel", receive(t, sub)["delta"])
	assert.Equal(t, "lo", receive(t, sub)["delta"])
	end := receive(t, sub)
	assert.Equal(t, "tool_end", end["type"])
	assert.Equal(t, true, end["ok"])
	assert.Equal(t, "error", receive(t, sub)["tone"])
	assert.Equal(t, "Billing", receive(t, sub)["to"])
	assert.Equal(t, "Hello", receive(t, sub)["text"])

	select {
	case raw := <-other:
		t.Fatalf("unexpected cross-session message %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PublishWithoutSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	done := make(chan struct{})
	go func() {
		bus.For("nobody").SendStatusUpdate("generic", "x", "error")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked without subscribers")
	}
}

func TestBus_PublishAfterCloseIsSwallowed(t *testing.T) {
	bus := NewBus(nil)
	require.NoError(t, bus.Close())
	assert.NotPanics(t, func() { bus.For("s1").NotifyAgentSwitched("a", "b", "") })
}

func TestBus_StalledSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stalled, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)

	const frames = 500
	done := make(chan struct{})
	go func() {
		defer close(done)
		m := bus.For("s1")
		for i := 0; i < frames; i++ {
			m.SendAssistantStreaming("r1", "Billing", strconv.Itoa(i))
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("publisher blocked on a subscriber that stopped reading")
	}

	require.Eventually(t, func() bool {
		return bus.Dropped() == frames-SubscriberBuffer
	}, 2*time.Second, 5*time.Millisecond)

	// The buffered frames are the oldest ones, in order.
	assert.Equal(t, "0", receive(t, stalled)["delta"])
	assert.Equal(t, "1", receive(t, stalled)["delta"])
}
