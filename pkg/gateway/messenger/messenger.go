// Package messenger delivers best-effort UI/observer notifications for a
// session. Failures are logged here and never reach the caller.
package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/vango-go/vai-switchboard/pkg/gateway/live/protocol"
)

type Messenger interface {
	NotifyToolStart(callID, name string, args map[string]any)
	NotifyToolEnd(callID, name string, ok bool, result map[string]any)
	SendStatusUpdate(status, message, tone string)
	SendAssistantStreaming(responseID, agent, delta string)
	SendAssistantMessage(responseID, agent, text string)
	NotifyAgentSwitched(from, to, reason string)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) NotifyToolStart(string, string, map[string]any)     {}
func (Nop) NotifyToolEnd(string, string, bool, map[string]any) {}
func (Nop) SendStatusUpdate(string, string, string)            {}
func (Nop) SendAssistantStreaming(string, string, string)      {}
func (Nop) SendAssistantMessage(string, string, string)        {}
func (Nop) NotifyAgentSwitched(string, string, string)         {}

// Bus fans session notifications out over an in-process watermill
// pub/sub, one topic per session. Publishing never waits on a slow
// subscriber: frames that do not fit its buffer are dropped.
type Bus struct {
	pubsub  *gochannel.GoChannel
	logger  *slog.Logger
	dropped atomic.Int64
}

// SubscriberBuffer is how many frames a subscriber may fall behind before
// frames are dropped for it.
const SubscriberBuffer = 64

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			// Keeps per-session delivery in publish order.
			BlockPublishUntilSubscriberAck: true,
		}, NewSlogAdapter(logger)),
		logger: logger,
	}
}

func topic(sessionID string) string { return "session." + sessionID }

// For returns the Messenger publishing to sessionID's topic.
func (b *Bus) For(sessionID string) Messenger {
	return &publisher{bus: b, topic: topic(sessionID), logger: b.logger.With("session_id", sessionID)}
}

// Subscribe streams the JSON payloads published for sessionID until ctx is
// done. Messages are acknowledged on receipt; a subscriber that stops
// reading loses frames instead of stalling the publisher.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan []byte, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic(sessionID))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", sessionID, err)
	}
	out := make(chan []byte, SubscriberBuffer)
	go func() {
		defer close(out)
		var dropped int64
		for msg := range msgs {
			payload := msg.Payload
			msg.Ack()
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- payload:
			default:
				dropped++
				b.dropped.Add(1)
				if dropped == 1 {
					b.logger.Warn("observer lagging, dropping frames", "session_id", sessionID)
				}
			}
		}
		if dropped > 0 {
			b.logger.Debug("observer dropped frames", "session_id", sessionID, "frames", dropped)
		}
	}()
	return out, nil
}

// Dropped reports how many frames were discarded for lagging subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

type publisher struct {
	bus    *Bus
	topic  string
	logger *slog.Logger
}

func (p *publisher) publish(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("messenger encode failed", "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := p.bus.pubsub.Publish(p.topic, msg); err != nil {
		p.logger.Warn("messenger publish failed", "topic", p.topic, "error", err)
	}
}

func (p *publisher) NotifyToolStart(callID, name string, args map[string]any) {
	p.publish(protocol.ServerToolStart{Type: "tool_start", CallID: callID, Name: name, Arguments: args})
}

func (p *publisher) NotifyToolEnd(callID, name string, ok bool, result map[string]any) {
	p.publish(protocol.ServerToolEnd{Type: "tool_end", CallID: callID, Name: name, OK: ok, Result: result})
}

func (p *publisher) SendStatusUpdate(status, message, tone string) {
	p.publish(protocol.ServerStatus{Type: "status", Status: status, Message: message, Tone: tone})
}

func (p *publisher) SendAssistantStreaming(responseID, agent, delta string) {
	p.publish(protocol.ServerAssistantStreaming{Type: "assistant_streaming", ResponseID: responseID, Agent: agent, Delta: delta})
}

func (p *publisher) SendAssistantMessage(responseID, agent, text string) {
	p.publish(protocol.ServerAssistantMessage{Type: "assistant_message", ResponseID: responseID, Agent: agent, Text: text})
}

func (p *publisher) NotifyAgentSwitched(from, to, reason string) {
	p.publish(protocol.ServerAgentSwitched{Type: "agent_switched", From: from, To: to, Reason: reason})
}

var (
	_ Messenger = Nop{}
	_ Messenger = (*publisher)(nil)
)
