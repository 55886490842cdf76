package session

import (
	"context"
	"errors"
	"strings"

	"github.com/vango-go/vai-switchboard/pkg/core/audio"
	"github.com/vango-go/vai-switchboard/pkg/core/pool"
	"github.com/vango-go/vai-switchboard/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-switchboard/pkg/gateway/realtime"
)

// HandleEvent applies one provider event. It must run on the loop goroutine.
func (o *Orchestrator) HandleEvent(ev realtime.Event) {
	switch ev.Type {
	case realtime.EventSessionUpdated:
		if p := o.greeting.Load(); p != nil && p.agent == o.active {
			o.deliverGreeting(p)
		}

	case realtime.EventSpeechStarted:
		o.BargeIn()

	case realtime.EventSpeechStopped:
		o.tracker.StartTurn()

	case realtime.EventInputTranscriptDone:
		if text := strings.TrimSpace(ev.Text); text != "" {
			o.mu.Lock()
			o.lastUtterance = text
			o.mu.Unlock()
		}

	case realtime.EventResponseCreated:
		if o.canceled.has(ev.ResponseID) {
			return
		}
		o.createInFlight = false
		if o.staleCreate {
			// Requested before the caller interrupted.
			o.staleCreate = false
			o.cancelResponse(ev.ResponseID)
			return
		}
		o.setActiveResponse(ev.ResponseID)
		o.tracker.AddResponse()

	case realtime.EventTranscriptDelta:
		if o.canceled.has(ev.ResponseID) || ev.Text == "" {
			return
		}
		o.tracker.MarkFirstToken()
		o.messenger.SendAssistantStreaming(ev.ResponseID, o.active, ev.Text)

	case realtime.EventTranscriptDone:
		if o.canceled.has(ev.ResponseID) {
			return
		}
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return
		}
		o.messenger.SendAssistantMessage(ev.ResponseID, o.active, text)
		if o.cfg.SynthesizeSpeech {
			o.speak(text, ev.ResponseID)
		}

	case realtime.EventAudioDelta:
		if o.canceled.has(ev.ResponseID) || o.bridge == nil || o.cfg.SynthesizeSpeech {
			return
		}
		o.tracker.MarkFirstToken()
		o.bridge.EnqueuePCM(ev.Audio, ev.ResponseID)

	case realtime.EventFunctionCallArgsDone:
		if o.canceled.has(ev.ResponseID) {
			o.logger.Debug("dropping tool call of interrupted response", "response_id", ev.ResponseID, "tool", ev.Name)
			return
		}
		o.ExecuteToolCall(ev.CallID, ev.Name, ev.Arguments)

	case realtime.EventResponseDone:
		o.onResponseDone(ev)

	case realtime.EventError:
		o.createInFlight = false
		o.staleCreate = false
		if ev.Err != nil && isExpectedRace(ev.Err) {
			o.logger.Debug("provider rejected stale command", "code", ev.Err.Code, "message", ev.Err.Message)
			return
		}
		var err error = errors.New("provider error")
		if ev.Err != nil {
			err = ev.Err
		}
		o.reportTurnFailure(err)
	}
}

func (o *Orchestrator) onResponseDone(ev realtime.Event) {
	o.createInFlight = false
	o.tracker.AddUsage(ev.Usage.InputTokens, ev.Usage.OutputTokens)

	o.mu.RLock()
	active := o.activeResponseID
	o.mu.RUnlock()
	if ev.ResponseID != "" && ev.ResponseID == active {
		o.setActiveResponse("")
		o.tracker.EndTurn()
	}

	if ev.Status == realtime.StatusFailed && !o.canceled.has(ev.ResponseID) {
		var err error = errors.New("response failed")
		if ev.Err != nil {
			err = ev.Err
		}
		o.reportTurnFailure(err)
	}

	if o.pendingCreate != nil {
		opts := *o.pendingCreate
		o.pendingCreate = nil
		o.requestResponse(opts)
	}
}

// BargeIn cancels the in-flight response and silences playback. Late events
// for the canceled response are dropped. A response requested but not yet
// created is canceled as soon as the provider names it.
func (o *Orchestrator) BargeIn() {
	o.mu.RLock()
	active := o.activeResponseID
	o.mu.RUnlock()

	if active != "" {
		o.cancelResponse(active)
		o.setActiveResponse("")
		o.tracker.EndTurn()
	}
	if o.createInFlight {
		o.staleCreate = true
	}
	o.pendingCreate = nil
	if o.bridge != nil {
		if dropped := o.bridge.StopPlayback(); dropped > 0 {
			o.logger.Debug("barge-in dropped queued audio", "chunks", dropped)
		}
	}
}

func (o *Orchestrator) cancelResponse(id string) {
	o.canceled.add(id)
	if err := o.conn.CancelResponse(o.ctx, id); err != nil {
		o.logger.Debug("cancel response failed", "response_id", id, "error", err)
	}
}

// requestResponse asks the provider for the next turn, or queues one request
// when a response is still active. Queued instructions are combined.
func (o *Orchestrator) requestResponse(opts realtime.ResponseOptions) {
	o.mu.RLock()
	busy := o.activeResponseID != ""
	o.mu.RUnlock()
	if busy || o.createInFlight {
		if o.pendingCreate == nil {
			o.pendingCreate = &opts
			return
		}
		if opts.Instructions != "" {
			if o.pendingCreate.Instructions != "" {
				o.pendingCreate.Instructions += "\n"
			}
			o.pendingCreate.Instructions += opts.Instructions
		}
		return
	}
	o.createInFlight = true
	if err := o.conn.CreateResponse(o.ctx, opts); err != nil {
		o.createInFlight = false
		o.logger.Warn("create response failed", "error", err)
	}
}

// speak voices text through the bridge on a worker goroutine.
func (o *Orchestrator) speak(text, responseID string) {
	if o.bridge == nil || strings.TrimSpace(text) == "" {
		return
	}
	a, err := o.registry.GetAgent(o.active)
	if err != nil {
		return
	}
	req := audio.SynthesisRequest{
		Text:         text,
		Voice:        audio.VoiceParams{Voice: a.Voice.Name, Style: a.Voice.Style, Rate: a.Voice.Rate},
		ResponseID:   responseID,
		OnFirstAudio: o.tracker.MarkFirstToken,
	}
	o.workers.Go(func() error {
		res, err := o.bridge.Synthesize(o.ctx, req)
		switch {
		case err == nil:
			o.logger.Debug("speech synthesized", "response_id", responseID, "chunks", res.Chunks, "tier", res.Tier)
		case errors.Is(err, context.Canceled):
			o.logger.Debug("speech canceled", "response_id", responseID)
		case errors.Is(err, pool.ErrPoolExhausted):
			o.logger.Warn("speech skipped, pool exhausted", "response_id", responseID, "error", err)
		default:
			o.logger.Warn("speech synthesis failed", "response_id", responseID, "error", err)
		}
		return nil
	})
}

// Failure kinds reported to the observer.
const (
	FailureContentPolicy    = "content_policy"
	FailureMalformedRequest = "malformed_request"
	FailureGeneric          = "generic"
)

type failureStatus struct {
	kind    string
	message string
	tone    string
}

func classifyFailure(err error) failureStatus {
	var detail *realtime.ErrorDetail
	text := ""
	if errors.As(err, &detail) {
		text = strings.ToLower(detail.Type + " " + detail.Code + " " + detail.Message)
	} else if err != nil {
		text = strings.ToLower(err.Error())
	}
	switch {
	case containsAny(text, "content_policy", "content_filter", "safety", "moderation"):
		return failureStatus{
			kind:    FailureContentPolicy,
			message: "I can't help with that request.",
			tone:    protocol.ToneWarning,
		}
	case containsAny(text, "invalid_request_error", "malformed", "invalid"):
		return failureStatus{
			kind:    FailureMalformedRequest,
			message: "Sorry, I didn't catch that. Could you rephrase?",
			tone:    protocol.ToneInfo,
		}
	default:
		return failureStatus{
			kind:    FailureGeneric,
			message: "Something went wrong on our side. Please try again.",
			tone:    protocol.ToneError,
		}
	}
}

// reportTurnFailure tells the observer a turn failed. The session keeps
// running.
func (o *Orchestrator) reportTurnFailure(err error) {
	st := classifyFailure(err)
	o.logger.Warn("turn failed", "kind", st.kind, "error", err)
	o.messenger.SendStatusUpdate(st.kind, st.message, st.tone)
}

func isExpectedRace(d *realtime.ErrorDetail) bool {
	return containsAny(strings.ToLower(d.Code+" "+d.Message), "response_cancel_not_active", "no active response")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
