// Package realtime speaks to the remote dialogue/voice provider over a
// persistent websocket. The orchestrator only sees Event values and the Conn
// command surface.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

type EventType string

const (
	EventSessionUpdated       EventType = "session.updated"
	EventSpeechStarted        EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped        EventType = "input_audio_buffer.speech_stopped"
	EventInputTranscriptDone  EventType = "conversation.item.input_audio_transcription.completed"
	EventTranscriptDelta      EventType = "response.audio_transcript.delta"
	EventTranscriptDone       EventType = "response.audio_transcript.done"
	EventTextDelta            EventType = "response.text.delta"
	EventTextDone             EventType = "response.text.done"
	EventResponseCreated      EventType = "response.created"
	EventAudioDelta           EventType = "response.audio.delta"
	EventFunctionCallArgsDone EventType = "response.function_call_arguments.done"
	EventResponseDone         EventType = "response.done"
	EventError                EventType = "error"
)

// Response statuses reported with EventResponseDone.
const (
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusFailed     = "failed"
	StatusIncomplete = "incomplete"
)

// Event is one decoded provider event. Only the fields relevant to Type are
// populated.
type Event struct {
	Type       EventType
	ResponseID string
	ItemID     string
	CallID     string
	Name       string
	Arguments  string
	// Text carries transcript deltas and final transcripts.
	Text   string
	Audio  []byte
	Status string
	Usage  Usage
	Err    *ErrorDetail
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ErrorDetail is a provider-reported failure.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{e.Type, e.Code} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", strings.Join(parts, "/"), e.Message)
}

// Tool is a function declaration offered to the provider.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionConfig is applied with session.update on every agent switch.
type SessionConfig struct {
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
	Tools             []Tool         `json:"tools"`
	ToolChoice        string         `json:"tool_choice,omitempty"`
	Modalities        []string       `json:"modalities,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
}

type TurnDetection struct {
	Type              string `json:"type"`
	SilenceDurationMS int    `json:"silence_duration_ms,omitempty"`
}

// ResponseOptions override the session for a single response.
type ResponseOptions struct {
	Instructions string            `json:"instructions,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

const (
	ItemMessage            = "message"
	ItemFunctionCallOutput = "function_call_output"
)

// Item is a conversation item appended by the orchestrator.
type Item struct {
	Type   string
	Role   string
	Text   string
	CallID string
	Output string
}

func (it Item) MarshalJSON() ([]byte, error) {
	switch it.Type {
	case ItemFunctionCallOutput:
		return json.Marshal(map[string]any{
			"type":    ItemFunctionCallOutput,
			"call_id": it.CallID,
			"output":  it.Output,
		})
	case ItemMessage, "":
		role := it.Role
		if role == "" {
			role = "user"
		}
		partType := "input_text"
		if role == "assistant" {
			partType = "text"
		}
		return json.Marshal(map[string]any{
			"type": ItemMessage,
			"role": role,
			"content": []map[string]any{
				{"type": partType, "text": it.Text},
			},
		})
	default:
		return nil, fmt.Errorf("unsupported item type %q", it.Type)
	}
}

// FunctionOutput builds a function_call_output item from a result map.
func FunctionOutput(callID string, result map[string]any) (Item, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Item{}, fmt.Errorf("encode function output: %w", err)
	}
	return Item{Type: ItemFunctionCallOutput, CallID: callID, Output: string(raw)}, nil
}

// Conn is the command surface of a provider session. Implementations must
// tolerate calls from a single goroutine at a time; Client additionally
// serializes writes internally.
type Conn interface {
	Events() <-chan Event
	UpdateSession(ctx context.Context, cfg SessionConfig) error
	CreateResponse(ctx context.Context, opts ResponseOptions) error
	CancelResponse(ctx context.Context, responseID string) error
	AppendItem(ctx context.Context, item Item) error
	AppendAudio(ctx context.Context, pcm []byte) error
	Close() error
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Usage         *Usage `json:"usage"`
	StatusDetails *struct {
		Type   string     `json:"type"`
		Reason string     `json:"reason"`
		Error  *wireError `json:"error"`
	} `json:"status_details"`
}

type wireEvent struct {
	Type       string        `json:"type"`
	ResponseID string        `json:"response_id"`
	ItemID     string        `json:"item_id"`
	CallID     string        `json:"call_id"`
	Name       string        `json:"name"`
	Arguments  string        `json:"arguments"`
	Delta      string        `json:"delta"`
	Transcript string        `json:"transcript"`
	Text       string        `json:"text"`
	Response   *wireResponse `json:"response"`
	Error      *wireError    `json:"error"`
}

// DecodeEvent parses one provider message. Event types the orchestrator does
// not consume return ok=false with a nil error.
func DecodeEvent(data []byte) (Event, bool, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, false, fmt.Errorf("decode realtime event: %w", err)
	}
	ev := Event{
		Type:       EventType(w.Type),
		ResponseID: w.ResponseID,
		ItemID:     w.ItemID,
		CallID:     w.CallID,
		Name:       w.Name,
		Arguments:  w.Arguments,
	}
	switch ev.Type {
	case EventSessionUpdated, EventSpeechStarted, EventSpeechStopped:
	case EventInputTranscriptDone, EventTranscriptDone:
		ev.Text = w.Transcript
	case EventTranscriptDelta:
		ev.Text = w.Delta
	case EventTextDelta:
		// Text-only responses are surfaced as transcripts.
		ev.Type = EventTranscriptDelta
		ev.Text = w.Delta
	case EventTextDone:
		ev.Type = EventTranscriptDone
		ev.Text = w.Text
	case EventAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(w.Delta)
		if err != nil {
			return Event{}, false, fmt.Errorf("decode audio delta: %w", err)
		}
		ev.Audio = pcm
	case EventFunctionCallArgsDone:
	case EventResponseCreated, EventResponseDone:
		if w.Response != nil {
			ev.ResponseID = w.Response.ID
			ev.Status = w.Response.Status
			if w.Response.Usage != nil {
				ev.Usage = *w.Response.Usage
			}
			if sd := w.Response.StatusDetails; sd != nil && sd.Error != nil {
				ev.Err = &ErrorDetail{Type: sd.Error.Type, Code: sd.Error.Code, Message: sd.Error.Message}
			}
		}
	case EventError:
		if w.Error != nil {
			ev.Err = &ErrorDetail{Type: w.Error.Type, Code: w.Error.Code, Message: w.Error.Message}
		} else {
			ev.Err = &ErrorDetail{Type: "unknown", Message: "provider error"}
		}
	default:
		return Event{}, false, nil
	}
	return ev, true, nil
}
