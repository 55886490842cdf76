// Package protocol defines the JSON messages exchanged with browser and
// telephony clients on /v1/voice.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	ProfileUI        = "ui"
	ProfileTelephony = "telephony"

	ControlStop    = "stop"
	ControlBargeIn = "barge_in"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientHello opens a session. Variables seed the session (caller id,
// customer profile) and are merged with anything the store holds for
// SessionID.
type ClientHello struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id,omitempty"`
	Profile         string         `json:"profile,omitempty"`
	Agent           string         `json:"agent,omitempty"`
	Variables       map[string]any `json:"variables,omitempty"`
}

// RedactedForLog lists variable names without their values.
func (h ClientHello) RedactedForLog() map[string]any {
	keys := make([]string, 0, len(h.Variables))
	for k := range h.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 32 {
		keys = keys[:32]
	}
	return map[string]any{
		"protocol_version": h.ProtocolVersion,
		"session_id":       h.SessionID,
		"profile":          h.Profile,
		"agent":            h.Agent,
		"variable_keys":    keys,
	}
}

type ClientAudio struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`

	PCM []byte `json:"-"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(&msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio":
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio.data_b64 is required", "data_b64")
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.DataB64)
		if err != nil {
			return nil, badRequest("audio.data_b64 is not valid base64", "data_b64")
		}
		msg.PCM = pcm
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case ControlStop, ControlBargeIn:
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ValidateHello checks msg and fills the default profile.
func ValidateHello(msg *ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	switch strings.TrimSpace(msg.Profile) {
	case "":
		msg.Profile = ProfileUI
	case ProfileUI, ProfileTelephony:
	default:
		return unsupported("unsupported audio profile", "profile")
	}
	for k := range msg.Variables {
		if strings.TrimSpace(k) == "" {
			return badRequest("hello.variables keys must be non-empty", "variables")
		}
	}
	return nil
}

type ServerHelloAck struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Profile         string `json:"profile"`
	SampleRateHz    int    `json:"sample_rate_hz"`
	Agent           string `json:"agent"`
}

// Status tones.
const (
	ToneInfo    = "info"
	ToneWarning = "warning"
	ToneError   = "error"
)

type ServerStatus struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Tone    string `json:"tone"`
}

type ServerToolStart struct {
	Type      string         `json:"type"`
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type ServerToolEnd struct {
	Type   string         `json:"type"`
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result,omitempty"`
}

type ServerAssistantStreaming struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Agent      string `json:"agent"`
	Delta      string `json:"delta"`
}

type ServerAssistantMessage struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	Agent      string `json:"agent"`
	Text       string `json:"text"`
}

type ServerAgentSwitched struct {
	Type   string `json:"type"`
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type ServerAudioChunk struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Seq        int64  `json:"seq"`
	AudioB64   string `json:"audio_b64"`
}

type ServerAudioReset struct {
	Type       string `json:"type"`
	Reason     string `json:"reason"`
	ResponseID string `json:"response_id,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}
