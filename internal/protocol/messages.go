package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk   MessageType = "client_audio_chunk"
	TypeClientControl      MessageType = "client_control"
	TypeStateChanged       MessageType = "state_changed"
	TypeAudioLevel         MessageType = "audio_level"
	TypeUserTranscript     MessageType = "user_transcript"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantAudio     MessageType = "assistant_audio_chunk"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeErrorEvent         MessageType = "error_event"
)

// Control actions accepted inside a client_control message.
const (
	ActionStartListening     = "start_listening"
	ActionStopListening      = "stop_listening"
	ActionInterrupt          = "interrupt"
	ActionSendText           = "send_text"
	ActionSetAlwaysListening = "set_always_listening"
	ActionSetVolume          = "set_volume"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	// Text carries the user message for send_text.
	Text string `json:"text,omitempty"`
	// Enabled carries the flag for set_always_listening.
	Enabled *bool `json:"enabled,omitempty"`
	// Level carries the gain for set_volume.
	Level *float64 `json:"level,omitempty"`
}

type StateChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Previous  string      `json:"previous"`
	Reason    string      `json:"reason,omitempty"`
}

type AudioLevel struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Level     float64     `json:"level"`
	TSMs      int64       `json:"ts_ms"`
}

type UserTranscript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
	Emotion   string      `json:"emotion,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

var validActions = map[string]bool{
	ActionStartListening:     true,
	ActionStopListening:      true,
	ActionInterrupt:          true,
	ActionSendText:           true,
	ActionSetAlwaysListening: true,
	ActionSetVolume:          true,
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || !validActions[msg.Action] {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionSendText:
			if msg.Text == "" {
				return nil, errors.New("send_text requires text")
			}
		case ActionSetAlwaysListening:
			if msg.Enabled == nil {
				return nil, errors.New("set_always_listening requires enabled")
			}
		case ActionSetVolume:
			if msg.Level == nil {
				return nil, errors.New("set_volume requires level")
			}
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
