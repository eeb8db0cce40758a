package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MsgInit               MessageType = "INIT"
	MsgTelemetrySample    MessageType = "TELEMETRY_SAMPLE"
	MsgUserActivity       MessageType = "USER_ACTIVITY"
	MsgValidationResponse MessageType = "VALIDATION_RESPONSE"
	MsgCameraState        MessageType = "CAMERA_STATE"
)

// Message is one input to a session monitor.
type Message interface {
	Type() MessageType
}

// Init (re)arms the monitor. Detectors start from empty buffers.
type Init struct {
	CameraAvailable bool `json:"camera_available"`
}

type Sample struct {
	Keystrokes []Keystroke `json:"keystrokes,omitempty"`
	Pointer    []Pointer   `json:"pointer,omitempty"`
	Frame      *Frame      `json:"frame,omitempty"`
}

// UserActivity is any interaction that proves someone is at the keyboard.
type UserActivity struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
}

type ValidationResponse struct {
	ChallengeID string `json:"challenge_id"`
	Answer      string `json:"answer"`
}

type CameraState struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

func (Init) Type() MessageType               { return MsgInit }
func (Sample) Type() MessageType             { return MsgTelemetrySample }
func (UserActivity) Type() MessageType       { return MsgUserActivity }
func (ValidationResponse) Type() MessageType { return MsgValidationResponse }
func (CameraState) Type() MessageType        { return MsgCameraState }

// Envelope is the websocket framing: {"type": "...", "payload": {...}}.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses one websocket text frame into a typed message.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var msg Message
	switch env.Type {
	case MsgInit:
		var m Init
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return nil, err
		}
		msg = m
	case MsgTelemetrySample:
		var m Sample
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return nil, err
		}
		if m.Frame != nil {
			if err := m.Frame.Validate(); err != nil {
				return nil, err
			}
		}
		msg = m
	case MsgUserActivity:
		var m UserActivity
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return nil, err
		}
		msg = m
	case MsgValidationResponse:
		var m ValidationResponse
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return nil, err
		}
		msg = m
	case MsgCameraState:
		var m CameraState
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return nil, err
		}
		msg = m
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	return msg, nil
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Encode wraps an outbound payload in an envelope.
func Encode(t string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}{t, raw})
}
