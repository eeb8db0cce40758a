package monitor

import (
	"time"

	"github.com/zaqqye/seb_integrity/internal/detector/behavior"
	"github.com/zaqqye/seb_integrity/internal/detector/presence"
	"github.com/zaqqye/seb_integrity/internal/models"
)

// Outbound message types sent to the student channel.
const (
	MsgViolationDetected   = "VIOLATION_DETECTED"
	MsgStatusUpdate        = "STATUS_UPDATE"
	MsgValidationChallenge = "VALIDATION_CHALLENGE"
)

type ViolationDetected struct {
	SessionID string                 `json:"session_id"`
	Type      models.ViolationType   `json:"type"`
	Sequence  int64                  `json:"sequence"`
	Details   map[string]interface{} `json:"details,omitempty"`
	At        time.Time              `json:"at"`
}

type StatusUpdate struct {
	SessionID     string           `json:"session_id"`
	Behavior      behavior.Metrics `json:"behavior"`
	Presence      *presence.Score  `json:"presence,omitempty"`
	CameraEnabled bool             `json:"camera_enabled"`
	IdleMs        int64            `json:"idle_ms"`
	At            time.Time        `json:"at"`
}

type ValidationChallenge struct {
	ChallengeID string    `json:"challenge_id"`
	Prompt      string    `json:"prompt"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Sink carries actor output back to the student. Implementations must not block.
type Sink interface {
	Send(sessionID, msgType string, payload interface{})
}

type nopSink struct{}

func (nopSink) Send(string, string, interface{}) {}
