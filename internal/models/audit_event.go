package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditEvent is the immutable record handed to proctoring-review surfaces.
// Kind is either a violation type or one of the Transition* names.
type AuditEvent struct {
	ID             string         `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID      string         `gorm:"type:uuid;not null;index" json:"session_id"`
	ExamID         string         `gorm:"size:64;index" json:"exam_id"`
	UserID         string         `gorm:"size:64" json:"user_id"`
	Kind           string         `gorm:"size:48;not null" json:"kind"`
	Status         SessionStatus  `gorm:"size:32;not null" json:"status"`
	ViolationCount int            `json:"violation_count"`
	Details        datatypes.JSON `json:"details,omitempty"`
	Timestamp      time.Time      `gorm:"not null;index" json:"timestamp"`
}

const (
	TransitionStarted   = "SESSION_STARTED"
	TransitionResumed   = "SESSION_RESUMED"
	TransitionLocked    = "SESSION_LOCKED"
	TransitionSubmitted = "SESSION_SUBMITTED"
	TransitionCompleted = "SESSION_COMPLETED"
)

func (e *AuditEvent) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
