package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SessionStatus string

const (
	StatusNotStarted SessionStatus = "NOT_STARTED"
	StatusInProgress SessionStatus = "IN_PROGRESS"
	StatusLocked     SessionStatus = "LOCKED"
	StatusSubmitted  SessionStatus = "SUBMITTED"
	StatusCompleted  SessionStatus = "COMPLETED"
)

// ExamSession is one student's attempt at one exam.
// Rows are only changed through the session state machine and the violation ledger.
type ExamSession struct {
	ID             string        `gorm:"type:uuid;primaryKey" json:"id"`
	ExamID         string        `gorm:"size:64;uniqueIndex:uniq_exam_user,priority:1" json:"exam_id"`
	UserID         string        `gorm:"size:64;uniqueIndex:uniq_exam_user,priority:2" json:"user_id"`
	Status         SessionStatus `gorm:"size:32;index;not null" json:"status"`
	StartTime      *time.Time    `json:"start_time,omitempty"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	ViolationCount int           `gorm:"not null;default:0" json:"violation_count"`
	IsLocked       bool          `gorm:"not null;default:false;index" json:"is_locked"`
	ResumesUsed    int           `gorm:"not null;default:0" json:"resumes_used"`
	AutoSubmitted  bool          `gorm:"not null;default:false" json:"auto_submitted"`
	LockReason     string        `gorm:"size:64" json:"lock_reason,omitempty"`
	ClientVersion  string        `gorm:"size:64" json:"client_version,omitempty"`
	// ServerSequence is the high-water mark of sequences reserved for server-side detectors.
	ServerSequence int64         `gorm:"not null;default:0" json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (s *ExamSession) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = StatusNotStarted
	}
	return nil
}

// IsTerminal reports whether the session can never return to IN_PROGRESS under the given policy.
func (s *ExamSession) IsTerminal(p *MonitoringPolicy) bool {
	switch s.Status {
	case StatusSubmitted, StatusCompleted:
		return true
	case StatusLocked:
		if p == nil {
			return true
		}
		return s.ResumesUsed >= p.ResumeCount || s.ViolationCount >= p.MaxViolations
	}
	return false
}
