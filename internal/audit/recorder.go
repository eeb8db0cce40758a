// Package audit turns session events into immutable audit records and fans them out to
// proctors and the affected student.
package audit

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/zaqqye/seb_integrity/internal/metrics"
	"github.com/zaqqye/seb_integrity/internal/models"
	"github.com/zaqqye/seb_integrity/internal/session"
)

// MsgSessionStatus is pushed to the student after every recorded event.
const MsgSessionStatus = "SESSION_STATUS"

const lockedMessage = "Your exam has been locked. Please contact your proctor."

type ProctorFeed interface {
	Publish(ev models.AuditEvent)
}

type StudentFeed interface {
	Send(sessionID, msgType string, payload interface{})
}

type StudentStatus struct {
	Kind           string               `json:"kind"`
	Status         models.SessionStatus `json:"status"`
	Locked         bool                 `json:"locked"`
	ViolationCount int                  `json:"violation_count"`
	Message        string               `json:"message,omitempty"`
}

type Recorder struct {
	DB       *gorm.DB
	log      *zap.Logger
	proctors ProctorFeed
	students StudentFeed
}

func NewRecorder(db *gorm.DB, log *zap.Logger, proctors ProctorFeed, students StudentFeed) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{DB: db, log: log, proctors: proctors, students: students}
}

func (r *Recorder) OnSessionEvent(ctx context.Context, ev session.Event) {
	rec := models.AuditEvent{
		SessionID:      ev.Session.ID,
		ExamID:         ev.Session.ExamID,
		UserID:         ev.Session.UserID,
		Kind:           ev.Kind,
		Status:         ev.Session.Status,
		ViolationCount: ev.Session.ViolationCount,
		Details:        eventDetails(ev),
		Timestamp:      ev.At,
	}

	if err := r.DB.WithContext(ctx).Create(&rec).Error; err != nil {
		metrics.AuditWriteErrors.Inc()
		r.log.Error("failed to persist audit event",
			zap.String("session_id", rec.SessionID),
			zap.String("kind", rec.Kind),
			zap.Error(err),
		)
	}

	fields := []zap.Field{
		zap.String("session_id", rec.SessionID),
		zap.String("exam_id", rec.ExamID),
		zap.String("user_id", rec.UserID),
		zap.String("kind", rec.Kind),
		zap.String("status", string(rec.Status)),
		zap.Int("violation_count", rec.ViolationCount),
	}
	if ev.IsTransition() {
		metrics.SessionTransitions.WithLabelValues(ev.Kind).Inc()
		r.log.Info("audit: transition", fields...)
	} else {
		metrics.ViolationsRecorded.WithLabelValues(ev.Kind, strconv.FormatBool(ev.Violation.Counted)).Inc()
		r.log.Info("audit: violation", append(fields, zap.Int64("sequence", ev.Violation.Sequence))...)
	}

	if r.proctors != nil {
		r.proctors.Publish(rec)
	}
	if r.students != nil {
		status := StudentStatus{
			Kind:           ev.Kind,
			Status:         ev.Session.Status,
			Locked:         ev.Session.IsLocked,
			ViolationCount: ev.Session.ViolationCount,
		}
		if ev.Session.Status == models.StatusLocked {
			status.Message = lockedMessage
		}
		r.students.Send(ev.Session.ID, MsgSessionStatus, status)
	}
}

func eventDetails(ev session.Event) datatypes.JSON {
	d := map[string]interface{}{}
	if ev.Reason != "" {
		d["reason"] = ev.Reason
	}
	if v := ev.Violation; v != nil {
		d["sequence"] = v.Sequence
		d["severity"] = v.Severity
		d["counted"] = v.Counted
		if len(v.Details) > 0 {
			d["details"] = json.RawMessage(v.Details)
		}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}

// List returns a session's audit trail, oldest first.
func (r *Recorder) List(ctx context.Context, sessionID string) ([]models.AuditEvent, error) {
	var out []models.AuditEvent
	err := r.DB.WithContext(ctx).Where("session_id = ?", sessionID).Order("timestamp ASC").Find(&out).Error
	return out, err
}
