// Package session is the exam session state machine:
//
//	NOT_STARTED -> IN_PROGRESS -> SUBMITTED -> COMPLETED
//	                   |   ^
//	                   v   | resume
//	                  LOCKED
//
// Every transition is a conditional UPDATE on the current status, so concurrent callers
// cannot both move the same session.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zaqqye/seb_integrity/internal/ledger"
	"github.com/zaqqye/seb_integrity/internal/models"
	"github.com/zaqqye/seb_integrity/internal/policy"
	"github.com/zaqqye/seb_integrity/internal/utils"
)

const LockReasonProctor = "proctor"

// maxRetries bounds re-reads when a conditional update loses to a concurrent writer.
const maxRetries = 3

type StartRequest struct {
	ExamID          string
	UserID          string
	CameraAvailable bool
	ClientVersion   string
}

type Report struct {
	SessionID string
	Type      models.ViolationType
	Details   datatypes.JSON
	Sequence  int64
	// At is when the violation was detected; zero means on arrival.
	At        time.Time
}

type Outcome struct {
	ViolationCount int                  `json:"violation_count"`
	Locked         bool                 `json:"locked"`
	Duplicate      bool                 `json:"duplicate"`
	Counted        bool                 `json:"counted"`
	Status         models.SessionStatus `json:"status"`
}

type Machine struct {
	DB               *gorm.DB
	Ledger           *ledger.Ledger
	Policies         policy.Provider
	MinClientVersion string

	log       *zap.Logger
	observers []Observer
	now       func() time.Time
}

func NewMachine(db *gorm.DB, l *ledger.Ledger, policies policy.Provider, minClientVersion string, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		DB:               db,
		Ledger:           l,
		Policies:         policies,
		MinClientVersion: minClientVersion,
		log:              log,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers o for all later events. Not safe to call once requests are served.
func (m *Machine) Subscribe(o Observer) {
	m.observers = append(m.observers, o)
}

func (m *Machine) emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	for _, o := range m.observers {
		o.OnSessionEvent(ctx, ev)
	}
}

func (m *Machine) Get(ctx context.Context, id string) (*models.ExamSession, error) {
	var s models.ExamSession
	if err := m.DB.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (m *Machine) List(ctx context.Context, examID string) ([]models.ExamSession, error) {
	var out []models.ExamSession
	err := m.DB.WithContext(ctx).Where("exam_id = ?", examID).Order("created_at ASC").Find(&out).Error
	return out, err
}

// update applies values when the session is still in status from (and matches cond, if
// given); false means another writer got there first.
func (m *Machine) update(ctx context.Context, id string, from models.SessionStatus, values map[string]interface{}, cond ...interface{}) (bool, error) {
	q := m.DB.WithContext(ctx).Model(&models.ExamSession{}).Where("id = ? AND status = ?", id, from)
	if len(cond) > 0 {
		q = q.Where(cond[0], cond[1:]...)
	}
	res := q.Updates(values)
	return res.RowsAffected == 1, res.Error
}

// Start begins the exam, resumes a locked attempt, or returns the running attempt
// unchanged when the client reconnects.
func (m *Machine) Start(ctx context.Context, req StartRequest) (*models.ExamSession, error) {
	p, err := m.Policies.Lookup(ctx, req.ExamID)
	if err != nil {
		return nil, err
	}
	if !utils.AtLeast(req.ClientVersion, m.MinClientVersion) {
		return nil, fmt.Errorf("%w: got %q, need %s", ErrClientOutdated, req.ClientVersion, m.MinClientVersion)
	}
	if p.WebcamRequired && !req.CameraAvailable {
		return nil, ErrWebcamRequired
	}

	fresh := models.ExamSession{ExamID: req.ExamID, UserID: req.UserID}
	if err := m.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		var s models.ExamSession
		if err := m.DB.WithContext(ctx).Where("exam_id = ? AND user_id = ?", req.ExamID, req.UserID).First(&s).Error; err != nil {
			return nil, err
		}

		switch s.Status {
		case models.StatusInProgress:
			return &s, nil
		case models.StatusSubmitted, models.StatusCompleted:
			return nil, ErrSessionNotResumable
		case models.StatusNotStarted:
			now := m.now()
			ok, err := m.update(ctx, s.ID, models.StatusNotStarted, map[string]interface{}{
				"status":         models.StatusInProgress,
				"start_time":     now,
				"client_version": req.ClientVersion,
			})
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			return m.afterTransition(ctx, s.ID, models.TransitionStarted, "")
		case models.StatusLocked:
			if s.ViolationCount >= p.MaxViolations {
				return nil, ErrMaxViolationsExceeded
			}
			if s.ResumesUsed >= p.ResumeCount {
				return nil, ErrSessionNotResumable
			}
			ok, err := m.update(ctx, s.ID, models.StatusLocked, map[string]interface{}{
				"status":         models.StatusInProgress,
				"is_locked":      false,
				"end_time":       nil,
				"lock_reason":    "",
				"resumes_used":   gorm.Expr("resumes_used + 1"),
				"client_version": req.ClientVersion,
			}, "resumes_used = ? AND violation_count < ?", s.ResumesUsed, p.MaxViolations)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			return m.afterTransition(ctx, s.ID, models.TransitionResumed, "")
		}
	}
	return nil, fmt.Errorf("%w: session changed concurrently", ErrInvalidTransition)
}

// Submit ends the attempt. Submitting an already submitted or completed session returns
// it unchanged.
func (m *Machine) Submit(ctx context.Context, id string, autoSubmitted bool) (*models.ExamSession, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		s, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch s.Status {
		case models.StatusSubmitted, models.StatusCompleted:
			return s, nil
		case models.StatusNotStarted:
			return nil, ErrNotStarted
		case models.StatusLocked:
			return nil, ErrSessionLocked
		}
		ok, err := m.update(ctx, id, models.StatusInProgress, map[string]interface{}{
			"status":         models.StatusSubmitted,
			"end_time":       m.now(),
			"auto_submitted": autoSubmitted,
		})
		if err != nil {
			return nil, err
		}
		if ok {
			return m.afterTransition(ctx, id, models.TransitionSubmitted, "")
		}
	}
	return nil, fmt.Errorf("%w: session changed concurrently", ErrInvalidTransition)
}

// Lock is the proctor's manual lock. Locking a locked session is a no-op.
func (m *Machine) Lock(ctx context.Context, id, reason string) (*models.ExamSession, error) {
	if reason == "" {
		reason = LockReasonProctor
	}
	ok, err := m.update(ctx, id, models.StatusInProgress, map[string]interface{}{
		"status":      models.StatusLocked,
		"is_locked":   true,
		"end_time":    m.now(),
		"lock_reason": reason,
	})
	if err != nil {
		return nil, err
	}
	if ok {
		return m.afterTransition(ctx, id, models.TransitionLocked, reason)
	}
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == models.StatusLocked {
		return s, nil
	}
	return nil, fmt.Errorf("%w: cannot lock a %s session", ErrInvalidTransition, s.Status)
}

// Complete finalizes a submitted session once grading is done.
func (m *Machine) Complete(ctx context.Context, id string) (*models.ExamSession, error) {
	ok, err := m.update(ctx, id, models.StatusSubmitted, map[string]interface{}{
		"status": models.StatusCompleted,
	})
	if err != nil {
		return nil, err
	}
	if ok {
		return m.afterTransition(ctx, id, models.TransitionCompleted, "")
	}
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == models.StatusCompleted {
		return s, nil
	}
	return nil, fmt.Errorf("%w: cannot complete a %s session", ErrInvalidTransition, s.Status)
}

func (m *Machine) afterTransition(ctx context.Context, id, kind, reason string) (*models.ExamSession, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.log.Info("session transition",
		zap.String("session_id", s.ID),
		zap.String("exam_id", s.ExamID),
		zap.String("transition", kind),
		zap.String("status", string(s.Status)),
	)
	m.emit(ctx, Event{Kind: kind, Session: *s, Reason: reason})
	return s, nil
}

// RecordViolation appends a violation to the ledger. Violations for sessions that are not
// running are stored as history and never change the session.
func (m *Machine) RecordViolation(ctx context.Context, r Report) (*Outcome, error) {
	if !r.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownViolationType, r.Type)
	}
	s, err := m.Get(ctx, r.SessionID)
	if err != nil {
		return nil, err
	}
	p, err := m.Policies.Lookup(ctx, s.ExamID)
	if err != nil {
		return nil, err
	}
	if !p.Enables(r.Type) {
		return nil, fmt.Errorf("%w: %s", ErrViolationTypeDisabled, r.Type)
	}

	res, err := m.Ledger.Append(ctx, ledger.Entry{
		SessionID:     r.SessionID,
		Type:          r.Type,
		Details:       r.Details,
		Sequence:      r.Sequence,
		Timestamp:     r.At,
		MaxViolations: p.MaxViolations,
		ResumeCount:   p.ResumeCount,
		Terminal:      p.IsTerminal(r.Type),
	})
	if err != nil {
		return nil, err
	}

	if !res.Duplicate {
		rec := res.Record
		m.emit(ctx, Event{Kind: string(r.Type), Session: res.Session, Violation: &rec, At: rec.Timestamp})
	}
	if res.LockedNow {
		m.log.Warn("session locked",
			zap.String("session_id", res.Session.ID),
			zap.String("reason", res.Session.LockReason),
			zap.Int("violation_count", res.Session.ViolationCount),
		)
		m.emit(ctx, Event{Kind: models.TransitionLocked, Session: res.Session, Reason: res.Session.LockReason})
	}

	return &Outcome{
		ViolationCount: res.Count(),
		Locked:         res.Locked(),
		Duplicate:      res.Duplicate,
		Counted:        res.Counted,
		Status:         res.Session.Status,
	}, nil
}
