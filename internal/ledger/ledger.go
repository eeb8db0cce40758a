// Package ledger is the append-only violation record and the owner of the
// violation counter. Counting, de-duplication and the threshold lock are done in
// one transaction with conditional updates, so concurrent appends for the same
// session can never both win the lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zaqqye/seb_integrity/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

// errDuplicate rolls back the counter increment when the sequence was already stored.
var errDuplicate = errors.New("duplicate sequence")

const (
	LockReasonThreshold = "max_violations"
	lockReasonTerminal  = "terminal:"
)

type Entry struct {
	SessionID string
	Type      models.ViolationType
	Details   datatypes.JSON
	Sequence  int64
	// Timestamp is when the violation was detected; zero means now.
	Timestamp time.Time
	// MaxViolations is the count at which the session locks.
	MaxViolations int
	// ResumeCount is how many times the policy lets a locked session resume.
	ResumeCount int
	// Terminal locks on this single occurrence regardless of count.
	Terminal bool
}

type Result struct {
	Session   models.ExamSession
	Record    models.ViolationRecord
	Duplicate bool
	Counted   bool
	LockedNow bool
}

func (r Result) Count() int   { return r.Session.ViolationCount }
func (r Result) Locked() bool { return r.Session.IsLocked }

type Ledger struct {
	DB  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{DB: db, now: func() time.Time { return time.Now().UTC() }}
}

// countable matches sessions whose counter a new violation may move: running sessions,
// locked sessions that can still resume, and terminally locked sessions only for violations
// detected no later than the lock itself, so the loser of a lock race is still counted.
const countable = `(status = ? OR (status = ? AND (
	(resumes_used < ? AND violation_count < ?) OR end_time >= ?)))`

// Append records a violation. Re-appending a (session, sequence) pair is a no-op that
// reports the current state with Duplicate set.
func (l *Ledger) Append(ctx context.Context, e Entry) (Result, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if len(e.Details) == 0 {
		e.Details = datatypes.JSON("{}")
	}
	var res Result
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess models.ExamSession
		if err := tx.Where("id = ?", e.SessionID).First(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		inc := tx.Model(&models.ExamSession{}).
			Where("id = ?", e.SessionID).
			Where(countable, models.StatusInProgress, models.StatusLocked, e.ResumeCount, e.MaxViolations, e.Timestamp).
			Updates(map[string]interface{}{"violation_count": gorm.Expr("violation_count + 1")})
		if inc.Error != nil {
			return fmt.Errorf("increment violation count: %w", inc.Error)
		}
		res.Counted = inc.RowsAffected == 1

		rec := models.ViolationRecord{
			SessionID: e.SessionID,
			Sequence:  e.Sequence,
			Type:      e.Type,
			Counted:   res.Counted,
			Details:   e.Details,
			Timestamp: e.Timestamp,
		}
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		if ins.Error != nil {
			return fmt.Errorf("insert violation: %w", ins.Error)
		}
		if ins.RowsAffected == 0 {
			return errDuplicate
		}
		res.Record = rec

		if res.Counted {
			locked, err := l.lockIfCrossed(tx, e)
			if err != nil {
				return err
			}
			res.LockedNow = locked
		}
		return tx.Where("id = ?", e.SessionID).First(&res.Session).Error
	})
	if errors.Is(err, errDuplicate) {
		return l.duplicate(ctx, e)
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// lockIfCrossed flips IN_PROGRESS to LOCKED when the threshold is reached. The status
// guard in the WHERE clause makes this a compare-and-set: exactly one caller changes the row.
func (l *Ledger) lockIfCrossed(tx *gorm.DB, e Entry) (bool, error) {
	q := tx.Model(&models.ExamSession{}).Where("id = ? AND status = ?", e.SessionID, models.StatusInProgress)
	reason := lockReasonTerminal + string(e.Type)
	if !e.Terminal {
		q = q.Where("violation_count >= ?", e.MaxViolations)
		reason = LockReasonThreshold
	}
	res := q.Updates(map[string]interface{}{
		"status":      models.StatusLocked,
		"is_locked":   true,
		"end_time":    l.now(),
		"lock_reason": reason,
	})
	if res.Error != nil {
		return false, fmt.Errorf("lock session: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (l *Ledger) duplicate(ctx context.Context, e Entry) (Result, error) {
	res := Result{Duplicate: true}
	db := l.DB.WithContext(ctx)
	if err := db.Where("id = ?", e.SessionID).First(&res.Session).Error; err != nil {
		return Result{}, err
	}
	if err := db.Where("session_id = ? AND sequence = ?", e.SessionID, e.Sequence).First(&res.Record).Error; err != nil {
		return Result{}, err
	}
	return res, nil
}

// List returns the session's violations in sequence order.
func (l *Ledger) List(ctx context.Context, sessionID string) ([]models.ViolationRecord, error) {
	var out []models.ViolationRecord
	err := l.DB.WithContext(ctx).Where("session_id = ?", sessionID).Order("sequence ASC").Find(&out).Error
	return out, err
}

// ServerSequenceBase is where sequences for server-side detectors start. Client
// counters stay far below it so the two sources never share a (session, sequence) key.
const ServerSequenceBase int64 = 1 << 40

// ReserveServerSequences reserves n server-side sequences for the session and returns the
// first. Every call gets a fresh range, so a monitor started while a previous one is still
// flushing can never reuse a number the other has handed out.
func (l *Ledger) ReserveServerSequences(ctx context.Context, sessionID string, n int64) (int64, error) {
	if n < 1 {
		n = 1
	}
	var first int64
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ExamSession{}).Where("id = ?", sessionID).
			UpdateColumn("server_sequence", gorm.Expr(
				"CASE WHEN server_sequence < ? THEN ? ELSE server_sequence + ? END",
				ServerSequenceBase, ServerSequenceBase+n, n,
			))
		if res.Error != nil {
			return fmt.Errorf("reserve server sequences: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		var sess models.ExamSession
		if err := tx.Select("server_sequence").Where("id = ?", sessionID).First(&sess).Error; err != nil {
			return err
		}
		first = sess.ServerSequence - n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return first, nil
}
