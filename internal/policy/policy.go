// Package policy looks up per-exam monitoring policies. Policies are written by the
// exam-authoring service; this package never modifies them.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/zaqqye/seb_integrity/internal/models"
)

const DefaultExamID = "default"

var ErrPolicyNotFound = errors.New("monitoring policy not found")

type Provider interface {
	Lookup(ctx context.Context, examID string) (*models.MonitoringPolicy, error)
}

type Store struct {
	DB       *gorm.DB
	validate *validator.Validate
}

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db, validate: validator.New()}
}

// Lookup returns the policy for examID. A malformed row is reported as an error rather
// than silently patched, since thresholds decide when students get locked out.
func (s *Store) Lookup(ctx context.Context, examID string) (*models.MonitoringPolicy, error) {
	var p models.MonitoringPolicy
	if err := s.DB.WithContext(ctx).Where("exam_id = ?", examID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: exam %s", ErrPolicyNotFound, examID)
		}
		return nil, err
	}
	if err := s.validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid policy for exam %s: %w", examID, err)
	}
	return &p, nil
}

// Default is the policy seeded for local setups.
func Default(examID string) models.MonitoringPolicy {
	return models.MonitoringPolicy{
		ExamID:                 examID,
		MaxViolations:          3,
		CheckIntervalMs:        5000,
		MotionThreshold:        2,
		BrightnessThreshold:    40,
		MaxConsecutiveFailures: 3,
		ResumeCount:            1,
		InactivityTimeoutMs:    5 * 60 * 1000,
		ValidationIntervalMs:   0,
		FullScreenMode:         true,
		BlockMultipleTabs:      true,
		BlockKeyboardShortcuts: true,
		BlockRightClick:        true,
		BlockClipboard:         true,
		BrowserMonitoring:      true,
		BlockSearchEngines:     true,
		DeviceTracking:         true,
		ScreenshotBlocking:     true,
		PeriodicUserValidation: false,
		WebcamRequired:         false,
	}
}
