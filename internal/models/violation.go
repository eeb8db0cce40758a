package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ViolationType string

const (
	ViolationTabSwitch            ViolationType = "TAB_SWITCH"
	ViolationFullScreenExit       ViolationType = "FULL_SCREEN_EXIT"
	ViolationKeyboardShortcut     ViolationType = "KEYBOARD_SHORTCUT"
	ViolationRightClick           ViolationType = "RIGHT_CLICK"
	ViolationClipboardUsage       ViolationType = "CLIPBOARD_USAGE"
	ViolationSearchEngineDetected ViolationType = "SEARCH_ENGINE_DETECTED"
	ViolationMultipleDevices      ViolationType = "MULTIPLE_DEVICES"
	ViolationWebcam               ViolationType = "WEBCAM_VIOLATION"
	ViolationScreenshotAttempt    ViolationType = "SCREENSHOT_ATTEMPT"
	ViolationAutomationDetected   ViolationType = "AUTOMATION_DETECTED"
	ViolationPeriodicCheckFailed  ViolationType = "PERIODIC_CHECK_FAILED"
	ViolationInactivity           ViolationType = "INACTIVITY"
)

var violationTypes = map[ViolationType]struct{}{
	ViolationTabSwitch:            {},
	ViolationFullScreenExit:       {},
	ViolationKeyboardShortcut:     {},
	ViolationRightClick:           {},
	ViolationClipboardUsage:       {},
	ViolationSearchEngineDetected: {},
	ViolationMultipleDevices:      {},
	ViolationWebcam:               {},
	ViolationScreenshotAttempt:    {},
	ViolationAutomationDetected:   {},
	ViolationPeriodicCheckFailed:  {},
	ViolationInactivity:           {},
}

func (t ViolationType) Valid() bool {
	_, ok := violationTypes[t]
	return ok
}

// Severity is advisory metadata; it never changes how a violation is counted.
func (t ViolationType) Severity() string {
	switch t {
	case ViolationAutomationDetected, ViolationMultipleDevices, ViolationWebcam, ViolationScreenshotAttempt:
		return "high"
	case ViolationTabSwitch, ViolationFullScreenExit, ViolationSearchEngineDetected, ViolationClipboardUsage:
		return "medium"
	default:
		return "low"
	}
}

// ViolationRecord is an append-only ledger entry.
type ViolationRecord struct {
	ID        string         `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID string         `gorm:"type:uuid;not null;uniqueIndex:uniq_session_seq,priority:1" json:"session_id"`
	Sequence  int64          `gorm:"not null;uniqueIndex:uniq_session_seq,priority:2" json:"sequence"`
	Type      ViolationType  `gorm:"size:48;not null;index" json:"type"`
	Severity  string         `gorm:"size:16" json:"severity"`
	Counted   bool           `gorm:"not null;default:false" json:"counted"`
	Details   datatypes.JSON `json:"details,omitempty"`
	Timestamp time.Time      `gorm:"not null;index" json:"timestamp"`
}

func (v *ViolationRecord) BeforeCreate(tx *gorm.DB) (err error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Severity == "" {
		v.Severity = v.Type.Severity()
	}
	return nil
}
