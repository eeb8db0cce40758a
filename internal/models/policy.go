package models

import "time"

// MonitoringPolicy is owned by the exam-authoring side; this service only reads it.
type MonitoringPolicy struct {
	ExamID                 string  `gorm:"size:64;primaryKey" json:"exam_id" validate:"required"`
	MaxViolations          int     `gorm:"not null;default:3" json:"max_violations" validate:"gte=1"`
	CheckIntervalMs        int     `gorm:"not null;default:5000" json:"check_interval_ms" validate:"gte=100"`
	MotionThreshold        float64 `gorm:"not null;default:2" json:"motion_threshold" validate:"gte=0,lte=100"`
	BrightnessThreshold    float64 `gorm:"not null;default:40" json:"brightness_threshold" validate:"gte=0,lte=255"`
	MaxConsecutiveFailures int     `gorm:"not null;default:3" json:"max_consecutive_failures" validate:"gte=1"`
	ResumeCount            int     `gorm:"not null;default:0" json:"resume_count" validate:"gte=0"`
	InactivityTimeoutMs    int     `gorm:"not null;default:0" json:"inactivity_timeout_ms" validate:"gte=0"`
	ValidationIntervalMs   int     `gorm:"not null;default:0" json:"validation_interval_ms" validate:"gte=0"`

	FullScreenMode         bool `json:"full_screen_mode"`
	BlockMultipleTabs      bool `json:"block_multiple_tabs"`
	BlockKeyboardShortcuts bool `json:"block_keyboard_shortcuts"`
	BlockRightClick        bool `json:"block_right_click"`
	BlockClipboard         bool `json:"block_clipboard"`
	BrowserMonitoring      bool `json:"browser_monitoring"`
	BlockSearchEngines     bool `json:"block_search_engines"`
	DeviceTracking         bool `json:"device_tracking"`
	ScreenshotBlocking     bool `json:"screenshot_blocking"`
	PeriodicUserValidation bool `json:"periodic_user_validation"`
	WebcamRequired         bool `json:"webcam_required"`

	// TerminalTypes lock the session on a single accepted occurrence.
	TerminalTypes []ViolationType `gorm:"serializer:json;type:text" json:"terminal_types,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Enables reports whether violations of type t are monitored under this policy.
// Presence, inactivity and webcam reports are always accepted; their detectors decide
// on their own whether to run.
func (p *MonitoringPolicy) Enables(t ViolationType) bool {
	switch t {
	case ViolationTabSwitch:
		return p.BlockMultipleTabs
	case ViolationFullScreenExit:
		return p.FullScreenMode
	case ViolationKeyboardShortcut:
		return p.BlockKeyboardShortcuts
	case ViolationRightClick:
		return p.BlockRightClick
	case ViolationClipboardUsage:
		return p.BlockClipboard
	case ViolationSearchEngineDetected:
		return p.BlockSearchEngines
	case ViolationMultipleDevices:
		return p.DeviceTracking
	case ViolationScreenshotAttempt:
		return p.ScreenshotBlocking
	case ViolationAutomationDetected:
		return p.BrowserMonitoring
	case ViolationPeriodicCheckFailed:
		return p.PeriodicUserValidation
	case ViolationWebcam, ViolationInactivity:
		return true
	}
	return false
}

func (p *MonitoringPolicy) IsTerminal(t ViolationType) bool {
	for _, tt := range p.TerminalTypes {
		if tt == t {
			return true
		}
	}
	return false
}

func (p *MonitoringPolicy) CheckInterval() time.Duration {
	return time.Duration(p.CheckIntervalMs) * time.Millisecond
}
