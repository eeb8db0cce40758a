// Package presence scores camera frames for signs that a person is in front of the screen.
// Only the previous frame is kept, for motion comparison.
package presence

import (
	"github.com/zaqqye/seb_integrity/internal/models"
	"github.com/zaqqye/seb_integrity/internal/telemetry"
)

const (
	// Stride samples every 4th pixel.
	Stride = 4
	// NoiseThreshold is the per-pixel change (0-255) below which a difference counts as sensor noise.
	NoiseThreshold = 30

	ReasonLowBrightness     = "low_brightness"
	ReasonNoMotion          = "no_motion"
	ReasonCameraUnavailable = "camera_unavailable"
)

type Config struct {
	BrightnessThreshold    float64
	MotionThreshold        float64
	MaxConsecutiveFailures int
	WebcamRequired         bool
}

func ConfigFromPolicy(p *models.MonitoringPolicy) Config {
	return Config{
		BrightnessThreshold:    p.BrightnessThreshold,
		MotionThreshold:        p.MotionThreshold,
		MaxConsecutiveFailures: p.MaxConsecutiveFailures,
		WebcamRequired:         p.WebcamRequired,
	}
}

type Score struct {
	Brightness          float64  `json:"brightness"`
	Motion              float64  `json:"motion"`
	MotionMeasured      bool     `json:"motion_measured"`
	Reasons             []string `json:"reasons,omitempty"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
}

func (s Score) Candidate() bool { return len(s.Reasons) > 0 }

type Detector struct {
	cfg      Config
	prev     []byte
	prevW    int
	prevH    int
	failures int
	disabled bool
}

func New(cfg Config) *Detector {
	if cfg.MaxConsecutiveFailures < 1 {
		cfg.MaxConsecutiveFailures = 1
	}
	return &Detector{cfg: cfg}
}

// Disabled reports whether the detector stopped contributing after losing the camera.
func (d *Detector) Disabled() bool { return d.disabled }

// Observe scores one frame. report is true when the frame completes a run of
// MaxConsecutiveFailures failing frames; the run then starts over.
func (d *Detector) Observe(f telemetry.Frame) (score Score, report bool, err error) {
	if err := f.Validate(); err != nil {
		return Score{}, false, err
	}
	if d.disabled {
		return Score{}, false, nil
	}

	score.Brightness = Brightness(f.Pix)
	if score.Brightness < d.cfg.BrightnessThreshold {
		score.Reasons = append(score.Reasons, ReasonLowBrightness)
	}
	if d.prev != nil && d.prevW == f.Width && d.prevH == f.Height {
		score.Motion = Motion(d.prev, f.Pix)
		score.MotionMeasured = true
		if score.Motion < d.cfg.MotionThreshold {
			score.Reasons = append(score.Reasons, ReasonNoMotion)
		}
	}
	d.keep(f)

	if !score.Candidate() {
		d.failures = 0
		return score, false, nil
	}
	d.failures++
	score.ConsecutiveFailures = d.failures
	if d.failures >= d.cfg.MaxConsecutiveFailures {
		d.failures = 0
		return score, true, nil
	}
	return score, false, nil
}

func (d *Detector) keep(f telemetry.Frame) {
	if cap(d.prev) < len(f.Pix) {
		d.prev = make([]byte, len(f.Pix))
	}
	d.prev = d.prev[:len(f.Pix)]
	copy(d.prev, f.Pix)
	d.prevW, d.prevH = f.Width, f.Height
}

// CameraLost handles a feed that stopped. When the webcam is required the loss is itself
// a violation; otherwise the detector switches off until the camera comes back.
func (d *Detector) CameraLost() (report bool) {
	d.Reset()
	if d.cfg.WebcamRequired {
		return true
	}
	d.disabled = true
	return false
}

func (d *Detector) CameraRestored() {
	d.disabled = false
}

// Reset drops the previous frame and the failure run.
func (d *Detector) Reset() {
	d.prev = nil
	d.prevW, d.prevH = 0, 0
	d.failures = 0
}

// Brightness is the mean of (R+G+B)/3 over sampled pixels.
func Brightness(pix []byte) float64 {
	var sum float64
	n := 0
	for i := 0; i+2 < len(pix); i += 3 * Stride {
		sum += (float64(pix[i]) + float64(pix[i+1]) + float64(pix[i+2])) / 3
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Motion is the percentage of sampled pixels whose mean channel difference exceeds
// NoiseThreshold. Both buffers must have the same length.
func Motion(prev, cur []byte) float64 {
	changed, n := 0, 0
	for i := 0; i+2 < len(cur) && i+2 < len(prev); i += 3 * Stride {
		diff := absDiff(prev[i], cur[i]) + absDiff(prev[i+1], cur[i+1]) + absDiff(prev[i+2], cur[i+2])
		if diff > 3*NoiseThreshold {
			changed++
		}
		n++
	}
	if n == 0 {
		return 0
	}
	return float64(changed) / float64(n) * 100
}

func absDiff(a, b byte) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
