// Package behavior judges keystroke and pointer telemetry for signs of scripted input.
package behavior

import (
	"math"
	"strings"
	"time"

	"github.com/zaqqye/seb_integrity/internal/telemetry"
)

const (
	ReasonTypingSpeed       = "typing_speed"
	ReasonUniformRhythm     = "uniform_rhythm"
	ReasonRepetitivePattern = "repetitive_pattern"
	ReasonPointerSpeed      = "pointer_speed"
	ReasonLinearPointer     = "linear_pointer"
)

type Config struct {
	KeystrokeCapacity int
	PointerCapacity   int
	Retention         time.Duration
	// MaxTypingSpeed in characters per minute.
	MaxTypingSpeed float64
	// MinRhythmStdDev in ms; anything steadier is treated as machine timing.
	MinRhythmStdDev float64
	// PointerSpeedLimit in px/ms.
	PointerSpeedLimit  float64
	MinPointerVariance float64
	MinKeystrokes      int
	MinPointerSamples  int
	// RearmAfter is how many new samples must arrive before another report.
	RearmAfter int
}

func DefaultConfig() Config {
	return Config{
		KeystrokeCapacity:  600,
		PointerCapacity:    600,
		Retention:          10 * time.Minute,
		MaxTypingSpeed:     400,
		MinRhythmStdDev:    0.1,
		PointerSpeedLimit:  8,
		MinPointerVariance: 1e-4,
		MinKeystrokes:      10,
		MinPointerSamples:  10,
		RearmAfter:         20,
	}
}

type MetricResult struct {
	Value      float64 `json:"value"`
	Calculated bool    `json:"calculated"`
	SampleSize int     `json:"sample_size"`
}

type Metrics struct {
	TypingSpeed          MetricResult `json:"typing_speed"`
	TypingRhythmVariance MetricResult `json:"typing_rhythm_variance"`
	PauseFrequency       MetricResult `json:"pause_frequency"`
	PointerAverageSpeed  MetricResult `json:"pointer_average_speed"`
	PointerSpeedVariance MetricResult `json:"pointer_speed_variance"`
	RepetitivePattern    string       `json:"repetitive_pattern,omitempty"`
}

// Finding is produced at most once per analysis pass.
type Finding struct {
	Reasons []string `json:"reasons"`
	Metrics Metrics  `json:"metrics"`
}

type Analyzer struct {
	cfg          Config
	keys         *telemetry.Ring[telemetry.Keystroke]
	pointer      *telemetry.Ring[telemetry.Pointer]
	armed        bool
	pushedAtFlag uint64
	lastKeyAt    time.Time
	lastPointAt  time.Time
}

func New(cfg Config) *Analyzer {
	return &Analyzer{
		cfg:     cfg,
		keys:    telemetry.NewRing[telemetry.Keystroke](cfg.KeystrokeCapacity),
		pointer: telemetry.NewRing[telemetry.Pointer](cfg.PointerCapacity),
		armed:   true,
	}
}

// AddKeystroke buffers k. Client timestamps that go backwards are clamped to the
// previous sample so the buffer stays in time order.
func (a *Analyzer) AddKeystroke(k telemetry.Keystroke) {
	k.At = monotonic(&a.lastKeyAt, k.At)
	a.keys.Push(k)
}

func (a *Analyzer) AddPointer(p telemetry.Pointer) {
	p.At = monotonic(&a.lastPointAt, p.At)
	a.pointer.Push(p)
}

func monotonic(last *time.Time, at time.Time) time.Time {
	if at.Before(*last) {
		return *last
	}
	*last = at
	return at
}

// Prune drops samples older than the retention window.
func (a *Analyzer) Prune(now time.Time) {
	cutoff := now.Add(-a.cfg.Retention)
	a.keys.PruneBefore(cutoff)
	a.pointer.PruneBefore(cutoff)
}

// Reset empties both buffers and re-arms reporting.
func (a *Analyzer) Reset() {
	a.keys.Reset()
	a.pointer.Reset()
	a.lastKeyAt = time.Time{}
	a.lastPointAt = time.Time{}
	a.armed = true
}

func (a *Analyzer) pushed() uint64 { return a.keys.Pushed() + a.pointer.Pushed() }

// Analyze computes the current metrics. It returns a Finding when a flag is raised
// and reporting is armed; after a report it stays quiet until RearmAfter new samples arrive.
func (a *Analyzer) Analyze() (Metrics, *Finding) {
	m := Metrics{}
	var reasons []string

	keys := a.keys.Snapshot()
	if len(keys) >= a.cfg.MinKeystrokes && len(keys) >= 2 {
		if r := a.judgeTyping(keys, &m); len(r) > 0 {
			reasons = append(reasons, r...)
		}
	}
	points := a.pointer.Snapshot()
	if len(points) >= a.cfg.MinPointerSamples && len(points) >= 2 {
		if r := a.judgePointer(points, &m); len(r) > 0 {
			reasons = append(reasons, r...)
		}
	}

	if !a.armed && a.pushed()-a.pushedAtFlag >= uint64(a.cfg.RearmAfter) {
		a.armed = true
	}
	if len(reasons) == 0 || !a.armed {
		return m, nil
	}
	a.armed = false
	a.pushedAtFlag = a.pushed()
	return m, &Finding{Reasons: reasons, Metrics: m}
}

func (a *Analyzer) judgeTyping(keys []telemetry.Keystroke, m *Metrics) []string {
	var reasons []string

	span := float64(keys[len(keys)-1].At.Sub(keys[0].At)) / float64(time.Millisecond)
	if span > 0 {
		speed := float64(len(keys)) / span * 60000
		m.TypingSpeed = MetricResult{Value: speed, Calculated: true, SampleSize: len(keys)}
		if speed > a.cfg.MaxTypingSpeed {
			reasons = append(reasons, ReasonTypingSpeed)
		}
	}

	intervals := make([]float64, 0, len(keys)-1)
	for i := 1; i < len(keys); i++ {
		intervals = append(intervals, float64(keys[i].At.Sub(keys[i-1].At))/float64(time.Millisecond))
	}
	mean, variance := meanVariance(intervals)
	stddev := math.Sqrt(variance)
	m.TypingRhythmVariance = MetricResult{Value: stddev, Calculated: true, SampleSize: len(intervals)}
	if stddev < a.cfg.MinRhythmStdDev {
		reasons = append(reasons, ReasonUniformRhythm)
	}

	if len(intervals) >= 5 {
		pauseThreshold := math.Max(mean*3.0, 1000.0)
		pauses := 0
		for _, iv := range intervals {
			if iv > pauseThreshold {
				pauses++
			}
		}
		m.PauseFrequency = MetricResult{Value: float64(pauses) / float64(len(intervals)), Calculated: true, SampleSize: len(intervals)}
	}

	if p := repeatedTrigram(keys); p != "" {
		m.RepetitivePattern = p
		reasons = append(reasons, ReasonRepetitivePattern)
	}
	return reasons
}

func (a *Analyzer) judgePointer(points []telemetry.Pointer, m *Metrics) []string {
	speeds := make([]float64, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		dt := float64(points[i].At.Sub(points[i-1].At)) / float64(time.Millisecond)
		if dt <= 0 {
			continue
		}
		dist := math.Hypot(points[i].X-points[i-1].X, points[i].Y-points[i-1].Y)
		speeds = append(speeds, dist/dt)
	}
	if len(speeds) < a.cfg.MinPointerSamples-1 || len(speeds) == 0 {
		return nil
	}

	mean, variance := meanVariance(speeds)
	m.PointerAverageSpeed = MetricResult{Value: mean, Calculated: true, SampleSize: len(speeds)}
	m.PointerSpeedVariance = MetricResult{Value: variance, Calculated: true, SampleSize: len(speeds)}

	var reasons []string
	if mean > a.cfg.PointerSpeedLimit {
		reasons = append(reasons, ReasonPointerSpeed)
	}
	if variance < a.cfg.MinPointerVariance {
		reasons = append(reasons, ReasonLinearPointer)
	}
	return reasons
}

// repeatedTrigram slides a 3-character window over the typed text and returns the
// first window that occurs again later on.
func repeatedTrigram(keys []telemetry.Keystroke) string {
	var b strings.Builder
	for _, k := range keys {
		switch {
		case k.Key == "Space":
			b.WriteByte(' ')
		case len([]rune(k.Key)) == 1:
			b.WriteString(k.Key)
		}
	}
	text := []rune(b.String())
	for i := 0; i+3 <= len(text); i++ {
		window := string(text[i : i+3])
		if strings.Contains(string(text[i+1:]), window) {
			return window
		}
	}
	return ""
}

func meanVariance(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, sq / float64(len(xs))
}
