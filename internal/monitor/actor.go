package monitor

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zaqqye/seb_integrity/internal/detector/behavior"
	"github.com/zaqqye/seb_integrity/internal/detector/presence"
	"github.com/zaqqye/seb_integrity/internal/metrics"
	"github.com/zaqqye/seb_integrity/internal/models"
	"github.com/zaqqye/seb_integrity/internal/telemetry"
)

const inboxSize = 128

// sequenceBlock is how many sequences an actor reserves at a time.
const sequenceBlock int64 = 1 << 16

var (
	ErrStopped = errors.New("monitor stopped")
	ErrBusy    = errors.New("monitor inbox full")
)

type Options struct {
	Behavior           behavior.Config
	DeliveryMaxElapsed time.Duration
	// ResponseWindow bounds how long a validation challenge stays open.
	ResponseWindow time.Duration
}

func DefaultOptions() Options {
	return Options{
		Behavior:           behavior.DefaultConfig(),
		DeliveryMaxElapsed: 2 * time.Minute,
		ResponseWindow:     time.Minute,
	}
}

// Actor owns all detector state for one session. Only its own goroutine touches that
// state; everything else talks to it through Deliver.
type Actor struct {
	sessionID string
	policy    *models.MonitoringPolicy
	log       *zap.Logger
	sink      Sink
	outbox    *outbox
	now       func() time.Time

	inbox    chan telemetry.Message
	quit     chan struct{}
	done     chan struct{}
	ticker   *time.Ticker
	ticks    <-chan time.Time
	stopOnce sync.Once

	behavior      *behavior.Analyzer
	presence      *presence.Detector
	challenges    *challenger
	seq           int64
	seqEnd        int64
	reserve       func() (int64, error)
	lastActivity  time.Time
	idleReported  bool
	cameraEnabled bool
	lastScore     *presence.Score
	lastMetrics   behavior.Metrics
}

func newActor(sessionID string, p *models.MonitoringPolicy, startSeq int64, reporter Reporter, sink Sink, log *zap.Logger, opts Options) *Actor {
	now := func() time.Time { return time.Now().UTC() }
	if sink == nil {
		sink = nopSink{}
	}
	log = log.With(zap.String("session_id", sessionID))
	a := &Actor{
		sessionID:     sessionID,
		policy:        p,
		log:           log,
		sink:          sink,
		outbox:        newOutbox(sessionID, reporter, opts.DeliveryMaxElapsed, log),
		now:           now,
		inbox:         make(chan telemetry.Message, inboxSize),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		behavior:      behavior.New(opts.Behavior),
		presence:      presence.New(presence.ConfigFromPolicy(p)),
		seq:           startSeq,
		seqEnd:        startSeq + sequenceBlock,
		cameraEnabled: true,
	}
	start := now()
	a.lastActivity = start
	if p.PeriodicUserValidation && p.ValidationIntervalMs > 0 {
		interval := time.Duration(p.ValidationIntervalMs) * time.Millisecond
		a.challenges = newChallenger(interval, opts.ResponseWindow, start)
	}
	return a
}

// start launches the actor loop and the outbox. When ticks is nil a ticker at the
// policy's check interval drives the periodic pass.
func (a *Actor) start(ticks <-chan time.Time) {
	if ticks == nil {
		a.ticker = time.NewTicker(a.policy.CheckInterval())
		ticks = a.ticker.C
	}
	a.ticks = ticks
	go a.outbox.run()
	go a.run()
}

func (a *Actor) SessionID() string { return a.sessionID }

// Deliver queues msg without blocking.
func (a *Actor) Deliver(msg telemetry.Message) error {
	select {
	case <-a.quit:
		return ErrStopped
	default:
	}
	select {
	case a.inbox <- msg:
		return nil
	case <-a.quit:
		return ErrStopped
	default:
		return ErrBusy
	}
}

// Stop halts the loop and its timer, drops the retained frame and flushes pending
// deliveries. Nothing is emitted once Stop returns. Safe to call more than once.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() {
		close(a.quit)
		<-a.done
		if a.ticker != nil {
			a.ticker.Stop()
		}
		a.presence.Reset()
		a.outbox.close()
		a.log.Info("monitor stopped")
	})
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			return
		case msg := <-a.inbox:
			a.handle(msg)
		case <-a.ticks:
			a.tick()
		}
	}
}

func (a *Actor) handle(msg telemetry.Message) {
	now := a.now()
	switch m := msg.(type) {
	case telemetry.Init:
		a.behavior.Reset()
		a.presence.Reset()
		a.markActive(now)
		if m.CameraAvailable {
			a.cameraRestored()
		} else {
			a.cameraLost(presence.ReasonCameraUnavailable)
		}
	case telemetry.Sample:
		for _, k := range m.Keystrokes {
			a.behavior.AddKeystroke(k)
		}
		for _, p := range m.Pointer {
			a.behavior.AddPointer(p)
		}
		if len(m.Keystrokes)+len(m.Pointer) > 0 {
			a.markActive(now)
			a.analyzeBehavior()
		}
		if m.Frame != nil {
			a.observeFrame(*m.Frame)
		}
	case telemetry.UserActivity:
		a.markActive(now)
	case telemetry.ValidationResponse:
		a.markActive(now)
		a.answerChallenge(m, now)
	case telemetry.CameraState:
		if m.Available {
			a.cameraRestored()
		} else {
			reason := m.Reason
			if reason == "" {
				reason = presence.ReasonCameraUnavailable
			}
			a.cameraLost(reason)
		}
	default:
		a.log.Warn("unhandled monitor message", zap.String("type", string(msg.Type())))
	}
}

// tick is the periodic pass: prune, re-analyse, check idle time and challenges, report status.
func (a *Actor) tick() {
	now := a.now()
	a.behavior.Prune(now)
	a.analyzeBehavior()

	idle := now.Sub(a.lastActivity)
	if limit := time.Duration(a.policy.InactivityTimeoutMs) * time.Millisecond; limit > 0 && !a.idleReported && idle >= limit {
		a.idleReported = true
		a.emit(models.ViolationInactivity, "inactivity", []string{"idle_timeout"}, map[string]interface{}{
			"idle_ms": idle.Milliseconds(),
		})
	}

	if a.challenges != nil {
		if ch, ok := a.challenges.expire(now); ok {
			a.emit(models.ViolationPeriodicCheckFailed, "validation", []string{"no_response"}, map[string]interface{}{
				"challenge_id": ch.ID,
				"reason":       "no_response",
			})
		}
		if a.challenges.due(now) {
			ch := a.challenges.issue(now)
			a.sink.Send(a.sessionID, MsgValidationChallenge, ValidationChallenge{
				ChallengeID: ch.ID,
				Prompt:      ch.Prompt,
				ExpiresAt:   ch.ExpiresAt,
			})
		}
	}

	a.sink.Send(a.sessionID, MsgStatusUpdate, StatusUpdate{
		SessionID:     a.sessionID,
		Behavior:      a.lastMetrics,
		Presence:      a.lastScore,
		CameraEnabled: a.cameraEnabled,
		IdleMs:        idle.Milliseconds(),
		At:            now,
	})
}

func (a *Actor) markActive(now time.Time) {
	a.lastActivity = now
	a.idleReported = false
}

func (a *Actor) analyzeBehavior() {
	if !a.policy.BrowserMonitoring {
		return
	}
	m, finding := a.behavior.Analyze()
	a.lastMetrics = m
	if finding == nil {
		return
	}
	a.emit(models.ViolationAutomationDetected, "behavior", finding.Reasons, map[string]interface{}{
		"reasons": finding.Reasons,
		"metrics": finding.Metrics,
	})
}

func (a *Actor) observeFrame(f telemetry.Frame) {
	score, report, err := a.presence.Observe(f)
	if err != nil {
		a.log.Warn("discarding camera frame", zap.Error(err))
		return
	}
	if a.presence.Disabled() {
		return
	}
	a.lastScore = &score
	if report {
		a.emit(models.ViolationWebcam, "presence", score.Reasons, map[string]interface{}{
			"reasons":    score.Reasons,
			"brightness": score.Brightness,
			"motion":     score.Motion,
		})
	}
}

func (a *Actor) cameraLost(reason string) {
	if !a.cameraEnabled {
		return
	}
	a.cameraEnabled = false
	a.lastScore = nil
	if a.presence.CameraLost() {
		a.emit(models.ViolationWebcam, "presence", []string{presence.ReasonCameraUnavailable}, map[string]interface{}{
			"reason": reason,
		})
		return
	}
	a.log.Info("camera unavailable, presence checks paused", zap.String("reason", reason))
}

func (a *Actor) cameraRestored() {
	a.cameraEnabled = true
	a.presence.CameraRestored()
}

func (a *Actor) answerChallenge(m telemetry.ValidationResponse, now time.Time) {
	if a.challenges == nil {
		return
	}
	passed, known := a.challenges.answer(m.ChallengeID, m.Answer, now)
	if !known {
		a.log.Debug("ignoring response to unknown challenge", zap.String("challenge_id", m.ChallengeID))
		return
	}
	if !passed {
		a.emit(models.ViolationPeriodicCheckFailed, "validation", []string{"wrong_answer"}, map[string]interface{}{
			"challenge_id": m.ChallengeID,
			"reason":       "wrong_answer",
		})
	}
}

// emit numbers a violation, tells the student and hands it to the outbox.
func (a *Actor) emit(t models.ViolationType, detector string, reasons []string, details map[string]interface{}) {
	if !a.policy.Enables(t) {
		return
	}
	if a.seq >= a.seqEnd && !a.refillSequences() {
		metrics.DeliveryFailures.Inc()
		a.log.Error("no sequence available, dropping violation", zap.String("type", string(t)))
		return
	}
	v := ViolationDetected{
		SessionID: a.sessionID,
		Type:      t,
		Sequence:  a.seq,
		Details:   details,
		At:        a.now(),
	}
	a.seq++
	for _, r := range reasons {
		metrics.DetectorFindings.WithLabelValues(detector, r).Inc()
	}
	a.log.Warn("violation detected",
		zap.String("type", string(t)),
		zap.Int64("sequence", v.Sequence),
		zap.Strings("reasons", reasons),
	)
	a.sink.Send(a.sessionID, MsgViolationDetected, v)
	a.outbox.enqueue(v)
}

func (a *Actor) refillSequences() bool {
	if a.reserve == nil {
		return false
	}
	first, err := a.reserve()
	if err != nil {
		a.log.Error("failed to reserve sequences", zap.Error(err))
		return false
	}
	a.seq, a.seqEnd = first, first+sequenceBlock
	return true
}
