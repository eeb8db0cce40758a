// Package monitor runs one actor per in-progress exam session. The actor consumes client
// telemetry, drives the behavior and presence detectors on a timer and reports what they
// find to the violation ledger.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zaqqye/seb_integrity/internal/metrics"
	"github.com/zaqqye/seb_integrity/internal/models"
	"github.com/zaqqye/seb_integrity/internal/session"
	"github.com/zaqqye/seb_integrity/internal/telemetry"
)

var (
	ErrNoMonitor  = errors.New("no monitor for session")
	ErrNotRunning = errors.New("session is not in progress")
)

// SequenceSource reserves ranges of server-side sequences for a session.
type SequenceSource interface {
	ReserveServerSequences(ctx context.Context, sessionID string, n int64) (int64, error)
}

type Manager struct {
	reporter Reporter
	seqs     SequenceSource
	sink     Sink
	log      *zap.Logger
	opts     Options

	mu     sync.Mutex
	actors map[string]*Actor
}

func NewManager(reporter Reporter, seqs SequenceSource, sink Sink, log *zap.Logger, opts Options) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		reporter: reporter,
		seqs:     seqs,
		sink:     sink,
		log:      log,
		opts:     opts,
		actors:   make(map[string]*Actor),
	}
}

// Open returns the session's actor, starting one if needed.
func (m *Manager) Open(ctx context.Context, s *models.ExamSession, p *models.MonitoringPolicy) (*Actor, error) {
	return m.open(ctx, s, p, nil)
}

func (m *Manager) open(ctx context.Context, s *models.ExamSession, p *models.MonitoringPolicy, ticks <-chan time.Time) (*Actor, error) {
	if s.Status != models.StatusInProgress {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, s.Status)
	}
	if a := m.get(s.ID); a != nil {
		return a, nil
	}
	seq, err := m.seqs.ReserveServerSequences(ctx, s.ID, sequenceBlock)
	if err != nil {
		return nil, fmt.Errorf("reserve sequences: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[s.ID]; ok {
		return a, nil
	}
	a := newActor(s.ID, p, seq, m.reporter, m.sink, m.log, m.opts)
	sessionID := s.ID
	a.reserve = func() (int64, error) {
		ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
		defer cancel()
		return m.seqs.ReserveServerSequences(ctx, sessionID, sequenceBlock)
	}
	a.start(ticks)
	m.actors[s.ID] = a
	metrics.ActiveMonitors.Inc()
	m.log.Info("monitor started",
		zap.String("session_id", s.ID),
		zap.String("exam_id", s.ExamID),
		zap.Int64("first_sequence", seq),
	)
	return a, nil
}

func (m *Manager) get(id string) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actors[id]
}

func (m *Manager) remove(id string) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[id]
	if !ok {
		return nil
	}
	delete(m.actors, id)
	metrics.ActiveMonitors.Dec()
	return a
}

func (m *Manager) Deliver(sessionID string, msg telemetry.Message) error {
	a := m.get(sessionID)
	if a == nil {
		return ErrNoMonitor
	}
	return a.Deliver(msg)
}

// Close stops the session's actor and waits for it.
func (m *Manager) Close(sessionID string) {
	if a := m.remove(sessionID); a != nil {
		a.Stop()
	}
}

// OnSessionEvent stops the actor once its session leaves IN_PROGRESS. The stop runs in
// the background because the event may come from the actor's own outbox.
func (m *Manager) OnSessionEvent(_ context.Context, ev session.Event) {
	if ev.Session.Status == models.StatusInProgress {
		return
	}
	if a := m.remove(ev.Session.ID); a != nil {
		go a.Stop()
	}
}

// Shutdown stops every actor.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for id, a := range m.actors {
		actors = append(actors, a)
		delete(m.actors, id)
		metrics.ActiveMonitors.Dec()
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			a.Stop()
		}(a)
	}
	wg.Wait()
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}
