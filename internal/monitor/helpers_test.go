package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zaqqye/seb_integrity/internal/ledger"
	"github.com/zaqqye/seb_integrity/internal/models"
	"github.com/zaqqye/seb_integrity/internal/session"
	"github.com/zaqqye/seb_integrity/internal/telemetry"
)

const waitFor = 2 * time.Second

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeReporter struct {
	mu        sync.Mutex
	failures  int
	attempts  []session.Report
	delivered []session.Report
}

func (f *fakeReporter) RecordViolation(_ context.Context, r session.Report) (*session.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, r)
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection refused")
	}
	f.delivered = append(f.delivered, r)
	return &session.Outcome{ViolationCount: len(f.delivered), Counted: true, Status: models.StatusInProgress}, nil
}

func (f *fakeReporter) Delivered() []session.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Report(nil), f.delivered...)
}

func (f *fakeReporter) Attempts() []session.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Report(nil), f.attempts...)
}

type sent struct {
	typ     string
	payload interface{}
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []sent
}

func (s *recordingSink) Send(_ string, typ string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sent{typ, payload})
}

func (s *recordingSink) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.typ == typ {
			n++
		}
	}
	return n
}

func (s *recordingSink) last(typ string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].typ == typ {
			return s.msgs[i].payload
		}
	}
	return nil
}

type harness struct {
	actor    *Actor
	clock    *fakeClock
	reporter *fakeReporter
	sink     *recordingSink
	ticks    chan time.Time
}

func newHarness(t *testing.T, p models.MonitoringPolicy, setup ...func(*Actor)) *harness {
	t.Helper()
	h := &harness{
		clock:    &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
		reporter: &fakeReporter{},
		sink:     &recordingSink{},
		ticks:    make(chan time.Time),
	}
	a := newActor("sess-1", &p, ledger.ServerSequenceBase, h.reporter, h.sink, zap.NewNop(), DefaultOptions())
	a.now = h.clock.Now
	a.lastActivity = h.clock.Now()
	a.outbox.backOff = func() backoff.BackOff { return &backoff.ConstantBackOff{Interval: time.Millisecond} }
	for _, fn := range setup {
		fn(a)
	}
	a.start(h.ticks)
	t.Cleanup(a.Stop)
	h.actor = a
	return h
}

func (h *harness) deliver(t *testing.T, msg telemetry.Message) {
	t.Helper()
	require.NoError(t, h.actor.Deliver(msg))
}

// tick waits for queued messages to be taken, then runs one periodic pass to completion.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.actor.inbox) == 0 }, waitFor, time.Millisecond)
	before := h.sink.count(MsgStatusUpdate)
	h.ticks <- h.clock.Now()
	require.Eventually(t, func() bool { return h.sink.count(MsgStatusUpdate) > before }, waitFor, time.Millisecond)
}

func (h *harness) waitDelivered(t *testing.T, n int) []session.Report {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.reporter.Delivered()) >= n }, waitFor, time.Millisecond)
	return h.reporter.Delivered()
}
