package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/zaqqye/seb_integrity/internal/metrics"
	"github.com/zaqqye/seb_integrity/internal/policy"
	"github.com/zaqqye/seb_integrity/internal/session"
)

const (
	outboxSize     = 64
	attemptTimeout = 5 * time.Second
)

// Reporter accepts violations on behalf of the ledger. *session.Machine implements it.
type Reporter interface {
	RecordViolation(ctx context.Context, r session.Report) (*session.Outcome, error)
}

// outbox delivers detector violations off the actor goroutine. A failed delivery is
// retried with the same sequence so the ledger can drop duplicates.
type outbox struct {
	sessionID string
	reporter  Reporter
	log       *zap.Logger
	queue     chan ViolationDetected
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	backOff   func() backoff.BackOff
}

func newOutbox(sessionID string, reporter Reporter, maxElapsed time.Duration, log *zap.Logger) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &outbox{
		sessionID: sessionID,
		reporter:  reporter,
		log:       log,
		queue:     make(chan ViolationDetected, outboxSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = maxElapsed
			return b
		},
	}
}

func (o *outbox) run() {
	defer close(o.done)
	for v := range o.queue {
		o.deliver(v)
	}
}

func (o *outbox) enqueue(v ViolationDetected) {
	select {
	case o.queue <- v:
	default:
		metrics.DeliveryFailures.Inc()
		o.log.Error("violation outbox full, dropping",
			zap.String("session_id", o.sessionID),
			zap.String("type", string(v.Type)),
			zap.Int64("sequence", v.Sequence),
		)
	}
}

// close stops retrying, gives every queued violation one last attempt and waits.
func (o *outbox) close() {
	o.cancel()
	close(o.queue)
	<-o.done
}

func (o *outbox) deliver(v ViolationDetected) {
	var details []byte
	if len(v.Details) > 0 {
		details, _ = json.Marshal(v.Details)
	}
	report := session.Report{
		SessionID: v.SessionID,
		Type:      v.Type,
		Details:   datatypes.JSON(details),
		Sequence:  v.Sequence,
		At:        v.At,
	}

	attempts := 0
	op := func() error {
		attempts++
		if attempts > 1 {
			metrics.DeliveryRetries.Inc()
		}
		ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
		defer cancel()
		out, err := o.reporter.RecordViolation(ctx, report)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		o.log.Info("detector violation recorded",
			zap.String("session_id", v.SessionID),
			zap.String("type", string(v.Type)),
			zap.Int64("sequence", v.Sequence),
			zap.Int("violation_count", out.ViolationCount),
			zap.Bool("locked", out.Locked),
			zap.Bool("duplicate", out.Duplicate),
		)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		o.log.Warn("violation delivery failed, retrying",
			zap.String("session_id", v.SessionID),
			zap.Int64("sequence", v.Sequence),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(o.backOff(), o.ctx), notify); err != nil {
		metrics.DeliveryFailures.Inc()
		o.log.Error("violation delivery abandoned",
			zap.String("session_id", v.SessionID),
			zap.String("type", string(v.Type)),
			zap.Int64("sequence", v.Sequence),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
}

func permanent(err error) bool {
	return errors.Is(err, session.ErrSessionNotFound) ||
		errors.Is(err, session.ErrViolationTypeDisabled) ||
		errors.Is(err, session.ErrUnknownViolationType) ||
		errors.Is(err, policy.ErrPolicyNotFound)
}
