package session

import (
	"context"
	"time"

	"github.com/zaqqye/seb_integrity/internal/models"
)

// Event is emitted for every accepted violation and every state transition.
// Kind is a violation type or one of the models.Transition* names.
type Event struct {
	Kind      string
	Session   models.ExamSession
	Violation *models.ViolationRecord
	Reason    string
	At        time.Time
}

func (e Event) IsTransition() bool { return e.Violation == nil }

type Observer interface {
	OnSessionEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnSessionEvent(ctx context.Context, ev Event) { f(ctx, ev) }
