package session

import (
	"errors"
	"fmt"

	"github.com/zaqqye/seb_integrity/internal/ledger"
	"github.com/zaqqye/seb_integrity/internal/policy"
)

var (
	ErrSessionNotFound       = ledger.ErrSessionNotFound
	ErrSessionNotResumable   = errors.New("session cannot be resumed")
	ErrMaxViolationsExceeded = fmt.Errorf("%w: maximum violations reached", ErrSessionNotResumable)
	ErrWebcamRequired        = errors.New("webcam is required for this exam")
	ErrNotStarted            = errors.New("session has not started")
	ErrSessionLocked         = errors.New("session is locked")
	ErrInvalidTransition     = errors.New("invalid session transition")
	ErrViolationTypeDisabled = errors.New("violation type is not monitored for this exam")
	ErrUnknownViolationType  = errors.New("unknown violation type")
	ErrClientOutdated        = errors.New("client version is below the required minimum")
)

// Kind maps an error to the stable name clients switch on. Unknown errors map to "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrMaxViolationsExceeded):
		return "max_violations_exceeded"
	case errors.Is(err, ErrSessionNotResumable):
		return "session_not_resumable"
	case errors.Is(err, ErrWebcamRequired):
		return "webcam_required"
	case errors.Is(err, ErrNotStarted):
		return "not_started"
	case errors.Is(err, ErrSessionLocked):
		return "session_locked"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrViolationTypeDisabled):
		return "violation_type_disabled"
	case errors.Is(err, ErrUnknownViolationType):
		return "unknown_violation_type"
	case errors.Is(err, policy.ErrPolicyNotFound):
		return "policy_not_found"
	case errors.Is(err, ErrClientOutdated):
		return "client_outdated"
	}
	return "internal"
}
