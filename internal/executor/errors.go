package executor

import (
	"errors"
	"fmt"

	"github.com/opsmend/remedy-engine/internal/models"
)

// ErrBusy means the submission queue is full; the caller should coalesce the
// failure instead of blocking.
var ErrBusy = errors.New("executor queue full")

// ErrNoPendingApproval means the named incident is not waiting on an
// approval gate.
var ErrNoPendingApproval = errors.New("no pending approval")

// ErrNotInFlight means the named incident has no running or queued attempt.
var ErrNotInFlight = errors.New("incident not in flight")

// StepError wraps the failure of a single step and classifies it. A
// rollback_failed outcome is fatal: the engine stops touching the resource
// and escalates.
type StepError struct {
	ActionID string
	Outcome  models.StepOutcome
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %s: %v", e.ActionID, e.Outcome, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Fatal reports whether the error must end remediation for this incident.
func (e *StepError) Fatal() bool { return e.Outcome == models.StepOutcomeFatal }

func stepErr(actionID string, outcome models.StepOutcome, err error) *StepError {
	return &StepError{ActionID: actionID, Outcome: outcome, Err: err}
}
