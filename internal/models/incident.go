package models

import "time"

// Severity captures fault impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for comparisons; unknown values rank lowest.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Failure is one raw observation of a fault emitted by a detector. It is
// ephemeral: the trigger engine either folds it into an incident or records
// it as unhandled.
type Failure struct {
	DetectorID  string            `json:"detector_id"`
	Kind        string            `json:"kind"`
	ResourceKey string            `json:"resource_key"`
	Severity    Severity          `json:"severity"`
	DetectedAt  time.Time         `json:"detected_at"`
	Context     map[string]string `json:"context,omitempty"`
}

// IncidentStatus enumerates the incident state machine.
type IncidentStatus string

const (
	StatusDetected    IncidentStatus = "detected"
	StatusAnalyzing   IncidentStatus = "analyzing"
	StatusRemediating IncidentStatus = "remediating"
	StatusVerifying   IncidentStatus = "verifying"
	StatusResolved    IncidentStatus = "resolved"
	StatusEscalated   IncidentStatus = "escalated"
	StatusFailed      IncidentStatus = "failed"
)

// Terminal reports whether the status ends the incident lifecycle.
func (s IncidentStatus) Terminal() bool {
	switch s {
	case StatusResolved, StatusEscalated, StatusFailed:
		return true
	}
	return false
}

var statusTransitions = map[IncidentStatus][]IncidentStatus{
	StatusDetected:    {StatusAnalyzing},
	StatusAnalyzing:   {StatusRemediating, StatusEscalated},
	StatusRemediating: {StatusVerifying, StatusRemediating, StatusEscalated, StatusFailed},
	StatusVerifying:   {StatusResolved, StatusEscalated, StatusFailed},
}

// CanTransition reports whether the state machine permits moving from one
// status to another. Terminal states permit nothing.
func CanTransition(from, to IncidentStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Incident is the tracked occurrence of a fault from detection through
// resolution or escalation.
type Incident struct {
	ID              string            `json:"id"`
	ResourceKey     string            `json:"resource_key"`
	Kind            string            `json:"kind"`
	Severity        Severity          `json:"severity"`
	Status          IncidentStatus    `json:"status"`
	DetectedAt      time.Time         `json:"detected_at"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	PlaybookID      string            `json:"playbook_id,omitempty"`
	PlaybookVersion int               `json:"playbook_version,omitempty"`
	AttemptCount    int               `json:"attempt_count"`
	CoalescedCount  int               `json:"coalesced_count"`
	MTTRSeconds     float64           `json:"mttr_seconds,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
}

// StepOutcome classifies the result of a single step within an attempt.
type StepOutcome string

const (
	StepOutcomeSuccess    StepOutcome = "success"
	StepOutcomeTimeout    StepOutcome = "timeout"
	StepOutcomeFailed     StepOutcome = "failed"
	StepOutcomeVerifyFail StepOutcome = "verification_failed"
	StepOutcomeRolledBack StepOutcome = "rolled_back"
	StepOutcomeFatal      StepOutcome = "rollback_failed"
	StepOutcomeSkipped    StepOutcome = "skipped"
	StepOutcomeDryRun     StepOutcome = "dry_run"
)

// StepResult records the outcome of one step within an execution attempt.
type StepResult struct {
	ActionID    string      `json:"action_id"`
	Outcome     StepOutcome `json:"outcome"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
}

// ExecutionRecord is one remediation attempt against an incident.
type ExecutionRecord struct {
	ID          string       `json:"id"`
	IncidentID  string       `json:"incident_id"`
	PlaybookID  string       `json:"playbook_id"`
	Attempt     int          `json:"attempt"`
	DryRun      bool         `json:"dry_run"`
	StepResults []StepResult `json:"step_results"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	Success     bool         `json:"success"`
}

// EscalationTicket hands an unresolved or approval-gated incident to a
// human channel.
type EscalationTicket struct {
	ID              string     `json:"id"`
	IncidentID      string     `json:"incident_id"`
	Reason          string     `json:"reason"`
	Severity        Severity   `json:"severity"`
	SuggestedSteps  []string   `json:"suggested_steps,omitempty"`
	FallbackEnabled bool       `json:"fallback_enabled"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
}
