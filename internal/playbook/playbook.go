// Package playbook holds versioned remediation recipes: trigger patterns,
// ordered steps, and execution policy. Definitions are immutable once
// published; corrections ship as a new version.
package playbook

import (
	"fmt"
	"regexp"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/opsmend/remedy-engine/internal/models"
)

// AutonomyTier is the governance classification of a playbook.
type AutonomyTier string

const (
	// TierAutomatic playbooks run without human involvement.
	TierAutomatic AutonomyTier = "automatic"
	// TierApproval playbooks pause for operator approval before each attempt.
	TierApproval AutonomyTier = "approval"
	// TierManual playbooks never run automatically; they only document steps
	// surfaced on escalation tickets.
	TierManual AutonomyTier = "manual"
)

func validTier(t AutonomyTier) bool {
	switch t {
	case TierAutomatic, TierApproval, TierManual:
		return true
	}
	return false
}

// TriggerPattern matches a failure's kind and context. Kind uses glob-style
// wildcards; KindRegex takes precedence when set. Context values are also
// wildcard patterns and every listed key must match.
type TriggerPattern struct {
	Kind      string            `yaml:"kind"`
	KindRegex string            `yaml:"kind_regex"`
	Context   map[string]string `yaml:"context"`

	compiled *regexp.Regexp
}

func (p *TriggerPattern) compile() error {
	if p.KindRegex == "" {
		return nil
	}
	re, err := regexp.Compile(p.KindRegex)
	if err != nil {
		return fmt.Errorf("kind_regex %q: %w", p.KindRegex, err)
	}
	p.compiled = re
	return nil
}

// Matches reports whether the pattern matches the failure.
func (p *TriggerPattern) Matches(failure models.Failure) bool {
	if p.compiled != nil {
		if !p.compiled.MatchString(failure.Kind) {
			return false
		}
	} else if p.Kind != "" {
		if !wildcard.Match(p.Kind, failure.Kind) {
			return false
		}
	}
	for key, pattern := range p.Context {
		value, ok := failure.Context[key]
		if !ok {
			return false
		}
		if !wildcard.Match(pattern, value) {
			return false
		}
	}
	return true
}

// Step is one remediation action within a playbook. The flags declare which
// parts of the registered action set the step relies on.
type Step struct {
	ActionID    string            `yaml:"action_id"`
	Timeout     time.Duration     `yaml:"-"`
	HasVerify   bool              `yaml:"has_verify"`
	HasRollback bool              `yaml:"has_rollback"`
	HasDryRun   bool              `yaml:"has_dry_run"`
	Params      map[string]string `yaml:"params"`
}

// Playbook is a versioned remediation recipe.
type Playbook struct {
	ID               string           `yaml:"id"`
	Name             string           `yaml:"name"`
	Version          int              `yaml:"version"`
	TriggerPatterns  []TriggerPattern `yaml:"trigger_patterns"`
	Priority         int              `yaml:"priority"`
	MaxRetries       int              `yaml:"max_retries"`
	RequiresApproval bool             `yaml:"requires_approval"`
	Tier             AutonomyTier     `yaml:"autonomy_tier"`
	Steps            []Step           `yaml:"steps"`

	PublishedAt time.Time `yaml:"-"`
}

// Matches reports whether any trigger pattern matches the failure.
func (pb *Playbook) Matches(failure models.Failure) bool {
	for i := range pb.TriggerPatterns {
		if pb.TriggerPatterns[i].Matches(failure) {
			return true
		}
	}
	return false
}

// Validate checks a playbook against the publish gates. Actions must resolve
// against the supplied registry and provide every hook a step declares, and a
// step with rollback must also declare verify: rollback without verification
// is rejected here rather than discovered at runtime.
func (pb *Playbook) Validate(actions *Actions) error {
	if pb.ID == "" {
		return fmt.Errorf("playbook id is required")
	}
	if pb.Version < 1 {
		return fmt.Errorf("playbook %s: version must be >= 1", pb.ID)
	}
	if len(pb.TriggerPatterns) == 0 {
		return fmt.Errorf("playbook %s: at least one trigger pattern is required", pb.ID)
	}
	if len(pb.Steps) == 0 {
		return fmt.Errorf("playbook %s: at least one step is required", pb.ID)
	}
	if pb.MaxRetries < 0 {
		return fmt.Errorf("playbook %s: max_retries cannot be negative", pb.ID)
	}
	if pb.Tier == "" {
		pb.Tier = TierAutomatic
	}
	if !validTier(pb.Tier) {
		return fmt.Errorf("playbook %s: unknown autonomy_tier %q", pb.ID, pb.Tier)
	}
	for i := range pb.TriggerPatterns {
		if err := pb.TriggerPatterns[i].compile(); err != nil {
			return fmt.Errorf("playbook %s: %w", pb.ID, err)
		}
	}
	for i, step := range pb.Steps {
		if step.ActionID == "" {
			return fmt.Errorf("playbook %s: step %d: action_id is required", pb.ID, i)
		}
		if step.Timeout <= 0 {
			return fmt.Errorf("playbook %s: step %s: timeout must be positive", pb.ID, step.ActionID)
		}
		if step.HasRollback && !step.HasVerify {
			return fmt.Errorf("playbook %s: step %s: rollback declared without verify", pb.ID, step.ActionID)
		}
		if actions == nil {
			continue
		}
		set, ok := actions.Resolve(step.ActionID)
		if !ok {
			return fmt.Errorf("playbook %s: step %s: unknown action", pb.ID, step.ActionID)
		}
		if set.Action == nil {
			return fmt.Errorf("playbook %s: step %s: action set has no action func", pb.ID, step.ActionID)
		}
		if step.HasVerify && set.Verify == nil {
			return fmt.Errorf("playbook %s: step %s: verify declared but not registered", pb.ID, step.ActionID)
		}
		if step.HasRollback && set.Rollback == nil {
			return fmt.Errorf("playbook %s: step %s: rollback declared but not registered", pb.ID, step.ActionID)
		}
		if step.HasDryRun && set.DryRun == nil {
			return fmt.Errorf("playbook %s: step %s: dry_run declared but not registered", pb.ID, step.ActionID)
		}
	}
	return nil
}
