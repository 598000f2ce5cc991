package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// stepDoc is the wire form of a step; timeouts arrive in milliseconds.
type stepDoc struct {
	ActionID    string            `yaml:"action_id"`
	TimeoutMS   int64             `yaml:"timeout_ms"`
	HasVerify   bool              `yaml:"has_verify"`
	HasRollback bool              `yaml:"has_rollback"`
	HasDryRun   bool              `yaml:"has_dry_run"`
	Params      map[string]string `yaml:"params"`
}

type playbookDoc struct {
	ID               string           `yaml:"id"`
	Name             string           `yaml:"name"`
	Version          int              `yaml:"version"`
	TriggerPatterns  []TriggerPattern `yaml:"trigger_patterns"`
	Priority         int              `yaml:"priority"`
	MaxRetries       int              `yaml:"max_retries"`
	RequiresApproval bool             `yaml:"requires_approval"`
	Tier             AutonomyTier     `yaml:"autonomy_tier"`
	Steps            []stepDoc        `yaml:"steps"`
}

// packDoc is the root of a playbook pack file.
type packDoc struct {
	Playbooks []playbookDoc `yaml:"playbooks"`
}

// LoadFile parses one playbook pack file. The returned playbooks are not yet
// validated or published.
func LoadFile(path string) ([]*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook pack: %w", err)
	}
	var pack packDoc
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse playbook pack %s: %w", path, err)
	}

	playbooks := make([]*Playbook, 0, len(pack.Playbooks))
	for _, doc := range pack.Playbooks {
		pb := &Playbook{
			ID:               doc.ID,
			Name:             doc.Name,
			Version:          doc.Version,
			TriggerPatterns:  doc.TriggerPatterns,
			Priority:         doc.Priority,
			MaxRetries:       doc.MaxRetries,
			RequiresApproval: doc.RequiresApproval,
			Tier:             doc.Tier,
		}
		for _, step := range doc.Steps {
			pb.Steps = append(pb.Steps, Step{
				ActionID:    step.ActionID,
				Timeout:     time.Duration(step.TimeoutMS) * time.Millisecond,
				HasVerify:   step.HasVerify,
				HasRollback: step.HasRollback,
				HasDryRun:   step.HasDryRun,
				Params:      step.Params,
			})
		}
		playbooks = append(playbooks, pb)
	}
	return playbooks, nil
}

// LoadDir parses every .yaml/.yml pack in dir, sorted by filename so load
// order is stable.
func LoadDir(dir string) ([]*Playbook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read playbook dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var playbooks []*Playbook
	for _, name := range names {
		loaded, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		playbooks = append(playbooks, loaded...)
	}
	return playbooks, nil
}
