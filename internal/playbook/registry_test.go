package playbook

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsmend/remedy-engine/internal/models"
)

func noopFunc(ctx context.Context, req Request) error { return nil }

func testActions(t *testing.T) *Actions {
	t.Helper()
	actions := NewActions()
	full := ActionSet{Action: noopFunc, Verify: noopFunc, Rollback: noopFunc, DryRun: noopFunc}
	for _, kind := range []string{"restart_service", "clear_lock", "flush_cache"} {
		if err := actions.Register(kind, full); err != nil {
			t.Fatalf("register %s: %v", kind, err)
		}
	}
	if err := actions.Register("probe_only", ActionSet{Action: noopFunc}); err != nil {
		t.Fatalf("register probe_only: %v", err)
	}
	return actions
}

func testPlaybook(id string, version, priority int) *Playbook {
	return &Playbook{
		ID:              id,
		Name:            id,
		Version:         version,
		Priority:        priority,
		MaxRetries:      2,
		Tier:            TierAutomatic,
		TriggerPatterns: []TriggerPattern{{Kind: "heartbeat.*"}},
		Steps: []Step{
			{ActionID: "restart_service", Timeout: time.Second, HasVerify: true, HasRollback: true},
		},
	}
}

func TestPublishRejectsRollbackWithoutVerify(t *testing.T) {
	registry := NewRegistry(nil, testActions(t))
	pb := testPlaybook("db_recovery", 1, 10)
	pb.Steps = []Step{{ActionID: "restart_service", Timeout: time.Second, HasRollback: true}}

	if err := registry.Publish(pb); err == nil {
		t.Fatalf("expected publish to reject rollback without verify")
	}
}

func TestPublishRejectsUnknownAction(t *testing.T) {
	registry := NewRegistry(nil, testActions(t))
	pb := testPlaybook("db_recovery", 1, 10)
	pb.Steps = []Step{{ActionID: "no_such_action", Timeout: time.Second}}

	if err := registry.Publish(pb); err == nil {
		t.Fatalf("expected publish to reject unknown action")
	}
}

func TestPublishRejectsMissingHooks(t *testing.T) {
	registry := NewRegistry(nil, testActions(t))
	pb := testPlaybook("db_recovery", 1, 10)
	// probe_only registers only an action func; declaring verify must fail.
	pb.Steps = []Step{{ActionID: "probe_only", Timeout: time.Second, HasVerify: true}}

	if err := registry.Publish(pb); err == nil {
		t.Fatalf("expected publish to reject undeclared verify hook")
	}
}

func TestVersionsAreImmutable(t *testing.T) {
	registry := NewRegistry(nil, testActions(t))

	pb := testPlaybook("db_recovery", 1, 10)
	if err := registry.Publish(pb); err != nil {
		t.Fatalf("publish v1: %v", err)
	}

	// Identical republish is a no-op.
	if err := registry.Publish(testPlaybook("db_recovery", 1, 10)); err != nil {
		t.Fatalf("identical republish: %v", err)
	}

	// Changing content under the same version is rejected.
	edited := testPlaybook("db_recovery", 1, 99)
	if err := registry.Publish(edited); !errors.Is(err, ErrImmutableVersion) {
		t.Fatalf("expected ErrImmutableVersion, got %v", err)
	}

	// A new version is the way to change a playbook.
	if err := registry.Publish(testPlaybook("db_recovery", 2, 99)); err != nil {
		t.Fatalf("publish v2: %v", err)
	}
	latest, ok := registry.Latest("db_recovery")
	if !ok || latest.Version != 2 {
		t.Fatalf("expected latest version 2, got %+v", latest)
	}
}

func TestLookupOrdersByPriorityThenRecency(t *testing.T) {
	registry := NewRegistry(nil, testActions(t))

	low := testPlaybook("generic_recovery", 1, 1)
	high := testPlaybook("db_recovery", 1, 10)
	if err := registry.Publish(low); err != nil {
		t.Fatalf("publish low: %v", err)
	}
	if err := registry.Publish(high); err != nil {
		t.Fatalf("publish high: %v", err)
	}

	failure := models.Failure{Kind: "heartbeat.lost", ResourceKey: "db"}
	candidates := registry.Lookup(failure)
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].ID != "db_recovery" {
		t.Fatalf("expected db_recovery first, got %s", candidates[0].ID)
	}

	// Equal priority: the most recently published wins.
	tied := testPlaybook("fallback_recovery", 1, 10)
	if err := registry.Publish(tied); err != nil {
		t.Fatalf("publish tied: %v", err)
	}
	candidates = registry.Lookup(failure)
	if candidates[0].ID != "fallback_recovery" {
		t.Fatalf("expected most recent publish first on tie, got %s", candidates[0].ID)
	}
}

func TestLookupRanksManualTierLast(t *testing.T) {
	registry := NewRegistry(nil, testActions(t))
	manual := testPlaybook("manual_runbook", 1, 90)
	manual.Tier = TierManual
	if err := registry.Publish(manual); err != nil {
		t.Fatalf("publish manual: %v", err)
	}

	// A failure covered only by a runbook still matches, so it escalates
	// with documented steps instead of counting as a coverage gap.
	got := registry.Lookup(models.Failure{Kind: "heartbeat.lost"})
	if len(got) != 1 || got[0].ID != "manual_runbook" {
		t.Fatalf("manual-only lookup = %d results, want the runbook", len(got))
	}

	auto := testPlaybook("auto_recovery", 1, 10)
	if err := registry.Publish(auto); err != nil {
		t.Fatalf("publish auto: %v", err)
	}

	// A runnable playbook outranks the runbook regardless of priority.
	got = registry.Lookup(models.Failure{Kind: "heartbeat.lost"})
	if len(got) != 2 || got[0].ID != "auto_recovery" || got[1].ID != "manual_runbook" {
		ids := make([]string, 0, len(got))
		for _, pb := range got {
			ids = append(ids, pb.ID)
		}
		t.Fatalf("lookup order = %v, want [auto_recovery manual_runbook]", ids)
	}
}

func TestTriggerPatternMatching(t *testing.T) {
	cases := []struct {
		name    string
		pattern TriggerPattern
		failure models.Failure
		want    bool
	}{
		{
			name:    "wildcard kind",
			pattern: TriggerPattern{Kind: "heartbeat.*"},
			failure: models.Failure{Kind: "heartbeat.lost"},
			want:    true,
		},
		{
			name:    "wildcard mismatch",
			pattern: TriggerPattern{Kind: "storage.*"},
			failure: models.Failure{Kind: "heartbeat.lost"},
			want:    false,
		},
		{
			name:    "regex kind",
			pattern: TriggerPattern{KindRegex: `^(heartbeat|healthcheck)\.`},
			failure: models.Failure{Kind: "healthcheck.timeout"},
			want:    true,
		},
		{
			name:    "context constraint",
			pattern: TriggerPattern{Kind: "*", Context: map[string]string{"target": "db*"}},
			failure: models.Failure{Kind: "heartbeat.lost", Context: map[string]string{"target": "db-primary"}},
			want:    true,
		},
		{
			name:    "context missing key",
			pattern: TriggerPattern{Kind: "*", Context: map[string]string{"target": "db*"}},
			failure: models.Failure{Kind: "heartbeat.lost"},
			want:    false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.pattern.compile(); err != nil {
				t.Fatalf("compile: %v", err)
			}
			if got := tc.pattern.Matches(tc.failure); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestLoadDirParsesPack(t *testing.T) {
	dir := t.TempDir()
	pack := `playbooks:
  - id: db_recovery
    name: Database recovery
    version: 1
    priority: 10
    max_retries: 3
    autonomy_tier: automatic
    trigger_patterns:
      - kind: "heartbeat.*"
        context:
          target: "db*"
    steps:
      - action_id: restart_service
        timeout_ms: 5000
        has_verify: true
        has_rollback: true
        has_dry_run: true
`
	if err := os.WriteFile(filepath.Join(dir, "db.yaml"), []byte(pack), 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}

	playbooks, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(playbooks) != 1 {
		t.Fatalf("expected 1 playbook, got %d", len(playbooks))
	}
	pb := playbooks[0]
	if pb.ID != "db_recovery" || pb.MaxRetries != 3 {
		t.Fatalf("unexpected playbook: %+v", pb)
	}
	if pb.Steps[0].Timeout != 5*time.Second {
		t.Fatalf("expected 5s step timeout, got %v", pb.Steps[0].Timeout)
	}

	registry := NewRegistry(nil, testActions(t))
	if err := registry.Publish(pb); err != nil {
		t.Fatalf("publish loaded playbook: %v", err)
	}
}

func TestWatchPublishesNewVersions(t *testing.T) {
	dir := t.TempDir()
	registry := NewRegistry(nil, testActions(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = registry.Watch(ctx, dir)
	}()

	pack := `playbooks:
  - id: cache_recovery
    version: 1
    priority: 5
    trigger_patterns:
      - kind: "cache.*"
    steps:
      - action_id: flush_cache
        timeout_ms: 1000
`
	if err := os.WriteFile(filepath.Join(dir, "cache.yaml"), []byte(pack), 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		if _, ok := registry.Latest("cache_recovery"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("playbook was not published from watched directory")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
