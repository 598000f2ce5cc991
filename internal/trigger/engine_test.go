package trigger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opsmend/remedy-engine/internal/audit"
	"github.com/opsmend/remedy-engine/internal/models"
	"github.com/opsmend/remedy-engine/internal/playbook"
)

type fakeStore struct {
	mu        sync.Mutex
	created   []models.Incident
	open      map[string]models.Incident
	coalesced map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		open:      make(map[string]models.Incident),
		coalesced: make(map[string]int),
	}
}

func (s *fakeStore) CreateIncident(_ context.Context, inc models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, inc)
	s.open[inc.ResourceKey] = inc
	return nil
}

func (s *fakeStore) FindOpenByKey(_ context.Context, key string) (models.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.open[key]
	return inc, ok, nil
}

func (s *fakeStore) IncrementCoalesced(_ context.Context, id string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coalesced[id] += delta
	return nil
}

func (s *fakeStore) close(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, key)
}

func (s *fakeStore) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	received []models.Incident
}

func (d *fakeDispatcher) Dispatch(_ context.Context, inc models.Incident, _ *playbook.Playbook) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, inc)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

type staticGuard struct{ blocked map[string]bool }

func (g staticGuard) AutomationDisabled(key string) bool { return g.blocked[key] }

func testRegistry(t *testing.T) *playbook.Registry {
	t.Helper()
	actions := playbook.NewActions()
	if err := actions.Register("noop", playbook.ActionSet{
		Action: func(context.Context, playbook.Request) error { return nil },
	}); err != nil {
		t.Fatalf("register action: %v", err)
	}
	registry := playbook.NewRegistry(nil, actions)
	pb := &playbook.Playbook{
		ID:      "db_recovery",
		Name:    "Database recovery",
		Version: 1,
		Tier:    playbook.TierAutomatic,
		TriggerPatterns: []playbook.TriggerPattern{
			{Kind: "db.*"},
		},
		Steps: []playbook.Step{
			{ActionID: "noop", Timeout: time.Second},
		},
	}
	if err := registry.Publish(pb); err != nil {
		t.Fatalf("publish: %v", err)
	}
	return registry
}

func testLedger(t *testing.T) *audit.Ledger {
	t.Helper()
	ledger, err := audit.Open(filepath.Join(t.TempDir(), "audit.log"), nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return ledger
}

func dbFailure(key string) models.Failure {
	return models.Failure{
		DetectorID:  "hb-1",
		Kind:        "db.connection_lost",
		ResourceKey: key,
		Severity:    models.SeverityHigh,
		DetectedAt:  time.Now().UTC(),
	}
}

func TestEvaluateOpensIncidentAndDispatches(t *testing.T) {
	st := newFakeStore()
	disp := &fakeDispatcher{}
	eng := NewEngine(nil, testRegistry(t), st, testLedger(t), disp, nil, time.Minute)

	eng.Evaluate(context.Background(), dbFailure("db/orders"))

	if st.createdCount() != 1 {
		t.Fatalf("created = %d, want 1", st.createdCount())
	}
	inc := st.created[0]
	if inc.Status != models.StatusDetected {
		t.Fatalf("status = %s, want %s", inc.Status, models.StatusDetected)
	}
	if inc.PlaybookID != "db_recovery" || inc.PlaybookVersion != 1 {
		t.Fatalf("playbook binding = %s@%d", inc.PlaybookID, inc.PlaybookVersion)
	}
	if inc.ID == "" {
		t.Fatal("incident id is empty")
	}
	if disp.count() != 1 {
		t.Fatalf("dispatched = %d, want 1", disp.count())
	}
}

func TestEvaluateCoalescesIntoOpenIncident(t *testing.T) {
	st := newFakeStore()
	disp := &fakeDispatcher{}
	eng := NewEngine(nil, testRegistry(t), st, testLedger(t), disp, nil, time.Minute)

	ctx := context.Background()
	eng.Evaluate(ctx, dbFailure("db/orders"))
	eng.Evaluate(ctx, dbFailure("db/orders"))
	eng.Evaluate(ctx, dbFailure("db/orders"))

	if st.createdCount() != 1 {
		t.Fatalf("created = %d, want 1", st.createdCount())
	}
	id := st.created[0].ID
	if st.coalesced[id] != 2 {
		t.Fatalf("coalesced = %d, want 2", st.coalesced[id])
	}
	if disp.count() != 1 {
		t.Fatalf("dispatched = %d, want 1", disp.count())
	}
}

func TestEvaluateDebouncesAfterClose(t *testing.T) {
	st := newFakeStore()
	disp := &fakeDispatcher{}
	eng := NewEngine(nil, testRegistry(t), st, testLedger(t), disp, nil, time.Minute)

	ctx := context.Background()
	eng.Evaluate(ctx, dbFailure("db/orders"))
	st.close("db/orders")

	// Within the cooldown window this is the tail of the same fault.
	eng.Evaluate(ctx, dbFailure("db/orders"))
	if st.createdCount() != 1 {
		t.Fatalf("created = %d, want 1 (debounced)", st.createdCount())
	}
}

func TestEvaluateDistinctKeysOpenDistinctIncidents(t *testing.T) {
	st := newFakeStore()
	disp := &fakeDispatcher{}
	eng := NewEngine(nil, testRegistry(t), st, testLedger(t), disp, nil, time.Minute)

	ctx := context.Background()
	eng.Evaluate(ctx, dbFailure("db/orders"))
	eng.Evaluate(ctx, dbFailure("db/billing"))

	if st.createdCount() != 2 {
		t.Fatalf("created = %d, want 2", st.createdCount())
	}
}

func TestEvaluateRecordsCoverageGap(t *testing.T) {
	st := newFakeStore()
	disp := &fakeDispatcher{}
	ledgerPath := filepath.Join(t.TempDir(), "audit.log")
	ledger, err := audit.Open(ledgerPath, nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	eng := NewEngine(nil, testRegistry(t), st, ledger, disp, nil, time.Minute)

	failure := dbFailure("cache/sessions")
	failure.Kind = "cache.evicted"
	eng.Evaluate(context.Background(), failure)

	if st.createdCount() != 0 {
		t.Fatalf("created = %d, want 0", st.createdCount())
	}
	if disp.count() != 0 {
		t.Fatalf("dispatched = %d, want 0", disp.count())
	}
	count, err := audit.Verify(ledgerPath)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if count != 1 {
		t.Fatalf("audit entries = %d, want 1", count)
	}
}

func TestEvaluateHonorsAutomationGuard(t *testing.T) {
	st := newFakeStore()
	disp := &fakeDispatcher{}
	guard := staticGuard{blocked: map[string]bool{"db/orders": true}}
	eng := NewEngine(nil, testRegistry(t), st, testLedger(t), disp, guard, time.Minute)

	eng.Evaluate(context.Background(), dbFailure("db/orders"))
	if st.createdCount() != 0 {
		t.Fatalf("created = %d, want 0", st.createdCount())
	}
}

func TestRunPreservesPerKeyOrder(t *testing.T) {
	st := newFakeStore()
	disp := &fakeDispatcher{}
	eng := NewEngine(nil, testRegistry(t), st, testLedger(t), disp, nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	failures := make(chan models.Failure)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx, failures)
	}()

	for i := 0; i < 5; i++ {
		failures <- dbFailure("db/orders")
	}
	deadline := time.After(2 * time.Second)
	for st.createdCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for incident")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if st.createdCount() != 1 {
		t.Fatalf("created = %d, want 1", st.createdCount())
	}
	id := st.created[0].ID
	st.mu.Lock()
	coalesced := st.coalesced[id]
	st.mu.Unlock()
	if coalesced > 4 {
		t.Fatalf("coalesced = %d, want <= 4", coalesced)
	}
}
