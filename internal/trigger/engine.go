// Package trigger correlates raw failures against registered playbooks and
// opens incidents. Failures for one resource key are processed in order on a
// dedicated queue; unrelated keys proceed independently.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opsmend/remedy-engine/internal/audit"
	"github.com/opsmend/remedy-engine/internal/metrics"
	"github.com/opsmend/remedy-engine/internal/models"
	"github.com/opsmend/remedy-engine/internal/playbook"
)

const defaultCooldown = 30 * time.Second

// IncidentStore is the subset of the registry the trigger engine needs.
type IncidentStore interface {
	CreateIncident(ctx context.Context, inc models.Incident) error
	FindOpenByKey(ctx context.Context, resourceKey string) (models.Incident, bool, error)
	IncrementCoalesced(ctx context.Context, id string, delta int) error
}

// Dispatcher receives freshly opened incidents for remediation.
type Dispatcher interface {
	Dispatch(ctx context.Context, inc models.Incident, pb *playbook.Playbook) error
}

// Guard vetoes automation for resources a human has to clear first.
type Guard interface {
	AutomationDisabled(resourceKey string) bool
}

// Engine evaluates failures into incidents.
type Engine struct {
	logger     *slog.Logger
	registry   *playbook.Registry
	store      IncidentStore
	ledger     *audit.Ledger
	dispatcher Dispatcher
	guard      Guard
	cooldown   time.Duration

	mu          sync.Mutex
	queues      map[string]chan models.Failure
	lastOpened  map[string]time.Time
	workerGroup sync.WaitGroup
}

// NewEngine constructs a trigger engine. guard may be nil.
func NewEngine(
	logger *slog.Logger,
	registry *playbook.Registry,
	incidentStore IncidentStore,
	ledger *audit.Ledger,
	dispatcher Dispatcher,
	guard Guard,
	cooldown time.Duration,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Engine{
		logger:     logger,
		registry:   registry,
		store:      incidentStore,
		ledger:     ledger,
		dispatcher: dispatcher,
		guard:      guard,
		cooldown:   cooldown,
		queues:     make(map[string]chan models.Failure),
		lastOpened: make(map[string]time.Time),
	}
}

// Run consumes the failure stream until ctx is cancelled, fanning out to one
// ordered queue per resource key.
func (e *Engine) Run(ctx context.Context, failures <-chan models.Failure) error {
	for {
		select {
		case <-ctx.Done():
			e.workerGroup.Wait()
			return nil
		case failure, ok := <-failures:
			if !ok {
				e.workerGroup.Wait()
				return nil
			}
			e.route(ctx, failure)
		}
	}
}

func (e *Engine) route(ctx context.Context, failure models.Failure) {
	key := failure.ResourceKey
	if key == "" {
		key = failure.DetectorID
		failure.ResourceKey = key
	}

	e.mu.Lock()
	queue, ok := e.queues[key]
	if !ok {
		queue = make(chan models.Failure, 32)
		e.queues[key] = queue
		e.workerGroup.Add(1)
		go func() {
			defer e.workerGroup.Done()
			e.keyWorker(ctx, queue)
		}()
	}
	e.mu.Unlock()

	select {
	case queue <- failure:
	case <-ctx.Done():
	}
}

func (e *Engine) keyWorker(ctx context.Context, queue <-chan models.Failure) {
	for {
		select {
		case <-ctx.Done():
			return
		case failure := <-queue:
			e.Evaluate(ctx, failure)
		}
	}
}

// Evaluate processes one failure: coalesce into an open incident, debounce,
// open a new incident, or record a coverage gap. Exported so event-style
// callers and tests can bypass the queue.
func (e *Engine) Evaluate(ctx context.Context, failure models.Failure) {
	key := failure.ResourceKey

	if e.guard != nil && e.guard.AutomationDisabled(key) {
		e.ledger.MustAppend("trigger-engine", "failure.suppressed", failure)
		e.logger.Warn("automation disabled for resource, failure suppressed",
			slog.String("resource_key", key),
			slog.String("kind", failure.Kind))
		return
	}

	open, found, err := e.store.FindOpenByKey(ctx, key)
	if err != nil {
		e.logger.Error("open incident lookup failed", slog.String("resource_key", key), slog.Any("error", err))
		return
	}
	if found {
		if err := e.store.IncrementCoalesced(ctx, open.ID, 1); err != nil {
			e.logger.Error("coalesce failed", slog.String("incident_id", open.ID), slog.Any("error", err))
			return
		}
		metrics.ObserveCoalesced(failure.Kind)
		e.ledger.MustAppend("trigger-engine", "incident.coalesced", map[string]any{
			"incident_id": open.ID,
			"failure":     failure,
		})
		return
	}

	// A failure right after the previous incident closed is the tail of the
	// same fault, not a new one.
	e.mu.Lock()
	last, seen := e.lastOpened[key]
	e.mu.Unlock()
	if seen && time.Since(last) < e.cooldown {
		e.ledger.MustAppend("trigger-engine", "failure.debounced", failure)
		return
	}

	candidates := e.registry.Lookup(failure)
	if len(candidates) == 0 {
		metrics.ObserveCoverageGap(failure.Kind)
		e.ledger.MustAppend("trigger-engine", "failure.unhandled", failure)
		e.logger.Warn("no playbook matches failure",
			slog.String("kind", failure.Kind),
			slog.String("resource_key", key))
		return
	}
	selected := candidates[0]

	inc := models.Incident{
		ID:              ulid.Make().String(),
		ResourceKey:     key,
		Kind:            failure.Kind,
		Severity:        failure.Severity,
		Status:          models.StatusDetected,
		DetectedAt:      failure.DetectedAt,
		PlaybookID:      selected.ID,
		PlaybookVersion: selected.Version,
		Context:         failure.Context,
	}
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = time.Now().UTC()
	}

	if err := e.store.CreateIncident(ctx, inc); err != nil {
		e.logger.Error("incident create failed", slog.String("resource_key", key), slog.Any("error", err))
		return
	}
	e.mu.Lock()
	e.lastOpened[key] = time.Now()
	e.mu.Unlock()

	metrics.ObserveIncidentOpened(inc.Kind, string(inc.Severity))
	e.ledger.MustAppend("trigger-engine", "incident.created", inc)
	e.logger.Info("incident opened",
		slog.String("incident_id", inc.ID),
		slog.String("resource_key", key),
		slog.String("kind", inc.Kind),
		slog.String("playbook", selected.ID))

	if err := e.dispatcher.Dispatch(ctx, inc, selected); err != nil {
		e.ledger.MustAppend("trigger-engine", "incident.dispatch_failed", map[string]any{
			"incident_id": inc.ID,
			"error":       err.Error(),
		})
		e.logger.Error("incident dispatch failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
}
