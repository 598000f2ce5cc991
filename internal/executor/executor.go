// Package executor runs remediation attempts. A fixed worker pool pulls
// dispatched incidents off a bounded queue, serializes work per resource via
// the lock manager, and drives each incident through the remediation state
// machine with bounded, jittered retries.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opsmend/remedy-engine/internal/audit"
	"github.com/opsmend/remedy-engine/internal/locks"
	"github.com/opsmend/remedy-engine/internal/metrics"
	"github.com/opsmend/remedy-engine/internal/models"
	"github.com/opsmend/remedy-engine/internal/playbook"
)

const (
	defaultWorkers     = 4
	defaultQueueDepth  = 64
	defaultMaxRetries  = 3
	defaultBackoffBase = 2 * time.Second
	defaultBackoffCap  = 60 * time.Second
	defaultJitterFrac  = 0.2
)

// Store is the incident persistence the executor depends on.
type Store interface {
	Transition(ctx context.Context, id string, to models.IncidentStatus, at time.Time) (models.Incident, error)
	IncrementAttempts(ctx context.Context, id string) (int, error)
	AppendExecution(ctx context.Context, rec models.ExecutionRecord) error
}

// Escalator hands incidents the executor cannot resolve to a human channel.
type Escalator interface {
	Escalate(ctx context.Context, inc models.Incident, reason string, pb *playbook.Playbook) error
	DisableAutomation(resourceKey, reason string)
}

// Options tune the worker pool and retry policy. Zero values pick defaults.
type Options struct {
	Workers     int
	QueueDepth  int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	JitterFrac  float64
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = defaultQueueDepth
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = defaultBackoffCap
	}
	if o.JitterFrac <= 0 {
		o.JitterFrac = defaultJitterFrac
	}
	return o
}

type job struct {
	incident models.Incident
	pb       *playbook.Playbook
}

type stepBinding struct {
	step playbook.Step
	set  playbook.ActionSet
	req  playbook.Request
}

// Executor is the remediation worker pool.
type Executor struct {
	logger    *slog.Logger
	store     Store
	locks     *locks.Manager
	ledger    *audit.Ledger
	actions   *playbook.Actions
	publisher *metrics.Publisher
	escalator Escalator
	opts      Options

	queue chan job

	mu        sync.Mutex
	inflight  map[string]context.CancelFunc
	approvals map[string]chan struct{}
	aborted   map[string]bool
}

// New constructs an executor.
func New(
	logger *slog.Logger,
	st Store,
	lockManager *locks.Manager,
	ledger *audit.Ledger,
	actions *playbook.Actions,
	publisher *metrics.Publisher,
	escalator Escalator,
	opts Options,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Executor{
		logger:    logger,
		store:     st,
		locks:     lockManager,
		ledger:    ledger,
		actions:   actions,
		publisher: publisher,
		escalator: escalator,
		opts:      opts,
		queue:     make(chan job, opts.QueueDepth),
		inflight:  make(map[string]context.CancelFunc),
		approvals: make(map[string]chan struct{}),
		aborted:   make(map[string]bool),
	}
}

// Dispatch queues an incident for remediation. Returns ErrBusy when the
// queue is full so the caller can coalesce instead of blocking the trigger
// path.
func (e *Executor) Dispatch(_ context.Context, inc models.Incident, pb *playbook.Playbook) error {
	select {
	case e.queue <- job{incident: inc, pb: pb}:
		return nil
	default:
		return ErrBusy
	}
}

// Run serves the queue with the configured number of workers until ctx is
// cancelled, then waits for in-flight attempts to wind down.
func (e *Executor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-e.queue:
					e.handle(ctx, j)
				}
			}
		})
	}
	return g.Wait()
}

// Approve releases the approval gate for an incident whose playbook requires
// operator sign-off.
func (e *Executor) Approve(incidentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	gate, ok := e.approvals[incidentID]
	if !ok {
		return ErrNoPendingApproval
	}
	delete(e.approvals, incidentID)
	close(gate)
	return nil
}

// Abort cancels the in-flight attempt for an incident. Completed steps of
// the current attempt are rolled back and the incident is escalated.
func (e *Executor) Abort(incidentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.inflight[incidentID]
	if !ok {
		return ErrNotInFlight
	}
	e.aborted[incidentID] = true
	cancel()
	return nil
}

// DryRun exercises a playbook's dry-run hooks without touching persistence
// or locks. Steps lacking a dry-run hook are reported as skipped.
func (e *Executor) DryRun(ctx context.Context, pb *playbook.Playbook, resourceKey string, params map[string]string) []models.StepResult {
	results := make([]models.StepResult, 0, len(pb.Steps))
	for _, step := range pb.Steps {
		set, _ := e.actions.Resolve(step.ActionID)
		res := models.StepResult{ActionID: step.ActionID, StartedAt: time.Now().UTC()}
		if !step.HasDryRun || set.DryRun == nil {
			res.Outcome = models.StepOutcomeSkipped
			res.CompletedAt = time.Now().UTC()
			results = append(results, res)
			continue
		}
		req := playbook.Request{
			ResourceKey: resourceKey,
			Context:     params,
			Params:      step.Params,
		}
		stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
		err := set.DryRun(stepCtx, req)
		cancel()
		if err != nil {
			res.Outcome = models.StepOutcomeFailed
			res.Error = err.Error()
		} else {
			res.Outcome = models.StepOutcomeDryRun
		}
		res.CompletedAt = time.Now().UTC()
		results = append(results, res)
	}
	return results
}

func (e *Executor) handle(ctx context.Context, j job) {
	inc := j.incident
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.inflight[inc.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.inflight, inc.ID)
		delete(e.approvals, inc.ID)
		delete(e.aborted, inc.ID)
		e.mu.Unlock()
	}()

	if _, err := e.store.Transition(runCtx, inc.ID, models.StatusAnalyzing, time.Now().UTC()); err != nil {
		e.logger.Error("analyzing transition failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
		return
	}
	e.ledger.MustAppend("executor", "incident.analyzing", map[string]any{
		"incident_id": inc.ID,
		"playbook":    j.pb.ID,
		"version":     j.pb.Version,
	})

	if j.pb.Tier == playbook.TierManual {
		// Manual runbooks are never executed; the incident goes straight
		// to a human with the documented steps on the ticket.
		e.escalateIncident(inc, "manual_playbook", j.pb)
		return
	}

	if j.pb.Tier == playbook.TierApproval || j.pb.RequiresApproval {
		if !e.awaitApproval(runCtx, inc, j.pb) {
			e.finishCancelled(inc, j.pb)
			return
		}
	}

	lock, err := e.locks.Acquire(runCtx, inc.ResourceKey, "incident:"+inc.ID)
	if err != nil {
		if errors.Is(err, locks.ErrQueueFull) {
			e.escalateIncident(inc, "lock_queue_full", j.pb)
			return
		}
		e.finishCancelled(inc, j.pb)
		return
	}
	defer lock.Release()

	e.remediate(runCtx, inc, j.pb, lock)
}

// awaitApproval escalates an approval_required ticket and blocks until an
// operator approves, the incident is aborted, or the executor shuts down.
func (e *Executor) awaitApproval(ctx context.Context, inc models.Incident, pb *playbook.Playbook) bool {
	gate := make(chan struct{})
	e.mu.Lock()
	e.approvals[inc.ID] = gate
	e.mu.Unlock()

	if err := e.escalator.Escalate(ctx, inc, "approval_required", pb); err != nil {
		e.logger.Error("approval escalation failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
	e.ledger.MustAppend("executor", "incident.awaiting_approval", map[string]any{
		"incident_id": inc.ID,
		"playbook":    pb.ID,
	})

	select {
	case <-gate:
		e.ledger.MustAppend("executor", "incident.approved", map[string]any{"incident_id": inc.ID})
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Executor) remediate(ctx context.Context, inc models.Incident, pb *playbook.Playbook, lock *locks.Lock) {
	maxRetries := pb.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.opts.MaxRetries
	}
	for retry := 0; retry < maxRetries; retry++ {
		if ctx.Err() != nil {
			e.finishCancelled(inc, pb)
			return
		}
		if _, err := e.store.Transition(ctx, inc.ID, models.StatusRemediating, time.Now().UTC()); err != nil {
			e.logger.Error("remediating transition failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
			return
		}
		attempt, err := e.store.IncrementAttempts(ctx, inc.ID)
		if err != nil {
			e.logger.Error("attempt counter failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
			return
		}
		e.ledger.MustAppend("executor", "incident.remediating", map[string]any{
			"incident_id": inc.ID,
			"playbook":    pb.ID,
			"attempt":     attempt,
		})
		lock.Extend()

		rec, completed, attemptErr := e.runAttempt(ctx, inc, pb, attempt)
		e.record(rec)
		e.publisher.RecordAttempt(pb.ID, inc.Kind, rec.Success)

		if attemptErr == nil {
			if e.finishVerified(ctx, inc, pb) {
				return
			}
			// Final verification did not hold; the verifying state only
			// exits to a terminal state, so this escalates.
			e.escalateIncident(inc, "verification_failed", pb)
			return
		}

		if attemptErr.Fatal() {
			e.finishFatal(inc, pb, attemptErr)
			return
		}
		if ctx.Err() != nil {
			// An operator abort undoes the partial attempt before handing
			// the incident to a human. When the cancellation interrupted a
			// running step the attempt has already rolled itself back and
			// completed is empty.
			if e.wasAborted(inc.ID) {
				e.rollbackSteps(inc, reverse(completed))
			}
			e.finishCancelled(inc, pb)
			return
		}

		e.logger.Warn("attempt failed",
			slog.String("incident_id", inc.ID),
			slog.Int("attempt", attempt),
			slog.String("error", attemptErr.Error()))

		if retry < maxRetries-1 {
			if !e.sleep(ctx, e.backoff(retry)) {
				e.finishCancelled(inc, pb)
				return
			}
		}
	}
	e.escalateIncident(inc, "retries_exhausted", pb)
}

// runAttempt executes the playbook's steps in order. The first step failure
// ends the attempt; a per-step verification failure triggers rollback of the
// failing step and every completed step in reverse order.
func (e *Executor) runAttempt(ctx context.Context, inc models.Incident, pb *playbook.Playbook, attempt int) (models.ExecutionRecord, []stepBinding, *StepError) {
	rec := models.ExecutionRecord{
		ID:         uuid.NewString(),
		IncidentID: inc.ID,
		PlaybookID: pb.ID,
		Attempt:    attempt,
		StartedAt:  time.Now().UTC(),
	}
	var completed []stepBinding
	var failure *StepError

	for _, step := range pb.Steps {
		if ctx.Err() != nil {
			failure = stepErr(step.ActionID, models.StepOutcomeFailed, ctx.Err())
			break
		}
		set, _ := e.actions.Resolve(step.ActionID)
		binding := stepBinding{
			step: step,
			set:  set,
			req: playbook.Request{
				IncidentID:  inc.ID,
				ResourceKey: inc.ResourceKey,
				Context:     inc.Context,
				Params:      step.Params,
			},
		}

		res := e.runStep(ctx, binding)
		switch res.Outcome {
		case models.StepOutcomeVerifyFail, models.StepOutcomeTimeout:
			// A timed-out action is as suspect as a failed verification:
			// it may have half-applied its change, so the interrupted step
			// and the completed prefix are both undone.
			res = e.rollbackAfterFailure(inc, binding, completed, res)
			completed = nil
		case models.StepOutcomeFailed:
			if ctx.Err() != nil && e.wasAborted(inc.ID) {
				res = e.rollbackAfterFailure(inc, binding, completed, res)
				completed = nil
			}
		}
		rec.StepResults = append(rec.StepResults, res)

		switch res.Outcome {
		case models.StepOutcomeSuccess:
			completed = append(completed, binding)
			continue
		case models.StepOutcomeFatal:
			failure = stepErr(step.ActionID, models.StepOutcomeFatal, errors.New(res.Error))
		default:
			failure = stepErr(step.ActionID, res.Outcome, errors.New(res.Error))
		}
		break
	}

	rec.CompletedAt = time.Now().UTC()
	rec.Success = failure == nil && len(rec.StepResults) == len(pb.Steps)
	return rec, completed, failure
}

func (e *Executor) runStep(ctx context.Context, b stepBinding) models.StepResult {
	res := models.StepResult{ActionID: b.step.ActionID, StartedAt: time.Now().UTC()}

	stepCtx, cancel := context.WithTimeout(ctx, b.step.Timeout)
	err := b.set.Action(stepCtx, b.req)
	timedOut := stepCtx.Err() == context.DeadlineExceeded
	cancel()
	if err != nil {
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			res.Outcome = models.StepOutcomeTimeout
		} else {
			res.Outcome = models.StepOutcomeFailed
		}
		res.Error = err.Error()
		res.CompletedAt = time.Now().UTC()
		return res
	}

	if b.step.HasVerify && b.set.Verify != nil {
		verifyCtx, cancel := context.WithTimeout(ctx, b.step.Timeout)
		verr := b.set.Verify(verifyCtx, b.req)
		cancel()
		if verr != nil {
			res.Outcome = models.StepOutcomeVerifyFail
			res.Error = verr.Error()
			res.CompletedAt = time.Now().UTC()
			return res
		}
	}

	res.Outcome = models.StepOutcomeSuccess
	res.CompletedAt = time.Now().UTC()
	return res
}

// rollbackAfterFailure undoes the failed or interrupted step together with
// the completed steps before it, newest first. Rollback runs on a fresh
// context so an abort or shutdown cannot leave the resource half-changed.
// A rollback error upgrades the result to fatal.
func (e *Executor) rollbackAfterFailure(inc models.Incident, failed stepBinding, completed []stepBinding, res models.StepResult) models.StepResult {
	targets := make([]stepBinding, 0, len(completed)+1)
	targets = append(targets, failed)
	targets = append(targets, reverse(completed)...)

	if failedStep, err := e.rollbackSteps(inc, targets); err != nil {
		res.Outcome = models.StepOutcomeFatal
		res.Error = "rollback of " + failedStep + ": " + err.Error()
		return res
	}
	res.Outcome = models.StepOutcomeRolledBack
	return res
}

// rollbackSteps runs the rollback hooks of the given bindings in order, on
// fresh timeout contexts so a cancelled run context cannot strand partial
// state. Returns the action whose rollback failed along with the error.
func (e *Executor) rollbackSteps(inc models.Incident, targets []stepBinding) (string, error) {
	for _, b := range targets {
		if !b.step.HasRollback || b.set.Rollback == nil {
			continue
		}
		rbCtx, cancel := context.WithTimeout(context.Background(), b.step.Timeout)
		err := b.set.Rollback(rbCtx, b.req)
		cancel()
		if err != nil {
			e.logger.Error("rollback failed",
				slog.String("incident_id", inc.ID),
				slog.String("action", b.step.ActionID),
				slog.Any("error", err))
			return b.step.ActionID, err
		}
		e.ledger.MustAppend("executor", "step.rolled_back", map[string]any{
			"incident_id": inc.ID,
			"action":      b.step.ActionID,
		})
	}
	return "", nil
}

func (e *Executor) wasAborted(incidentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted[incidentID]
}

func reverse(bindings []stepBinding) []stepBinding {
	out := make([]stepBinding, 0, len(bindings))
	for i := len(bindings) - 1; i >= 0; i-- {
		out = append(out, bindings[i])
	}
	return out
}

// finishVerified runs the final verification pass and resolves the incident
// when every verify hook holds.
func (e *Executor) finishVerified(ctx context.Context, inc models.Incident, pb *playbook.Playbook) bool {
	if _, err := e.store.Transition(ctx, inc.ID, models.StatusVerifying, time.Now().UTC()); err != nil {
		e.logger.Error("verifying transition failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
		return true
	}
	e.ledger.MustAppend("executor", "incident.verifying", map[string]any{
		"incident_id": inc.ID,
		"playbook":    pb.ID,
	})
	for _, step := range pb.Steps {
		if !step.HasVerify {
			continue
		}
		set, _ := e.actions.Resolve(step.ActionID)
		if set.Verify == nil {
			continue
		}
		verifyCtx, cancel := context.WithTimeout(ctx, step.Timeout)
		err := set.Verify(verifyCtx, playbook.Request{
			IncidentID:  inc.ID,
			ResourceKey: inc.ResourceKey,
			Context:     inc.Context,
			Params:      step.Params,
		})
		cancel()
		if err != nil {
			e.logger.Warn("final verification failed",
				slog.String("incident_id", inc.ID),
				slog.String("action", step.ActionID),
				slog.Any("error", err))
			return false
		}
	}

	updated, err := e.store.Transition(e.cleanupCtx(), inc.ID, models.StatusResolved, time.Now().UTC())
	if err != nil {
		e.logger.Error("resolve transition failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
		return true
	}
	e.publisher.RecordMTTR(pb.ID, time.Duration(updated.MTTRSeconds*float64(time.Second)))
	e.ledger.MustAppend("executor", "incident.resolved", map[string]any{
		"incident_id":  inc.ID,
		"playbook":     pb.ID,
		"mttr_seconds": updated.MTTRSeconds,
	})
	e.logger.Info("incident resolved",
		slog.String("incident_id", inc.ID),
		slog.String("resource_key", inc.ResourceKey),
		slog.Float64("mttr_seconds", updated.MTTRSeconds))
	return true
}

// finishFatal handles a rollback failure: the incident fails terminally,
// automation for the resource is disabled, and a critical ticket goes out.
func (e *Executor) finishFatal(inc models.Incident, pb *playbook.Playbook, serr *StepError) {
	ctx := e.cleanupCtx()
	if _, err := e.store.Transition(ctx, inc.ID, models.StatusFailed, time.Now().UTC()); err != nil {
		e.logger.Error("failed transition failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
	e.escalator.DisableAutomation(inc.ResourceKey, "rollback_failed")
	critical := inc
	critical.Severity = models.SeverityCritical
	if err := e.escalator.Escalate(ctx, critical, "rollback_failed", pb); err != nil {
		e.logger.Error("escalation failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
	metrics.ObserveEscalation("rollback_failed")
	e.ledger.MustAppend("executor", "incident.failed", map[string]any{
		"incident_id": inc.ID,
		"error":       serr.Error(),
	})
	e.logger.Error("remediation failed, automation disabled",
		slog.String("incident_id", inc.ID),
		slog.String("resource_key", inc.ResourceKey),
		slog.String("error", serr.Error()))
}

func (e *Executor) finishCancelled(inc models.Incident, pb *playbook.Playbook) {
	// An abort has already rolled the attempt back by the time this runs.
	// Shutdown deliberately has not: the incident escalates with its
	// persisted step results intact so a restarted engine, or the human
	// holding the ticket, resumes from the recorded state instead of
	// re-running rollbacks for work that may still be valid.
	reason := "shutdown"
	if e.wasAborted(inc.ID) {
		reason = "aborted"
	}
	ctx := e.cleanupCtx()
	if _, err := e.store.Transition(ctx, inc.ID, models.StatusEscalated, time.Now().UTC()); err != nil {
		e.logger.Error("escalated transition failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
	if err := e.escalator.Escalate(ctx, inc, reason, pb); err != nil {
		e.logger.Error("escalation failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
	metrics.ObserveEscalation(reason)
	e.ledger.MustAppend("executor", "incident.escalated", map[string]any{
		"incident_id": inc.ID,
		"reason":      reason,
	})
}

func (e *Executor) escalateIncident(inc models.Incident, reason string, pb *playbook.Playbook) {
	ctx := e.cleanupCtx()
	if _, err := e.store.Transition(ctx, inc.ID, models.StatusEscalated, time.Now().UTC()); err != nil {
		e.logger.Error("escalated transition failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
	if err := e.escalator.Escalate(ctx, inc, reason, pb); err != nil {
		e.logger.Error("escalation failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
	metrics.ObserveEscalation(reason)
	e.ledger.MustAppend("executor", "incident.escalated", map[string]any{
		"incident_id": inc.ID,
		"reason":      reason,
	})
	e.logger.Warn("incident escalated",
		slog.String("incident_id", inc.ID),
		slog.String("reason", reason))
}

func (e *Executor) record(rec models.ExecutionRecord) {
	if err := e.store.AppendExecution(e.cleanupCtx(), rec); err != nil {
		e.logger.Error("execution record persist failed",
			slog.String("incident_id", rec.IncidentID),
			slog.Any("error", err))
	}
	e.ledger.MustAppend("executor", "attempt.completed", rec)
}

// backoff returns the delay before retry n (0-based): base doubled per
// retry, capped, with proportional jitter so synchronized incidents spread
// out.
func (e *Executor) backoff(retry int) time.Duration {
	d := e.opts.BackoffBase
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= e.opts.BackoffCap {
			d = e.opts.BackoffCap
			break
		}
	}
	jitter := 1 + (rand.Float64()*2-1)*e.opts.JitterFrac
	return time.Duration(float64(d) * jitter)
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// cleanupCtx backs terminal-state persistence that must succeed even after
// the attempt's own context was cancelled.
func (e *Executor) cleanupCtx() context.Context {
	return context.Background()
}
