// Package engine wires the detection, triggering, and remediation stages
// into one supervised unit with a shared lifecycle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/opsmend/remedy-engine/internal/audit"
	"github.com/opsmend/remedy-engine/internal/config"
	"github.com/opsmend/remedy-engine/internal/detect"
	"github.com/opsmend/remedy-engine/internal/escalate"
	"github.com/opsmend/remedy-engine/internal/executor"
	"github.com/opsmend/remedy-engine/internal/locks"
	"github.com/opsmend/remedy-engine/internal/metrics"
	"github.com/opsmend/remedy-engine/internal/models"
	"github.com/opsmend/remedy-engine/internal/playbook"
	"github.com/opsmend/remedy-engine/internal/store"
	"github.com/opsmend/remedy-engine/internal/trigger"
	"github.com/opsmend/remedy-engine/internal/utils"
)

// Supervisor owns the engine's long-running components.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	Ledger      *audit.Ledger
	Store       *store.Store
	Registry    *playbook.Registry
	Locks       *locks.Manager
	Publisher   *metrics.Publisher
	Escalations *escalate.Manager
	Executor    *executor.Executor
	Trigger     *trigger.Engine
	Pool        *detect.Pool

	logWatchers map[string]*detect.LogPattern
}

// New assembles the engine from configuration. The action registry carries
// the built-in and caller-registered action sets playbooks resolve against.
func New(cfg *config.Config, logger *slog.Logger, actions *playbook.Actions) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ledger, err := audit.Open(cfg.Audit.Path, utils.ComponentLogger(logger, "audit"))
	if err != nil {
		return nil, utils.NewAppError("engine.start", "open audit ledger", err)
	}
	incidentStore, err := store.New(cfg.Store.Path, utils.ComponentLogger(logger, "store"))
	if err != nil {
		return nil, utils.NewAppError("engine.start", "open incident store", err)
	}

	registry := playbook.NewRegistry(utils.ComponentLogger(logger, "playbooks"), actions)
	if cfg.Playbooks.Dir != "" {
		if err := registry.LoadDir(cfg.Playbooks.Dir); err != nil {
			return nil, utils.NewAppError("engine.start", "load playbooks", err)
		}
	}

	lockMgr := locks.NewManager(utils.ComponentLogger(logger, "locks"), cfg.Locks.LeaseTTL, cfg.Locks.QueueDepth)
	publisher := metrics.NewPublisher(utils.ComponentLogger(logger, "metrics"), cfg.Metrics.SuccessRateFloor, cfg.Metrics.MTTRCeiling)
	escalations := escalate.NewManager(utils.ComponentLogger(logger, "escalations"), incidentStore, ledger, nil)

	exec := executor.New(utils.ComponentLogger(logger, "executor"), incidentStore, lockMgr, ledger, actions, publisher, escalations, executor.Options{
		Workers:     cfg.Executor.Workers,
		QueueDepth:  cfg.Executor.QueueDepth,
		MaxRetries:  cfg.Executor.MaxRetries,
		BackoffBase: cfg.Executor.BackoffBase,
		BackoffCap:  cfg.Executor.BackoffCap,
	})

	triggerEngine := trigger.NewEngine(utils.ComponentLogger(logger, "trigger"), registry, incidentStore, ledger, exec, escalations, cfg.Trigger.Cooldown)

	pool := detect.NewPool(utils.ComponentLogger(logger, "detectors"), cfg.Detectors.DisableThreshold, 64)
	if err := registerDetectors(pool, cfg.Detectors); err != nil {
		return nil, err
	}

	logWatchers := make(map[string]*detect.LogPattern, len(cfg.Detectors.LogPatterns))
	for _, lp := range cfg.Detectors.LogPatterns {
		watcher, err := detect.NewLogPattern(lp.ID, lp.ResourceKey, models.Severity(lp.Severity), lp.Patterns)
		if err != nil {
			return nil, utils.NewAppError("engine.start", "log pattern watcher", err)
		}
		if err := pool.RegisterSource(lp.ID, watcher.Failures()); err != nil {
			return nil, utils.NewAppError("engine.start", "register log watcher", err)
		}
		logWatchers[lp.ID] = watcher
	}

	s := &Supervisor{
		cfg:         cfg,
		logger:      logger,
		Ledger:      ledger,
		Store:       incidentStore,
		Registry:    registry,
		Locks:       lockMgr,
		Publisher:   publisher,
		Escalations: escalations,
		Executor:    exec,
		Trigger:     triggerEngine,
		Pool:        pool,
		logWatchers: logWatchers,
	}
	escalations.SetResubmitter(s)
	return s, nil
}

func registerDetectors(pool *detect.Pool, cfg config.DetectorsConfig) error {
	for _, hb := range cfg.Heartbeats {
		if err := pool.Register(detect.NewHeartbeat(hb.ID, hb.ResourceKey, hb.Interval, hb.MaxSilence)); err != nil {
			return fmt.Errorf("register heartbeat %s: %w", hb.ID, err)
		}
	}
	for _, hp := range cfg.HealthPolls {
		if err := pool.Register(detect.NewHealthPoll(hp.ID, hp.ResourceKey, hp.URL, hp.Interval, hp.Timeout)); err != nil {
			return fmt.Errorf("register health poll %s: %w", hp.ID, err)
		}
	}
	if hr := cfg.HostResources; hr != nil {
		d := detect.NewHostResources(hr.ID, hr.ResourceKey, hr.Interval,
			hr.MemoryPercent, hr.CPUPercent, hr.DiskPercent, hr.DiskPath)
		if err := pool.Register(d); err != nil {
			return fmt.Errorf("register host resources %s: %w", hr.ID, err)
		}
	}
	return nil
}

// Run starts every stage and blocks until ctx is cancelled or a stage fails.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Ledger.MustAppend("engine", "engine.started", map[string]any{
		"playbooks": len(s.Registry.List()),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Locks.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return s.Pool.Run(ctx)
	})
	g.Go(func() error {
		return s.Trigger.Run(ctx, s.Pool.Failures())
	})
	g.Go(func() error {
		return s.Executor.Run(ctx)
	})
	if s.cfg.Playbooks.Watch && s.cfg.Playbooks.Dir != "" {
		g.Go(func() error {
			return s.Registry.Watch(ctx, s.cfg.Playbooks.Dir)
		})
	}

	err := g.Wait()
	s.Ledger.MustAppend("engine", "engine.stopped", map[string]any{})
	return err
}

// IngestLogs feeds raw log lines to a configured pattern watcher. The watcher
// emits failures into the detector pool for any line matching its patterns.
func (s *Supervisor) IngestLogs(source string, lines []string) error {
	watcher, ok := s.logWatchers[source]
	if !ok {
		return fmt.Errorf("no log watcher named %s", source)
	}
	for _, line := range lines {
		watcher.Consume(line)
	}
	return nil
}

// Resubmit reopens remediation for an incident a human cleared with retry
// requested. A fresh incident is created so the audit trail and counters of
// the escalated one stay intact.
func (s *Supervisor) Resubmit(ctx context.Context, inc models.Incident) error {
	pb, ok := s.Registry.Get(inc.PlaybookID, inc.PlaybookVersion)
	if !ok {
		pb, ok = s.Registry.Latest(inc.PlaybookID)
	}
	if !ok {
		return fmt.Errorf("playbook %s no longer registered", inc.PlaybookID)
	}

	retry := models.Incident{
		ID:              ulid.Make().String(),
		ResourceKey:     inc.ResourceKey,
		Kind:            inc.Kind,
		Severity:        inc.Severity,
		Status:          models.StatusDetected,
		DetectedAt:      time.Now().UTC(),
		PlaybookID:      pb.ID,
		PlaybookVersion: pb.Version,
		Context:         inc.Context,
	}
	if err := s.Store.CreateIncident(ctx, retry); err != nil {
		return fmt.Errorf("create retry incident: %w", err)
	}
	metrics.ObserveIncidentOpened(retry.Kind, string(retry.Severity))
	s.Ledger.MustAppend("engine", "incident.resubmitted", map[string]any{
		"incident_id": retry.ID,
		"previous_id": inc.ID,
	})
	return s.Executor.Dispatch(ctx, retry, pb)
}

// Close releases resources once Run has returned.
func (s *Supervisor) Close() error {
	return s.Store.Close()
}
