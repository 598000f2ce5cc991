// Package detect runs the pluggable fault probes. Detectors are pure
// observers: they report failures and never remediate. The pool owns
// scheduling, panic containment, and auto-disabling of flapping probes.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsmend/remedy-engine/internal/metrics"
	"github.com/opsmend/remedy-engine/internal/models"
	"github.com/opsmend/remedy-engine/internal/utils"
)

// Detector is one pluggable probe. Probe returns a failure observation, nil
// when the target is healthy, or an error when the probe itself broke.
type Detector interface {
	ID() string
	Kind() string
	Interval() time.Duration
	Probe(ctx context.Context) (*models.Failure, error)
}

const defaultDisableThreshold = 5

// Pool schedules registered detectors, each on its own goroutine, so a slow
// probe never blocks the others.
type Pool struct {
	logger           *slog.Logger
	disableThreshold int
	failures         chan models.Failure

	mu        sync.Mutex
	detectors map[string]Detector
	sources   map[string]<-chan models.Failure
	disabled  map[string]bool
	running   bool
}

// NewPool creates a pool that auto-disables a detector after
// disableThreshold consecutive probe errors.
func NewPool(logger *slog.Logger, disableThreshold, buffer int) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if disableThreshold <= 0 {
		disableThreshold = defaultDisableThreshold
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Pool{
		logger:           logger,
		disableThreshold: disableThreshold,
		failures:         make(chan models.Failure, buffer),
		detectors:        make(map[string]Detector),
		sources:          make(map[string]<-chan models.Failure),
		disabled:         make(map[string]bool),
	}
}

// Register adds a polling detector. Registration happens at startup, before
// Run.
func (p *Pool) Register(d Detector) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("detector pool already running")
	}
	if _, exists := p.detectors[d.ID()]; exists {
		return fmt.Errorf("detector %s already registered", d.ID())
	}
	if d.Interval() <= 0 {
		return fmt.Errorf("detector %s: poll interval must be positive", d.ID())
	}
	p.detectors[d.ID()] = d
	return nil
}

// RegisterSource adds an event-driven failure stream. Its failures flow
// through the same channel as polled ones.
func (p *Pool) RegisterSource(name string, ch <-chan models.Failure) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("detector pool already running")
	}
	if _, exists := p.sources[name]; exists {
		return fmt.Errorf("source %s already registered", name)
	}
	p.sources[name] = ch
	return nil
}

// Failures is the ordered stream consumed by the trigger engine.
func (p *Pool) Failures() <-chan models.Failure {
	return p.failures
}

// Disabled reports whether a detector has been auto-disabled.
func (p *Pool) Disabled(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled[id]
}

// Run schedules every registered detector and source until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("detector pool already running")
	}
	p.running = true
	detectors := make([]Detector, 0, len(p.detectors))
	for _, d := range p.detectors {
		detectors = append(detectors, d)
	}
	sources := make(map[string]<-chan models.Failure, len(p.sources))
	for name, ch := range p.sources {
		sources[name] = ch
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range detectors {
		wg.Add(1)
		go func(d Detector) {
			defer wg.Done()
			p.runDetector(ctx, d)
		}(d)
	}
	for name, ch := range sources {
		wg.Add(1)
		go func(name string, ch <-chan models.Failure) {
			defer wg.Done()
			p.runSource(ctx, name, ch)
		}(name, ch)
	}

	wg.Wait()
	return nil
}

func (p *Pool) runDetector(ctx context.Context, d Detector) {
	ticker := time.NewTicker(d.Interval())
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		failure, err := p.safeProbe(ctx, d)
		if err != nil {
			consecutiveErrors++
			metrics.ObserveDetectorError(d.ID())
			p.logger.Warn("detector probe failed",
				slog.String("detector", d.ID()),
				slog.Int("consecutive", consecutiveErrors),
				slog.Any("error", err))
			if consecutiveErrors >= p.disableThreshold {
				p.disable(d.ID())
				return
			}
			continue
		}
		consecutiveErrors = 0

		if failure == nil {
			continue
		}
		p.emit(ctx, d, *failure)
	}
}

func (p *Pool) runSource(ctx context.Context, name string, ch <-chan models.Failure) {
	for {
		select {
		case <-ctx.Done():
			return
		case failure, ok := <-ch:
			if !ok {
				p.logger.Info("event source closed", slog.String("source", name))
				return
			}
			if failure.DetectorID == "" {
				failure.DetectorID = name
			}
			if failure.DetectedAt.IsZero() {
				failure.DetectedAt = time.Now().UTC()
			}
			select {
			case p.failures <- failure:
			case <-ctx.Done():
				return
			}
		}
	}
}

// safeProbe contains detector panics so one bad probe cannot take down the
// pool; a panic counts as a probe error toward auto-disable.
func (p *Pool) safeProbe(ctx context.Context, d Detector) (failure *models.Failure, err error) {
	defer func() {
		if r := recover(); r != nil {
			failure = nil
			err = utils.NewAppError("detector.probe", d.ID(), fmt.Errorf("panic: %v", r))
		}
	}()
	return d.Probe(ctx)
}

func (p *Pool) emit(ctx context.Context, d Detector, failure models.Failure) {
	if failure.DetectorID == "" {
		failure.DetectorID = d.ID()
	}
	if failure.Kind == "" {
		failure.Kind = d.Kind()
	}
	if failure.DetectedAt.IsZero() {
		failure.DetectedAt = time.Now().UTC()
	}
	select {
	case p.failures <- failure:
	case <-ctx.Done():
	}
}

func (p *Pool) disable(id string) {
	p.mu.Lock()
	p.disabled[id] = true
	p.mu.Unlock()

	metrics.ObserveDetectorDisabled(id)
	p.logger.Error("detector auto-disabled after repeated probe errors",
		slog.String("detector", id),
		slog.Int("threshold", p.disableThreshold))
}
