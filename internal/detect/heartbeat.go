package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opsmend/remedy-engine/internal/models"
)

// Heartbeat reports a failure when a monitored component has not signalled
// liveness within maxSilence. External components call Beat; the probe only
// reads.
type Heartbeat struct {
	id          string
	resourceKey string
	interval    time.Duration
	maxSilence  time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewHeartbeat creates a heartbeat detector for resourceKey. The clock
// starts at construction so a component that never beats is eventually
// reported.
func NewHeartbeat(id, resourceKey string, interval, maxSilence time.Duration) *Heartbeat {
	return &Heartbeat{
		id:          id,
		resourceKey: resourceKey,
		interval:    interval,
		maxSilence:  maxSilence,
		last:        time.Now(),
	}
}

// Beat records a liveness signal from the monitored component.
func (h *Heartbeat) Beat() {
	h.mu.Lock()
	h.last = time.Now()
	h.mu.Unlock()
}

func (h *Heartbeat) ID() string              { return h.id }
func (h *Heartbeat) Kind() string            { return "heartbeat.lost" }
func (h *Heartbeat) Interval() time.Duration { return h.interval }

// Probe reports a failure when the last beat is older than maxSilence.
func (h *Heartbeat) Probe(ctx context.Context) (*models.Failure, error) {
	h.mu.Lock()
	silence := time.Since(h.last)
	h.mu.Unlock()

	if silence <= h.maxSilence {
		return nil, nil
	}

	severity := models.SeverityHigh
	if silence > 2*h.maxSilence {
		severity = models.SeverityCritical
	}
	return &models.Failure{
		DetectorID:  h.id,
		Kind:        "heartbeat.lost",
		ResourceKey: h.resourceKey,
		Severity:    severity,
		DetectedAt:  time.Now().UTC(),
		Context: map[string]string{
			"silence":     silence.String(),
			"max_silence": h.maxSilence.String(),
			"target":      h.resourceKey,
		},
	}, nil
}

var _ Detector = (*Heartbeat)(nil)

// String implements fmt.Stringer for log output.
func (h *Heartbeat) String() string {
	return fmt.Sprintf("heartbeat(%s)", h.resourceKey)
}
