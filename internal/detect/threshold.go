package detect

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/opsmend/remedy-engine/internal/models"
)

// Sampler produces one metric sample per probe.
type Sampler func(ctx context.Context) (float64, error)

// MetricThreshold flags anomalous metric samples using a z-score over a
// sliding window, with an optional absolute ceiling for values that are bad
// regardless of history.
type MetricThreshold struct {
	id          string
	metric      string
	resourceKey string
	interval    time.Duration
	sampler     Sampler
	zThreshold  float64
	ceiling     float64 // 0 disables the absolute check
	windowSize  int

	mu     sync.Mutex
	window []float64
}

// NewMetricThreshold creates a z-score detector over the sampler's output.
func NewMetricThreshold(id, metric, resourceKey string, interval time.Duration, sampler Sampler, zThreshold, ceiling float64) *MetricThreshold {
	if zThreshold <= 0 {
		zThreshold = 2.5
	}
	return &MetricThreshold{
		id:          id,
		metric:      metric,
		resourceKey: resourceKey,
		interval:    interval,
		sampler:     sampler,
		zThreshold:  zThreshold,
		ceiling:     ceiling,
		windowSize:  60,
	}
}

func (m *MetricThreshold) ID() string              { return m.id }
func (m *MetricThreshold) Kind() string            { return "metric.threshold" }
func (m *MetricThreshold) Interval() time.Duration { return m.interval }

// Probe samples the metric and scores it against the window.
func (m *MetricThreshold) Probe(ctx context.Context) (*models.Failure, error) {
	value, err := m.sampler(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", m.metric, err)
	}

	m.mu.Lock()
	m.window = append(m.window, value)
	if len(m.window) > m.windowSize {
		m.window = m.window[1:]
	}
	score := zScore(m.window, value)
	samples := len(m.window)
	m.mu.Unlock()

	breached := m.ceiling > 0 && value >= m.ceiling
	// z-score needs history before it means anything.
	anomalous := samples >= 10 && score >= m.zThreshold

	if !breached && !anomalous {
		return nil, nil
	}

	return &models.Failure{
		DetectorID:  m.id,
		Kind:        "metric.threshold",
		ResourceKey: m.resourceKey,
		Severity:    severityFromScore(score, breached),
		DetectedAt:  time.Now().UTC(),
		Context: map[string]string{
			"metric": m.metric,
			"value":  fmt.Sprintf("%.4f", value),
			"score":  fmt.Sprintf("%.2f", score),
			"target": m.resourceKey,
		},
	}, nil
}

var _ Detector = (*MetricThreshold)(nil)

// zScore computes how many standard deviations value sits above the window
// mean.
func zScore(window []float64, value float64) float64 {
	if len(window) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(len(window))

	variance := 0.0
	for _, v := range window {
		variance += math.Pow(v-mean, 2)
	}
	variance /= float64(len(window))
	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		stdDev = 0.01
	}
	return (value - mean) / stdDev
}

func severityFromScore(score float64, breached bool) models.Severity {
	switch {
	case breached || score >= 4:
		return models.SeverityCritical
	case score >= 3:
		return models.SeverityHigh
	case score >= 2:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
