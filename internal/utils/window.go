package utils

import (
	"sort"
	"sync"
	"time"
)

// DurationWindow stores recent duration samples and computes percentiles.
// Used to track per-playbook MTTR distributions.
type DurationWindow struct {
	mu      sync.RWMutex
	samples []time.Duration
	maxSize int
}

// NewDurationWindow creates a window storing up to maxSize samples.
func NewDurationWindow(maxSize int) *DurationWindow {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &DurationWindow{maxSize: maxSize}
}

// Observe records a new duration.
func (w *DurationWindow) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, d)
	if len(w.samples) > w.maxSize {
		// Drop oldest sample to bound memory.
		copy(w.samples[0:], w.samples[1:])
		w.samples = w.samples[:w.maxSize]
	}
}

// Percentile returns the percentile (0-100) duration. Returns zero if no samples.
func (w *DurationWindow) Percentile(p float64) time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.samples) == 0 {
		return 0
	}
	if p <= 0 {
		return w.min()
	}
	if p >= 100 {
		return w.max()
	}

	sorted := append([]time.Duration(nil), w.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int((p / 100.0) * float64(len(sorted)-1))
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

// Max returns the largest recorded duration.
func (w *DurationWindow) Max() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.max()
}

// Count returns number of samples recorded.
func (w *DurationWindow) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.samples)
}

func (w *DurationWindow) min() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	min := w.samples[0]
	for _, s := range w.samples[1:] {
		if s < min {
			min = s
		}
	}
	return min
}

func (w *DurationWindow) max() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	max := w.samples[0]
	for _, s := range w.samples[1:] {
		if s > max {
			max = s
		}
	}
	return max
}
