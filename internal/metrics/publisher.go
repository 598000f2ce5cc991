package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/opsmend/remedy-engine/internal/utils"
)

// minAlertSamples is how many attempts a playbook needs before the success
// rate floor applies; a single early failure should not page anyone.
const minAlertSamples = 5

// PlaybookStats is a point-in-time aggregate for one playbook.
type PlaybookStats struct {
	Playbook    string        `json:"playbook"`
	Attempts    int           `json:"attempts"`
	Successes   int           `json:"successes"`
	SuccessRate float64       `json:"success_rate"`
	MTTRp50     time.Duration `json:"mttr_p50_ns"`
	MTTRp95     time.Duration `json:"mttr_p95_ns"`
	MTTRMax     time.Duration `json:"mttr_max_ns"`
}

type playbookTrack struct {
	attempts  int
	successes int
	mttr      *utils.DurationWindow
}

// Publisher aggregates per-playbook success rates and MTTR distributions on
// top of the Prometheus collectors, and raises alerts on threshold breach.
type Publisher struct {
	logger      *slog.Logger
	rateFloor   float64
	mttrCeiling time.Duration

	mu     sync.Mutex
	tracks map[string]*playbookTrack
}

// NewPublisher creates a publisher alerting below rateFloor (0-1) or above
// mttrCeiling; a zero ceiling disables the MTTR alert.
func NewPublisher(logger *slog.Logger, rateFloor float64, mttrCeiling time.Duration) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if rateFloor <= 0 || rateFloor > 1 {
		rateFloor = 0.8
	}
	return &Publisher{
		logger:      logger,
		rateFloor:   rateFloor,
		mttrCeiling: mttrCeiling,
		tracks:      make(map[string]*playbookTrack),
	}
}

func (p *Publisher) track(playbook string) *playbookTrack {
	t, ok := p.tracks[playbook]
	if !ok {
		t = &playbookTrack{mttr: utils.NewDurationWindow(512)}
		p.tracks[playbook] = t
	}
	return t
}

// RecordAttempt folds one attempt outcome into the aggregates and checks the
// success-rate floor.
func (p *Publisher) RecordAttempt(playbook, kind string, success bool) {
	ObserveAttempt(playbook, kind, success)

	p.mu.Lock()
	t := p.track(playbook)
	t.attempts++
	if success {
		t.successes++
	}
	attempts, successes := t.attempts, t.successes
	p.mu.Unlock()

	if attempts < minAlertSamples {
		return
	}
	rate := float64(successes) / float64(attempts)
	if rate < p.rateFloor {
		ObserveAlert("success_rate_below_floor", playbook)
		p.logger.Warn("playbook success rate below floor",
			slog.String("playbook", playbook),
			slog.Float64("rate", rate),
			slog.Float64("floor", p.rateFloor))
	}
}

// RecordMTTR folds one resolved incident's recovery time into the aggregates
// and checks the p95 ceiling.
func (p *Publisher) RecordMTTR(playbook string, d time.Duration) {
	ObserveMTTR(playbook, d)

	p.mu.Lock()
	t := p.track(playbook)
	t.mttr.Observe(d)
	p95 := t.mttr.Percentile(95)
	p.mu.Unlock()

	if p.mttrCeiling > 0 && p95 > p.mttrCeiling {
		ObserveAlert("mttr_p95_above_ceiling", playbook)
		p.logger.Warn("playbook MTTR p95 above ceiling",
			slog.String("playbook", playbook),
			slog.Duration("p95", p95),
			slog.Duration("ceiling", p.mttrCeiling))
	}
}

// SuccessRate returns the observed success rate for a playbook, or 1 when no
// attempts have been recorded.
func (p *Publisher) SuccessRate(playbook string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tracks[playbook]
	if !ok || t.attempts == 0 {
		return 1
	}
	return float64(t.successes) / float64(t.attempts)
}

// Snapshot returns current aggregates for every playbook seen so far.
func (p *Publisher) Snapshot() []PlaybookStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]PlaybookStats, 0, len(p.tracks))
	for playbook, t := range p.tracks {
		s := PlaybookStats{
			Playbook:  playbook,
			Attempts:  t.attempts,
			Successes: t.successes,
			MTTRp50:   t.mttr.Percentile(50),
			MTTRp95:   t.mttr.Percentile(95),
			MTTRMax:   t.mttr.Max(),
		}
		if t.attempts > 0 {
			s.SuccessRate = float64(t.successes) / float64(t.attempts)
		} else {
			s.SuccessRate = 1
		}
		stats = append(stats, s)
	}
	return stats
}
