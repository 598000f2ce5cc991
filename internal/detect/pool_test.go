package detect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsmend/remedy-engine/internal/models"
)

type scriptedDetector struct {
	id       string
	interval time.Duration
	probe    func(ctx context.Context) (*models.Failure, error)
}

func (d *scriptedDetector) ID() string              { return d.id }
func (d *scriptedDetector) Kind() string            { return "scripted" }
func (d *scriptedDetector) Interval() time.Duration { return d.interval }
func (d *scriptedDetector) Probe(ctx context.Context) (*models.Failure, error) {
	return d.probe(ctx)
}

func TestPoolDeliversFailures(t *testing.T) {
	pool := NewPool(nil, 5, 16)
	detector := &scriptedDetector{
		id:       "det-1",
		interval: 10 * time.Millisecond,
		probe: func(ctx context.Context) (*models.Failure, error) {
			return &models.Failure{Kind: "heartbeat.lost", ResourceKey: "db", Severity: models.SeverityHigh}, nil
		},
	}
	if err := pool.Register(detector); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	select {
	case failure := <-pool.Failures():
		if failure.DetectorID != "det-1" {
			t.Fatalf("detector id not stamped: %+v", failure)
		}
		if failure.DetectedAt.IsZero() {
			t.Fatalf("detected_at not stamped")
		}
	case <-time.After(time.Second):
		t.Fatalf("no failure delivered")
	}
}

func TestPoolAutoDisablesAfterConsecutiveErrors(t *testing.T) {
	pool := NewPool(nil, 3, 16)
	var calls atomic.Int32
	detector := &scriptedDetector{
		id:       "flaky",
		interval: 5 * time.Millisecond,
		probe: func(ctx context.Context) (*models.Failure, error) {
			calls.Add(1)
			return nil, errors.New("probe broken")
		},
	}
	if err := pool.Register(detector); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	deadline := time.After(2 * time.Second)
	for !pool.Disabled("flaky") {
		select {
		case <-deadline:
			t.Fatalf("detector never disabled")
		case <-time.After(10 * time.Millisecond):
		}
	}

	settled := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != settled {
		t.Fatalf("disabled detector still probing")
	}
	if settled != 3 {
		t.Fatalf("expected exactly 3 probes before disable, got %d", settled)
	}
}

func TestPoolRecoversFromPanickingProbe(t *testing.T) {
	pool := NewPool(nil, 2, 16)
	detector := &scriptedDetector{
		id:       "panicky",
		interval: 5 * time.Millisecond,
		probe: func(ctx context.Context) (*models.Failure, error) {
			panic("boom")
		},
	}
	if err := pool.Register(detector); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	deadline := time.After(2 * time.Second)
	for !pool.Disabled("panicky") {
		select {
		case <-deadline:
			t.Fatalf("panicking detector never disabled")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPoolSuccessResetsErrorCount(t *testing.T) {
	pool := NewPool(nil, 3, 16)
	var calls atomic.Int32
	detector := &scriptedDetector{
		id:       "wobbly",
		interval: 5 * time.Millisecond,
		probe: func(ctx context.Context) (*models.Failure, error) {
			// Two errors, one success, forever: never reaches 3 consecutive.
			if calls.Add(1)%3 == 0 {
				return nil, nil
			}
			return nil, errors.New("transient")
		},
	}
	if err := pool.Register(detector); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	time.Sleep(150 * time.Millisecond)
	if pool.Disabled("wobbly") {
		t.Fatalf("detector disabled despite intermittent successes")
	}
}

func TestEventSourceFlowsThroughPool(t *testing.T) {
	pool := NewPool(nil, 5, 16)
	logDetector, err := NewLogPattern("log-1", "api", models.SeverityHigh, []string{`level=error.*storage locked`})
	if err != nil {
		t.Fatalf("new log pattern: %v", err)
	}
	if err := pool.RegisterSource("log-1", logDetector.Failures()); err != nil {
		t.Fatalf("register source: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	logDetector.Consume("level=info all fine")
	logDetector.Consume("level=error msg=\"storage locked by stale process\"")

	select {
	case failure := <-pool.Failures():
		if failure.Kind != "log.pattern" || failure.ResourceKey != "api" {
			t.Fatalf("unexpected failure: %+v", failure)
		}
	case <-time.After(time.Second):
		t.Fatalf("log pattern failure not delivered")
	}
}

func TestHeartbeatDetector(t *testing.T) {
	hb := NewHeartbeat("hb-db", "db", 10*time.Millisecond, 30*time.Millisecond)

	if failure, err := hb.Probe(context.Background()); err != nil || failure != nil {
		t.Fatalf("fresh heartbeat should be healthy, got %+v err=%v", failure, err)
	}

	time.Sleep(50 * time.Millisecond)
	failure, err := hb.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if failure == nil || failure.Kind != "heartbeat.lost" {
		t.Fatalf("expected heartbeat.lost, got %+v", failure)
	}

	hb.Beat()
	if failure, _ := hb.Probe(context.Background()); failure != nil {
		t.Fatalf("beat should clear the failure, got %+v", failure)
	}
}

func TestMetricThresholdCeiling(t *testing.T) {
	value := 10.0
	detector := NewMetricThreshold("mt-1", "queue_depth", "worker", time.Second,
		func(ctx context.Context) (float64, error) { return value, nil }, 2.5, 100)

	if failure, err := detector.Probe(context.Background()); err != nil || failure != nil {
		t.Fatalf("value under ceiling flagged: %+v err=%v", failure, err)
	}

	value = 150
	failure, err := detector.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if failure == nil || failure.Severity != models.SeverityCritical {
		t.Fatalf("ceiling breach should be critical, got %+v", failure)
	}
}

func TestMetricThresholdZScore(t *testing.T) {
	samples := make(chan float64, 64)
	detector := NewMetricThreshold("mt-2", "latency_ms", "api", time.Second,
		func(ctx context.Context) (float64, error) { return <-samples, nil }, 2.5, 0)

	// Build a stable baseline.
	for i := 0; i < 20; i++ {
		samples <- 10 + float64(i%3)
		if failure, err := detector.Probe(context.Background()); err != nil || failure != nil {
			t.Fatalf("baseline sample flagged: %+v err=%v", failure, err)
		}
	}

	samples <- 500
	failure, err := detector.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if failure == nil {
		t.Fatalf("expected spike to be flagged")
	}
	if failure.Context["metric"] != "latency_ms" {
		t.Fatalf("metric name missing from context: %+v", failure.Context)
	}
}

func TestHealthPollDetector(t *testing.T) {
	status := atomic.Int32{}
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	detector := NewHealthPoll("hp-1", "api", server.URL, time.Second, time.Second)

	if failure, err := detector.Probe(context.Background()); err != nil || failure != nil {
		t.Fatalf("healthy endpoint flagged: %+v err=%v", failure, err)
	}

	status.Store(http.StatusServiceUnavailable)
	failure, err := detector.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if failure == nil || failure.Kind != "healthcheck.down" || failure.Severity != models.SeverityHigh {
		t.Fatalf("expected healthcheck.down/high, got %+v", failure)
	}
	if failure.Context["status"] != fmt.Sprintf("%d", http.StatusServiceUnavailable) {
		t.Fatalf("status missing from context: %+v", failure.Context)
	}
}
