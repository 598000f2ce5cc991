package metrics

import (
	"log/slog"
	"testing"
	"time"
)

func TestPublisherSuccessRate(t *testing.T) {
	p := NewPublisher(slog.Default(), 0.8, 0)

	if got := p.SuccessRate("db_recovery"); got != 1 {
		t.Fatalf("rate with no attempts = %v, want 1", got)
	}

	for i := 0; i < 3; i++ {
		p.RecordAttempt("db_recovery", "db.connection_lost", true)
	}
	p.RecordAttempt("db_recovery", "db.connection_lost", false)

	if got := p.SuccessRate("db_recovery"); got != 0.75 {
		t.Fatalf("rate = %v, want 0.75", got)
	}
}

func TestPublisherSnapshot(t *testing.T) {
	p := NewPublisher(slog.Default(), 0.8, 0)

	p.RecordAttempt("db_recovery", "db.connection_lost", true)
	p.RecordMTTR("db_recovery", 30*time.Second)
	p.RecordMTTR("db_recovery", 90*time.Second)
	p.RecordAttempt("disk_cleanup", "disk.full", false)

	stats := p.Snapshot()
	if len(stats) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(stats))
	}
	byName := make(map[string]PlaybookStats, len(stats))
	for _, s := range stats {
		byName[s.Playbook] = s
	}

	db := byName["db_recovery"]
	if db.Attempts != 1 || db.Successes != 1 {
		t.Fatalf("db attempts/successes = %d/%d", db.Attempts, db.Successes)
	}
	if db.MTTRMax != 90*time.Second {
		t.Fatalf("db mttr max = %v", db.MTTRMax)
	}

	disk := byName["disk_cleanup"]
	if disk.SuccessRate != 0 {
		t.Fatalf("disk success rate = %v, want 0", disk.SuccessRate)
	}
	if disk.MTTRMax != 0 {
		t.Fatalf("disk mttr max = %v, want 0", disk.MTTRMax)
	}
}

func TestPublisherDefaultsBadFloor(t *testing.T) {
	p := NewPublisher(nil, 1.5, 0)
	if p.rateFloor != 0.8 {
		t.Fatalf("rateFloor = %v, want 0.8", p.rateFloor)
	}
}
