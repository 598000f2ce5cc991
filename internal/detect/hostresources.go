package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/opsmend/remedy-engine/internal/models"
)

// HostResources watches for resource exhaustion on the local host: memory,
// CPU, and disk usage against percentage limits. A zero limit disables that
// check.
type HostResources struct {
	id          string
	resourceKey string
	interval    time.Duration
	memLimit    float64
	cpuLimit    float64
	diskLimit   float64
	diskPath    string
}

// NewHostResources creates a host resource detector. Limits are percentages
// in (0, 100].
func NewHostResources(id, resourceKey string, interval time.Duration, memLimit, cpuLimit, diskLimit float64, diskPath string) *HostResources {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostResources{
		id:          id,
		resourceKey: resourceKey,
		interval:    interval,
		memLimit:    memLimit,
		cpuLimit:    cpuLimit,
		diskLimit:   diskLimit,
		diskPath:    diskPath,
	}
}

func (h *HostResources) ID() string              { return h.id }
func (h *HostResources) Kind() string            { return "resource.exhausted" }
func (h *HostResources) Interval() time.Duration { return h.interval }

// Probe checks each enabled limit and reports the first breach.
func (h *HostResources) Probe(ctx context.Context) (*models.Failure, error) {
	if h.memLimit > 0 {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("read memory stats: %w", err)
		}
		if vm.UsedPercent >= h.memLimit {
			return h.failure("memory", vm.UsedPercent, h.memLimit), nil
		}
	}

	if h.cpuLimit > 0 {
		// Interval 0 measures utilisation since the previous call.
		percents, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return nil, fmt.Errorf("read cpu stats: %w", err)
		}
		if len(percents) > 0 && percents[0] >= h.cpuLimit {
			return h.failure("cpu", percents[0], h.cpuLimit), nil
		}
	}

	if h.diskLimit > 0 {
		usage, err := disk.UsageWithContext(ctx, h.diskPath)
		if err != nil {
			return nil, fmt.Errorf("read disk stats: %w", err)
		}
		if usage.UsedPercent >= h.diskLimit {
			return h.failure("disk", usage.UsedPercent, h.diskLimit), nil
		}
	}

	return nil, nil
}

func (h *HostResources) failure(resource string, used, limit float64) *models.Failure {
	severity := models.SeverityHigh
	if used >= limit+((100-limit)/2) {
		severity = models.SeverityCritical
	}
	return &models.Failure{
		DetectorID:  h.id,
		Kind:        "resource.exhausted",
		ResourceKey: h.resourceKey,
		Severity:    severity,
		DetectedAt:  time.Now().UTC(),
		Context: map[string]string{
			"resource":     resource,
			"used_percent": fmt.Sprintf("%.1f", used),
			"limit":        fmt.Sprintf("%.1f", limit),
			"target":       h.resourceKey,
		},
	}
}

var _ Detector = (*HostResources)(nil)
