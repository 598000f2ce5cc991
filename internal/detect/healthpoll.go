package detect

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/opsmend/remedy-engine/internal/models"
)

// HealthPoll probes an HTTP health endpoint. A transport error or non-2xx
// status is a failure observation on the target resource, not a probe error,
// so it never counts toward auto-disable.
type HealthPoll struct {
	id          string
	resourceKey string
	url         string
	interval    time.Duration
	client      *http.Client
}

// NewHealthPoll creates an endpoint poller with the given request timeout.
func NewHealthPoll(id, resourceKey, url string, interval, timeout time.Duration) *HealthPoll {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthPoll{
		id:          id,
		resourceKey: resourceKey,
		url:         url,
		interval:    interval,
		client:      &http.Client{Timeout: timeout},
	}
}

func (h *HealthPoll) ID() string              { return h.id }
func (h *HealthPoll) Kind() string            { return "healthcheck.down" }
func (h *HealthPoll) Interval() time.Duration { return h.interval }

// Probe issues a GET against the health endpoint.
func (h *HealthPoll) Probe(ctx context.Context) (*models.Failure, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &models.Failure{
			DetectorID:  h.id,
			Kind:        "healthcheck.timeout",
			ResourceKey: h.resourceKey,
			Severity:    models.SeverityHigh,
			DetectedAt:  time.Now().UTC(),
			Context: map[string]string{
				"url":    h.url,
				"error":  err.Error(),
				"target": h.resourceKey,
			},
		}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil, nil
	}

	severity := models.SeverityMedium
	if resp.StatusCode >= 500 {
		severity = models.SeverityHigh
	}
	return &models.Failure{
		DetectorID:  h.id,
		Kind:        "healthcheck.down",
		ResourceKey: h.resourceKey,
		Severity:    severity,
		DetectedAt:  time.Now().UTC(),
		Context: map[string]string{
			"url":    h.url,
			"status": fmt.Sprintf("%d", resp.StatusCode),
			"target": h.resourceKey,
		},
	}, nil
}

var _ Detector = (*HealthPoll)(nil)
