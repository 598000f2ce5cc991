package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful remediation attempts.
	OutcomeSuccess = "success"
	// OutcomeFailure labels failed remediation attempts.
	OutcomeFailure = "failure"
)

var (
	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remedy_engine",
			Name:      "incidents_total",
			Help:      "Incidents opened, partitioned by fault kind and severity.",
		},
		[]string{"kind", "severity"},
	)

	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remedy_engine",
			Name:      "attempts_total",
			Help:      "Remediation attempts, partitioned by playbook, fault kind, and outcome.",
		},
		[]string{"playbook", "kind", "outcome"},
	)

	mttrSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "remedy_engine",
			Name:      "mttr_seconds",
			Help:      "Time to recovery for resolved incidents, partitioned by playbook.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"playbook"},
	)

	coverageGapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remedy_engine",
			Name:      "coverage_gaps_total",
			Help:      "Failures with no matching playbook, partitioned by fault kind.",
		},
		[]string{"kind"},
	)

	coalescedFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remedy_engine",
			Name:      "coalesced_failures_total",
			Help:      "Failures folded into an already-open incident, partitioned by fault kind.",
		},
		[]string{"kind"},
	)

	detectorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remedy_engine",
			Name:      "detector_errors_total",
			Help:      "Probe errors, partitioned by detector.",
		},
		[]string{"detector"},
	)

	detectorsDisabledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remedy_engine",
			Name:      "detectors_disabled_total",
			Help:      "Detectors auto-disabled after consecutive probe errors.",
		},
		[]string{"detector"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remedy_engine",
			Name:      "escalations_total",
			Help:      "Escalation tickets created, partitioned by reason.",
		},
		[]string{"reason"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remedy_engine",
			Name:      "alerts_total",
			Help:      "Threshold-breach alerts raised by the metrics publisher.",
		},
		[]string{"alert", "playbook"},
	)
)

// Register attaches the engine's collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		incidentsTotal,
		attemptsTotal,
		mttrSeconds,
		coverageGapsTotal,
		coalescedFailuresTotal,
		detectorErrorsTotal,
		detectorsDisabledTotal,
		escalationsTotal,
		alertsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIncidentOpened counts a newly opened incident.
func ObserveIncidentOpened(kind, severity string) {
	incidentsTotal.WithLabelValues(kind, severity).Inc()
}

// ObserveAttempt counts one remediation attempt outcome.
func ObserveAttempt(playbook, kind string, success bool) {
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	attemptsTotal.WithLabelValues(playbook, kind, outcome).Inc()
}

// ObserveMTTR records the recovery time of a resolved incident.
func ObserveMTTR(playbook string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	mttrSeconds.WithLabelValues(playbook).Observe(d.Seconds())
}

// ObserveCoverageGap counts an unhandled failure.
func ObserveCoverageGap(kind string) {
	coverageGapsTotal.WithLabelValues(kind).Inc()
}

// ObserveCoalesced counts a failure folded into an open incident.
func ObserveCoalesced(kind string) {
	coalescedFailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveDetectorError counts one probe error.
func ObserveDetectorError(detector string) {
	detectorErrorsTotal.WithLabelValues(detector).Inc()
}

// ObserveDetectorDisabled counts a detector being auto-disabled.
func ObserveDetectorDisabled(detector string) {
	detectorsDisabledTotal.WithLabelValues(detector).Inc()
}

// ObserveEscalation counts an escalation ticket.
func ObserveEscalation(reason string) {
	escalationsTotal.WithLabelValues(reason).Inc()
}

// ObserveAlert counts a raised threshold alert.
func ObserveAlert(alert, playbook string) {
	alertsTotal.WithLabelValues(alert, playbook).Inc()
}
