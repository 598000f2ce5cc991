package detect

import (
	"fmt"
	"regexp"
	"time"

	"github.com/opsmend/remedy-engine/internal/models"
)

// LogPattern is an event-driven detector: it consumes a log stream and emits
// a failure whenever a line matches one of its patterns. It plugs into the
// pool via RegisterSource rather than polling.
type LogPattern struct {
	id          string
	resourceKey string
	severity    models.Severity
	patterns    []*regexp.Regexp
	out         chan models.Failure
}

// NewLogPattern compiles the given regular expressions. What constitutes a
// fault-worthy pattern is entirely the caller's choice.
func NewLogPattern(id, resourceKey string, severity models.Severity, patterns []string) (*LogPattern, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("log pattern detector %s: at least one pattern required", id)
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("log pattern detector %s: %q: %w", id, pattern, err)
		}
		compiled = append(compiled, re)
	}
	if severity == "" {
		severity = models.SeverityMedium
	}
	return &LogPattern{
		id:          id,
		resourceKey: resourceKey,
		severity:    severity,
		patterns:    compiled,
		out:         make(chan models.Failure, 16),
	}, nil
}

// ID returns the detector identifier.
func (l *LogPattern) ID() string { return l.id }

// Failures is the stream to register with the pool.
func (l *LogPattern) Failures() <-chan models.Failure { return l.out }

// Consume scans one log line. Matching lines emit a failure; the call never
// blocks, dropping observations if the consumer lags (the next matching line
// will re-report the fault).
func (l *LogPattern) Consume(line string) {
	for _, re := range l.patterns {
		if !re.MatchString(line) {
			continue
		}
		failure := models.Failure{
			DetectorID:  l.id,
			Kind:        "log.pattern",
			ResourceKey: l.resourceKey,
			Severity:    l.severity,
			DetectedAt:  time.Now().UTC(),
			Context: map[string]string{
				"pattern": re.String(),
				"line":    truncate(line, 512),
				"target":  l.resourceKey,
			},
		}
		select {
		case l.out <- failure:
		default:
		}
		return
	}
}

// Close ends the stream; the pool stops forwarding when it drains.
func (l *LogPattern) Close() {
	close(l.out)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
