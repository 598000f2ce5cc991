// Package escalate hands incidents automation could not resolve to a human
// channel, tracks degraded-capability fallbacks, and gates automation for
// resources a rollback failure left in an unknown state.
package escalate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsmend/remedy-engine/internal/audit"
	"github.com/opsmend/remedy-engine/internal/models"
	"github.com/opsmend/remedy-engine/internal/playbook"
)

// TicketStore is the persistence the escalation manager needs.
type TicketStore interface {
	CreateTicket(ctx context.Context, ticket models.EscalationTicket) error
	GetTicket(ctx context.Context, id string) (models.EscalationTicket, error)
	ResolveTicket(ctx context.Context, id, by string, at time.Time) (models.EscalationTicket, error)
	GetIncident(ctx context.Context, id string) (models.Incident, error)
}

// Resubmitter re-queues an incident's failure after a human clears the
// underlying fault.
type Resubmitter interface {
	Resubmit(ctx context.Context, inc models.Incident) error
}

// Manager creates escalation tickets and tracks fallback state.
type Manager struct {
	logger      *slog.Logger
	store       TicketStore
	ledger      *audit.Ledger
	resubmitter Resubmitter

	mu        sync.Mutex
	fallbacks map[string]string // capability -> ticket id that degraded it
	disabled  map[string]string // resource key -> reason
}

// NewManager constructs an escalation manager. resubmitter may be nil when
// retry-on-resolve is not wanted.
func NewManager(logger *slog.Logger, store TicketStore, ledger *audit.Ledger, resubmitter Resubmitter) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:      logger,
		store:       store,
		ledger:      ledger,
		resubmitter: resubmitter,
		fallbacks:   make(map[string]string),
		disabled:    make(map[string]string),
	}
}

// SetResubmitter wires the retry path after construction. The engine builds
// the manager before the executor it resubmits through.
func (m *Manager) SetResubmitter(r Resubmitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resubmitter = r
}

// Escalate opens a ticket for an incident and flips the affected capability
// into fallback mode.
func (m *Manager) Escalate(ctx context.Context, inc models.Incident, reason string, pb *playbook.Playbook) error {
	ticket := models.EscalationTicket{
		ID:              uuid.NewString(),
		IncidentID:      inc.ID,
		Reason:          reason,
		Severity:        inc.Severity,
		SuggestedSteps:  suggestedSteps(pb),
		FallbackEnabled: true,
		CreatedAt:       time.Now().UTC(),
	}
	if err := m.store.CreateTicket(ctx, ticket); err != nil {
		return err
	}

	capability := capabilityOf(inc.Kind)
	extended := m.FallbackActive(capability)
	m.mu.Lock()
	// The newest ticket owns the fallback, so resolving a stale one does
	// not restore the capability early.
	m.fallbacks[capability] = ticket.ID
	m.mu.Unlock()

	action := "fallback.engaged"
	if extended {
		action = "fallback.extended"
	}
	m.ledger.MustAppend("escalation-manager", action, map[string]any{
		"capability": capability,
		"ticket_id":  ticket.ID,
	})
	m.ledger.MustAppend("escalation-manager", "escalation.created", ticket)
	m.logger.Warn("incident escalated to human channel",
		slog.String("ticket_id", ticket.ID),
		slog.String("incident_id", inc.ID),
		slog.String("reason", reason),
		slog.String("severity", string(inc.Severity)),
		slog.String("capability", capability))
	return nil
}

// Resolve closes a ticket. Fallback mode for the capability and any
// automation gate on the resource are lifted; with retry set the incident's
// failure is resubmitted for another remediation pass.
func (m *Manager) Resolve(ctx context.Context, ticketID, by string, retry bool) (models.EscalationTicket, error) {
	ticket, err := m.store.ResolveTicket(ctx, ticketID, by, time.Now().UTC())
	if err != nil {
		return models.EscalationTicket{}, err
	}
	inc, err := m.store.GetIncident(ctx, ticket.IncidentID)
	if err != nil {
		return models.EscalationTicket{}, err
	}

	capability := capabilityOf(inc.Kind)
	m.mu.Lock()
	if m.fallbacks[capability] == ticketID {
		delete(m.fallbacks, capability)
	}
	delete(m.disabled, inc.ResourceKey)
	resubmitter := m.resubmitter
	m.mu.Unlock()

	m.ledger.MustAppend("escalation-manager", "escalation.resolved", map[string]any{
		"ticket_id":   ticketID,
		"resolved_by": by,
		"retry":       retry,
	})
	m.logger.Info("escalation resolved",
		slog.String("ticket_id", ticketID),
		slog.String("resolved_by", by),
		slog.Bool("retry", retry))

	if retry && resubmitter != nil {
		if err := resubmitter.Resubmit(ctx, inc); err != nil {
			m.logger.Error("resubmit after resolve failed",
				slog.String("incident_id", inc.ID), slog.Any("error", err))
		}
	}
	return ticket, nil
}

// DisableAutomation gates automatic remediation for a resource until a
// human clears it through Resolve.
func (m *Manager) DisableAutomation(resourceKey, reason string) {
	m.mu.Lock()
	m.disabled[resourceKey] = reason
	m.mu.Unlock()
	m.ledger.MustAppend("escalation-manager", "automation.disabled", map[string]any{
		"resource_key": resourceKey,
		"reason":       reason,
	})
	m.logger.Error("automation disabled for resource",
		slog.String("resource_key", resourceKey),
		slog.String("reason", reason))
}

// AutomationDisabled reports whether automatic remediation is gated for the
// resource.
func (m *Manager) AutomationDisabled(resourceKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.disabled[resourceKey]
	return ok
}

// FallbackActive reports whether the capability is running degraded.
func (m *Manager) FallbackActive(capability string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.fallbacks[capability]
	return ok
}

// Fallbacks returns the capabilities currently in fallback mode with the
// ticket that degraded each.
func (m *Manager) Fallbacks() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.fallbacks))
	for capability, ticketID := range m.fallbacks {
		out[capability] = ticketID
	}
	return out
}

// capabilityOf maps a failure kind to its capability: the segment before the
// first dot, so "db.connection_lost" degrades "db".
func capabilityOf(kind string) string {
	if i := strings.IndexByte(kind, '.'); i > 0 {
		return kind[:i]
	}
	return kind
}

func suggestedSteps(pb *playbook.Playbook) []string {
	if pb == nil {
		return nil
	}
	steps := make([]string, 0, len(pb.Steps))
	for _, step := range pb.Steps {
		steps = append(steps, step.ActionID)
	}
	return steps
}
