// Package store provides the durable incident & task registry backed by
// SQLite. Incidents, execution records, and escalation tickets survive
// restarts; terminal incidents are archived, never deleted.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opsmend/remedy-engine/internal/models"
	"github.com/opsmend/remedy-engine/internal/utils"
)

// ErrNotFound signals a missing incident or ticket.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition signals a state-machine violation.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store wraps the SQLite handle. SQLite works best with a single writer, so
// the pool is pinned to one connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the registry database at path.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise registry schema: %w", err)
	}

	logger.Info("incident registry open", slog.String("path", path))
	return store, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	resource_key TEXT NOT NULL,
	kind TEXT NOT NULL,
	severity TEXT NOT NULL,
	status TEXT NOT NULL,
	detected_at INTEGER NOT NULL,
	resolved_at INTEGER,
	playbook_id TEXT NOT NULL DEFAULT '',
	playbook_version INTEGER NOT NULL DEFAULT 0,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	coalesced_count INTEGER NOT NULL DEFAULT 0,
	mttr_seconds REAL NOT NULL DEFAULT 0,
	context TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_incidents_resource ON incidents(resource_key, detected_at);
CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL,
	playbook_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	dry_run INTEGER NOT NULL DEFAULT 0,
	step_results TEXT NOT NULL DEFAULT '[]',
	started_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL,
	success INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_executions_incident ON executions(incident_id, attempt);

CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	severity TEXT NOT NULL,
	suggested_steps TEXT NOT NULL DEFAULT '[]',
	fallback_enabled INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	resolved_at INTEGER,
	resolved_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tickets_incident ON tickets(incident_id);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateIncident persists a freshly detected incident.
func (s *Store) CreateIncident(ctx context.Context, inc models.Incident) error {
	contextJSON, err := json.Marshal(orEmptyMap(inc.Context))
	if err != nil {
		return fmt.Errorf("marshal incident context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO incidents (id, resource_key, kind, severity, status, detected_at, playbook_id, playbook_version, attempt_count, coalesced_count, context)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.ResourceKey, inc.Kind, string(inc.Severity), string(inc.Status),
		inc.DetectedAt.UnixNano(), inc.PlaybookID, inc.PlaybookVersion,
		inc.AttemptCount, inc.CoalescedCount, string(contextJSON))
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// GetIncident fetches one incident by ID.
func (s *Store) GetIncident(ctx context.Context, id string) (models.Incident, error) {
	row := s.db.QueryRowContext(ctx, incidentSelect+` WHERE id = ?`, id)
	return scanIncident(row)
}

// ListActive returns incidents that have not reached a terminal state,
// oldest first.
func (s *Store) ListActive(ctx context.Context) ([]models.Incident, error) {
	rows, err := s.db.QueryContext(ctx, incidentSelect+`
 WHERE status NOT IN (?, ?, ?) ORDER BY detected_at`,
		string(models.StatusResolved), string(models.StatusEscalated), string(models.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list active incidents: %w", err)
	}
	defer rows.Close()
	return collectIncidents(rows)
}

// ListByStatus returns incidents with the given status, newest first. An
// empty status lists everything.
func (s *Store) ListByStatus(ctx context.Context, status models.IncidentStatus) ([]models.Incident, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, incidentSelect+` ORDER BY detected_at DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, incidentSelect+` WHERE status = ? ORDER BY detected_at DESC`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()
	return collectIncidents(rows)
}

// History returns every incident ever opened for a resource key, newest
// first, optionally bounded by since.
func (s *Store) History(ctx context.Context, resourceKey string, since time.Time) ([]models.Incident, error) {
	rows, err := s.db.QueryContext(ctx, incidentSelect+`
 WHERE resource_key = ? AND detected_at >= ? ORDER BY detected_at DESC`,
		resourceKey, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("incident history: %w", err)
	}
	defer rows.Close()
	return collectIncidents(rows)
}

// FindOpenByKey returns the non-terminal incident for a resource key, if one
// exists. The trigger engine uses this for debounce coalescing.
func (s *Store) FindOpenByKey(ctx context.Context, resourceKey string) (models.Incident, bool, error) {
	row := s.db.QueryRowContext(ctx, incidentSelect+`
 WHERE resource_key = ? AND status NOT IN (?, ?, ?) ORDER BY detected_at LIMIT 1`,
		resourceKey,
		string(models.StatusResolved), string(models.StatusEscalated), string(models.StatusFailed))
	inc, err := scanIncident(row)
	if errors.Is(err, ErrNotFound) {
		return models.Incident{}, false, nil
	}
	if err != nil {
		return models.Incident{}, false, err
	}
	return inc, true, nil
}

// Transition moves an incident through its state machine, rejecting skipped
// states. Reaching resolved computes and persists mttr_seconds.
func (s *Store) Transition(ctx context.Context, id string, to models.IncidentStatus, at time.Time) (models.Incident, error) {
	inc, err := s.GetIncident(ctx, id)
	if err != nil {
		return models.Incident{}, err
	}
	if !models.CanTransition(inc.Status, to) {
		return models.Incident{}, fmt.Errorf("incident %s: %s -> %s: %w", id, inc.Status, to, ErrInvalidTransition)
	}

	if to == models.StatusResolved {
		mttr := utils.DurationSeconds(inc.DetectedAt, at)
		_, err = s.db.ExecContext(ctx,
			`UPDATE incidents SET status = ?, resolved_at = ?, mttr_seconds = ? WHERE id = ?`,
			string(to), at.UnixNano(), mttr, id)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE incidents SET status = ? WHERE id = ?`, string(to), id)
	}
	if err != nil {
		return models.Incident{}, fmt.Errorf("update incident status: %w", err)
	}
	return s.GetIncident(ctx, id)
}

// IncrementCoalesced bumps the coalesce counter by delta.
func (s *Store) IncrementCoalesced(ctx context.Context, id string, delta int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET coalesced_count = coalesced_count + ? WHERE id = ?`, delta, id)
	if err != nil {
		return fmt.Errorf("increment coalesced count: %w", err)
	}
	return requireRow(res)
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET attempt_count = attempt_count + 1 WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("increment attempt count: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT attempt_count FROM incidents WHERE id = ?`, id).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

// AppendExecution persists one remediation attempt.
func (s *Store) AppendExecution(ctx context.Context, rec models.ExecutionRecord) error {
	steps, err := json.Marshal(rec.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO executions (id, incident_id, playbook_id, attempt, dry_run, step_results, started_at, completed_at, success)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.IncidentID, rec.PlaybookID, rec.Attempt, boolToInt(rec.DryRun),
		string(steps), rec.StartedAt.UnixNano(), rec.CompletedAt.UnixNano(), boolToInt(rec.Success))
	if err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}

// ListExecutions returns every attempt for an incident in attempt order.
func (s *Store) ListExecutions(ctx context.Context, incidentID string) ([]models.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, incident_id, playbook_id, attempt, dry_run, step_results, started_at, completed_at, success
FROM executions WHERE incident_id = ? ORDER BY attempt, started_at`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var records []models.ExecutionRecord
	for rows.Next() {
		var (
			rec                    models.ExecutionRecord
			dryRun, success        int
			stepsJSON              string
			startedAt, completedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.IncidentID, &rec.PlaybookID, &rec.Attempt,
			&dryRun, &stepsJSON, &startedAt, &completedAt, &success); err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		if err := json.Unmarshal([]byte(stepsJSON), &rec.StepResults); err != nil {
			return nil, fmt.Errorf("unmarshal step results: %w", err)
		}
		rec.DryRun = dryRun != 0
		rec.Success = success != 0
		rec.StartedAt = time.Unix(0, startedAt)
		rec.CompletedAt = time.Unix(0, completedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateTicket persists an escalation ticket.
func (s *Store) CreateTicket(ctx context.Context, ticket models.EscalationTicket) error {
	steps, err := json.Marshal(orEmptySlice(ticket.SuggestedSteps))
	if err != nil {
		return fmt.Errorf("marshal suggested steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tickets (id, incident_id, reason, severity, suggested_steps, fallback_enabled, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ticket.ID, ticket.IncidentID, ticket.Reason, string(ticket.Severity),
		string(steps), boolToInt(ticket.FallbackEnabled), ticket.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

// GetTicket fetches one ticket by ID.
func (s *Store) GetTicket(ctx context.Context, id string) (models.EscalationTicket, error) {
	row := s.db.QueryRowContext(ctx, ticketSelect+` WHERE id = ?`, id)
	return scanTicket(row)
}

// ListTickets returns tickets, optionally only unresolved ones, newest first.
func (s *Store) ListTickets(ctx context.Context, openOnly bool) ([]models.EscalationTicket, error) {
	query := ticketSelect + ` ORDER BY created_at DESC`
	if openOnly {
		query = ticketSelect + ` WHERE resolved_at IS NULL ORDER BY created_at DESC`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []models.EscalationTicket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

// ResolveTicket marks a ticket resolved and returns the updated record.
func (s *Store) ResolveTicket(ctx context.Context, id, by string, at time.Time) (models.EscalationTicket, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET resolved_at = ?, resolved_by = ? WHERE id = ? AND resolved_at IS NULL`,
		at.UnixNano(), by, id)
	if err != nil {
		return models.EscalationTicket{}, fmt.Errorf("resolve ticket: %w", err)
	}
	if err := requireRow(res); err != nil {
		return models.EscalationTicket{}, err
	}
	return s.GetTicket(ctx, id)
}

const incidentSelect = `
SELECT id, resource_key, kind, severity, status, detected_at, resolved_at,
       playbook_id, playbook_version, attempt_count, coalesced_count, mttr_seconds, context
FROM incidents`

const ticketSelect = `
SELECT id, incident_id, reason, severity, suggested_steps, fallback_enabled, created_at, resolved_at, resolved_by
FROM tickets`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (models.Incident, error) {
	var (
		inc         models.Incident
		severity    string
		status      string
		detectedAt  int64
		resolvedAt  sql.NullInt64
		contextJSON string
	)
	err := row.Scan(&inc.ID, &inc.ResourceKey, &inc.Kind, &severity, &status,
		&detectedAt, &resolvedAt, &inc.PlaybookID, &inc.PlaybookVersion,
		&inc.AttemptCount, &inc.CoalescedCount, &inc.MTTRSeconds, &contextJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Incident{}, ErrNotFound
	}
	if err != nil {
		return models.Incident{}, fmt.Errorf("scan incident: %w", err)
	}
	inc.Severity = models.Severity(severity)
	inc.Status = models.IncidentStatus(status)
	inc.DetectedAt = time.Unix(0, detectedAt)
	if resolvedAt.Valid {
		t := time.Unix(0, resolvedAt.Int64)
		inc.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(contextJSON), &inc.Context); err != nil {
		return models.Incident{}, fmt.Errorf("unmarshal incident context: %w", err)
	}
	return inc, nil
}

func collectIncidents(rows *sql.Rows) ([]models.Incident, error) {
	var incidents []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func scanTicket(row rowScanner) (models.EscalationTicket, error) {
	var (
		ticket     models.EscalationTicket
		severity   string
		stepsJSON  string
		fallback   int
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&ticket.ID, &ticket.IncidentID, &ticket.Reason, &severity,
		&stepsJSON, &fallback, &createdAt, &resolvedAt, &ticket.ResolvedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EscalationTicket{}, ErrNotFound
	}
	if err != nil {
		return models.EscalationTicket{}, fmt.Errorf("scan ticket: %w", err)
	}
	ticket.Severity = models.Severity(severity)
	ticket.FallbackEnabled = fallback != 0
	ticket.CreatedAt = time.Unix(0, createdAt)
	if resolvedAt.Valid {
		t := time.Unix(0, resolvedAt.Int64)
		ticket.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(stepsJSON), &ticket.SuggestedSteps); err != nil {
		return models.EscalationTicket{}, fmt.Errorf("unmarshal suggested steps: %w", err)
	}
	return ticket, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
