package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsmend/remedy-engine/internal/executor"
	"github.com/opsmend/remedy-engine/internal/metrics"
	"github.com/opsmend/remedy-engine/internal/models"
	"github.com/opsmend/remedy-engine/internal/playbook"
	"github.com/opsmend/remedy-engine/internal/store"
	"github.com/opsmend/remedy-engine/internal/utils"
)

// IncidentReader is the store surface the read endpoints need.
type IncidentReader interface {
	GetIncident(ctx context.Context, id string) (models.Incident, error)
	ListActive(ctx context.Context) ([]models.Incident, error)
	ListByStatus(ctx context.Context, status models.IncidentStatus) ([]models.Incident, error)
	History(ctx context.Context, resourceKey string, since time.Time) ([]models.Incident, error)
	ListExecutions(ctx context.Context, incidentID string) ([]models.ExecutionRecord, error)
	ListTickets(ctx context.Context, openOnly bool) ([]models.EscalationTicket, error)
}

// Controller is the executor surface the control endpoints need.
type Controller interface {
	Approve(incidentID string) error
	Abort(incidentID string) error
	DryRun(ctx context.Context, pb *playbook.Playbook, resourceKey string, params map[string]string) []models.StepResult
}

// Escalations is the escalation-manager surface the ticket endpoints need.
type Escalations interface {
	Resolve(ctx context.Context, ticketID, by string, retry bool) (models.EscalationTicket, error)
	Fallbacks() map[string]string
}

// LogIngester accepts raw log lines for a named pattern watcher. May be nil
// when no watchers are configured.
type LogIngester interface {
	IngestLogs(source string, lines []string) error
}

// LockTable is the lock-manager surface the status endpoint needs.
type LockTable interface {
	Held(resourceKey string) bool
	QueueLen(resourceKey string) int
}

// Handlers groups the HTTP handlers and their dependencies.
type Handlers struct {
	store       IncidentReader
	registry    *playbook.Registry
	controller  Controller
	escalations Escalations
	publisher   *metrics.Publisher
	logs        LogIngester
	locks       LockTable
}

// NewHandlers constructs the handler set.
func NewHandlers(
	incidentStore IncidentReader,
	registry *playbook.Registry,
	controller Controller,
	escalations Escalations,
	publisher *metrics.Publisher,
	logs LogIngester,
	lockTable LockTable,
) *Handlers {
	return &Handlers{
		store:       incidentStore,
		registry:    registry,
		controller:  controller,
		escalations: escalations,
		publisher:   publisher,
		logs:        logs,
		locks:       lockTable,
	}
}

// Register attaches all routes to the router.
func (h *Handlers) Register(router *gin.Engine) {
	router.GET("/healthz", h.healthz)

	v1 := router.Group("/api/v1")
	v1.GET("/incidents", h.listIncidents)
	v1.GET("/incidents/:id", h.getIncident)
	v1.POST("/incidents/:id/approve", h.approveIncident)
	v1.POST("/incidents/:id/abort", h.abortIncident)
	v1.GET("/history/*resourceKey", h.incidentHistory)
	v1.GET("/playbooks", h.listPlaybooks)
	v1.POST("/playbooks/:id/dry-run", h.dryRunPlaybook)
	v1.GET("/escalations", h.listEscalations)
	v1.POST("/escalations/:id/resolve", h.resolveEscalation)
	v1.GET("/fallbacks", h.listFallbacks)
	v1.GET("/metrics/mttr", h.mttrReport)
	v1.POST("/ingest/logs", h.ingestLogs)
	v1.GET("/locks/*resourceKey", h.lockStatus)
}

func (h *Handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) listIncidents(c *gin.Context) {
	var (
		incidents []models.Incident
		err       error
	)
	if status := c.Query("status"); status != "" {
		incidents, err = h.store.ListByStatus(c.Request.Context(), models.IncidentStatus(status))
	} else {
		incidents, err = h.store.ListActive(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

func (h *Handlers) getIncident(c *gin.Context) {
	id := c.Param("id")
	inc, err := h.store.GetIncident(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	execs, err := h.store.ListExecutions(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident": inc, "executions": execs})
}

func (h *Handlers) approveIncident(c *gin.Context) {
	if err := h.controller.Approve(c.Param("id")); err != nil {
		if errors.Is(err, executor.ErrNoPendingApproval) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

func (h *Handlers) abortIncident(c *gin.Context) {
	if err := h.controller.Abort(c.Param("id")); err != nil {
		if errors.Is(err, executor.ErrNotInFlight) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborted"})
}

func (h *Handlers) incidentHistory(c *gin.Context) {
	resourceKey := strings.TrimPrefix(c.Param("resourceKey"), "/")
	since := time.Time{}
	if raw := c.Query("since"); raw != "" {
		parsed, err := utils.ParseRFC3339(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		since = parsed
	}
	incidents, err := h.store.History(c.Request.Context(), resourceKey, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

type playbookSummary struct {
	ID       string                `json:"id"`
	Name     string                `json:"name"`
	Version  int                   `json:"version"`
	Tier     playbook.AutonomyTier `json:"autonomy_tier"`
	Priority int                   `json:"priority"`
	Steps    int                   `json:"steps"`
}

func (h *Handlers) listPlaybooks(c *gin.Context) {
	books := h.registry.List()
	summaries := make([]playbookSummary, 0, len(books))
	for _, pb := range books {
		summaries = append(summaries, playbookSummary{
			ID:       pb.ID,
			Name:     pb.Name,
			Version:  pb.Version,
			Tier:     pb.Tier,
			Priority: pb.Priority,
			Steps:    len(pb.Steps),
		})
	}
	c.JSON(http.StatusOK, gin.H{"playbooks": summaries, "count": len(summaries)})
}

type dryRunRequest struct {
	ResourceKey string            `json:"resource_key"`
	Params      map[string]string `json:"params"`
}

func (h *Handlers) dryRunPlaybook(c *gin.Context) {
	pb, ok := h.registry.Latest(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "playbook not found"})
		return
	}
	var req dryRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results := h.controller.DryRun(c.Request.Context(), pb, req.ResourceKey, req.Params)
	c.JSON(http.StatusOK, gin.H{
		"playbook": pb.ID,
		"version":  pb.Version,
		"steps":    results,
	})
}

func (h *Handlers) listEscalations(c *gin.Context) {
	openOnly := c.Query("open") == "true"
	tickets, err := h.store.ListTickets(c.Request.Context(), openOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalations": tickets, "count": len(tickets)})
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by" binding:"required"`
	Retry      bool   `json:"retry"`
}

func (h *Handlers) resolveEscalation(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ticket, err := h.escalations.Resolve(c.Request.Context(), c.Param("id"), req.ResolvedBy, req.Retry)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": ticket})
}

func (h *Handlers) listFallbacks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"fallbacks": h.escalations.Fallbacks()})
}

func (h *Handlers) mttrReport(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"playbooks": h.publisher.Snapshot()})
}

type ingestRequest struct {
	Source string   `json:"source" binding:"required"`
	Lines  []string `json:"lines" binding:"required"`
}

func (h *Handlers) ingestLogs(c *gin.Context) {
	if h.logs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no log watchers configured"})
		return
	}
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.logs.IngestLogs(req.Source, req.Lines); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(req.Lines)})
}

func (h *Handlers) lockStatus(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("resourceKey"), "/")
	c.JSON(http.StatusOK, gin.H{
		"resource_key": key,
		"held":         h.locks.Held(key),
		"queue_len":    h.locks.QueueLen(key),
	})
}
