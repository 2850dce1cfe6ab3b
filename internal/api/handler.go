// Package api exposes the registry, channel, ledger and workflow
// operations over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/channel"
	"github.com/nidhogg/courier/internal/fault"
	"github.com/nidhogg/courier/internal/ledger"
	"github.com/nidhogg/courier/internal/registry"
	"github.com/nidhogg/courier/internal/workflow"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry *registry.Registry
	channel  *channel.Channel
	ledger   *ledger.Ledger
	engine   *workflow.Engine
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(reg *registry.Registry, ch *channel.Channel, led *ledger.Ledger, eng *workflow.Engine, logger *zap.Logger) *Handler {
	return &Handler{
		registry: reg,
		channel:  ch,
		ledger:   led,
		engine:   eng,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Registry routes
		r.Post("/agents", h.registerAgent)
		r.Get("/agents", h.listAgents)
		r.Get("/agents/capable", h.findCapable)
		r.Get("/agents/{id}", h.getAgent)
		r.Put("/agents/{id}/status", h.setAgentStatus)
		r.Post("/agents/{id}/heartbeat", h.agentHeartbeat)
		r.Get("/agents/{id}/messages", h.agentMessages)

		// Channel routes
		r.Post("/messages", h.sendMessage)
		r.Get("/messages/{id}", h.getMessage)
		r.Post("/messages/{id}/ack", h.acknowledgeMessage)
		r.Get("/conversations/{correlationID}", h.getConversation)

		// Ledger routes
		r.Post("/tasks", h.createTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/assign", h.assignTask)
		r.Post("/tasks/{id}/start", h.startTask)
		r.Post("/tasks/{id}/complete", h.completeTask)
		r.Post("/tasks/{id}/fail", h.failTask)
		r.Post("/tasks/{id}/cancel", h.cancelTask)

		// Workflow routes
		r.Post("/workflows", h.createWorkflow)
		r.Get("/workflows", h.listWorkflows)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Post("/workflows/{id}/activate", h.activateWorkflow)
		r.Post("/workflows/{id}/pause", h.pauseWorkflow)
		r.Post("/workflows/{id}/resume", h.resumeWorkflow)
		r.Post("/workflows/{id}/versions", h.versionWorkflow)
		r.Post("/workflows/{id}/executions", h.startExecution)
		r.Get("/workflows/{id}/tasks", h.workflowTasks)
		r.Get("/executions/{id}", h.getExecution)
		r.Post("/executions/{id}/cancel", h.cancelExecution)
		r.Post("/executions/{id}/retry", h.retryExecution)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "courier"})
}

// --- registry ---

type registerAgentRequest struct {
	Name         string                         `json:"name"`
	Type         string                         `json:"type"`
	Capabilities map[string]registry.Capability `json:"capabilities"`
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	a, err := h.registry.Register(r.Context(), req.Name, registry.Type(req.Type), req.Capabilities)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) findCapable(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("capability")
	minConfidence := 0.0
	if raw := r.URL.Query().Get("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid min_confidence"})
			return
		}
		minConfidence = v
	}
	agents, err := h.registry.FindCapable(r.Context(), name, minConfidence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) setAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.registry.SetStatus(r.Context(), id, registry.Status(req.Status)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (h *Handler) agentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *Handler) agentMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = v
	}
	msgs, err := h.channel.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// --- channel ---

type sendMessageRequest struct {
	SenderID      string          `json:"sender_id"`
	RecipientID   string          `json:"recipient_id"`
	Type          string          `json:"type"`
	Priority      string          `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
	MaxRetries    int             `json:"max_retries"`
	TTLSeconds    int             `json:"ttl_seconds"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	m, err := h.channel.Send(r.Context(), channel.SendRequest{
		SenderID:      req.SenderID,
		RecipientID:   req.RecipientID,
		Type:          channel.Type(req.Type),
		Priority:      channel.Priority(req.Priority),
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
		MaxRetries:    req.MaxRetries,
		TTL:           secondsToDuration(req.TTLSeconds),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.channel.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type ackRequest struct {
	RecipientID string `json:"recipient_id"`
}

func (h *Handler) acknowledgeMessage(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.channel.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.RecipientID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.channel.Conversation(r.Context(), chi.URLParam(r, "correlationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// --- ledger ---

type createTaskRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    ledger.Priority `json:"priority"`
	WorkflowID  string          `json:"workflow_id"`
	StepOrder   int             `json:"step_order"`
	Context     json.RawMessage `json:"context"`
	Deadline    *time.Time      `json:"deadline"`
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	t, err := h.ledger.Create(r.Context(), ledger.CreateRequest{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		WorkflowID:  req.WorkflowID,
		StepOrder:   req.StepOrder,
		Context:     req.Context,
		Deadline:    req.Deadline,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type assignTaskRequest struct {
	AgentID string `json:"agent_id"`
}

func (h *Handler) assignTask(w http.ResponseWriter, r *http.Request) {
	var req assignTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.ledger.Assign(r.Context(), chi.URLParam(r, "id"), req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (h *Handler) startTask(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Start(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "in_progress"})
}

type completeTaskRequest struct {
	Result json.RawMessage `json:"result"`
}

func (h *Handler) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.ledger.Complete(r.Context(), chi.URLParam(r, "id"), req.Result); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

type failTaskRequest struct {
	Error string `json:"error"`
}

func (h *Handler) failTask(w http.ResponseWriter, r *http.Request) {
	var req failTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.ledger.Fail(r.Context(), chi.URLParam(r, "id"), req.Error); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- workflows ---

type createWorkflowRequest struct {
	Name  string          `json:"name"`
	Steps []workflow.Step `json:"steps"`
}

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	wf, err := h.engine.CreateWorkflow(r.Context(), req.Name, req.Steps)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := h.engine.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wfs)
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.engine.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *Handler) activateWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Activate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (h *Handler) pauseWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handler) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

type versionWorkflowRequest struct {
	Steps []workflow.Step `json:"steps"`
}

func (h *Handler) versionWorkflow(w http.ResponseWriter, r *http.Request) {
	var req versionWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	wf, err := h.engine.NewVersion(r.Context(), chi.URLParam(r, "id"), req.Steps)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

type startExecutionRequest struct {
	Context map[string]any `json:"context"`
}

func (h *Handler) startExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	exec, err := h.engine.Start(r.Context(), chi.URLParam(r, "id"), req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (h *Handler) workflowTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.ledger.ListByWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.engine.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type retryExecutionRequest struct {
	Step int `json:"step"`
}

func (h *Handler) retryExecution(w http.ResponseWriter, r *http.Request) {
	var req retryExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.engine.RetryFromStep(r.Context(), chi.URLParam(r, "id"), req.Step); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// writeError maps fault kinds to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.Validation:
		status = http.StatusUnprocessableEntity
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.State, fault.Conflict:
		status = http.StatusConflict
	case fault.Forbidden:
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
