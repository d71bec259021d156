// Package httpapi exposes the control plane's HTTP surface (spec.md
// section 6): run creation/preview/listing, the run timeline and SSE
// stream, gate creation/approval/waiver, and the step retry endpoint.
// Adapted from the teacher's internal/app/httpapi/handler.go: a single
// handler struct registering routes on a gorilla/mux router, with the same
// decodeJSON/writeJSON/writeError helper shapes.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/runcontrol/internal/apperr"
	"github.com/R3E-Network/runcontrol/internal/engine"
	"github.com/R3E-Network/runcontrol/internal/metrics"
	"github.com/R3E-Network/runcontrol/internal/queue"
	"github.com/R3E-Network/runcontrol/internal/store"
	"github.com/R3E-Network/runcontrol/internal/value"
	"github.com/R3E-Network/runcontrol/pkg/logger"
)

// Handler bundles the control plane's core dependencies behind the HTTP
// surface. It implements http.Handler via its embedded router.
type Handler struct {
	router  *mux.Router
	engine  *engine.Engine
	store   store.Store
	queue   queue.Queue
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewHandler builds a Handler and registers spec.md section 6's route
// table.
func NewHandler(eng *engine.Engine, st store.Store, q queue.Queue, m *metrics.Metrics, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &Handler{router: mux.NewRouter(), engine: eng, store: st, queue: q, metrics: m, log: log}

	h.router.Use(recoveryMiddleware(log))
	h.router.Use(loggingMiddleware(log))
	if m != nil {
		h.router.Use(metricsMiddleware("controlplane", m))
	}

	h.router.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	h.router.HandleFunc("/readyz", h.handleReadyz).Methods(http.MethodGet)

	h.router.HandleFunc("/runs", h.handleCreateRun).Methods(http.MethodPost)
	h.router.HandleFunc("/runs/preview", h.handlePreviewRun).Methods(http.MethodPost)
	h.router.HandleFunc("/runs", h.handleListRuns).Methods(http.MethodGet)
	h.router.HandleFunc("/runs/{id}", h.handleGetRun).Methods(http.MethodGet)
	h.router.HandleFunc("/runs/{id}/timeline", h.handleGetTimeline).Methods(http.MethodGet)
	h.router.HandleFunc("/runs/{id}/stream", h.handleStreamRun).Methods(http.MethodGet)
	h.router.HandleFunc("/runs/{runId}/steps/{stepId}/retry", h.handleRetryStep).Methods(http.MethodPost)

	h.router.HandleFunc("/gates", h.handleCreateGate).Methods(http.MethodPost)
	h.router.HandleFunc("/gates/{id}/approve", h.handleApproveGate).Methods(http.MethodPost)
	h.router.HandleFunc("/gates/{id}/waive", h.handleWaiveGate).Methods(http.MethodPost)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports whether the store backing the process is reachable.
func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.ListRuns(r.Context(), 1, ""); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// createRunRequest accepts either of spec.md 6's two submission shapes. Both
// are treated identically: no plan-generation mechanism is part of the
// core's contract, so `standard` is read as an alias for `plan` (see
// DESIGN.md).
type createRunRequest struct {
	Plan      json.RawMessage `json:"plan"`
	Standard  json.RawMessage `json:"standard"`
	ProjectID string          `json:"projectId"`
}

func (req createRunRequest) planBody() json.RawMessage {
	if len(req.Plan) > 0 {
		return req.Plan
	}
	return req.Standard
}

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body := req.planBody()
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, apperr.Validation("body must contain \"plan\" or \"standard\""))
		return
	}

	user := userFromRequest(r)
	run, plan, err := h.engine.CreateRun(r.Context(), value.New(body), req.ProjectID, user)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	// Materialisation runs asynchronously: CreateRun has already responded
	// synchronously with the queued run, per spec.md 4.E's optimistic
	// creation contract. Any failure surfaces on the timeline, not here.
	go h.engine.MaterializeSteps(context.Background(), run, plan)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":        run.ID,
		"status":    run.Status,
		"projectId": run.ProjectID,
	})
}

func (h *Handler) handlePreviewRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body := req.planBody()
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, apperr.Validation("body must contain \"plan\" or \"standard\""))
		return
	}

	plan, err := h.engine.PreviewPlan(value.New(body))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), DefaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	projectID := r.URL.Query().Get("projectId")

	runs, err := h.store.ListRuns(r.Context(), limit, projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":       runs,
		"pagination": map[string]interface{}{"limit": limit, "count": len(runs)},
	})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.store.GetRun(r.Context(), id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, apperr.NotFound("run", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	steps, err := h.store.ListStepsByRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	artifacts, err := h.store.ListArtifactsByRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":       run,
		"steps":     steps,
		"artifacts": artifacts,
	})
}

func (h *Handler) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.store.GetRun(r.Context(), id); err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, apperr.NotFound("run", id))
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}

	events, err := h.store.ListEvents(r.Context(), id, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// sseKeepAlive is spec.md 6's fixed ping interval for GET /runs/:id/stream.
const sseKeepAlive = 30 * time.Second

// handleStreamRun implements the text/event-stream contract of spec.md 6:
// an initial "connected" event, a 30s ping keepalive, and live event push
// for the run's timeline until the client disconnects. Event delivery is
// driven by subscribing to the queue's event.out topic (internal/queue);
// the worker/engine publish each RecordEvent call there (wiring in
// cmd/controlplane).
func (h *Handler) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.store.GetRun(r.Context(), id); err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, apperr.NotFound("run", id))
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "connected", map[string]string{"runId": id})
	flusher.Flush()

	jobs := make(chan queue.Job, 16)
	unsubscribe, err := h.queue.Subscribe(r.Context(), queue.TopicEventOut, func(_ context.Context, job queue.Job) error {
		select {
		case jobs <- job:
		default:
			// Slow consumer: drop rather than block the publisher: SSE fan-out
			// is best-effort, the durable record is the timeline itself.
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	defer unsubscribe()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeSSE(w, "ping", map[string]string{})
			flusher.Flush()
		case job := <-jobs:
			if eventBelongsToRun(job.Payload, id) {
				writeSSE(w, "event", job.Payload)
				flusher.Flush()
			}
		}
	}
}

func eventBelongsToRun(payload value.Value, runID string) bool {
	if !payload.Get("runId").Exists() {
		return true
	}
	return payload.Get("runId").String() == runID
}

func writeSSE(w http.ResponseWriter, event string, data interface{}) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + event + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(encoded)
	_, _ = w.Write([]byte("\n\n"))
}

type createGateRequest struct {
	RunID    string `json:"run_id"`
	StepID   string `json:"step_id"`
	GateType string `json:"gate_type"`
}

func (h *Handler) handleCreateGate(w http.ResponseWriter, r *http.Request) {
	var req createGateRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.RunID == "" || req.GateType == "" {
		writeError(w, http.StatusBadRequest, apperr.Validation("run_id and gate_type are required"))
		return
	}
	if _, err := h.store.GetRun(r.Context(), req.RunID); err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, apperr.NotFound("run", req.RunID))
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}

	gate, err := h.store.CreateOrGetGate(r.Context(), req.RunID, req.StepID, req.GateType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	if gate.Status == store.GatePending {
		_, _ = h.store.RecordEvent(r.Context(), req.RunID, "gate.created", value.Null, req.StepID)
	}
	writeJSON(w, http.StatusCreated, gate)
}

type resolveGateRequest struct {
	ApprovedBy string `json:"approved_by"`
	Reason     string `json:"reason"`
}

func (h *Handler) handleApproveGate(w http.ResponseWriter, r *http.Request) {
	h.resolveGate(w, r, store.GateApproved)
}

func (h *Handler) handleWaiveGate(w http.ResponseWriter, r *http.Request) {
	h.resolveGate(w, r, store.GateWaived)
}

func (h *Handler) resolveGate(w http.ResponseWriter, r *http.Request, status store.GateStatus) {
	id := mux.Vars(r)["id"]
	var req resolveGateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	gate, err := h.engine.Executor().ResolveGate(r.Context(), id, status, req.ApprovedBy, req.Reason)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, apperr.NotFound("gate", id))
		return
	}
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gate)
}

func (h *Handler) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	step, err := h.engine.RetryStep(r.Context(), vars["runId"], vars["stepId"])
	if err != nil {
		se := apperr.As(err)
		if se != nil {
			writeError(w, se.HTTPStatus, err)
			return
		}
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

// userFromRequest reads the caller identity an external auth layer is
// expected to have already validated (spec.md 6: "Authentication is an
// external collaborator; the core requires only userId and userTier"). The
// header names are this repo's stand-in for whatever the real gateway
// injects after authentication.
func userFromRequest(r *http.Request) store.UserMeta {
	tier := r.Header.Get("X-User-Tier")
	if tier == "" {
		tier = "free"
	}
	return store.UserMeta{UserID: r.Header.Get("X-User-Id"), UserTier: tier}
}

// respondErr writes err's classified status and message, except that any
// 500 is flattened to the generic errInternal message with the real error
// logged, per spec.md 7's "client-facing responses never include raw
// internal messages for 500s" rule.
func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.WithFields(map[string]interface{}{"path": r.URL.Path, "error": err.Error()}).Error("request failed")
		writeError(w, status, errInternal)
		return
	}
	writeError(w, status, err)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
