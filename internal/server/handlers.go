package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/pmframework/internal/coordination"
	"github.com/dativo-io/pmframework/internal/hooks"
	"github.com/dativo-io/pmframework/internal/memory"
	"github.com/dativo-io/pmframework/internal/requestctx"
	"github.com/dativo-io/pmframework/internal/trigger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.app.Memory.ServiceHealth(r.Context())
	status := http.StatusOK
	if h.Status == memory.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":         h.Status,
		"uptime":         time.Since(s.startTime).String(),
		"memory":         h,
		"trigger_worker": s.app.Orchestrator.Running(),
		"enabled":        s.app.Orchestrator.Enabled(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"memory":  s.app.Memory.Metrics(),
		"trigger": s.app.Orchestrator.Metrics(),
		"hooks":   s.app.Hooks.Metrics(),
		"policy":  s.app.Policy.Stats(),
	})
}

// handleRecall serves GET /v1/recall?project=&operation=&k=v. Every other
// query parameter becomes operation context; top limits recommendations.
func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project, operation := q.Get("project"), q.Get("operation")
	if project == "" || operation == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "project and operation are required")
		return
	}
	opCtx := make(map[string]any)
	for k, vs := range q {
		switch k {
		case "project", "operation", "top":
			continue
		}
		if len(vs) > 0 {
			opCtx[k] = vs[0]
		}
	}

	res := s.app.Recaller.RecallForOperation(r.Context(), project, operation, opCtx)
	if top := q.Get("top"); top != "" {
		n, err := strconv.Atoi(top)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "top must be a non-negative integer")
			return
		}
		res.Recommendations = res.Recommendations.Top(n)
	}
	writeJSON(w, http.StatusOK, res)
}

type hookRequest struct {
	Project   string         `json:"project"`
	Source    string         `json:"source"`
	Operation string         `json:"operation"`
	EventID   string         `json:"event_id"`
	Tags      []string       `json:"tags"`
	Metadata  map[string]any `json:"metadata"`
	Params    map[string]any `json:"params"`
}

// handleHook fires a named hook. Queued events answer 202, immediate writes
// 201 and skips 200 with the skip reason.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req hookRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "project is required")
		return
	}
	if req.Source == "" {
		req.Source = "http"
	}
	if caller := requestctx.Caller(r.Context()); caller != "" {
		if req.Metadata == nil {
			req.Metadata = make(map[string]any, 1)
		}
		req.Metadata["caller"] = caller
	}

	res, err := s.app.Hooks.Fire(r.Context(), name, hooks.HookContext{
		Project:   req.Project,
		Source:    req.Source,
		Operation: req.Operation,
		EventID:   req.EventID,
		Tags:      req.Tags,
		Metadata:  req.Metadata,
	}, req.Params)
	if errors.Is(err, hooks.ErrUnknownHook) {
		writeError(w, http.StatusNotFound, "unknown_hook", err.Error())
		return
	}
	writeJSON(w, hookStatus(res), res)
}

func hookStatus(res trigger.Result) int {
	switch {
	case res.Err != "":
		return http.StatusServiceUnavailable
	case res.Skipped():
		return http.StatusOK
	case res.Queued:
		return http.StatusAccepted
	default:
		return http.StatusCreated
	}
}

type memoryRequest struct {
	Project  string         `json:"project"`
	Content  string         `json:"content"`
	Category string         `json:"category"`
	Tags     []string       `json:"tags"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleMemoryAdd(w http.ResponseWriter, r *http.Request) {
	var req memoryRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Project == "" || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "project and content are required")
		return
	}
	if req.Category != "" && !memory.IsValidCategory(req.Category) {
		writeError(w, http.StatusBadRequest, "invalid_request", "category must be one of "+strings.Join(memory.ValidCategories(), ", "))
		return
	}
	id, err := s.app.Memory.AddMemory(r.Context(), req.Project, req.Content, req.Category, req.Tags, req.Metadata)
	if err != nil {
		log.Warn().Err(err).Str("project", req.Project).Msg("http_memory_add_failed")
		writeError(w, http.StatusServiceUnavailable, "memory_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "backend": s.app.Memory.ActiveBackend()})
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project := q.Get("project")
	if project == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "project is required")
		return
	}
	query := memory.Query{Text: q.Get("q"), Category: q.Get("category"), Tags: q["tag"]}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		query.Limit = n
	}
	items, err := s.app.Memory.SearchMemories(r.Context(), project, query)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "memory_unavailable", err.Error())
		return
	}
	if items == nil {
		items = []memory.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

type workflowRequest struct {
	Project string   `json:"project"`
	Command string   `json:"command"`
	Steps   []string `json:"steps"`
}

func (s *Server) handleWorkflowStart(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := s.app.Tracker.StartWorkflow(req.Project, req.Command, req.Steps)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.app.Tracker.Active()})
}

type stepRequest struct {
	Step    string `json:"step"`
	Agent   string `json:"agent"`
	Success bool   `json:"success"`
	Note    string `json:"note"`
}

func (s *Server) handleWorkflowStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Step == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "step is required")
		return
	}
	if err := s.app.Tracker.RecordStep(chi.URLParam(r, "id"), req.Step, req.Agent, req.Success, req.Note); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeRequest struct {
	Success bool           `json:"success"`
	Results map[string]any `json:"results"`
}

func (s *Server) handleWorkflowComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.app.Tracker.Complete(r.Context(), chi.URLParam(r, "id"), req.Success, req.Results)
	if errors.Is(err, coordination.ErrUnknownWorkflow) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, hookStatus(res), res)
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req coordination.HandoffContext
	if !decode(w, r, &req) {
		return
	}
	h, err := s.app.Tracker.Handoff(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h)
}
