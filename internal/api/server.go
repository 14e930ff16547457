// Package api exposes the scheduler over HTTP for host processes and
// operators.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"execguard/internal/domain"
	"execguard/internal/maintenance"
	"execguard/internal/metrics"
	"execguard/internal/risk"
	"execguard/internal/scheduler"
	"execguard/internal/snapshot"
)

type Server struct {
	r     *chi.Mux
	sched *scheduler.Scheduler
	maint *maintenance.Service
}

type Options struct {
	Scheduler *scheduler.Scheduler
	// Maintenance is optional; it backs GET /api/maintenance.
	Maintenance *maintenance.Service
	// Debug mounts pprof under /debug/pprof.
	Debug bool
}

func NewServer(sched *scheduler.Scheduler) http.Handler {
	return NewServerWithOptions(Options{Scheduler: sched})
}

func NewServerWithOptions(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, sched: opts.Scheduler, maint: opts.Maintenance}

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler(metrics.NewRegistry(opts.Scheduler.Metrics())))

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.cancelTask)
		r.Post("/batches", s.executeBatch)

		r.Get("/circuits", s.listCircuits)
		r.Get("/circuits/{scope}", s.getCircuit)
		r.Post("/circuits/{scope}/trip", s.tripCircuit)
		r.Post("/circuits/{scope}/reset", s.resetCircuit)

		r.Get("/resources", s.resources)
		r.Get("/debug", s.debug)
		r.Post("/dedup/reset", s.resetDedup)
		r.Get("/events", s.events)
		r.Get("/sessions/{id}", s.getSession)
		r.Get("/maintenance", s.maintenanceJobs)
		r.Post("/classify", s.classify)

		r.Route("/snapshots", func(r chi.Router) {
			r.Use(s.requireSnapshots)
			r.Post("/", s.createSnapshot)
			r.Get("/", s.listSnapshots)
			r.Get("/{id}", s.getSnapshot)
			r.Delete("/{id}", s.deleteSnapshot)
			r.Post("/{id}/restore", s.restoreSnapshot)
			r.Post("/{id}/pin", s.pinSnapshot)
		})
	})

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.sched.HealthCheck()
	code := http.StatusOK
	if h.Status == scheduler.HealthDown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

// TaskRequest is the JSON form of a task submission.
type TaskRequest struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Session  string            `json:"session,omitempty"`
	Priority string            `json:"priority,omitempty"`
	// MaxRetries defaults to retry.max_retries when omitted.
	MaxRetries *int   `json:"max_retries,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	// Flags are the agent's command-line flags, e.g. --dry-run.
	Flags []string `json:"flags,omitempty"`
	// Track lists workspace paths to checkpoint before risky commands.
	Track []string `json:"track,omitempty"`
	Scope string   `json:"scope,omitempty"`
}

func (s *Server) toTask(req TaskRequest) (domain.Task, error) {
	p, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return domain.Task{}, err
	}
	cfg, _ := s.sched.Config()
	t := domain.Task{
		Command:    req.Command,
		Args:       req.Args,
		Cwd:        req.Cwd,
		Env:        req.Env,
		Session:    req.Session,
		Scope:      req.Scope,
		Flags:      req.Flags,
		Priority:   p,
		MaxRetries: cfg.Retry.MaxRetries,
		Track:      req.Track,
	}
	if req.MaxRetries != nil {
		t.MaxRetries = *req.MaxRetries
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return domain.Task{}, fmt.Errorf("%w: timeout: %v", domain.ErrValidation, err)
		}
		t.Timeout = d
	}
	return t, nil
}

type submitReq struct {
	TaskRequest
	// Wait blocks the response until the task finishes.
	Wait bool `json:"wait,omitempty"`
}

type submitResp struct {
	scheduler.Submission
	Result *domain.TaskResult `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	task, err := s.toTask(req.TaskRequest)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	sub, err := s.sched.Submit(r.Context(), task)
	switch {
	case errors.Is(err, domain.ErrValidation):
		http.Error(w, err.Error(), 400)
		return
	case errors.Is(err, domain.ErrAdmissionDenied):
		writeJSON(w, http.StatusForbidden, submitResp{Submission: sub, Error: err.Error()})
		return
	case err != nil:
		http.Error(w, err.Error(), 500)
		return
	}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, submitResp{Submission: sub})
		return
	}
	res, err := s.sched.Wait(r.Context(), sub.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	if sub.DuplicateOf != "" {
		res.DuplicateOf = sub.DuplicateOf
	}
	sub.Status = res.Status
	writeJSON(w, http.StatusOK, submitResp{Submission: sub, Result: &res})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.Status(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, st)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.sched.Cancel(id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", 404)
		return
	case errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), 500)
		return
	}
	st, _ := s.sched.Status(id)
	writeJSON(w, http.StatusAccepted, st)
}

type batchReq struct {
	Tasks         []TaskRequest `json:"tasks"`
	Concurrency   int           `json:"concurrency"`
	StopOnFailure bool          `json:"stop_on_failure"`
}

func (s *Server) executeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	tasks := make([]domain.Task, 0, len(req.Tasks))
	for i, tr := range req.Tasks {
		t, err := s.toTask(tr)
		if err != nil {
			http.Error(w, fmt.Sprintf("tasks[%d]: %v", i, err), 400)
			return
		}
		tasks = append(tasks, t)
	}
	out := s.sched.ExecuteBatch(r.Context(), tasks, scheduler.BatchOptions{Concurrency: req.Concurrency, StopOnFailure: req.StopOnFailure})
	writeJSON(w, 200, out)
}

func scopeParam(r *http.Request) string {
	raw := chi.URLParam(r, "scope")
	if scope, err := url.PathUnescape(raw); err == nil {
		return scope
	}
	return raw
}

func (s *Server) listCircuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.sched.Circuits())
}

func (s *Server) getCircuit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.sched.CircuitStatus(scopeParam(r)))
}

func (s *Server) tripCircuit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "tripped by operator"
	}
	scope := scopeParam(r)
	s.sched.TripCircuit(scope, req.Reason)
	writeJSON(w, 200, s.sched.CircuitStatus(scope))
}

func (s *Server) resetCircuit(w http.ResponseWriter, r *http.Request) {
	scope := scopeParam(r)
	s.sched.ResetCircuit(scope)
	writeJSON(w, 200, s.sched.CircuitStatus(scope))
}

func (s *Server) resources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.sched.ResourceStatus())
}

func (s *Server) resetDedup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.sched.ForgetSubmissions())
}

func (s *Server) debug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.sched.DebugInfo())
}

// events streams scheduler events as server-sent events until the client
// disconnects.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", 500)
		return
	}
	ch, unsubscribe := s.sched.Subscribe(256)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	shell := s.sched.Shell()
	writeJSON(w, 200, map[string]any{
		"context": shell.Get(id),
		"summary": shell.GetContextSummary(id),
	})
}

func (s *Server) maintenanceJobs(w http.ResponseWriter, r *http.Request) {
	if s.maint == nil {
		writeJSON(w, 200, []maintenance.JobStatus{})
		return
	}
	writeJSON(w, 200, s.maint.Jobs())
}

type classifyReq struct {
	Command string   `json:"command"`
	Cwd     string   `json:"cwd"`
	Flags   []string `json:"flags"`
}

type classifyResp struct {
	risk.Assessment
	Blocked bool   `json:"blocked"`
	Warning string `json:"warning,omitempty"`
}

func (s *Server) classify(w http.ResponseWriter, r *http.Request) {
	var req classifyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Command == "" {
		http.Error(w, "command is required", 400)
		return
	}
	cfg, _ := s.sched.Config()
	a := s.sched.Classify(req.Command, req.Cwd, req.Flags)
	resp := classifyResp{Assessment: a, Blocked: risk.ShouldBlockCommand(a.Level, risk.Policy{BlockAt: cfg.Risk.BlockAt})}
	if a.Level != domain.RiskGreen {
		resp.Warning = risk.FormatRiskWarning(req.Command, a)
	}
	writeJSON(w, 200, resp)
}

func (s *Server) requireSnapshots(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sched.Snapshots() == nil {
			http.Error(w, "snapshots are not configured", http.StatusNotImplemented)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func snapshotError(w http.ResponseWriter, err error) {
	var conflict *snapshot.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "conflicts": conflict.Paths})
	case errors.Is(err, domain.ErrSnapshotNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, domain.ErrValidation):
		http.Error(w, err.Error(), 400)
	default:
		http.Error(w, err.Error(), 500)
	}
}

type createSnapshotReq struct {
	Label string   `json:"label"`
	Paths []string `json:"paths"`
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id, err := s.sched.Snapshots().Create(r.Context(), req.Label, req.Paths)
	if err != nil {
		snapshotError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := s.sched.Snapshots().List(r.Context())
	if err != nil {
		snapshotError(w, err)
		return
	}
	writeJSON(w, 200, list)
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sched.Snapshots().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		snapshotError(w, err)
		return
	}
	writeJSON(w, 200, snap)
}

func (s *Server) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Snapshots().Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		snapshotError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) restoreSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	res, err := s.sched.Snapshots().Restore(r.Context(), chi.URLParam(r, "id"), snapshot.RestoreOptions{Force: req.Force})
	if err != nil {
		snapshotError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (s *Server) pinSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pinned bool `json:"pinned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.sched.Snapshots().Pin(r.Context(), chi.URLParam(r, "id"), req.Pinned); err != nil {
		snapshotError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
