// Package web serves the entry API: the JSON boundary remote runners and
// scripts use to read the notebook and write status transitions.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"brainrunner/internal/db"
	"brainrunner/internal/entry"
	"brainrunner/internal/metrics"
	"brainrunner/internal/task"
)

// Server exposes an entry.Store over HTTP. Claims are backed by the index
// database when one is configured; without it the claim endpoints answer
// 503 so callers fall back to single-runner behaviour.
type Server struct {
	store   entry.Store
	index   db.Store
	resolve task.ResolveOpts
	met     *metrics.Metrics
	logger  *slog.Logger
	addr    string
}

// NewServer wires the entry API. index and met may be nil.
func NewServer(store entry.Store, index db.Store, resolve task.ResolveOpts, met *metrics.Metrics, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   store,
		index:   index,
		resolve: resolve,
		met:     met,
		logger:  logger,
		addr:    addr,
	}
}

// Handler builds the route table. Split out from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/tasks/{project}", s.handleList)
	mux.HandleFunc("GET /api/v1/tasks/{project}/ready", s.handleClass(task.ClassReady))
	mux.HandleFunc("GET /api/v1/tasks/{project}/waiting", s.handleClass(task.ClassWaiting))
	mux.HandleFunc("GET /api/v1/tasks/{project}/blocked", s.handleClass(task.ClassBlocked))
	mux.HandleFunc("GET /api/v1/tasks/{project}/next", s.handleNext)
	mux.HandleFunc("POST /api/v1/tasks/{project}/{task}/claim", s.handleClaim)
	mux.HandleFunc("POST /api/v1/tasks/{project}/{task}/release", s.handleRelease)
	mux.HandleFunc("GET /api/v1/entries/{path...}", s.handleGet)
	mux.HandleFunc("PATCH /api/v1/entries/{path...}", s.handlePatch)

	var h http.Handler = mux
	if s.met != nil {
		h = s.met.RequestTrackingMiddleware(h)
	}
	return h
}

// Start serves until ctx is cancelled, then drains with a short grace.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("entry API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.index != nil {
		if err := s.index.Ping(); err != nil {
			s.writeError(w, fmt.Errorf("index: %w: %v", entry.ErrUnavailable, err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listResponse struct {
	Tasks []task.Task `json:"tasks"`
	Stats task.Stats  `json:"stats"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	tasks, err := s.store.List(r.Context(), project)
	if err != nil {
		s.writeError(w, err)
		return
	}
	g := task.Resolve(tasks, s.resolve)
	writeJSON(w, http.StatusOK, listResponse{Tasks: tasks, Stats: g.Stats})
}

type resolvedResponse struct {
	Tasks []*task.ResolvedTask `json:"tasks"`
	Stats task.Stats           `json:"stats"`
}

func (s *Server) handleClass(class task.Classification) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := s.resolveProject(r, r.PathValue("project"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		out := resolvedResponse{Tasks: []*task.ResolvedTask{}, Stats: g.Stats}
		for _, t := range g.Tasks {
			if t.Classification == class {
				out.Tasks = append(out.Tasks, t)
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// handleNext returns the single task a runner should pick up, in graph
// order. No ready task is a 404, not an empty list, so shell scripts can
// branch on the status code.
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	g, err := s.resolveProject(r, project)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ready := g.Ready()
	if len(ready) == 0 {
		s.writeError(w, fmt.Errorf("project %s: no ready task: %w", project, entry.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, ready[0])
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), r.PathValue("path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")

	var upd entry.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.writeError(w, fmt.Errorf("decode update: %w", entry.ErrInvalid))
		return
	}
	if upd.Empty() {
		s.writeError(w, fmt.Errorf("empty update: %w", entry.ErrInvalid))
		return
	}
	if upd.Status != "" && !upd.Status.Valid() {
		s.writeError(w, fmt.Errorf("status %q: %w", upd.Status, entry.ErrInvalid))
		return
	}

	if err := s.store.Update(r.Context(), path, upd); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("entry updated", "path", path, "status", upd.Status)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type claimRequest struct {
	RunnerID string `json:"runnerId"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	project, taskID, req, ok := s.claimArgs(w, r)
	if !ok {
		return
	}
	err := s.index.AcquireClaim(project, taskID, req.RunnerID)
	if errors.Is(err, db.ErrClaimHeld) {
		writeJSON(w, http.StatusConflict, map[string]string{"claimedBy": s.claimHolder(project, taskID)})
		return
	}
	if err != nil {
		s.writeError(w, fmt.Errorf("claim: %w: %v", entry.ErrUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	project, taskID, req, ok := s.claimArgs(w, r)
	if !ok {
		return
	}
	if err := s.index.ReleaseClaim(project, taskID, req.RunnerID); err != nil {
		s.writeError(w, fmt.Errorf("release: %w: %v", entry.ErrUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) claimArgs(w http.ResponseWriter, r *http.Request) (project, taskID string, req claimRequest, ok bool) {
	if s.index == nil {
		s.writeError(w, fmt.Errorf("claims disabled: %w", entry.ErrUnavailable))
		return "", "", req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RunnerID == "" {
		s.writeError(w, fmt.Errorf("runnerId required: %w", entry.ErrInvalid))
		return "", "", req, false
	}
	return r.PathValue("project"), r.PathValue("task"), req, true
}

func (s *Server) claimHolder(project, taskID string) string {
	claims, err := s.index.ActiveClaims(project)
	if err != nil {
		return ""
	}
	for _, c := range claims {
		if c.TaskID == taskID {
			return c.RunnerID
		}
	}
	return ""
}

func (s *Server) resolveProject(r *http.Request, project string) (*task.ResolvedGraph, error) {
	tasks, err := s.store.List(r.Context(), project)
	if err != nil {
		return nil, err
	}
	return task.Resolve(tasks, s.resolve), nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, entry.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, entry.ErrInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, entry.ErrUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
