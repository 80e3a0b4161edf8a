// Package server exposes the run queue over HTTP: submission, the run
// ledger, and live progress as server-sent events or websocket frames.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/config"
	"sfmprecision/internal/montecarlo"
	"sfmprecision/internal/optimizer"
	"sfmprecision/internal/pipeline"
	"sfmprecision/internal/storage"
)

const defaultListLimit = 100

// Server wraps the HTTP API around a pipeline and its ledger.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	defaults config.Run
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. defaults fill in whatever a submitted run
// leaves out.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, defaults config.Run, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		defaults: defaults,
		log:      log,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler builds the router. The websocket hub lives until ctx is done.
func (s *Server) Handler(ctx context.Context) http.Handler {
	h := newHub(s.log)
	go h.run(ctx)
	go s.forwardEvents(ctx, h)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}", s.handleRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/trials", s.handleTrials).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/ws", h.serveWS(ctx)).Methods(http.MethodGet)
	return r
}

func (s *Server) forwardEvents(ctx context.Context, h *hub) {
	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- payload:
			default:
				s.log.Warn("websocket broadcast dropped", "run_id", ev.RunID, "kind", ev.Kind)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// runRequest is the body of POST /runs. Absent fields take the server's
// configured defaults.
type runRequest struct {
	ProjectPath string               `json:"project_path"`
	OutputDir   string               `json:"output_dir"`
	Trials      *int                 `json:"trials"`
	Seed        *uint64              `json:"seed"`
	Fit         *optimizer.FitParams `json:"fit"`
	Offset      []float64            `json:"offset"`
	BridgeAddr  *string              `json:"bridge_addr"`
}

func (s *Server) jobFromRequest(req runRequest) (pipeline.Job, error) {
	job := pipeline.Job{
		ID:          pipeline.NewID("mc"),
		ProjectPath: req.ProjectPath,
		BridgeAddr:  s.defaults.BridgeAddr,
		Options: montecarlo.Options{
			OutputDir: s.defaults.OutputDir,
			Trials:    s.defaults.Trials,
			Seed:      s.defaults.Seed,
			Fit:       s.defaults.Fit,
			Offset:    s.defaults.OffsetVec(),
		},
	}
	if req.ProjectPath == "" {
		return job, errors.New("project_path is required")
	}
	if _, err := os.Stat(req.ProjectPath); err != nil {
		return job, fmt.Errorf("project_path: %w", err)
	}
	if req.OutputDir != "" {
		// Remote callers may only write below the configured output root.
		if !filepath.IsLocal(req.OutputDir) {
			return job, fmt.Errorf("output_dir %q must be a relative path below the output root", req.OutputDir)
		}
		job.Options.OutputDir = filepath.Join(s.defaults.OutputDir, req.OutputDir)
	}
	if req.Trials != nil {
		job.Options.Trials = *req.Trials
	}
	if req.Seed != nil {
		job.Options.Seed = *req.Seed
	}
	if req.Fit != nil {
		job.Options.Fit = *req.Fit
	}
	if req.BridgeAddr != nil {
		job.BridgeAddr = *req.BridgeAddr
	}
	switch len(req.Offset) {
	case 0:
	case 3:
		job.Options.Offset = &r3.Vec{X: req.Offset[0], Y: req.Offset[1], Z: req.Offset[2]}
	default:
		return job, fmt.Errorf("offset needs 3 values, got %d", len(req.Offset))
	}
	return job, job.Options.Validate()
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	job, err := s.jobFromRequest(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) || errors.Is(err, pipeline.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.log.Info("run queued", "run_id", job.ID, "project", job.ProjectPath)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Run(mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTrials(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Run(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	recs, err := s.store.Trials(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.TrialRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
