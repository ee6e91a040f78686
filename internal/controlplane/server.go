package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/fentz26/fleet/internal/broker"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/ralph"
	"github.com/fentz26/fleet/internal/registry"
	"github.com/fentz26/fleet/internal/store"
)

// Server is the HTTP front end of the control plane.
type Server struct {
	svc    *Service
	logger *log.Logger
	mux    *http.ServeMux
}

// NewServer builds the HTTP server around svc.
func NewServer(svc *Service, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{svc: svc, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/tasks", s.handleTasks)
	s.mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	s.mux.HandleFunc("/api/workers", s.handleWorkers)
	s.mux.HandleFunc("/api/workers/", s.handleWorkerByID)
	s.mux.HandleFunc("/api/codebases", s.handleCodebases)
	s.mux.HandleFunc("/api/codebases/", s.handleCodebaseByID)
	s.mux.HandleFunc("/api/runs", s.handleRuns)
	s.mux.HandleFunc("/api/runs/", s.handleRunByID)
	s.mux.HandleFunc("/api/events", s.handleEvents)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("server: write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// errorStatus maps service errors to HTTP statuses.
func (s *Server) errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.svc.Broker.SubscriberCount(),
	})
}

// --- /api/tasks ---

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f := store.TaskFilter{
			Status:     models.TaskStatus(r.URL.Query().Get("status")),
			CodebaseID: r.URL.Query().Get("codebase"),
			ClaimedBy:  r.URL.Query().Get("claimed_by"),
		}
		tasks, err := s.svc.Registry.List(r.Context(), f)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
	case http.MethodPost:
		var req registry.CreateRequest
		if !s.decode(w, r, &req) {
			return
		}
		task, err := s.svc.Registry.Create(r.Context(), req)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusCreated, task)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(r.URL.Path, "/api/tasks/")
	if id == "" {
		s.writeError(w, http.StatusNotFound, errors.New("task id required"))
		return
	}

	if action == "" && r.Method == http.MethodGet {
		task, err := s.svc.Registry.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, task)
		return
	}
	if action == "decisions" && r.Method == http.MethodGet {
		recs, err := s.svc.Audit.ForTask(id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"decisions": recs})
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	switch action {
	case "claim":
		var req struct {
			WorkerID string `json:"worker_id"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		task, conflict, err := s.svc.Registry.Claim(r.Context(), id, req.WorkerID)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		if conflict != nil {
			s.writeJSON(w, http.StatusConflict, map[string]any{"conflict": conflict})
			return
		}
		s.writeJSON(w, http.StatusOK, task)
	case "complete":
		var req struct {
			Result string `json:"result"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		task, err := s.svc.Registry.Complete(r.Context(), id, req.Result)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, task)
	case "fail":
		var req struct {
			Error string `json:"error"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		task, err := s.svc.Registry.Fail(r.Context(), id, req.Error)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, task)
	case "cancel":
		task, err := s.svc.Registry.Cancel(r.Context(), id)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, task)
	default:
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown action %q", action))
	}
}

// --- /api/workers ---

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		workers, err := s.svc.Roster.List()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		type workerView struct {
			models.Worker
			Connected bool `json:"connected"`
		}
		views := make([]workerView, len(workers))
		for i := range workers {
			views[i] = workerView{Worker: workers[i], Connected: s.svc.Roster.Connected(&workers[i])}
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"workers": views})
	case http.MethodPost:
		var req models.Worker
		if !s.decode(w, r, &req) {
			return
		}
		worker, err := s.svc.Roster.Register(&req)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusCreated, worker)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (s *Server) handleWorkerByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(r.URL.Path, "/api/workers/")
	switch {
	case action == "" && r.Method == http.MethodGet:
		worker, err := s.svc.Roster.Get(id)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, worker)
	case action == "heartbeat" && r.Method == http.MethodPost:
		if err := s.svc.Roster.Heartbeat(id); err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown worker route"))
	}
}

// --- /api/codebases ---

func (s *Server) handleCodebases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		codebases, err := s.svc.Store.ListCodebases()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"codebases": codebases})
	case http.MethodPost:
		var req RegisterCodebaseRequest
		if !s.decode(w, r, &req) {
			return
		}
		cb, err := s.svc.RegisterCodebase(r.Context(), req)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusCreated, cb)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (s *Server) handleCodebaseByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(r.URL.Path, "/api/codebases/")
	switch {
	case action == "" && r.Method == http.MethodGet:
		cb, err := s.svc.Store.GetCodebase(id)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, cb)
	case action == "confirm" && r.Method == http.MethodPost:
		var req struct {
			WorkerID string `json:"worker_id"`
			Path     string `json:"path,omitempty"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		cb, err := s.svc.ConfirmCodebase(r.Context(), id, req.WorkerID, req.Path)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, cb)
	default:
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown codebase route"))
	}
}

// --- /api/runs ---

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		runs, err := s.svc.Store.ListRuns()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	case http.MethodPost:
		// the run document is YAML; JSON bodies parse too
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		parsed, err := ralph.ParseDocument(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		run, err := s.svc.StartRun(parsed)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusCreated, run)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(r.URL.Path, "/api/runs/")
	switch {
	case action == "" && r.Method == http.MethodGet:
		run, err := s.svc.Store.GetRun(id)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, run)
	case action == "cancel" && r.Method == http.MethodPost:
		run, err := s.svc.CancelRun(id)
		if err != nil {
			s.writeError(w, s.errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, run)
	default:
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown run route"))
	}
}

// --- /api/events ---

// handleEvents streams newline-delimited JSON events. The connection
// lives until the client drops, the broker reaps it, or the daemon
// stops.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	filter := broker.Filter{
		CodebaseIDs:  splitList(r.URL.Query().Get("codebases")),
		Capabilities: splitList(r.URL.Query().Get("capabilities")),
	}
	// an open stream counts as liveness for the subscribing worker
	workerID := r.URL.Query().Get("worker_id")
	heartbeat := func() {
		if workerID == "" {
			return
		}
		if err := s.svc.Roster.Heartbeat(workerID); err != nil {
			s.logger.Printf("controlplane: heartbeat for streaming worker %s: %v", workerID, err)
		}
	}
	heartbeat()

	sub := s.svc.Broker.Subscribe(filter)
	defer s.svc.Broker.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := enc.Encode(evt); err != nil {
				return
			}
			flusher.Flush()
			heartbeat()
		}
	}
}

// splitPath extracts the id and optional trailing action from a path
// under prefix.
func splitPath(path, prefix string) (id, action string) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(rest, "/", 2)
	id = parts[0]
	if len(parts) == 2 {
		action = strings.TrimSuffix(parts[1], "/")
	}
	return id, action
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
