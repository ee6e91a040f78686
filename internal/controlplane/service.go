// Package controlplane exposes the task engine over HTTP.
package controlplane

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/fleet/internal/audit"
	"github.com/fentz26/fleet/internal/broker"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/ralph"
	"github.com/fentz26/fleet/internal/registry"
	"github.com/fentz26/fleet/internal/roster"
	"github.com/fentz26/fleet/internal/scm"
	"github.com/fentz26/fleet/internal/store"
)

// Service bundles the engine's subsystems behind one API surface. The
// HTTP server and the CLI both talk to it.
type Service struct {
	Store    store.Store
	Registry *registry.Registry
	Roster   *roster.Roster
	Broker   *broker.Broker
	Audit    *audit.Recorder
	Loop     *ralph.Loop

	logger    *log.Logger
	committer scm.Committer

	// runCtx parents the goroutines driving started runs so daemon
	// shutdown reaches them.
	runCtx context.Context
}

// NewService wires the subsystems together over one store.
func NewService(ctx context.Context, s store.Store, logger *log.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = log.Default()
	}
	svc := &Service{Store: s, logger: logger, runCtx: ctx}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.Broker == nil {
		svc.Broker = broker.New(broker.WithLogger(logger))
	}
	if svc.Roster == nil {
		svc.Roster = roster.New(s, roster.WithLogger(logger))
	}
	if svc.Audit == nil {
		svc.Audit = audit.NewRecorder(s, logger)
	}
	if svc.Registry == nil {
		svc.Registry = registry.New(s, svc.Roster, svc.Broker, svc.Audit, registry.WithLogger(logger))
	}
	if svc.Loop == nil {
		loopOpts := []ralph.Option{ralph.WithLogger(logger)}
		if svc.committer != nil {
			loopOpts = append(loopOpts, ralph.WithCommitter(svc.committer))
		}
		svc.Loop = ralph.New(s, svc.Registry, svc.Broker, loopOpts...)
	}
	return svc
}

// ServiceOption overrides a subsystem, for tests and custom daemons.
type ServiceOption func(*Service)

// WithBroker overrides the event broker.
func WithBroker(b *broker.Broker) ServiceOption {
	return func(s *Service) { s.Broker = b }
}

// WithRoster overrides the worker roster.
func WithRoster(r *roster.Roster) ServiceOption {
	return func(s *Service) { s.Roster = r }
}

// WithCommitter sets the version control backend run loops commit
// through.
func WithCommitter(c scm.Committer) ServiceOption {
	return func(s *Service) { s.committer = c }
}

// RegisterCodebaseRequest carries the fields for codebase registration.
type RegisterCodebaseRequest struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	WorkerID    string `json:"worker_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// RegisterCodebase records a codebase. Without an owning worker the
// codebase starts pending and a global task asks any worker to clone
// and confirm it.
func (s *Service) RegisterCodebase(ctx context.Context, req RegisterCodebaseRequest) (*models.Codebase, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("codebase name is required")
	}
	owner := req.WorkerID
	if owner == "" {
		owner = models.PendingOwner
	} else if _, err := s.Roster.Get(owner); err != nil {
		return nil, fmt.Errorf("unknown worker %q", owner)
	}
	cb := &models.Codebase{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Path:        req.Path,
		WorkerID:    owner,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Store.PutCodebase(cb); err != nil {
		return nil, err
	}
	s.logger.Printf("controlplane: registered codebase %s (%s) owner=%s", cb.ID, cb.Name, cb.WorkerID)

	if cb.Pending() {
		_, err := s.Registry.Create(ctx, registry.CreateRequest{
			Title:       fmt.Sprintf("register codebase %s", cb.Name),
			Description: fmt.Sprintf("Clone %s and confirm ownership of codebase %s.", cb.Name, cb.ID),
			AgentType:   models.AgentTypeGeneral,
			CodebaseID:  models.GlobalCodebase,
		})
		if err != nil {
			return nil, fmt.Errorf("announce pending codebase: %w", err)
		}
	}
	return cb, nil
}

// ConfirmCodebase assigns a pending codebase to the confirming worker.
func (s *Service) ConfirmCodebase(ctx context.Context, id, workerID, path string) (*models.Codebase, error) {
	if _, err := s.Roster.Get(workerID); err != nil {
		return nil, fmt.Errorf("unknown worker %q", workerID)
	}
	cb, ok, err := s.Store.ConfirmCodebase(id, workerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if cb.WorkerID == workerID {
			return cb, nil
		}
		return nil, fmt.Errorf("codebase %s already owned by %s", id, cb.WorkerID)
	}
	if path != "" {
		cb.Path = path
		if err := s.Store.PutCodebase(cb); err != nil {
			return nil, err
		}
	}
	s.logger.Printf("controlplane: codebase %s confirmed by worker %s", id, workerID)
	return cb, nil
}

// StartRun persists a run from doc and drives it in the background.
func (s *Service) StartRun(doc *ralph.Document) (*models.RalphRun, error) {
	run, err := s.Loop.Start(doc)
	if err != nil {
		return nil, err
	}
	go func() {
		if _, err := s.Loop.Run(s.runCtx, run.ID); err != nil {
			s.logger.Printf("controlplane: run %s: %v", run.ID, err)
		}
	}()
	return run, nil
}

// CancelRun requests cooperative cancellation of a run.
func (s *Service) CancelRun(id string) (*models.RalphRun, error) {
	run, ok, err := s.Store.RequestRunCancel(id)
	if err != nil {
		return nil, err
	}
	if !ok && !run.CancelRequested {
		return nil, fmt.Errorf("run %s is already %s", id, run.Status)
	}
	return run, nil
}
