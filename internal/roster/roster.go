// Package roster tracks registered workers and resolves which of them
// may receive a given task.
package roster

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/store"
)

// DefaultTTL is how long after its last heartbeat a worker still counts
// as connected.
const DefaultTTL = 60 * time.Second

// Roster is the worker registry and affinity resolver.
type Roster struct {
	store  store.Store
	ttl    time.Duration
	logger *log.Logger
	now    func() time.Time
}

// Option configures a Roster.
type Option func(*Roster)

// WithTTL overrides the heartbeat liveness window.
func WithTTL(d time.Duration) Option {
	return func(r *Roster) { r.ttl = d }
}

// WithLogger sets the roster's logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Roster) { r.logger = l }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Roster) { r.now = now }
}

// New constructs a Roster over the given store.
func New(s store.Store, opts ...Option) *Roster {
	r := &Roster{
		store:  s,
		ttl:    DefaultTTL,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL reports the configured liveness window.
func (r *Roster) TTL() time.Duration { return r.ttl }

// Register adds or refreshes a worker. Registration counts as a
// heartbeat, and re-registration replaces capabilities and codebase
// affinity without resetting the registration time.
func (r *Roster) Register(w *models.Worker) (*models.Worker, error) {
	if w.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := r.now().UTC()
	w.RegisteredAt = now
	w.LastSeen = now
	if err := r.store.UpsertWorker(w); err != nil {
		return nil, err
	}
	if err := r.store.TouchWorker(w.ID, now); err != nil {
		return nil, err
	}
	registered, err := r.store.GetWorker(w.ID)
	if err != nil {
		return nil, err
	}
	r.logger.Printf("roster: registered worker %s (%s) caps=%v codebases=%v global=%v",
		registered.ID, registered.Name, registered.Capabilities, registered.Codebases, registered.Global)
	return registered, nil
}

// Heartbeat refreshes a worker's liveness window.
func (r *Roster) Heartbeat(id string) error {
	return r.store.TouchWorker(id, r.now().UTC())
}

// Get retrieves a worker by id.
func (r *Roster) Get(id string) (*models.Worker, error) {
	return r.store.GetWorker(id)
}

// List returns all registered workers, live or not.
func (r *Roster) List() ([]models.Worker, error) {
	return r.store.ListWorkers()
}

// Connected reports whether the worker's last heartbeat is within the
// liveness window.
func (r *Roster) Connected(w *models.Worker) bool {
	return w.Connected(r.now(), r.ttl)
}

// Eligible resolves the connected workers permitted to execute task:
// the codebase's owner when ownership is set, workers that registered
// the codebase when it is unowned, global-capable workers for global
// tasks. The set is then narrowed to the capability the task's agent
// type requires.
func (r *Roster) Eligible(task *models.Task) ([]models.Worker, error) {
	covers, err := r.codebaseCoverage(task.CodebaseID)
	if err != nil {
		return nil, err
	}
	workers, err := r.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	now := r.now()
	required := task.AgentType.RequiredCapability()

	var out []models.Worker
	for _, w := range workers {
		if !w.Connected(now, r.ttl) {
			continue
		}
		if !covers(&w) {
			continue
		}
		if required != "" && !w.HasCapability(required) {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// CanExecute reports whether a single worker qualifies for task,
// ignoring liveness. Claim admission uses it so a worker whose
// heartbeat raced the TTL window can still take work it is allowed
// to do.
func (r *Roster) CanExecute(w *models.Worker, task *models.Task) (bool, error) {
	covers, err := r.codebaseCoverage(task.CodebaseID)
	if err != nil {
		return false, err
	}
	if !covers(w) {
		return false, nil
	}
	required := task.AgentType.RequiredCapability()
	return required == "" || w.HasCapability(required), nil
}

// codebaseCoverage resolves one codebase id into a routing predicate
// over workers. An owned codebase admits only its owner; a pending or
// unknown codebase admits no one; the global codebase admits workers
// that registered as global-capable.
func (r *Roster) codebaseCoverage(codebaseID string) (func(*models.Worker) bool, error) {
	if codebaseID == models.GlobalCodebase {
		return func(w *models.Worker) bool { return w.Global }, nil
	}
	cb, err := r.store.GetCodebase(codebaseID)
	if errors.Is(err, store.ErrNotFound) {
		return func(*models.Worker) bool { return false }, nil
	}
	if err != nil {
		return nil, err
	}
	if cb.Pending() {
		return func(*models.Worker) bool { return false }, nil
	}
	if cb.WorkerID != "" {
		owner := cb.WorkerID
		return func(w *models.Worker) bool { return w.ID == owner }, nil
	}
	return func(w *models.Worker) bool { return w.HasCodebase(cb.ID) }, nil
}
