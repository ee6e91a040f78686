// Package registry owns the task lifecycle: creation, claims, terminal
// transitions, and the background sweeps that keep the queue honest.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fentz26/fleet/internal/audit"
	"github.com/fentz26/fleet/internal/broker"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/roster"
	"github.com/fentz26/fleet/internal/store"
)

var (
	// ErrNotFound is returned when the referenced task does not exist.
	ErrNotFound = store.ErrNotFound
	// ErrNotEligible is returned when a worker's affinity or
	// capabilities do not cover the task.
	ErrNotEligible = errors.New("worker not eligible for task")
	// ErrInvalidTransition is returned when a lifecycle change is
	// requested from a state that cannot make it.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// ClaimConflict reports that a claim lost to another worker or arrived
// after the task left the queue. It is an expected outcome of racing
// claims, not a failure.
type ClaimConflict struct {
	TaskID    string            `json:"task_id"`
	Status    models.TaskStatus `json:"status"`
	ClaimedBy string            `json:"claimed_by,omitempty"`
}

func (c *ClaimConflict) String() string {
	if c.ClaimedBy != "" {
		return fmt.Sprintf("task %s already claimed by %s", c.TaskID, c.ClaimedBy)
	}
	return fmt.Sprintf("task %s is %s", c.TaskID, c.Status)
}

// CreateRequest carries the fields a caller supplies for a new task.
type CreateRequest struct {
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	AgentType   models.AgentType `json:"agent_type"`
	CodebaseID  string           `json:"codebase_id"`
	Priority    int              `json:"priority,omitempty"`
	Deadline    time.Duration    `json:"deadline,omitempty"`
}

// Registry coordinates the task queue.
type Registry struct {
	store  store.Store
	roster *roster.Roster
	broker *broker.Broker
	audit  *audit.Recorder
	logger *log.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New constructs a Registry.
func New(s store.Store, ros *roster.Roster, b *broker.Broker, rec *audit.Recorder, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		roster: ros,
		broker: b,
		audit:  rec,
		logger: log.Default(),
		tracer: otel.Tracer("fleet/registry"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create validates and enqueues a new task, then announces it to
// eligible workers.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*models.Task, error) {
	_, span := r.tracer.Start(ctx, "registry.Create")
	defer span.End()

	if req.Title == "" {
		return nil, fmt.Errorf("task title is required")
	}
	if req.CodebaseID == "" {
		return nil, fmt.Errorf("task codebase is required")
	}
	if req.AgentType == "" {
		req.AgentType = models.AgentTypeGeneral
	}
	if !req.AgentType.Valid() {
		return nil, fmt.Errorf("unknown agent type %q", req.AgentType)
	}
	if req.Deadline < 0 {
		return nil, fmt.Errorf("deadline must not be negative")
	}
	if req.CodebaseID != models.GlobalCodebase {
		if _, err := r.store.GetCodebase(req.CodebaseID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("unknown codebase %q", req.CodebaseID)
			}
			return nil, err
		}
	}

	now := r.now().UTC()
	task := &models.Task{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		AgentType:   req.AgentType,
		CodebaseID:  req.CodebaseID,
		Priority:    req.Priority,
		Status:      models.TaskStatusPending,
		Deadline:    req.Deadline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateTask(task); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	r.logger.Printf("registry: created task %s (%s) codebase=%s type=%s priority=%d",
		task.ID, task.Title, task.CodebaseID, task.AgentType, task.Priority)
	r.audit.Record("task.create", "created", task.ID, req, task.Title)
	r.broker.Publish(broker.TaskAvailable(task.ID, task.Title, task.Priority, task.CodebaseID, string(task.AgentType)))
	return task, nil
}

// Get retrieves a task by id.
func (r *Registry) Get(ctx context.Context, id string) (*models.Task, error) {
	return r.store.GetTask(id)
}

// List returns tasks matching the filter, highest priority first and
// oldest first within a priority.
func (r *Registry) List(ctx context.Context, f store.TaskFilter) ([]models.Task, error) {
	return r.store.ListTasks(f)
}

// Claim attempts to take a pending task for workerID. Exactly one of
// the three results is meaningful: a claimed task, a conflict value, or
// an error. A worker re-claiming a task it already holds gets the task
// back without a conflict.
func (r *Registry) Claim(ctx context.Context, taskID, workerID string) (*models.Task, *ClaimConflict, error) {
	_, span := r.tracer.Start(ctx, "registry.Claim",
		trace.WithAttributes(attribute.String("task.id", taskID), attribute.String("worker.id", workerID)))
	defer span.End()

	worker, err := r.roster.Get(workerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("unknown worker %q", workerID)
		}
		return nil, nil, err
	}
	task, err := r.store.GetTask(taskID)
	if err != nil {
		return nil, nil, err
	}
	ok, err := r.roster.CanExecute(worker, task)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		r.audit.Record("task.claim", "rejected", taskID, workerID, "worker not eligible")
		return nil, nil, ErrNotEligible
	}

	// a claiming worker is evidently alive
	if err := r.roster.Heartbeat(workerID); err != nil {
		r.logger.Printf("registry: heartbeat for %s during claim: %v", workerID, err)
	}

	task, ok, err = r.store.ClaimTask(taskID, workerID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		if task.Status == models.TaskStatusWorking && task.ClaimedBy == workerID {
			// the worker already holds this task; claims are idempotent
			r.audit.Record("task.claim", "idempotent", taskID, workerID, "already held")
			return task, nil, nil
		}
		r.audit.Record("task.claim", "conflict", taskID, workerID, string(task.Status))
		return nil, &ClaimConflict{TaskID: taskID, Status: task.Status, ClaimedBy: task.ClaimedBy}, nil
	}

	r.logger.Printf("registry: task %s claimed by %s", taskID, workerID)
	r.audit.Record("task.claim", "granted", taskID, workerID, "")
	r.broker.Publish(broker.TaskUpdate(taskID, string(task.Status), task.CodebaseID))
	return task, nil, nil
}

// Complete marks a working task completed. Repeating a completion is a
// no-op that returns the settled task.
func (r *Registry) Complete(ctx context.Context, taskID, result string) (*models.Task, error) {
	return r.finish(ctx, "task.complete", taskID, models.TaskStatusCompleted, func() (*models.Task, bool, error) {
		return r.store.CompleteTask(taskID, result)
	})
}

// Fail marks a pending or working task failed. Repeating a failure is a
// no-op.
func (r *Registry) Fail(ctx context.Context, taskID, errMsg string) (*models.Task, error) {
	return r.finish(ctx, "task.fail", taskID, models.TaskStatusFailed, func() (*models.Task, bool, error) {
		return r.store.FailTask(taskID, errMsg)
	})
}

// Cancel marks a pending or working task cancelled. Repeating a cancel
// is a no-op.
func (r *Registry) Cancel(ctx context.Context, taskID string) (*models.Task, error) {
	return r.finish(ctx, "task.cancel", taskID, models.TaskStatusCancelled, func() (*models.Task, bool, error) {
		return r.store.CancelTask(taskID)
	})
}

func (r *Registry) finish(ctx context.Context, action, taskID string, target models.TaskStatus, apply func() (*models.Task, bool, error)) (*models.Task, error) {
	_, span := r.tracer.Start(ctx, "registry."+action,
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, ok, err := apply()
	if err != nil {
		return nil, err
	}
	if !ok {
		if task.Status == target {
			// already settled in this state
			r.audit.Record(action, "idempotent", taskID, target, "")
			return task, nil
		}
		r.audit.Record(action, "rejected", taskID, target, string(task.Status))
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, task.Status)
	}

	r.logger.Printf("registry: task %s -> %s", taskID, target)
	r.audit.Record(action, "applied", taskID, target, "")
	r.broker.Publish(broker.TaskUpdate(taskID, string(task.Status), task.CodebaseID))
	return task, nil
}

// SweepDeadlines fails pending tasks whose deadline has elapsed. A task
// claimed while the sweep runs is left alone. Returns how many tasks
// were expired.
func (r *Registry) SweepDeadlines(ctx context.Context) (int, error) {
	pending, err := r.store.ListTasks(store.TaskFilter{Status: models.TaskStatusPending})
	if err != nil {
		return 0, err
	}
	now := r.now()
	expired := 0
	for i := range pending {
		t := &pending[i]
		if !t.Expired(now) {
			continue
		}
		settled, ok, err := r.store.ExpireTask(t.ID, "deadline exceeded")
		if err != nil {
			return expired, err
		}
		if !ok {
			// a claim won the race; the task proceeds normally
			continue
		}
		expired++
		r.logger.Printf("registry: task %s expired after %s unclaimed", t.ID, t.Deadline)
		r.audit.Record("task.expire", "applied", t.ID, t.Deadline.String(), "deadline exceeded")
		r.broker.Publish(broker.TaskUpdate(t.ID, string(settled.Status), settled.CodebaseID))
	}
	return expired, nil
}

// SweepStaleClaims requeues working tasks whose claimant has missed
// heartbeats for twice the roster TTL. The claimant's late completion
// will find the task no longer working and settle idempotently or
// conflict, never corrupt state. Returns how many tasks were requeued.
func (r *Registry) SweepStaleClaims(ctx context.Context) (int, error) {
	working, err := r.store.ListTasks(store.TaskFilter{Status: models.TaskStatusWorking})
	if err != nil {
		return 0, err
	}
	now := r.now()
	grace := 2 * r.roster.TTL()
	requeued := 0
	for i := range working {
		t := &working[i]
		w, err := r.roster.Get(t.ClaimedBy)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return requeued, err
			}
		} else if w.Connected(now, grace) {
			continue
		}
		task, ok, err := r.store.RequeueTask(t.ID, t.ClaimedBy)
		if err != nil {
			return requeued, err
		}
		if !ok {
			continue
		}
		requeued++
		r.logger.Printf("registry: requeued task %s after worker %s went silent", t.ID, t.ClaimedBy)
		r.audit.Record("task.requeue", "applied", t.ID, t.ClaimedBy, "claimant heartbeat lost")
		r.broker.Publish(broker.TaskAvailable(task.ID, task.Title, task.Priority, task.CodebaseID, string(task.AgentType)))
	}
	return requeued, nil
}

// RunSweeper runs both sweeps on the given interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepDeadlines(ctx); err != nil {
				r.logger.Printf("registry: deadline sweep: %v", err)
			}
			if _, err := r.SweepStaleClaims(ctx); err != nil {
				r.logger.Printf("registry: stale claim sweep: %v", err)
			}
		}
	}
}
