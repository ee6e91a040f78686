// Package store provides persistence for Fleet behind a single interface
// with atomic conditional-write semantics on task records. Two backends
// implement it: a SQLite store for durable single-node deployments and an
// in-memory store for tests and embedded use. The Task Registry is identical
// over either backend.
package store

import (
	"errors"
	"time"

	"github.com/fentz26/fleet/internal/models"
)

// ErrNotFound indicates the referenced record does not exist.
var ErrNotFound = errors.New("not found")

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status     models.TaskStatus
	CodebaseID string
	ClaimedBy  string
}

// Store is the single source of truth for tasks, workers, codebases and
// Ralph runs. Conditional methods return the record after the attempt plus
// an ok flag; ok=false means the optimistic check failed and the returned
// record carries the actual current state. Conditional writes must be a
// single atomic read-modify-write, never a read-then-write pair.
type Store interface {
	// Tasks. CreateTask persists the record as given; callers assign ids
	// and timestamps. ListTasks orders by priority desc, then created_at asc.
	CreateTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	ListTasks(f TaskFilter) ([]models.Task, error)

	// ClaimTask transitions id from pending to working for workerID.
	ClaimTask(id, workerID string) (*models.Task, bool, error)
	// CompleteTask transitions id from working to completed.
	CompleteTask(id, result string) (*models.Task, bool, error)
	// FailTask transitions id from pending or working to failed.
	FailTask(id, errMsg string) (*models.Task, bool, error)
	// CancelTask transitions id from pending or working to cancelled.
	CancelTask(id string) (*models.Task, bool, error)
	// ExpireTask fails id only while still pending. Used by the deadline
	// sweep so a claim racing the sweep wins.
	ExpireTask(id, errMsg string) (*models.Task, bool, error)
	// RequeueTask returns a working task claimed by claimant to pending,
	// clearing the claimant slot. Used by the stale-claim sweep.
	RequeueTask(id, claimant string) (*models.Task, bool, error)

	// Workers. UpsertWorker keeps RegisteredAt and LastSeen across
	// re-registration so history is not lost.
	UpsertWorker(w *models.Worker) error
	GetWorker(id string) (*models.Worker, error)
	ListWorkers() ([]models.Worker, error)
	TouchWorker(id string, at time.Time) error

	// Codebases.
	PutCodebase(c *models.Codebase) error
	GetCodebase(id string) (*models.Codebase, error)
	ListCodebases() ([]models.Codebase, error)
	// ConfirmCodebase assigns ownership of a pending codebase to workerID.
	ConfirmCodebase(id, workerID string) (*models.Codebase, bool, error)

	// Ralph runs. UpdateRun replaces the whole record; the orchestration
	// loop is the run's single writer. RequestRunCancel flips the
	// cooperative cancel flag on a non-terminal run.
	CreateRun(r *models.RalphRun) error
	GetRun(id string) (*models.RalphRun, error)
	ListRuns() ([]models.RalphRun, error)
	UpdateRun(r *models.RalphRun) error
	RequestRunCancel(id string) (*models.RalphRun, bool, error)

	// Decision records for audit.
	AppendDecision(d *models.DecisionRecord) error
	ListDecisions(taskID string) ([]models.DecisionRecord, error)

	Close() error
}
