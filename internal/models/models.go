// Package models defines the core domain types for Fleet.
package models

import "time"

// GlobalCodebase is the reserved codebase id routable to any worker that
// registered itself as global-capable.
const GlobalCodebase = "global"

// PendingOwner marks a codebase that was registered without a confirmed
// owner. A pending codebase is never routable; a worker claims the matching
// register_codebase task, validates the path locally and confirms ownership.
const PendingOwner = "__pending__"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusWorking   TaskStatus = "working"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition may leave this status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// AgentType classifies the kind of agent a task needs.
type AgentType string

const (
	AgentTypeBuild   AgentType = "build"
	AgentTypePlan    AgentType = "plan"
	AgentTypeGeneral AgentType = "general"
	AgentTypeExplore AgentType = "explore"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeBuild, AgentTypePlan, AgentTypeGeneral, AgentTypeExplore:
		return true
	}
	return false
}

// RequiredCapability returns the worker capability a task of this agent
// type demands. General tasks demand none.
func (t AgentType) RequiredCapability() string {
	if t == AgentTypeGeneral {
		return ""
	}
	return string(t)
}

// Task represents a unit of assignable work with at most one claimant.
type Task struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	AgentType   AgentType     `json:"agent_type"`
	CodebaseID  string        `json:"codebase_id"`
	Priority    int           `json:"priority"`
	Status      TaskStatus    `json:"status"`
	ClaimedBy   string        `json:"claimed_by,omitempty"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Deadline    time.Duration `json:"deadline,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ClaimedAt   *time.Time    `json:"claimed_at,omitempty"`
}

// Expired reports whether the task sat unclaimed past its deadline.
func (t *Task) Expired(now time.Time) bool {
	if t.Status != TaskStatusPending || t.Deadline <= 0 {
		return false
	}
	return now.Sub(t.CreatedAt) > t.Deadline
}

// Worker represents a remote execution agent.
type Worker struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Hostname     string    `json:"hostname,omitempty"`
	Capabilities []string  `json:"capabilities"`
	Codebases    []string  `json:"codebases"`
	Global       bool      `json:"global"`
	LastSeen     time.Time `json:"last_seen"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Connected reports whether the worker's latest heartbeat is within ttl.
func (w *Worker) Connected(now time.Time, ttl time.Duration) bool {
	if w.LastSeen.IsZero() {
		return false
	}
	return now.Sub(w.LastSeen) <= ttl
}

// HasCapability reports whether the worker declared cap. The empty
// capability is always satisfied.
func (w *Worker) HasCapability(cap string) bool {
	if cap == "" {
		return true
	}
	for _, c := range w.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HasCodebase reports whether id is in the worker's registered set.
func (w *Worker) HasCodebase(id string) bool {
	for _, c := range w.Codebases {
		if c == id {
			return true
		}
	}
	return false
}

// Codebase represents a named filesystem root a worker can operate on.
type Codebase struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Pending reports whether the codebase still awaits owner confirmation.
func (c *Codebase) Pending() bool {
	return c.WorkerID == PendingOwner
}

// RunStatus represents the state of a Ralph run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StoryStatus represents the per-story state within a Ralph run.
type StoryStatus string

const (
	StoryStatusPending     StoryStatus = "pending"
	StoryStatusAttempting  StoryStatus = "attempting"
	StoryStatusPassed      StoryStatus = "passed"
	StoryStatusFailedRetry StoryStatus = "failed_retry"
	StoryStatusFailedFinal StoryStatus = "failed_final"
)

// UserStory is one ordered unit of a requirements document.
type UserStory struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Acceptance  []string `json:"acceptance,omitempty"`
}

// StoryResult records the outcome history of one story.
type StoryResult struct {
	Status     StoryStatus `json:"status"`
	Iterations int         `json:"iterations"`
	Narrative  string      `json:"narrative,omitempty"`
}

// RunMode selects how stories are scheduled. Only sequential execution is
// specified; parallel is a declared extension point and rejected on create.
type RunMode string

const (
	RunModeSequential RunMode = "sequential"
	RunModeParallel   RunMode = "parallel"
)

// RalphRun is one autonomous execution of a requirements document.
type RalphRun struct {
	ID              string        `json:"id"`
	Status          RunStatus     `json:"status"`
	Stories         []UserStory   `json:"stories"`
	Results         []StoryResult `json:"results"`
	CurrentStory    int           `json:"current_story"`
	MaxIterations   int           `json:"max_iterations"`
	CodebaseID      string        `json:"codebase_id"`
	Branch          string        `json:"branch,omitempty"`
	HaltOnFailure   bool          `json:"halt_on_failure"`
	Mode            RunMode       `json:"mode"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	Error           string        `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// DecisionRecord is an audit entry for a control-plane decision.
type DecisionRecord struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
