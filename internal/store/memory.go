package store

import (
	"sort"
	"sync"
	"time"

	"github.com/fentz26/fleet/internal/models"
)

// Memory is a map-backed Store used by tests and the ephemeral daemon mode.
// All records are copied on the way in and out so callers cannot alias
// internal state.
type Memory struct {
	mu        sync.Mutex
	tasks     map[string]*models.Task
	workers   map[string]*models.Worker
	codebases map[string]*models.Codebase
	runs      map[string]*models.RalphRun
	decisions []models.DecisionRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:     make(map[string]*models.Task),
		workers:   make(map[string]*models.Worker),
		codebases: make(map[string]*models.Codebase),
		runs:      make(map[string]*models.RalphRun),
	}
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

func copyTask(t *models.Task) *models.Task {
	cp := *t
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		cp.ClaimedAt = &at
	}
	return &cp
}

func copyWorker(w *models.Worker) *models.Worker {
	cp := *w
	cp.Capabilities = append([]string(nil), w.Capabilities...)
	cp.Codebases = append([]string(nil), w.Codebases...)
	return &cp
}

func copyRun(r *models.RalphRun) *models.RalphRun {
	cp := *r
	cp.Stories = append([]models.UserStory(nil), r.Stories...)
	for i, s := range r.Stories {
		cp.Stories[i].Acceptance = append([]string(nil), s.Acceptance...)
	}
	cp.Results = append([]models.StoryResult(nil), r.Results...)
	return &cp
}

// --- Task operations ---

func (m *Memory) CreateTask(t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *Memory) GetTask(id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (m *Memory) ListTasks(f TaskFilter) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.CodebaseID != "" && t.CodebaseID != f.CodebaseID {
			continue
		}
		if f.ClaimedBy != "" && t.ClaimedBy != f.ClaimedBy {
			continue
		}
		out = append(out, *copyTask(t))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ClaimTask(id, workerID string) (*models.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if t.Status != models.TaskStatusPending {
		return copyTask(t), false, nil
	}
	now := time.Now().UTC()
	t.Status = models.TaskStatusWorking
	t.ClaimedBy = workerID
	t.ClaimedAt = &now
	t.UpdatedAt = now
	return copyTask(t), true, nil
}

func (m *Memory) CompleteTask(id, result string) (*models.Task, bool, error) {
	return m.mutateTask(id, func(t *models.Task) bool {
		if t.Status != models.TaskStatusWorking {
			return false
		}
		t.Status = models.TaskStatusCompleted
		t.Result = result
		return true
	})
}

func (m *Memory) FailTask(id, errMsg string) (*models.Task, bool, error) {
	return m.mutateTask(id, func(t *models.Task) bool {
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusWorking {
			return false
		}
		t.Status = models.TaskStatusFailed
		t.Error = errMsg
		return true
	})
}

func (m *Memory) CancelTask(id string) (*models.Task, bool, error) {
	return m.mutateTask(id, func(t *models.Task) bool {
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusWorking {
			return false
		}
		t.Status = models.TaskStatusCancelled
		return true
	})
}

func (m *Memory) ExpireTask(id, errMsg string) (*models.Task, bool, error) {
	return m.mutateTask(id, func(t *models.Task) bool {
		if t.Status != models.TaskStatusPending {
			return false
		}
		t.Status = models.TaskStatusFailed
		t.Error = errMsg
		return true
	})
}

func (m *Memory) RequeueTask(id, claimant string) (*models.Task, bool, error) {
	return m.mutateTask(id, func(t *models.Task) bool {
		if t.Status != models.TaskStatusWorking || t.ClaimedBy != claimant {
			return false
		}
		t.Status = models.TaskStatusPending
		t.ClaimedBy = ""
		t.ClaimedAt = nil
		return true
	})
}

func (m *Memory) mutateTask(id string, fn func(*models.Task) bool) (*models.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !fn(t) {
		return copyTask(t), false, nil
	}
	t.UpdatedAt = time.Now().UTC()
	return copyTask(t), true, nil
}

// --- Worker operations ---

func (m *Memory) UpsertWorker(w *models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.workers[w.ID]; ok {
		cp := copyWorker(w)
		cp.RegisteredAt = prev.RegisteredAt
		cp.LastSeen = prev.LastSeen
		m.workers[w.ID] = cp
		return nil
	}
	m.workers[w.ID] = copyWorker(w)
	return nil
}

func (m *Memory) GetWorker(id string) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorker(w), nil
}

func (m *Memory) ListWorkers() ([]models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Worker
	for _, w := range m.workers {
		out = append(out, *copyWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (m *Memory) TouchWorker(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.LastSeen = at.UTC()
	return nil
}

// --- Codebase operations ---

func (m *Memory) PutCodebase(c *models.Codebase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.codebases[c.ID] = &cp
	return nil
}

func (m *Memory) GetCodebase(id string) (*models.Codebase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codebases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListCodebases() ([]models.Codebase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Codebase
	for _, c := range m.codebases {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ConfirmCodebase(id, workerID string) (*models.Codebase, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codebases[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if c.WorkerID != models.PendingOwner {
		cp := *c
		return &cp, false, nil
	}
	c.WorkerID = workerID
	cp := *c
	return &cp, true, nil
}

// --- Ralph run operations ---

func (m *Memory) CreateRun(r *models.RalphRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = copyRun(r)
	return nil
}

func (m *Memory) GetRun(id string) (*models.RalphRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(r), nil
}

func (m *Memory) ListRuns() ([]models.RalphRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RalphRun
	for _, r := range m.runs {
		out = append(out, *copyRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateRun(r *models.RalphRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	cp := copyRun(r)
	cp.UpdatedAt = time.Now().UTC()
	m.runs[r.ID] = cp
	return nil
}

func (m *Memory) RequestRunCancel(id string) (*models.RalphRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if r.Status.Terminal() {
		return copyRun(r), false, nil
	}
	r.CancelRequested = true
	r.UpdatedAt = time.Now().UTC()
	return copyRun(r), true, nil
}

// --- Decision records ---

func (m *Memory) AppendDecision(d *models.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, *d)
	return nil
}

func (m *Memory) ListDecisions(taskID string) ([]models.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DecisionRecord
	for _, d := range m.decisions {
		if taskID != "" && d.TaskID != taskID {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
