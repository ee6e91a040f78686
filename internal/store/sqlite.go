package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/fleet/internal/models"
	_ "modernc.org/sqlite"
)

// SQLite is the durable Store backend.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dbPath and runs
// migrations.
func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for better concurrency between API handlers and sweeps
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		agent_type TEXT NOT NULL,
		codebase_id TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		claimed_by TEXT,
		result TEXT,
		error TEXT,
		deadline_ns INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		claimed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		hostname TEXT,
		capabilities TEXT NOT NULL,
		codebases TEXT NOT NULL,
		global INTEGER NOT NULL DEFAULT 0,
		last_seen DATETIME,
		registered_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS codebases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		worker_id TEXT,
		description TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ralph_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		stories TEXT NOT NULL,
		results TEXT NOT NULL,
		current_story INTEGER NOT NULL DEFAULT 0,
		max_iterations INTEGER NOT NULL,
		codebase_id TEXT NOT NULL,
		branch TEXT,
		halt_on_failure INTEGER NOT NULL DEFAULT 0,
		mode TEXT NOT NULL,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_codebase ON tasks(codebase_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_task_id ON decisions(task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Task operations ---

const taskColumns = `id, title, description, agent_type, codebase_id, priority, status, claimed_by, result, error, deadline_ns, created_at, updated_at, claimed_at`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var t models.Task
	var description, claimedBy, result, errMsg sql.NullString
	var deadlineNS int64
	var claimedAt sql.NullTime

	err := row.Scan(&t.ID, &t.Title, &description, &t.AgentType, &t.CodebaseID, &t.Priority,
		&t.Status, &claimedBy, &result, &errMsg, &deadlineNS, &t.CreatedAt, &t.UpdatedAt, &claimedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Description = description.String
	t.ClaimedBy = claimedBy.String
	t.Result = result.String
	t.Error = errMsg.String
	t.Deadline = time.Duration(deadlineNS)
	if claimedAt.Valid {
		at := claimedAt.Time
		t.ClaimedAt = &at
	}
	return &t, nil
}

// CreateTask inserts a task record.
func (s *SQLite) CreateTask(t *models.Task) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.AgentType, t.CodebaseID, t.Priority, t.Status,
		nullStr(t.ClaimedBy), nullStr(t.Result), nullStr(t.Error), int64(t.Deadline),
		t.CreatedAt, t.UpdatedAt, t.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *SQLite) GetTask(id string) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns tasks matching the filter, ordered by priority desc then
// creation time asc.
func (s *SQLite) ListTasks(f TaskFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.CodebaseID != "" {
		query += ` AND codebase_id = ?`
		args = append(args, f.CodebaseID)
	}
	if f.ClaimedBy != "" {
		query += ` AND claimed_by = ?`
		args = append(args, f.ClaimedBy)
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// transition performs a single conditional write on a task and reads back
// the resulting record. The where clause must key on the expected prior
// state so racing writers cannot both win.
func (s *SQLite) transition(id, set, where string, args ...any) (*models.Task, bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET `+set+` WHERE id = ? AND `+where, args...)
	if err != nil {
		return nil, false, fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	task, gerr := s.GetTask(id)
	if gerr != nil {
		return nil, false, gerr
	}
	return task, n > 0, nil
}

// ClaimTask atomically transitions id from pending to working for workerID.
func (s *SQLite) ClaimTask(id, workerID string) (*models.Task, bool, error) {
	now := time.Now().UTC()
	return s.transition(id,
		`status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?`,
		`status = ?`,
		models.TaskStatusWorking, workerID, now, now, id, models.TaskStatusPending)
}

// CompleteTask transitions id from working to completed.
func (s *SQLite) CompleteTask(id, result string) (*models.Task, bool, error) {
	now := time.Now().UTC()
	return s.transition(id,
		`status = ?, result = ?, updated_at = ?`,
		`status = ?`,
		models.TaskStatusCompleted, result, now, id, models.TaskStatusWorking)
}

// FailTask transitions id from pending or working to failed.
func (s *SQLite) FailTask(id, errMsg string) (*models.Task, bool, error) {
	now := time.Now().UTC()
	return s.transition(id,
		`status = ?, error = ?, updated_at = ?`,
		`status IN (?, ?)`,
		models.TaskStatusFailed, errMsg, now, id, models.TaskStatusPending, models.TaskStatusWorking)
}

// CancelTask transitions id from pending or working to cancelled.
func (s *SQLite) CancelTask(id string) (*models.Task, bool, error) {
	now := time.Now().UTC()
	return s.transition(id,
		`status = ?, updated_at = ?`,
		`status IN (?, ?)`,
		models.TaskStatusCancelled, now, id, models.TaskStatusPending, models.TaskStatusWorking)
}

// ExpireTask fails id only while it is still pending.
func (s *SQLite) ExpireTask(id, errMsg string) (*models.Task, bool, error) {
	now := time.Now().UTC()
	return s.transition(id,
		`status = ?, error = ?, updated_at = ?`,
		`status = ?`,
		models.TaskStatusFailed, errMsg, now, id, models.TaskStatusPending)
}

// RequeueTask returns a working task claimed by claimant to pending.
func (s *SQLite) RequeueTask(id, claimant string) (*models.Task, bool, error) {
	now := time.Now().UTC()
	return s.transition(id,
		`status = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?`,
		`status = ? AND claimed_by = ?`,
		models.TaskStatusPending, now, id, models.TaskStatusWorking, claimant)
}

// --- Worker operations ---

// UpsertWorker inserts or updates a worker record, preserving registration
// time and last heartbeat on re-registration.
func (s *SQLite) UpsertWorker(w *models.Worker) error {
	caps, _ := json.Marshal(w.Capabilities)
	cbs, _ := json.Marshal(w.Codebases)
	_, err := s.db.Exec(`
		INSERT INTO workers (id, name, hostname, capabilities, codebases, global, last_seen, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hostname = excluded.hostname,
			capabilities = excluded.capabilities,
			codebases = excluded.codebases,
			global = excluded.global`,
		w.ID, w.Name, w.Hostname, string(caps), string(cbs), boolInt(w.Global), w.LastSeen, w.RegisteredAt)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

func scanWorker(row interface{ Scan(...any) error }) (*models.Worker, error) {
	var w models.Worker
	var hostname sql.NullString
	var caps, cbs string
	var global int
	var lastSeen sql.NullTime

	err := row.Scan(&w.ID, &w.Name, &hostname, &caps, &cbs, &global, &lastSeen, &w.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	w.Hostname = hostname.String
	w.Global = global != 0
	if lastSeen.Valid {
		w.LastSeen = lastSeen.Time
	}
	json.Unmarshal([]byte(caps), &w.Capabilities)
	json.Unmarshal([]byte(cbs), &w.Codebases)
	return &w, nil
}

// GetWorker retrieves a worker by id.
func (s *SQLite) GetWorker(id string) (*models.Worker, error) {
	row := s.db.QueryRow(`SELECT id, name, hostname, capabilities, codebases, global, last_seen, registered_at FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

// ListWorkers returns all registered workers.
func (s *SQLite) ListWorkers() ([]models.Worker, error) {
	rows, err := s.db.Query(`SELECT id, name, hostname, capabilities, codebases, global, last_seen, registered_at FROM workers ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var workers []models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

// TouchWorker refreshes a worker's heartbeat timestamp.
func (s *SQLite) TouchWorker(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE workers SET last_seen = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Codebase operations ---

// PutCodebase inserts or replaces a codebase record.
func (s *SQLite) PutCodebase(c *models.Codebase) error {
	_, err := s.db.Exec(`
		INSERT INTO codebases (id, name, path, worker_id, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			worker_id = excluded.worker_id,
			description = excluded.description`,
		c.ID, c.Name, c.Path, nullStr(c.WorkerID), c.Description, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("put codebase: %w", err)
	}
	return nil
}

func scanCodebase(row interface{ Scan(...any) error }) (*models.Codebase, error) {
	var c models.Codebase
	var workerID, description sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Path, &workerID, &description, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan codebase: %w", err)
	}
	c.WorkerID = workerID.String
	c.Description = description.String
	return &c, nil
}

// GetCodebase retrieves a codebase by id.
func (s *SQLite) GetCodebase(id string) (*models.Codebase, error) {
	row := s.db.QueryRow(`SELECT id, name, path, worker_id, description, created_at FROM codebases WHERE id = ?`, id)
	return scanCodebase(row)
}

// ListCodebases returns all registered codebases.
func (s *SQLite) ListCodebases() ([]models.Codebase, error) {
	rows, err := s.db.Query(`SELECT id, name, path, worker_id, description, created_at FROM codebases ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query codebases: %w", err)
	}
	defer rows.Close()

	var out []models.Codebase
	for rows.Next() {
		c, err := scanCodebase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ConfirmCodebase assigns ownership of a pending codebase to workerID.
func (s *SQLite) ConfirmCodebase(id, workerID string) (*models.Codebase, bool, error) {
	res, err := s.db.Exec(`UPDATE codebases SET worker_id = ? WHERE id = ? AND worker_id = ?`,
		workerID, id, models.PendingOwner)
	if err != nil {
		return nil, false, fmt.Errorf("confirm codebase: %w", err)
	}
	n, _ := res.RowsAffected()
	cb, gerr := s.GetCodebase(id)
	if gerr != nil {
		return nil, false, gerr
	}
	return cb, n > 0, nil
}

// --- Ralph run operations ---

// CreateRun inserts a run record.
func (s *SQLite) CreateRun(r *models.RalphRun) error {
	stories, _ := json.Marshal(r.Stories)
	results, _ := json.Marshal(r.Results)
	_, err := s.db.Exec(`
		INSERT INTO ralph_runs (id, status, stories, results, current_story, max_iterations, codebase_id, branch, halt_on_failure, mode, cancel_requested, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, string(stories), string(results), r.CurrentStory, r.MaxIterations,
		r.CodebaseID, r.Branch, boolInt(r.HaltOnFailure), r.Mode, boolInt(r.CancelRequested),
		nullStr(r.Error), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (*models.RalphRun, error) {
	var r models.RalphRun
	var stories, results string
	var branch, errMsg sql.NullString
	var halt, cancel int

	err := row.Scan(&r.ID, &r.Status, &stories, &results, &r.CurrentStory, &r.MaxIterations,
		&r.CodebaseID, &branch, &halt, &r.Mode, &cancel, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Branch = branch.String
	r.Error = errMsg.String
	r.HaltOnFailure = halt != 0
	r.CancelRequested = cancel != 0
	json.Unmarshal([]byte(stories), &r.Stories)
	json.Unmarshal([]byte(results), &r.Results)
	return &r, nil
}

const runColumns = `id, status, stories, results, current_story, max_iterations, codebase_id, branch, halt_on_failure, mode, cancel_requested, error, created_at, updated_at`

// GetRun retrieves a run by id.
func (s *SQLite) GetRun(id string) (*models.RalphRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM ralph_runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns all runs, newest first.
func (s *SQLite) ListRuns() ([]models.RalphRun, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM ralph_runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []models.RalphRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateRun replaces a run record.
func (s *SQLite) UpdateRun(r *models.RalphRun) error {
	stories, _ := json.Marshal(r.Stories)
	results, _ := json.Marshal(r.Results)
	res, err := s.db.Exec(`
		UPDATE ralph_runs SET status = ?, stories = ?, results = ?, current_story = ?, max_iterations = ?,
			codebase_id = ?, branch = ?, halt_on_failure = ?, mode = ?, cancel_requested = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		r.Status, string(stories), string(results), r.CurrentStory, r.MaxIterations,
		r.CodebaseID, r.Branch, boolInt(r.HaltOnFailure), r.Mode, boolInt(r.CancelRequested),
		nullStr(r.Error), time.Now().UTC(), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestRunCancel flips the cooperative cancel flag on a non-terminal run.
func (s *SQLite) RequestRunCancel(id string) (*models.RalphRun, bool, error) {
	res, err := s.db.Exec(`UPDATE ralph_runs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		time.Now().UTC(), id, models.RunStatusPending, models.RunStatusRunning)
	if err != nil {
		return nil, false, fmt.Errorf("request cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	run, gerr := s.GetRun(id)
	if gerr != nil {
		return nil, false, gerr
	}
	return run, n > 0, nil
}

// --- Decision records ---

// AppendDecision writes an audit decision record.
func (s *SQLite) AppendDecision(d *models.DecisionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO decisions (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Action, d.InputsHash, d.Outcome, nullStr(d.TaskID), d.Details, d.Timestamp)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// ListDecisions returns decision records, optionally filtered by task id.
func (s *SQLite) ListDecisions(taskID string) ([]models.DecisionRecord, error) {
	query := `SELECT id, action, inputs_hash, outcome, task_id, details, timestamp FROM decisions`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []models.DecisionRecord
	for rows.Next() {
		var d models.DecisionRecord
		var tid sql.NullString
		if err := rows.Scan(&d.ID, &d.Action, &d.InputsHash, &d.Outcome, &tid, &d.Details, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.TaskID = tid.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
