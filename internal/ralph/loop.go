package ralph

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fentz26/fleet/internal/broker"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/registry"
	"github.com/fentz26/fleet/internal/scm"
	"github.com/fentz26/fleet/internal/store"
)

// DefaultPollInterval is how often the loop re-reads a dispatched task
// when no notification arrives.
const DefaultPollInterval = 5 * time.Second

// ExitReason says why a run stopped.
type ExitReason string

const (
	// ExitCompleted means every story passed.
	ExitCompleted ExitReason = "completed"
	// ExitFailed means at least one story exhausted its budget and the
	// run continued to the end.
	ExitFailed ExitReason = "failed"
	// ExitHalted means a story exhausted its budget and the run was
	// configured to stop there.
	ExitHalted ExitReason = "halted"
	// ExitCancelled means a cancel request was honored once the
	// iteration in flight settled.
	ExitCancelled ExitReason = "cancelled"
)

// Result summarizes a finished run.
type Result struct {
	Reason ExitReason
	Run    *models.RalphRun
}

// Loop executes runs. It creates one task per story attempt, waits for
// a worker to settle it, and carries only a progress narrative between
// attempts.
type Loop struct {
	store     store.Store
	registry  *registry.Registry
	broker    *broker.Broker
	committer scm.Committer
	logger    *log.Logger
	poll      time.Duration
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop's logger.
func WithLogger(l *log.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithPollInterval overrides the task polling fallback interval.
func WithPollInterval(d time.Duration) Option {
	return func(lp *Loop) { lp.poll = d }
}

// WithCommitter sets the version control backend. Default is no
// commits.
func WithCommitter(c scm.Committer) Option {
	return func(lp *Loop) { lp.committer = c }
}

// New constructs a Loop.
func New(s store.Store, reg *registry.Registry, b *broker.Broker, opts ...Option) *Loop {
	lp := &Loop{
		store:     s,
		registry:  reg,
		broker:    b,
		committer: scm.Noop{},
		logger:    log.Default(),
		poll:      DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(lp)
	}
	return lp
}

// Start persists a new pending run built from doc.
func (lp *Loop) Start(doc *Document) (*models.RalphRun, error) {
	if _, err := lp.store.GetCodebase(doc.Codebase); err != nil {
		return nil, fmt.Errorf("codebase %q: %w", doc.Codebase, err)
	}
	run := doc.NewRun()
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if err := lp.store.CreateRun(run); err != nil {
		return nil, err
	}
	lp.logger.Printf("ralph: run %s created with %d stories on %s", run.ID, len(run.Stories), run.CodebaseID)
	return run, nil
}

// Run executes the run to a terminal status. Cancellation, whether via
// ctx or a stored cancel request, takes effect once the iteration in
// flight settles; a dispatched task is never abandoned mid-attempt.
func (lp *Loop) Run(ctx context.Context, runID string) (*Result, error) {
	run, err := lp.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("run %s already %s", runID, run.Status)
	}

	codebase, err := lp.store.GetCodebase(run.CodebaseID)
	if err != nil {
		return nil, fmt.Errorf("codebase %q: %w", run.CodebaseID, err)
	}
	if run.Branch != "" && codebase.Path != "" {
		if err := lp.committer.EnsureBranch(ctx, codebase.Path, run.Branch); err != nil {
			return nil, err
		}
	}

	run.Status = models.RunStatusRunning
	if err := lp.store.UpdateRun(run); err != nil {
		return nil, err
	}

	for run.CurrentStory < len(run.Stories) {
		if reason, done := lp.checkCancel(ctx, run); done {
			return &Result{Reason: reason, Run: run}, nil
		}

		story := run.Stories[run.CurrentStory]
		passed, cancelled, err := lp.attemptStory(ctx, run, &story, codebase)
		if err != nil {
			run.Status = models.RunStatusFailed
			run.Error = err.Error()
			if uerr := lp.store.UpdateRun(run); uerr != nil {
				lp.logger.Printf("ralph: record failure of run %s: %v", run.ID, uerr)
			}
			return nil, err
		}
		if cancelled {
			return &Result{Reason: ExitCancelled, Run: run}, nil
		}

		if !passed {
			if run.HaltOnFailure {
				run.Status = models.RunStatusFailed
				run.Error = fmt.Sprintf("story %s exhausted %d iterations", story.ID, run.MaxIterations)
				if err := lp.store.UpdateRun(run); err != nil {
					return nil, err
				}
				lp.logger.Printf("ralph: run %s halted at story %s", run.ID, story.ID)
				return &Result{Reason: ExitHalted, Run: run}, nil
			}
			lp.logger.Printf("ralph: run %s skipping past failed story %s", run.ID, story.ID)
		}

		run.CurrentStory++
		if err := lp.store.UpdateRun(run); err != nil {
			return nil, err
		}
	}

	reason := ExitCompleted
	run.Status = models.RunStatusCompleted
	for _, res := range run.Results {
		if res.Status != models.StoryStatusPassed {
			reason = ExitFailed
			run.Status = models.RunStatusFailed
			run.Error = "one or more stories did not pass"
			break
		}
	}
	if err := lp.store.UpdateRun(run); err != nil {
		return nil, err
	}
	lp.logger.Printf("ralph: run %s finished: %s", run.ID, reason)
	return &Result{Reason: reason, Run: run}, nil
}

// checkCancel honors ctx cancellation and the run's stored cancel flag.
// Called between stories and after each settled iteration.
func (lp *Loop) checkCancel(ctx context.Context, run *models.RalphRun) (ExitReason, bool) {
	cancelled := ctx.Err() != nil
	if !cancelled {
		if fresh, err := lp.store.GetRun(run.ID); err == nil && fresh.CancelRequested {
			run.CancelRequested = true
			cancelled = true
		}
	}
	if !cancelled {
		return "", false
	}
	run.Status = models.RunStatusCancelled
	if err := lp.store.UpdateRun(run); err != nil {
		lp.logger.Printf("ralph: record cancellation of run %s: %v", run.ID, err)
	}
	lp.logger.Printf("ralph: run %s cancelled at story %d", run.ID, run.CurrentStory)
	return ExitCancelled, true
}

// attemptStory drives one story to passed or failed_final within the
// run's iteration budget. A pass wins over a pending cancel; otherwise
// the cancel flag is observed as soon as the iteration in flight
// settles, before any further task is dispatched. An error aborts the
// whole run.
func (lp *Loop) attemptStory(ctx context.Context, run *models.RalphRun, story *models.UserStory, codebase *models.Codebase) (passed, cancelled bool, err error) {
	idx := run.CurrentStory
	result := &run.Results[idx]
	result.Status = models.StoryStatusAttempting

	var lastError string
	for iter := 1; iter <= run.MaxIterations; iter++ {
		result.Iterations = iter
		if err := lp.store.UpdateRun(run); err != nil {
			return false, false, err
		}

		task, err := lp.registry.Create(ctx, registry.CreateRequest{
			Title:       fmt.Sprintf("%s (attempt %d)", story.Title, iter),
			Description: lp.buildPrompt(story, result.Narrative),
			AgentType:   models.AgentTypeBuild,
			CodebaseID:  run.CodebaseID,
		})
		if err != nil {
			return false, false, fmt.Errorf("dispatch story %s: %w", story.ID, err)
		}
		lp.logger.Printf("ralph: run %s story %s iteration %d/%d -> task %s",
			run.ID, story.ID, iter, run.MaxIterations, task.ID)

		settled, err := lp.waitForTerminal(ctx, task.ID, run.CodebaseID)
		if err != nil {
			return false, false, err
		}

		switch settled.Status {
		case models.TaskStatusCompleted:
			result.Status = models.StoryStatusPassed
			result.Narrative = appendNarrative(result.Narrative, iter, "passed: "+firstLine(settled.Result))
			if err := lp.store.UpdateRun(run); err != nil {
				return false, false, err
			}
			if codebase.Path != "" {
				msg := fmt.Sprintf("%s\n\ncompleted in %d iteration(s)", story.Title, iter)
				if err := lp.committer.Commit(ctx, codebase.Path, msg); err != nil {
					lp.logger.Printf("ralph: commit for story %s: %v", story.ID, err)
				}
			}
			return true, false, nil
		case models.TaskStatusCancelled:
			return false, false, fmt.Errorf("task %s for story %s was cancelled", settled.ID, story.ID)
		default:
			note := firstLine(settled.Error)
			if note == "" {
				note = "failed without detail"
			}
			if note == lastError {
				note += " (same failure as previous attempt)"
			}
			lastError = firstLine(settled.Error)
			result.Status = models.StoryStatusFailedRetry
			result.Narrative = appendNarrative(result.Narrative, iter, note)
			if err := lp.store.UpdateRun(run); err != nil {
				return false, false, err
			}
			if _, done := lp.checkCancel(ctx, run); done {
				return false, true, nil
			}
		}
	}

	result.Status = models.StoryStatusFailedFinal
	if err := lp.store.UpdateRun(run); err != nil {
		return false, false, err
	}
	return false, false, nil
}

// waitForTerminal blocks until the task settles, listening for update
// events and falling back to polling so a dropped notification cannot
// strand the run.
func (lp *Loop) waitForTerminal(ctx context.Context, taskID, codebaseID string) (*models.Task, error) {
	sub := lp.broker.Subscribe(broker.Filter{CodebaseIDs: []string{codebaseID}})
	defer lp.broker.Unsubscribe(sub.ID)

	ticker := time.NewTicker(lp.poll)
	defer ticker.Stop()

	events := sub.Events()
	for {
		task, err := lp.store.GetTask(taskID)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, ok := <-events:
			if !ok {
				// stream closed; polling keeps the loop live
				events = nil
			}
		case <-ticker.C:
		}
	}
}

func (lp *Loop) buildPrompt(story *models.UserStory, narrative string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement the following user story.\n\nStory: %s\n", story.Title)
	if story.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", story.Description)
	}
	if len(story.Acceptance) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, a := range story.Acceptance {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	if narrative != "" {
		b.WriteString("\nProgress so far:\n")
		b.WriteString(narrative)
		b.WriteString("\n")
	}
	return b.String()
}

func appendNarrative(narrative string, iter int, note string) string {
	line := fmt.Sprintf("attempt %d: %s", iter, note)
	if narrative == "" {
		return line
	}
	return narrative + "\n" + line
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
