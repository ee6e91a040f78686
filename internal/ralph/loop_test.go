package ralph

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/fleet/internal/audit"
	"github.com/fentz26/fleet/internal/broker"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/registry"
	"github.com/fentz26/fleet/internal/roster"
	"github.com/fentz26/fleet/internal/store"
)

type fixture struct {
	store    store.Store
	registry *registry.Registry
	broker   *broker.Broker
	loop     *Loop
	worker   *models.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	s := store.NewMemory()
	ros := roster.New(s, roster.WithLogger(quiet))
	b := broker.New(broker.WithLogger(quiet))
	reg := registry.New(s, ros, b, audit.NewRecorder(s, quiet), registry.WithLogger(quiet))
	lp := New(s, reg, b, WithLogger(quiet), WithPollInterval(10*time.Millisecond))

	w, err := ros.Register(&models.Worker{Name: "sim", Global: true, Capabilities: []string{"build"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.PutCodebase(&models.Codebase{ID: "cb-1", Name: "app", WorkerID: w.ID, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("PutCodebase: %v", err)
	}
	return &fixture{store: s, registry: reg, broker: b, loop: lp, worker: w}
}

// simulate claims and settles every pending task using decide until ctx
// is done.
func (f *fixture) simulate(ctx context.Context, t *testing.T, decide func(task *models.Task) (pass bool, msg string)) {
	t.Helper()
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			pending, err := f.registry.List(ctx, store.TaskFilter{Status: models.TaskStatusPending})
			if err != nil {
				continue
			}
			for i := range pending {
				task, conflict, err := f.registry.Claim(ctx, pending[i].ID, f.worker.ID)
				if err != nil || conflict != nil || task == nil {
					continue
				}
				if pass, msg := decide(task); pass {
					f.registry.Complete(ctx, task.ID, msg)
				} else {
					f.registry.Fail(ctx, task.ID, msg)
				}
			}
		}
	}()
}

func startRun(t *testing.T, f *fixture, doc *Document) *models.RalphRun {
	t.Helper()
	run, err := f.loop.Start(doc)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return run
}

func twoStoryDoc() *Document {
	doc, _ := ParseDocument([]byte(`
codebase: cb-1
max_iterations: 3
stories:
  - title: user can log in
    acceptance:
      - login form accepts valid credentials
  - title: user can log out
`))
	return doc
}

func TestRunAllStoriesPass(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f.simulate(ctx, t, func(task *models.Task) (bool, string) {
		return true, "implemented"
	})

	run := startRun(t, f, twoStoryDoc())
	res, err := f.loop.Run(ctx, run.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != ExitCompleted {
		t.Errorf("reason = %q, want completed", res.Reason)
	}
	if res.Run.Status != models.RunStatusCompleted {
		t.Errorf("status = %q, want completed", res.Run.Status)
	}
	for i, sr := range res.Run.Results {
		if sr.Status != models.StoryStatusPassed || sr.Iterations != 1 {
			t.Errorf("story %d result: %+v", i, sr)
		}
	}
}

func TestRunRetriesCarryNarrative(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	var prompts []string
	attempt := 0
	f.simulate(ctx, t, func(task *models.Task) (bool, string) {
		mu.Lock()
		prompts = append(prompts, task.Description)
		attempt++
		n := attempt
		mu.Unlock()
		if n < 3 {
			return false, "tests red"
		}
		return true, "tests green"
	})

	doc, _ := ParseDocument([]byte(`
codebase: cb-1
max_iterations: 3
stories:
  - title: flaky feature
`))
	run := startRun(t, f, doc)
	res, err := f.loop.Run(ctx, run.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != ExitCompleted {
		t.Fatalf("reason = %q, want completed", res.Reason)
	}
	sr := res.Run.Results[0]
	if sr.Status != models.StoryStatusPassed || sr.Iterations != 3 {
		t.Errorf("story result: %+v", sr)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(prompts))
	}
	if strings.Contains(prompts[0], "Progress so far") {
		t.Error("first attempt should carry no narrative")
	}
	if !strings.Contains(prompts[1], "attempt 1: tests red") {
		t.Errorf("second prompt missing narrative: %q", prompts[1])
	}
	if !strings.Contains(prompts[2], "same failure as previous attempt") {
		t.Errorf("third prompt should flag the repeat: %q", prompts[2])
	}
}

func TestRunHaltsOnExhaustedBudget(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f.simulate(ctx, t, func(task *models.Task) (bool, string) {
		return false, "never works"
	})

	doc, _ := ParseDocument([]byte(`
codebase: cb-1
max_iterations: 2
halt_on_failure: true
stories:
  - title: impossible
  - title: never reached
`))
	run := startRun(t, f, doc)
	res, err := f.loop.Run(ctx, run.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != ExitHalted {
		t.Errorf("reason = %q, want halted", res.Reason)
	}
	if res.Run.Status != models.RunStatusFailed {
		t.Errorf("status = %q, want failed", res.Run.Status)
	}
	if got := res.Run.Results[0]; got.Status != models.StoryStatusFailedFinal || got.Iterations != 2 {
		t.Errorf("first story result: %+v", got)
	}
	if got := res.Run.Results[1]; got.Status != models.StoryStatusPending {
		t.Errorf("second story should stay untouched, got %+v", got)
	}
}

func TestRunSkipsPastFailedStory(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f.simulate(ctx, t, func(task *models.Task) (bool, string) {
		if strings.HasPrefix(task.Title, "impossible") {
			return false, "never works"
		}
		return true, "done"
	})

	doc, _ := ParseDocument([]byte(`
codebase: cb-1
max_iterations: 2
stories:
  - title: impossible
  - title: easy
`))
	run := startRun(t, f, doc)
	res, err := f.loop.Run(ctx, run.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != ExitFailed {
		t.Errorf("reason = %q, want failed", res.Reason)
	}
	if got := res.Run.Results[0]; got.Status != models.StoryStatusFailedFinal {
		t.Errorf("first story result: %+v", got)
	}
	if got := res.Run.Results[1]; got.Status != models.StoryStatusPassed {
		t.Errorf("skip must still attempt later stories, got %+v", got)
	}
}

func TestCancelHonoredAtStoryBoundary(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run := startRun(t, f, twoStoryDoc())
	f.simulate(ctx, t, func(task *models.Task) (bool, string) {
		// request cancellation while the first story is in flight; the
		// story must still finish before the run stops
		f.store.RequestRunCancel(run.ID)
		return true, "done"
	})

	res, err := f.loop.Run(ctx, run.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != ExitCancelled {
		t.Errorf("reason = %q, want cancelled", res.Reason)
	}
	if res.Run.Status != models.RunStatusCancelled {
		t.Errorf("status = %q, want cancelled", res.Run.Status)
	}
	if got := res.Run.Results[0]; got.Status != models.StoryStatusPassed {
		t.Errorf("in-flight story must settle before cancel, got %+v", got)
	}
	if got := res.Run.Results[1]; got.Status != models.StoryStatusPending {
		t.Errorf("second story should never start, got %+v", got)
	}
}

func TestCancelStopsRetriesAfterIterationSettles(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doc, err := ParseDocument([]byte("codebase: cb-1\nmax_iterations: 5\nstories:\n  - title: flaky story\n"))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	run := startRun(t, f, doc)
	f.simulate(ctx, t, func(task *models.Task) (bool, string) {
		// cancel arrives while attempt 1 is in flight; the remaining
		// budget must not be spent
		f.store.RequestRunCancel(run.ID)
		return false, "broken build"
	})

	res, err := f.loop.Run(ctx, run.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != ExitCancelled {
		t.Errorf("reason = %q, want cancelled", res.Reason)
	}
	if res.Run.Status != models.RunStatusCancelled {
		t.Errorf("status = %q, want cancelled", res.Run.Status)
	}
	if got := res.Run.Results[0]; got.Iterations != 1 || got.Status != models.StoryStatusFailedRetry {
		t.Errorf("story after cancel: %+v", got)
	}
	tasks, err := f.registry.List(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("%d tasks dispatched, want 1", len(tasks))
	}
}

func TestRunRejectsTerminalRun(t *testing.T) {
	f := newFixture(t)
	run := startRun(t, f, twoStoryDoc())
	run.Status = models.RunStatusCompleted
	if err := f.store.UpdateRun(run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	if _, err := f.loop.Run(context.Background(), run.ID); err == nil {
		t.Error("expected error for terminal run")
	}
}

func TestParseDocument(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing codebase", "stories:\n  - title: x\n"},
		{"global codebase", "codebase: global\nstories:\n  - title: x\n"},
		{"no stories", "codebase: cb-1\n"},
		{"untitled story", "codebase: cb-1\nstories:\n  - description: x\n"},
		{"duplicate ids", "codebase: cb-1\nstories:\n  - {id: s, title: a}\n  - {id: s, title: b}\n"},
		{"parallel mode", "codebase: cb-1\nmode: parallel\nstories:\n  - title: x\n"},
		{"negative budget", "codebase: cb-1\nmax_iterations: -1\nstories:\n  - title: x\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseDocument([]byte(tc.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	doc, err := ParseDocument([]byte("codebase: cb-1\nstories:\n  - title: x\n"))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	run := doc.NewRun()
	if run.MaxIterations != DefaultMaxIterations {
		t.Errorf("max iterations = %d, want default %d", run.MaxIterations, DefaultMaxIterations)
	}
	if run.Mode != models.RunModeSequential {
		t.Errorf("mode = %q, want sequential", run.Mode)
	}
	if run.Stories[0].ID != "story-1" {
		t.Errorf("generated id = %q", run.Stories[0].ID)
	}
	if run.Results[0].Status != models.StoryStatusPending {
		t.Errorf("initial result: %+v", run.Results[0])
	}
}
