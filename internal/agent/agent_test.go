package agent

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/fleet/internal/connectors"
	"github.com/fentz26/fleet/internal/controlplane"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/registry"
	"github.com/fentz26/fleet/internal/store"
)

type fakeConnector struct {
	mu   sync.Mutex
	runs []connectors.RunRequest
	fail bool
}

func (f *fakeConnector) Name() string { return "fake" }

func (f *fakeConnector) Run(ctx context.Context, req connectors.RunRequest) (*connectors.RunResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return &connectors.RunResult{Output: "red tests", ExitCode: 1}, nil
	}
	return &connectors.RunResult{Output: "all good", Passed: true}, nil
}

func (f *fakeConnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type harness struct {
	svc   *controlplane.Service
	ts    *httptest.Server
	conn  *fakeConnector
	agent *Agent
}

func newHarness(t *testing.T, fail bool) *harness {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	svc := controlplane.NewService(context.Background(), store.NewMemory(), quiet)
	ts := httptest.NewServer(controlplane.NewServer(svc, quiet).Handler())
	t.Cleanup(ts.Close)

	if err := svc.Store.PutCodebase(&models.Codebase{
		ID: "cb-1", Name: "app", Path: t.TempDir(), CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutCodebase: %v", err)
	}

	conn := &fakeConnector{fail: fail}
	ag := New(NewClient(ts.URL), conn, Config{
		Name:         "test-worker",
		Global:       true,
		Codebases:    []string{"cb-1"},
		Capabilities: []string{"build"},
		PollInterval: 20 * time.Millisecond,
		WorkRoot:     t.TempDir(),
	}, quiet)
	return &harness{svc: svc, ts: ts, conn: conn, agent: ag}
}

func createTask(t *testing.T, h *harness, title string) *models.Task {
	t.Helper()
	task, err := h.svc.Registry.Create(context.Background(), registry.CreateRequest{
		Title: title, CodebaseID: "cb-1", AgentType: models.AgentTypeBuild,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func waitForStatus(t *testing.T, h *harness, taskID string, want models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := h.svc.Store.GetTask(taskID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := h.svc.Store.GetTask(taskID)
	t.Fatalf("task %s never reached %s, stuck at %s", taskID, want, task.Status)
	return nil
}

func TestAgentExecutesTask(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.agent.Run(ctx)

	task := createTask(t, h, "build the thing")
	done := waitForStatus(t, h, task.ID, models.TaskStatusCompleted)
	if done.Result != "all good" {
		t.Errorf("result = %q", done.Result)
	}
	if h.conn.count() != 1 {
		t.Errorf("connector ran %d times, want 1", h.conn.count())
	}
}

func TestAgentReportsFailure(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.agent.Run(ctx)

	task := createTask(t, h, "doomed")
	failed := waitForStatus(t, h, task.ID, models.TaskStatusFailed)
	if !strings.Contains(failed.Error, "exited 1") || !strings.Contains(failed.Error, "red tests") {
		t.Errorf("error = %q", failed.Error)
	}
}

func TestAgentPicksUpPreexistingTasks(t *testing.T) {
	h := newHarness(t, false)
	// the task exists before the agent ever connects; the initial
	// sweep and poll fallback must find it without any notification
	task := createTask(t, h, "early bird")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.agent.Run(ctx)

	waitForStatus(t, h, task.ID, models.TaskStatusCompleted)
}

func TestAgentDrainsMultipleTasks(t *testing.T) {
	h := newHarness(t, false)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, createTask(t, h, fmt.Sprintf("task %d", i)).ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.agent.Run(ctx)

	for _, id := range ids {
		waitForStatus(t, h, id, models.TaskStatusCompleted)
	}
	if h.conn.count() != 3 {
		t.Errorf("connector ran %d times, want 3", h.conn.count())
	}
}
