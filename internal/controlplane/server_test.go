package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/fleet/internal/broker"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/store"
)

func newTestServer(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	svc := NewService(context.Background(), store.NewMemory(), quiet)
	ts := httptest.NewServer(NewServer(svc, quiet).Handler())
	t.Cleanup(ts.Close)
	return svc, ts
}

func doJSON(t *testing.T, method, url string, body any, wantStatus int, out any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s = %d, want %d: %s", method, url, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode response: %v: %s", err, raw)
		}
	}
}

func seedCodebase(t *testing.T, svc *Service, id string) {
	t.Helper()
	err := svc.Store.PutCodebase(&models.Codebase{ID: id, Name: id, CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("PutCodebase: %v", err)
	}
}

func registerWorker(t *testing.T, ts *httptest.Server, name string, codebases ...string) models.Worker {
	t.Helper()
	var w models.Worker
	doJSON(t, http.MethodPost, ts.URL+"/api/workers",
		map[string]any{"name": name, "global": true, "capabilities": []string{"build"}, "codebases": codebases},
		http.StatusCreated, &w)
	return w
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	var out map[string]any
	doJSON(t, http.MethodGet, ts.URL+"/health", nil, http.StatusOK, &out)
	if out["status"] != "ok" {
		t.Errorf("health = %v", out)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	svc, ts := newTestServer(t)
	seedCodebase(t, svc, "cb-1")
	w1 := registerWorker(t, ts, "w1", "cb-1")
	w2 := registerWorker(t, ts, "w2", "cb-1")

	var task models.Task
	doJSON(t, http.MethodPost, ts.URL+"/api/tasks",
		map[string]any{"title": "fix bug", "codebase_id": "cb-1", "agent_type": "build", "priority": 2},
		http.StatusCreated, &task)
	if task.ID == "" || task.Status != models.TaskStatusPending {
		t.Fatalf("created task: %+v", task)
	}

	var claimed models.Task
	doJSON(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/claim",
		map[string]string{"worker_id": w1.ID}, http.StatusOK, &claimed)
	if claimed.ClaimedBy != w1.ID {
		t.Errorf("claimed: %+v", claimed)
	}

	// racing claim surfaces as 409 with the holder named
	var conflictResp struct {
		Conflict struct {
			ClaimedBy string `json:"claimed_by"`
		} `json:"conflict"`
	}
	doJSON(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/claim",
		map[string]string{"worker_id": w2.ID}, http.StatusConflict, &conflictResp)
	if conflictResp.Conflict.ClaimedBy != w1.ID {
		t.Errorf("conflict: %+v", conflictResp)
	}

	var done models.Task
	doJSON(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/complete",
		map[string]string{"result": "patched"}, http.StatusOK, &done)
	if done.Status != models.TaskStatusCompleted {
		t.Errorf("completed: %+v", done)
	}

	// repeated completion is a no-op, a different terminal is a 409
	doJSON(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/complete",
		map[string]string{"result": "patched"}, http.StatusOK, nil)
	doJSON(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/cancel", nil, http.StatusConflict, nil)

	var decisions struct {
		Decisions []models.DecisionRecord `json:"decisions"`
	}
	doJSON(t, http.MethodGet, ts.URL+"/api/tasks/"+task.ID+"/decisions", nil, http.StatusOK, &decisions)
	if len(decisions.Decisions) == 0 {
		t.Error("expected recorded decisions")
	}
}

func TestTaskValidationAndNotFound(t *testing.T) {
	svc, ts := newTestServer(t)
	seedCodebase(t, svc, "cb-1")

	doJSON(t, http.MethodPost, ts.URL+"/api/tasks",
		map[string]any{"codebase_id": "cb-1"}, http.StatusBadRequest, nil)
	doJSON(t, http.MethodGet, ts.URL+"/api/tasks/nope", nil, http.StatusNotFound, nil)
	doJSON(t, http.MethodPut, ts.URL+"/api/tasks", nil, http.StatusMethodNotAllowed, nil)
}

func TestListTasksFilterByStatus(t *testing.T) {
	svc, ts := newTestServer(t)
	seedCodebase(t, svc, "cb-1")
	w := registerWorker(t, ts, "w", "cb-1")

	var a, b models.Task
	doJSON(t, http.MethodPost, ts.URL+"/api/tasks",
		map[string]any{"title": "a", "codebase_id": "cb-1"}, http.StatusCreated, &a)
	doJSON(t, http.MethodPost, ts.URL+"/api/tasks",
		map[string]any{"title": "b", "codebase_id": "cb-1"}, http.StatusCreated, &b)
	doJSON(t, http.MethodPost, ts.URL+"/api/tasks/"+a.ID+"/claim",
		map[string]string{"worker_id": w.ID}, http.StatusOK, nil)

	var list struct {
		Tasks []models.Task `json:"tasks"`
	}
	doJSON(t, http.MethodGet, ts.URL+"/api/tasks?status=pending", nil, http.StatusOK, &list)
	if len(list.Tasks) != 1 || list.Tasks[0].ID != b.ID {
		t.Errorf("pending tasks: %+v", list.Tasks)
	}
}

func TestWorkerRegistrationAndHeartbeat(t *testing.T) {
	_, ts := newTestServer(t)
	w := registerWorker(t, ts, "builder")
	if w.ID == "" {
		t.Fatal("expected generated worker id")
	}

	doJSON(t, http.MethodPost, ts.URL+"/api/workers/"+w.ID+"/heartbeat", nil, http.StatusOK, nil)
	doJSON(t, http.MethodPost, ts.URL+"/api/workers/nope/heartbeat", nil, http.StatusNotFound, nil)

	var list struct {
		Workers []struct {
			models.Worker
			Connected bool `json:"connected"`
		} `json:"workers"`
	}
	doJSON(t, http.MethodGet, ts.URL+"/api/workers", nil, http.StatusOK, &list)
	if len(list.Workers) != 1 || !list.Workers[0].Connected {
		t.Errorf("workers: %+v", list.Workers)
	}
}

func TestPendingCodebaseFlow(t *testing.T) {
	svc, ts := newTestServer(t)
	w := registerWorker(t, ts, "claimer")

	var cb models.Codebase
	doJSON(t, http.MethodPost, ts.URL+"/api/codebases",
		map[string]string{"name": "webapp"}, http.StatusCreated, &cb)
	if cb.WorkerID != models.PendingOwner {
		t.Fatalf("codebase should start pending: %+v", cb)
	}

	// a global onboarding task was enqueued for any worker
	tasks, err := svc.Registry.List(context.Background(), store.TaskFilter{CodebaseID: models.GlobalCodebase})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 1 || !strings.Contains(tasks[0].Title, "webapp") {
		t.Fatalf("global tasks: %+v", tasks)
	}

	var confirmed models.Codebase
	doJSON(t, http.MethodPost, ts.URL+"/api/codebases/"+cb.ID+"/confirm",
		map[string]string{"worker_id": w.ID, "path": "/srv/webapp"}, http.StatusOK, &confirmed)
	if confirmed.WorkerID != w.ID || confirmed.Path != "/srv/webapp" {
		t.Errorf("confirmed: %+v", confirmed)
	}

	// confirming again from another worker is rejected
	w2 := registerWorker(t, ts, "late")
	doJSON(t, http.MethodPost, ts.URL+"/api/codebases/"+cb.ID+"/confirm",
		map[string]string{"worker_id": w2.ID}, http.StatusBadRequest, nil)
}

func TestRunCreateAndCancelOverHTTP(t *testing.T) {
	svc, ts := newTestServer(t)
	seedCodebase(t, svc, "cb-1")

	doc := "codebase: cb-1\nstories:\n  - title: story one\n"
	resp, err := http.Post(ts.URL+"/api/runs", "application/yaml", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("POST /api/runs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	var run models.RalphRun
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if len(run.Stories) != 1 {
		t.Fatalf("run: %+v", run)
	}

	var cancelled models.RalphRun
	doJSON(t, http.MethodPost, ts.URL+"/api/runs/"+run.ID+"/cancel", nil, http.StatusOK, &cancelled)
	if !cancelled.CancelRequested {
		t.Errorf("cancel flag not set: %+v", cancelled)
	}

	var list struct {
		Runs []models.RalphRun `json:"runs"`
	}
	doJSON(t, http.MethodGet, ts.URL+"/api/runs", nil, http.StatusOK, &list)
	if len(list.Runs) != 1 {
		t.Errorf("runs: %+v", list.Runs)
	}
}

func TestEventStream(t *testing.T) {
	svc, ts := newTestServer(t)
	seedCodebase(t, svc, "cb-web")

	resp, err := http.Get(ts.URL + "/api/events?codebases=cb-web")
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// wait for the subscription before publishing
	deadline := time.Now().Add(2 * time.Second)
	for svc.Broker.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	doJSON(t, http.MethodPost, ts.URL+"/api/tasks",
		map[string]any{"title": "streamed", "codebase_id": "cb-web"}, http.StatusCreated, nil)

	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		if scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	select {
	case line := <-lines:
		var evt broker.Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		if evt.Type != broker.EventTaskAvailable || evt.Title != "streamed" {
			t.Errorf("event: %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestEventStreamHeartbeatsSubscribingWorker(t *testing.T) {
	svc, ts := newTestServer(t)
	w := registerWorker(t, ts, "streamer")

	// backdate the worker well outside any liveness window
	stale := time.Now().UTC().Add(-time.Hour)
	if err := svc.Store.TouchWorker(w.ID, stale); err != nil {
		t.Fatalf("TouchWorker: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/events?worker_id=" + w.ID)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// opening the stream alone counts as a heartbeat
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := svc.Roster.Get(w.ID)
		if err != nil {
			t.Fatalf("Get worker: %v", err)
		}
		if got.LastSeen.After(stale.Add(time.Minute)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("LastSeen never refreshed, still %s", got.LastSeen)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunDocumentValidationOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/runs", "application/yaml", strings.NewReader("codebase: cb-1\n"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
