package roster

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/store"
)

func newTestRoster(t *testing.T, opts ...Option) *Roster {
	t.Helper()
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	return New(store.NewMemory(), opts...)
}

func register(t *testing.T, r *Roster, w models.Worker) *models.Worker {
	t.Helper()
	got, err := r.Register(&w)
	if err != nil {
		t.Fatalf("Register(%s): %v", w.Name, err)
	}
	return got
}

func seedCodebase(t *testing.T, r *Roster, id, ownerID string) {
	t.Helper()
	err := r.store.PutCodebase(&models.Codebase{ID: id, Name: id, WorkerID: ownerID, CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("PutCodebase(%s): %v", id, err)
	}
}

func TestRegisterAssignsIDAndHeartbeats(t *testing.T) {
	r := newTestRoster(t)
	w := register(t, r, models.Worker{Name: "builder", Capabilities: []string{"build"}})
	if w.ID == "" {
		t.Error("expected generated id")
	}
	if !r.Connected(w) {
		t.Error("freshly registered worker should be connected")
	}

	if _, err := r.Register(&models.Worker{}); err == nil {
		t.Error("expected error for missing name")
	}
}

func TestReRegisterReplacesAffinity(t *testing.T) {
	r := newTestRoster(t)
	w := register(t, r, models.Worker{Name: "builder", Codebases: []string{"cb-1"}})

	w2 := register(t, r, models.Worker{ID: w.ID, Name: "builder", Codebases: []string{"cb-2"}})
	if w2.HasCodebase("cb-1") || !w2.HasCodebase("cb-2") {
		t.Errorf("affinity after re-register: %v", w2.Codebases)
	}
	if !w2.RegisteredAt.Equal(w.RegisteredAt) {
		t.Errorf("RegisteredAt changed: %v -> %v", w.RegisteredAt, w2.RegisteredAt)
	}
}

func TestEligibleAffinity(t *testing.T) {
	r := newTestRoster(t)
	seedCodebase(t, r, "cb-web", "")
	owner := register(t, r, models.Worker{Name: "owner", Codebases: []string{"cb-web"}, Capabilities: []string{"build"}})
	register(t, r, models.Worker{Name: "other", Codebases: []string{"cb-api"}, Capabilities: []string{"build"}})
	register(t, r, models.Worker{Name: "roamer", Global: true, Capabilities: []string{"build"}})

	task := &models.Task{ID: "t-1", AgentType: models.AgentTypeBuild, CodebaseID: "cb-web"}
	got, err := r.Eligible(task)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(got) != 1 || got[0].ID != owner.ID {
		t.Errorf("eligible workers: %+v", got)
	}
}

func TestEligibleOwnedCodebaseAdmitsOnlyOwner(t *testing.T) {
	r := newTestRoster(t)
	owner := register(t, r, models.Worker{Name: "owner"})
	register(t, r, models.Worker{Name: "roamer", Global: true})
	register(t, r, models.Worker{Name: "lister", Codebases: []string{"cb-owned"}})
	seedCodebase(t, r, "cb-owned", owner.ID)

	task := &models.Task{ID: "t-1", AgentType: models.AgentTypeGeneral, CodebaseID: "cb-owned"}
	got, err := r.Eligible(task)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(got) != 1 || got[0].ID != owner.ID {
		t.Errorf("eligible workers for owned codebase: %+v", got)
	}
}

func TestEligiblePendingCodebaseAdmitsNoOne(t *testing.T) {
	r := newTestRoster(t)
	register(t, r, models.Worker{Name: "roamer", Global: true})
	register(t, r, models.Worker{Name: "lister", Codebases: []string{"cb-new"}})
	seedCodebase(t, r, "cb-new", models.PendingOwner)

	task := &models.Task{ID: "t-1", AgentType: models.AgentTypeGeneral, CodebaseID: "cb-new"}
	got, err := r.Eligible(task)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("pending codebase must not route, got %+v", got)
	}
}

func TestEligibleGlobalCodebaseRequiresGlobalFlag(t *testing.T) {
	r := newTestRoster(t)
	register(t, r, models.Worker{Name: "a", Codebases: []string{"cb-1"}})
	register(t, r, models.Worker{Name: "b", Codebases: []string{"cb-2"}})
	g := register(t, r, models.Worker{Name: "g", Global: true})

	task := &models.Task{ID: "t-1", AgentType: models.AgentTypeGeneral, CodebaseID: models.GlobalCodebase}
	got, err := r.Eligible(task)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(got) != 1 || got[0].ID != g.ID {
		t.Errorf("eligible workers for global task: %+v", got)
	}
}

func TestEligibleCapability(t *testing.T) {
	r := newTestRoster(t)
	planner := register(t, r, models.Worker{Name: "planner", Global: true, Capabilities: []string{"plan"}})
	register(t, r, models.Worker{Name: "bare", Global: true})

	task := &models.Task{ID: "t-1", AgentType: models.AgentTypePlan, CodebaseID: models.GlobalCodebase}
	got, err := r.Eligible(task)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(got) != 1 || got[0].ID != planner.ID {
		t.Errorf("eligible for plan task: %+v", got)
	}

	// general tasks require no capability
	task.AgentType = models.AgentTypeGeneral
	got, err = r.Eligible(task)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d eligible workers for general task, want 2", len(got))
	}
}

func TestEligibleExcludesStaleWorkers(t *testing.T) {
	now := time.Now()
	r := newTestRoster(t, WithTTL(30*time.Second), WithClock(func() time.Time { return now }))

	fresh := register(t, r, models.Worker{Name: "fresh", Global: true})
	stale := register(t, r, models.Worker{Name: "stale", Global: true})

	// advance past the TTL, then heartbeat only one worker
	now = now.Add(45 * time.Second)
	if err := r.Heartbeat(fresh.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	task := &models.Task{ID: "t-1", AgentType: models.AgentTypeGeneral, CodebaseID: models.GlobalCodebase}
	got, err := r.Eligible(task)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Errorf("eligible: %+v", got)
	}

	staleW, err := r.Get(stale.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Connected(staleW) {
		t.Error("stale worker should not report connected")
	}
}

func TestCanExecuteIgnoresLiveness(t *testing.T) {
	now := time.Now()
	r := newTestRoster(t, WithTTL(30*time.Second), WithClock(func() time.Time { return now }))
	seedCodebase(t, r, "cb-1", "")
	w := register(t, r, models.Worker{Name: "w", Codebases: []string{"cb-1"}, Capabilities: []string{"build"}})

	now = now.Add(time.Hour)

	task := &models.Task{ID: "t-1", AgentType: models.AgentTypeBuild, CodebaseID: "cb-1"}
	if ok, err := r.CanExecute(w, task); err != nil || !ok {
		t.Errorf("stale but qualified worker: ok=%v err=%v", ok, err)
	}
	// an unregistered codebase routes to no one
	task.CodebaseID = "cb-2"
	if ok, err := r.CanExecute(w, task); err != nil || ok {
		t.Errorf("worker without affinity: ok=%v err=%v", ok, err)
	}
}
