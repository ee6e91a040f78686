// Package agent is the worker-side loop: it registers with the control
// plane, listens for work, claims what it can, and runs it through a
// connector.
package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fentz26/fleet/internal/broker"
	"github.com/fentz26/fleet/internal/connectors"
	"github.com/fentz26/fleet/internal/models"
)

const (
	// DefaultPollInterval is the fallback task poll cadence used when
	// the notification stream is quiet or down.
	DefaultPollInterval = 5 * time.Second
	// DefaultHeartbeatInterval keeps the worker inside the roster's
	// liveness window.
	DefaultHeartbeatInterval = 20 * time.Second
	// DefaultSlots caps concurrently executing tasks.
	DefaultSlots = 1
)

// Config describes the worker.
type Config struct {
	Name              string
	Hostname          string
	Capabilities      []string
	Codebases         []string
	Global            bool
	WorkRoot          string
	Slots             int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Agent runs the worker loop.
type Agent struct {
	client    *Client
	connector connectors.Connector
	cfg       Config
	logger    *log.Logger

	worker *models.Worker

	mu   sync.Mutex
	busy map[string]bool
}

// New constructs an Agent.
func New(client *Client, conn connectors.Connector, cfg Config, logger *log.Logger) *Agent {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Agent{
		client:    client,
		connector: conn,
		cfg:       cfg,
		logger:    logger,
		busy:      make(map[string]bool),
	}
}

// Run registers the worker and processes tasks until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	w, err := a.client.Register(ctx, &models.Worker{
		Name:         a.cfg.Name,
		Hostname:     a.cfg.Hostname,
		Capabilities: a.cfg.Capabilities,
		Codebases:    a.cfg.Codebases,
		Global:       a.cfg.Global,
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	a.worker = w
	a.logger.Printf("agent: registered as %s (%s)", w.ID, w.Name)

	go a.heartbeatLoop(ctx)

	events := a.subscribe(ctx)
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	// initial sweep picks up tasks announced before we connected
	a.drainQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				// stream lost; polling still covers us while we retry
				events = a.subscribe(ctx)
				continue
			}
			if evt.Type == broker.EventTaskAvailable {
				a.drainQueue(ctx)
			}
		case <-ticker.C:
			a.drainQueue(ctx)
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.client.Heartbeat(ctx, a.worker.ID); err != nil {
				a.logger.Printf("agent: heartbeat: %v", err)
			}
		}
	}
}

// subscribe opens the notification stream, returning a channel that is
// closed immediately when the stream cannot be opened. The caller's
// poll ticker carries the loop through outages.
func (a *Agent) subscribe(ctx context.Context) <-chan broker.Event {
	if ctx.Err() != nil {
		closed := make(chan broker.Event)
		close(closed)
		return closed
	}
	events, err := a.client.Events(ctx, a.worker.ID, a.cfg.Codebases, a.cfg.Capabilities)
	if err != nil {
		a.logger.Printf("agent: event stream unavailable, polling only: %v", err)
		closed := make(chan broker.Event)
		close(closed)
		// avoid hot-looping on a dead stream
		time.Sleep(a.cfg.PollInterval)
		return closed
	}
	a.logger.Printf("agent: notification stream connected")
	return events
}

// drainQueue claims and starts as many pending tasks as free slots
// allow. Lost races are expected and skipped quietly.
func (a *Agent) drainQueue(ctx context.Context) {
	if a.freeSlots() == 0 {
		return
	}
	pending, err := a.client.PendingTasks(ctx)
	if err != nil {
		a.logger.Printf("agent: list pending: %v", err)
		return
	}
	for i := range pending {
		if a.freeSlots() == 0 {
			return
		}
		task := pending[i]
		claimed, conflict, err := a.client.Claim(ctx, task.ID, a.worker.ID)
		if err != nil {
			// ineligibility and transient errors both mean "not ours"
			continue
		}
		if conflict != nil {
			continue
		}
		a.startTask(ctx, claimed)
	}
}

func (a *Agent) freeSlots() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Slots - len(a.busy)
}

func (a *Agent) startTask(ctx context.Context, task *models.Task) {
	a.mu.Lock()
	if len(a.busy) >= a.cfg.Slots {
		a.mu.Unlock()
		return
	}
	a.busy[task.ID] = true
	a.mu.Unlock()

	a.logger.Printf("agent: executing task %s (%s)", task.ID, task.Title)
	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.busy, task.ID)
			a.mu.Unlock()
		}()
		a.execute(ctx, task)
	}()
}

func (a *Agent) execute(ctx context.Context, task *models.Task) {
	workDir, err := a.resolveWorkDir(ctx, task)
	if err != nil {
		a.report(ctx, task.ID, false, err.Error())
		return
	}
	res, err := a.connector.Run(ctx, connectors.RunRequest{
		TaskID:    task.ID,
		AgentType: task.AgentType,
		Prompt:    buildPrompt(task),
		WorkDir:   workDir,
	})
	if err != nil {
		a.report(ctx, task.ID, false, err.Error())
		return
	}
	if res.Passed {
		a.report(ctx, task.ID, true, res.Output)
	} else {
		a.report(ctx, task.ID, false, fmt.Sprintf("agent exited %d: %s", res.ExitCode, tail(res.Output, 2000)))
	}
}

func (a *Agent) resolveWorkDir(ctx context.Context, task *models.Task) (string, error) {
	if task.CodebaseID == models.GlobalCodebase {
		if a.cfg.WorkRoot == "" {
			return "", fmt.Errorf("no work root configured for global tasks")
		}
		return a.cfg.WorkRoot, nil
	}
	cb, err := a.client.GetCodebase(ctx, task.CodebaseID)
	if err != nil {
		return "", fmt.Errorf("resolve codebase %s: %w", task.CodebaseID, err)
	}
	if cb.Path == "" {
		return "", fmt.Errorf("codebase %s has no local path", task.CodebaseID)
	}
	return cb.Path, nil
}

func (a *Agent) report(ctx context.Context, taskID string, passed bool, detail string) {
	var err error
	if passed {
		err = a.client.Complete(ctx, taskID, detail)
	} else {
		err = a.client.Fail(ctx, taskID, detail)
	}
	if err != nil {
		a.logger.Printf("agent: report task %s: %v", taskID, err)
		return
	}
	a.logger.Printf("agent: task %s reported (passed=%v)", taskID, passed)
}

func buildPrompt(task *models.Task) string {
	if task.Description == "" {
		return task.Title
	}
	return task.Title + "\n\n" + task.Description
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
