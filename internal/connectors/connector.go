// Package connectors defines the execution backend a worker uses to run
// an agent against a codebase.
package connectors

import (
	"context"
	"time"

	"github.com/fentz26/fleet/internal/models"
)

// RunRequest describes one agent invocation.
type RunRequest struct {
	TaskID    string
	AgentType models.AgentType
	Prompt    string
	WorkDir   string
	Timeout   time.Duration
}

// RunResult is the outcome of one agent invocation. A non-nil result
// with Passed=false is a normal negative outcome, not an error.
type RunResult struct {
	Output   string
	Passed   bool
	ExitCode int
	Duration time.Duration
}

// Connector executes agent work. Implementations must honor ctx
// cancellation.
type Connector interface {
	Name() string
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}
