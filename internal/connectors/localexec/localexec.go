// Package localexec runs agent binaries as local subprocesses.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"time"

	"github.com/fentz26/fleet/internal/connectors"
	"github.com/fentz26/fleet/internal/models"
)

// DefaultTimeout bounds a single agent invocation when the request does
// not set one.
const DefaultTimeout = 30 * time.Minute

// candidates are the agent binaries probed on PATH, in preference order.
var candidates = []string{"claude", "codex", "aider"}

// Connector executes agent work by shelling out to a local agent binary.
type Connector struct {
	binary  string
	extra   []string
	logger  *log.Logger
	timeout time.Duration
}

// Option configures a Connector.
type Option func(*Connector)

// WithBinary pins the agent binary instead of probing PATH.
func WithBinary(path string) Option {
	return func(c *Connector) { c.binary = path }
}

// WithExtraArgs appends arguments to every invocation.
func WithExtraArgs(args ...string) Option {
	return func(c *Connector) { c.extra = args }
}

// WithLogger sets the connector's logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Connector) { c.logger = l }
}

// WithTimeout sets the default invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) { c.timeout = d }
}

// New constructs a Connector, probing PATH for a known agent binary when
// none is pinned.
func New(opts ...Option) (*Connector, error) {
	c := &Connector{logger: log.Default(), timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	if c.binary == "" {
		bin, err := Detect()
		if err != nil {
			return nil, err
		}
		c.binary = bin
	}
	return c, nil
}

// Detect returns the first known agent binary found on PATH.
func Detect() (string, error) {
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no agent binary found on PATH (tried %v)", candidates)
}

// Name identifies the backend.
func (c *Connector) Name() string { return "localexec" }

// Run invokes the agent binary with the request prompt in the codebase
// working directory. A non-zero exit is reported through RunResult, not
// as an error; errors mean the process could not be run at all.
func (c *Connector) Run(ctx context.Context, req connectors.RunRequest) (*connectors.RunResult, error) {
	if req.WorkDir == "" {
		return nil, errors.New("run request needs a working directory")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, c.extra...)
	args = append(args, AgentArgs(req.AgentType)...)
	args = append(args, "-p", req.Prompt)
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = req.WorkDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	c.logger.Printf("localexec: task %s (%s) via %s in %s", req.TaskID, req.AgentType, c.binary, req.WorkDir)
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("agent timed out after %s", timeout)
	}
	result := &connectors.RunResult{
		Output:   out.String(),
		Duration: elapsed,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("run agent: %w", err)
	}
	result.Passed = true
	return result, nil
}

var _ connectors.Connector = (*Connector)(nil)

// Probe differs from Detect by reporting every candidate's presence,
// for diagnostics.
func Probe() map[string]string {
	found := make(map[string]string)
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			found[name] = path
		}
	}
	return found
}

// AgentArgs maps an agent type to the flags the binary expects.
// Unknown types run with no mode flag.
func AgentArgs(agentType models.AgentType) []string {
	switch agentType {
	case models.AgentTypePlan:
		return []string{"--mode", "plan"}
	case models.AgentTypeExplore:
		return []string{"--mode", "explore"}
	default:
		return nil
	}
}
