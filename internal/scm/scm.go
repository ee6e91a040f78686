// Package scm abstracts the version control operations the story loop
// performs after a passing iteration.
package scm

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// Committer records progress in a codebase's version control.
type Committer interface {
	// EnsureBranch switches the repository to branch, creating it if
	// needed. An empty branch is a no-op.
	EnsureBranch(ctx context.Context, dir, branch string) error
	// Commit stages everything and commits with message. Committing a
	// clean tree is a no-op, not an error.
	Commit(ctx context.Context, dir, message string) error
}

// Git is a Committer backed by the git CLI.
type Git struct {
	logger *log.Logger
}

// NewGit constructs a git-backed Committer. A nil logger uses the
// default.
func NewGit(logger *log.Logger) *Git {
	if logger == nil {
		logger = log.Default()
	}
	return &Git{logger: logger}
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// EnsureBranch checks out branch, creating it from the current HEAD if
// it does not exist.
func (g *Git) EnsureBranch(ctx context.Context, dir, branch string) error {
	if branch == "" {
		return nil
	}
	if _, err := g.run(ctx, dir, "rev-parse", "--verify", "refs/heads/"+branch); err != nil {
		g.logger.Printf("scm: creating branch %s in %s", branch, dir)
		_, err = g.run(ctx, dir, "checkout", "-b", branch)
		return err
	}
	_, err := g.run(ctx, dir, "checkout", branch)
	return err
}

// Commit stages all changes and commits them. A clean working tree
// commits nothing.
func (g *Git) Commit(ctx context.Context, dir, message string) error {
	if _, err := g.run(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	status, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}
	if _, err := g.run(ctx, dir, "commit", "-m", message); err != nil {
		return err
	}
	g.logger.Printf("scm: committed in %s: %s", dir, message)
	return nil
}

var _ Committer = (*Git)(nil)

// Noop is a Committer that records nothing. The loop uses it when a
// run does not want commits.
type Noop struct{}

func (Noop) EnsureBranch(context.Context, string, string) error { return nil }
func (Noop) Commit(context.Context, string, string) error       { return nil }
