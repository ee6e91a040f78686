package scm

import (
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	// a first commit so branches have a base
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	g := NewGit(log.New(io.Discard, "", 0))
	if err := g.Commit(context.Background(), dir, "init"); err != nil {
		t.Fatalf("initial commit: %v", err)
	}
	return dir
}

func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestCommitAndCleanTreeNoop(t *testing.T) {
	dir := initRepo(t)
	g := NewGit(log.New(io.Discard, "", 0))
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "feature.txt"), []byte("done\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := g.Commit(ctx, dir, "add feature"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := gitOut(t, dir, "log", "-1", "--format=%s"); got != "add feature" {
		t.Errorf("last commit = %q", got)
	}

	// nothing changed, nothing committed
	before := gitOut(t, dir, "rev-parse", "HEAD")
	if err := g.Commit(ctx, dir, "empty"); err != nil {
		t.Fatalf("Commit on clean tree: %v", err)
	}
	if after := gitOut(t, dir, "rev-parse", "HEAD"); after != before {
		t.Error("clean tree should not produce a commit")
	}
}

func TestEnsureBranch(t *testing.T) {
	dir := initRepo(t)
	g := NewGit(log.New(io.Discard, "", 0))
	ctx := context.Background()

	if err := g.EnsureBranch(ctx, dir, "feature/login"); err != nil {
		t.Fatalf("EnsureBranch: %v", err)
	}
	if got := gitOut(t, dir, "rev-parse", "--abbrev-ref", "HEAD"); got != "feature/login" {
		t.Errorf("branch = %q", got)
	}

	// switching back and re-ensuring reuses the branch
	gitOut(t, dir, "checkout", "-")
	if err := g.EnsureBranch(ctx, dir, "feature/login"); err != nil {
		t.Fatalf("EnsureBranch existing: %v", err)
	}
	if got := gitOut(t, dir, "rev-parse", "--abbrev-ref", "HEAD"); got != "feature/login" {
		t.Errorf("branch = %q", got)
	}

	// empty branch is a no-op
	if err := g.EnsureBranch(ctx, dir, ""); err != nil {
		t.Errorf("EnsureBranch empty: %v", err)
	}
}
