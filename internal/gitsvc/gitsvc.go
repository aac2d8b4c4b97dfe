// Package gitsvc shells out to git for the worktree, commit, push, and
// diff operations a run needs. All git operations are owned by the
// orchestrator, never by the agents.
package gitsvc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mmacy/vibe-orchestrator/internal/procrun"
)

// DefaultTimeout bounds every git invocation.
const DefaultTimeout = 120 * time.Second

// CommandError reports a failed git invocation with its captured streams.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// DiffBudget caps the reviewer-facing diff.
type DiffBudget struct {
	MaxFiles        int
	MaxBytes        int
	MaxHunksPerFile int
}

// Service runs git with a uniform timeout. ExcludeGlobs drops changed
// files (doublestar patterns) from budgeted diffs before any cap applies.
type Service struct {
	Timeout      time.Duration
	ExcludeGlobs []string
}

func New() *Service {
	return &Service{Timeout: DefaultTimeout}
}

func (s *Service) run(ctx context.Context, dir string, args ...string) (string, error) {
	argv := append([]string{"git"}, args...)
	res, err := procrun.Command(ctx, dir, s.Timeout, argv...)
	if err != nil {
		return "", &CommandError{Args: args, Err: err}
	}
	if res.TimedOut {
		return "", &CommandError{Args: args, Stdout: res.Stdout, Stderr: res.Stderr,
			Err: fmt.Errorf("timed out after %s", s.Timeout)}
	}
	if res.ExitCode != 0 {
		return "", &CommandError{Args: args, Stdout: res.Stdout, Stderr: res.Stderr,
			Err: fmt.Errorf("exit status %d", res.ExitCode)}
	}
	return res.Stdout, nil
}

// VerifyBaseBranch checks the base branch resolves locally.
func (s *Service) VerifyBaseBranch(ctx context.Context, repoRoot, baseBranch string) error {
	if _, err := s.run(ctx, repoRoot, "rev-parse", "--verify", baseBranch); err != nil {
		return fmt.Errorf("base branch %q does not exist locally: %w", baseBranch, err)
	}
	return nil
}

// VerifyRemote checks the remote is configured.
func (s *Service) VerifyRemote(ctx context.Context, repoRoot, remote string) error {
	if _, err := s.run(ctx, repoRoot, "remote", "get-url", remote); err != nil {
		return fmt.Errorf("remote %q does not exist: %w", remote, err)
	}
	return nil
}

// CreateWorktree materialises worktreePath on a fresh branch cut from
// baseBranch. It fails if the path already exists; callers skip the call
// on retry, which keeps workspace preparation idempotent.
func (s *Service) CreateWorktree(ctx context.Context, repoRoot, worktreePath, branch, baseBranch string) error {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return err
	}
	_, err := s.run(ctx, repoRoot, "worktree", "add", "-b", branch, worktreePath, baseBranch)
	return err
}

// HasChanges reports whether the worktree has any uncommitted changes.
func (s *Service) HasChanges(ctx context.Context, worktreePath string) (bool, error) {
	out, err := s.run(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything, commits, and returns the new HEAD hash.
func (s *Service) CommitAll(ctx context.Context, worktreePath, message string) (string, error) {
	if _, err := s.run(ctx, worktreePath, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := s.run(ctx, worktreePath, "commit", "-m", message); err != nil {
		return "", err
	}
	out, err := s.run(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Push publishes the branch and sets its upstream.
func (s *Service) Push(ctx context.Context, worktreePath, remote, branch string) error {
	_, err := s.run(ctx, worktreePath, "push", "-u", remote, branch)
	return err
}

// DiffStat returns `diff --stat` against the merge base.
func (s *Service) DiffStat(ctx context.Context, worktreePath, baseBranch string) (string, error) {
	return s.run(ctx, worktreePath, "diff", "--stat", baseBranch+"...HEAD")
}

// ChangedFiles returns the lexicographically sorted changed paths.
func (s *Service) ChangedFiles(ctx context.Context, worktreePath, baseBranch string) ([]string, error) {
	out, err := s.run(ctx, worktreePath, "diff", "--name-only", baseBranch+"...HEAD")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	sort.Strings(files)
	return files, nil
}

// FileDiff returns the unified diff (three context lines) for one file.
func (s *Service) FileDiff(ctx context.Context, worktreePath, baseBranch, file string) (string, error) {
	return s.run(ctx, worktreePath, "diff", "-U3", baseBranch+"...HEAD", "--", file)
}

// BudgetedDiff assembles the size-bounded diff the reviewer sees.
func (s *Service) BudgetedDiff(ctx context.Context, worktreePath, baseBranch string, budget DiffBudget) (string, error) {
	files, err := s.ChangedFiles(ctx, worktreePath, baseBranch)
	if err != nil {
		return "", err
	}
	files = filterExcluded(files, s.ExcludeGlobs)
	return buildBudgetedDiff(files, budget, func(file string) (string, error) {
		return s.FileDiff(ctx, worktreePath, baseBranch, file)
	})
}
