// Package engine drives the implement -> commit/push/PR -> review ->
// iterate loop for one run at a time. Each state executes as a single step;
// every transition and side effect is appended to the run's event log so a
// killed engine resumes from disk without replaying side effects.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmacy/vibe-orchestrator/internal/agents"
	"github.com/mmacy/vibe-orchestrator/internal/events"
	"github.com/mmacy/vibe-orchestrator/internal/ghsvc"
	"github.com/mmacy/vibe-orchestrator/internal/gitsvc"
	"github.com/mmacy/vibe-orchestrator/internal/runstore"
)

// Default per-step timeouts.
const (
	ImplementerTimeout = 30 * time.Minute
	ReviewerTimeout    = 15 * time.Minute
	GitGHTimeout       = 2 * time.Minute
)

// GitService is the git surface the engine needs. *gitsvc.Service is the
// real implementation; tests substitute fakes.
type GitService interface {
	CreateWorktree(ctx context.Context, repoRoot, worktreePath, branch, baseBranch string) error
	HasChanges(ctx context.Context, worktreePath string) (bool, error)
	CommitAll(ctx context.Context, worktreePath, message string) (string, error)
	Push(ctx context.Context, worktreePath, remote, branch string) error
	DiffStat(ctx context.Context, worktreePath, baseBranch string) (string, error)
	BudgetedDiff(ctx context.Context, worktreePath, baseBranch string, budget gitsvc.DiffBudget) (string, error)
}

// GitHubService is the PR/comment surface. *ghsvc.Client and *ghsvc.Fake
// both satisfy it.
type GitHubService interface {
	FindPR(ctx context.Context, branch string) (*ghsvc.PR, error)
	CreatePR(ctx context.Context, branch, baseBranch, title, body string) (*ghsvc.PR, error)
	CreateComment(ctx context.Context, prNumber int, body string) (int64, error)
	UpdateComment(ctx context.Context, commentID int64, body string) error
}

// AgentRunner executes one agent step; *agents.Runner is the real one.
type AgentRunner interface {
	Run(ctx context.Context, p agents.RunParams) (map[string]any, error)
}

// Config holds the engine's knobs. Zero values pick the defaults.
type Config struct {
	RepoRoot           string
	BaseBranch         string
	Remote             string
	ImplementerTimeout time.Duration
	ReviewerTimeout    time.Duration
	GitGHTimeout       time.Duration
	DiffBudget         gitsvc.DiffBudget
}

func (c *Config) applyDefaults() {
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.Remote == "" {
		c.Remote = "origin"
	}
	if c.ImplementerTimeout == 0 {
		c.ImplementerTimeout = ImplementerTimeout
	}
	if c.ReviewerTimeout == 0 {
		c.ReviewerTimeout = ReviewerTimeout
	}
	if c.GitGHTimeout == 0 {
		c.GitGHTimeout = GitGHTimeout
	}
	if c.DiffBudget.MaxFiles == 0 {
		c.DiffBudget.MaxFiles = 25
	}
	if c.DiffBudget.MaxBytes == 0 {
		c.DiffBudget.MaxBytes = 200_000
	}
	if c.DiffBudget.MaxHunksPerFile == 0 {
		c.DiffBudget.MaxHunksPerFile = 8
	}
}

// Engine owns exactly one run at a time. Instantiate independent engines
// for concurrent runs on disjoint run ids.
type Engine struct {
	Config   Config
	Registry *runstore.Registry

	// OnEvent mirrors every appended event to an external sink (UI, logger).
	OnEvent func(ev events.Event)

	git         GitService
	gh          GitHubService
	implementer AgentRunner
	reviewer    AgentRunner

	now func() time.Time

	persist       *runstore.Persistence
	snap          *runstore.Snapshot
	artifacts     *runstore.Artifacts
	commitMessage string

	cancelled  atomic.Bool
	stepMu     sync.Mutex
	cancelStep context.CancelFunc
}

func New(cfg Config, git GitService, gh GitHubService, implementer, reviewer AgentRunner) *Engine {
	cfg.applyDefaults()
	return &Engine{
		Config:      cfg,
		Registry:    runstore.NewRegistry(cfg.RepoRoot),
		git:         git,
		gh:          gh,
		implementer: implementer,
		reviewer:    reviewer,
		now:         time.Now,
	}
}

// Snapshot returns the active run's snapshot (nil before CreateRun/LoadRun).
func (e *Engine) Snapshot() *runstore.Snapshot { return e.snap }

// CreateRun registers a new run and makes it the engine's active run.
func (e *Engine) CreateRun(task, implementerAgent, reviewerAgent string) (string, error) {
	p, snap, ev, err := e.Registry.CreateRun(task, implementerAgent, reviewerAgent)
	if err != nil {
		return "", err
	}
	e.persist = p
	e.snap = snap
	e.artifacts, err = p.LoadArtifacts()
	if err != nil {
		return "", err
	}
	e.commitMessage = ""
	e.cancelled.Store(false)
	// The registry already appended the event; mirror it to the sink only.
	if e.OnEvent != nil {
		e.OnEvent(ev)
	}
	return snap.RunID, nil
}

// LoadRun restores a run from disk and makes it the active run.
func (e *Engine) LoadRun(runID string) (*runstore.Snapshot, error) {
	p := e.Registry.Persistence(runID)
	snap, err := p.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	artifacts, err := p.LoadArtifacts()
	if err != nil {
		return nil, err
	}
	e.persist = p
	e.snap = snap
	e.artifacts = artifacts
	e.commitMessage = ""
	e.cancelled.Store(false)
	return snap, nil
}

// Cancel requests cooperative cancellation. The flag is honoured between
// steps; an in-flight agent subprocess is torn down immediately through
// the step context.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
	e.stepMu.Lock()
	if e.cancelStep != nil {
		e.cancelStep()
	}
	e.stepMu.Unlock()
}

// Run drives the state machine until a terminal state and returns it.
func (e *Engine) Run(ctx context.Context) (runstore.State, error) {
	if e.snap == nil {
		return "", fmt.Errorf("no active run")
	}
	lock, err := runstore.AcquireLock(e.persist.RunDir())
	if err != nil {
		return "", err
	}
	defer func() { _ = lock.Release() }()

	for !e.snap.State.Terminal() && !e.cancelled.Load() {
		e.step(ctx)
	}

	if e.cancelled.Load() && !e.snap.State.Terminal() {
		_ = e.transitionTo(runstore.StateCancelled, "")
		e.emit(events.RunCancelled, map[string]any{"run_id": e.snap.RunID})
	}
	return e.snap.State, nil
}

// step executes exactly one state's work. Failures become the FAILED
// terminal state; cancellation never does.
func (e *Engine) step(ctx context.Context) {
	stepCtx, cancel := context.WithCancel(ctx)
	e.stepMu.Lock()
	e.cancelStep = cancel
	e.stepMu.Unlock()
	defer func() {
		e.stepMu.Lock()
		e.cancelStep = nil
		e.stepMu.Unlock()
		cancel()
	}()

	var err error
	switch e.snap.State {
	case runstore.StateCreated:
		err = e.transitionTo(runstore.StatePrepareWorkspace, "")

	case runstore.StatePrepareWorkspace:
		if err = e.prepareWorkspace(stepCtx); err == nil {
			err = e.transitionTo(runstore.StateImplementerRunning, "")
		}

	case runstore.StateImplementerRunning:
		if err = e.runImplementer(stepCtx); err == nil {
			err = e.transitionTo(runstore.StateCommitPushPR, "")
		}

	case runstore.StateCommitPushPR:
		if err = e.commitPushPR(stepCtx); err == nil {
			err = e.transitionTo(runstore.StateReviewerRunning, "")
		}

	case runstore.StateReviewerRunning:
		var verdict string
		if verdict, err = e.runReviewer(stepCtx); err == nil {
			if verdict == "approved" {
				if err = e.transitionTo(runstore.StateApproved, ""); err == nil {
					e.emit(events.RunApproved, map[string]any{
						"run_id":    e.snap.RunID,
						"iteration": e.snap.Iteration,
					})
				}
			} else {
				err = e.transitionTo(runstore.StateChangesRequested, "")
			}
		}

	case runstore.StateChangesRequested:
		e.snap.Iteration++
		err = e.transitionTo(runstore.StateImplementerRunning,
			fmt.Sprintf("Iteration %d: addressing requested changes", e.snap.Iteration))

	default:
		err = fmt.Errorf("cannot step from state %s", e.snap.State)
	}

	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		// The cancel flag drives the CANCELLED transition between steps.
		e.cancelled.Store(true)
		return
	}
	e.handleFailure(err)
}

func (e *Engine) handleFailure(cause error) {
	reason := strings.TrimSpace(cause.Error())
	if reason == "" {
		reason = "run failed"
	}
	e.emit(events.ErrorOccurred, map[string]any{
		"run_id":     e.snap.RunID,
		"error_type": classifyError(cause),
		"message":    reason,
	})
	e.snap.FailureReason = reason
	_ = e.transitionTo(runstore.StateFailed, reason)
	e.emit(events.RunFailed, map[string]any{
		"run_id": e.snap.RunID,
		"reason": reason,
	})
}

func classifyError(err error) string {
	var (
		agentErr   *agents.Error
		timeoutErr *agents.TimeoutError
		gitErr     *gitsvc.CommandError
		ghErr      *ghsvc.CommandError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &agentErr):
		return "agent"
	case errors.As(err, &gitErr):
		return "git"
	case errors.As(err, &ghErr):
		return "github"
	default:
		return "internal"
	}
}

// transitionTo moves the run to a new state and persists the snapshot.
// Terminal states are final; transitioning out of one is an error.
func (e *Engine) transitionTo(to runstore.State, reason string) error {
	if e.snap.State.Terminal() {
		return fmt.Errorf("run %s is terminal (%s)", e.snap.RunID, e.snap.State)
	}
	from := e.snap.State
	data := map[string]any{
		"run_id":     e.snap.RunID,
		"from_state": string(from),
		"to_state":   string(to),
	}
	if reason != "" {
		data["reason"] = reason
	}
	ev := events.NewAt(e.now(), events.StateChanged, data)
	e.snap.State = to
	e.snap.UpdatedAt = ev.TS
	e.append(ev)
	return e.persist.SaveSnapshot(e.snap)
}

// emit builds an event stamped with the engine clock and appends it.
func (e *Engine) emit(t events.Type, data map[string]any) {
	e.append(events.NewAt(e.now(), t, data))
}

func (e *Engine) append(ev events.Event) {
	_ = e.persist.AppendEvent(ev)
	if e.OnEvent != nil {
		e.OnEvent(ev)
	}
}

// prepareWorkspace materialises the run's worktree. The path is
// deterministic, so an existing worktree is reused as-is.
func (e *Engine) prepareWorkspace(ctx context.Context) error {
	worktree := e.persist.WorktreePath()
	reused := false
	if _, err := os.Stat(worktree); err == nil {
		reused = true
	} else {
		if err := e.git.CreateWorktree(ctx, e.Config.RepoRoot, worktree, e.snap.Branch, e.Config.BaseBranch); err != nil {
			return err
		}
	}
	e.snap.WorktreePath = worktree
	e.artifacts.WorktreePath = worktree
	e.emit(events.WorktreeCreated, map[string]any{
		"run_id":        e.snap.RunID,
		"worktree_path": worktree,
		"branch":        e.snap.Branch,
		"reused":        reused,
	})
	if err := e.persist.SaveArtifacts(e.artifacts); err != nil {
		return err
	}
	return e.persist.SaveSnapshot(e.snap)
}

func (e *Engine) runImplementer(ctx context.Context) error {
	if e.snap.WorktreePath == "" {
		return fmt.Errorf("worktree does not exist")
	}

	prompt := BuildImplementerPrompt(e.snap)
	schema := agents.ImplementerSchema()
	if err := e.persist.SavePrompt("implementer", prompt); err != nil {
		return err
	}
	if err := e.persist.SaveSchema("implementer", schema); err != nil {
		return err
	}

	result, err := e.implementer.Run(ctx, agents.RunParams{
		RunID:       e.snap.RunID,
		WorktreeDir: e.snap.WorktreePath,
		Prompt:      prompt,
		Schema:      schema,
		SchemaPath:  e.persist.SchemaPath("implementer"),
		OutputPath:  e.persist.OutputPath("implementer"),
		Timeout:     e.Config.ImplementerTimeout,
		Sink:        e.append,
	})
	if err != nil {
		return wrapAgentErr("implementer", err)
	}

	e.snap.LastImplementerSummary, _ = result["summary"].(string)
	e.snap.LastImplementerTests = runstore.TestsFromOutput(result)
	e.commitMessage, _ = result["commit_message"].(string)
	e.saveAgentOutput("implementer", result)
	return e.persist.SaveSnapshot(e.snap)
}

func (e *Engine) commitPushPR(ctx context.Context) error {
	worktree := e.snap.WorktreePath

	hasChanges, err := e.git.HasChanges(ctx, worktree)
	if err != nil {
		return err
	}
	if !hasChanges {
		return fmt.Errorf("Implementer made no changes")
	}

	message := e.commitMessage
	if message == "" {
		message = "Agent changes"
	}
	sha, err := e.git.CommitAll(ctx, worktree, message)
	if err != nil {
		return err
	}
	e.artifacts.LastCommitSHA = sha
	e.emit(events.CommitCreated, map[string]any{
		"run_id":     e.snap.RunID,
		"commit_sha": sha,
		"message":    message,
	})

	if err := e.git.Push(ctx, worktree, e.Config.Remote, e.snap.Branch); err != nil {
		return err
	}
	e.emit(events.PushCompleted, map[string]any{
		"run_id": e.snap.RunID,
		"branch": e.snap.Branch,
	})

	pr, err := e.gh.FindPR(ctx, e.snap.Branch)
	if err != nil {
		return err
	}
	if pr != nil {
		e.emit(events.PRUpdated, map[string]any{
			"run_id":    e.snap.RunID,
			"pr_number": pr.Number,
			"pr_url":    pr.URL,
		})
	} else {
		title := "Vibe Orchestrator: " + e.snap.Slug
		body := fmt.Sprintf("Run: %s\n\nTask:\n%s", e.snap.RunID, e.snap.Task)
		pr, err = e.gh.CreatePR(ctx, e.snap.Branch, e.Config.BaseBranch, title, body)
		if err != nil {
			return err
		}
		e.emit(events.PRCreated, map[string]any{
			"run_id":    e.snap.RunID,
			"pr_number": pr.Number,
			"pr_url":    pr.URL,
		})
	}

	e.artifacts.PRNumber = pr.Number
	e.artifacts.PRURL = pr.URL
	e.snap.PRNumber = pr.Number
	e.snap.PRURL = pr.URL
	if err := e.persist.SaveArtifacts(e.artifacts); err != nil {
		return err
	}
	if err := e.persist.SaveSnapshot(e.snap); err != nil {
		return err
	}

	// Refresh only: the comment is first created when the reviewer round
	// has a verdict to publish.
	return e.updateCoordinationComment(ctx, false)
}

func (e *Engine) runReviewer(ctx context.Context) (string, error) {
	if e.snap.WorktreePath == "" {
		return "", fmt.Errorf("worktree does not exist")
	}

	diffStat, err := e.git.DiffStat(ctx, e.snap.WorktreePath, e.Config.BaseBranch)
	if err != nil {
		return "", err
	}
	budgetedDiff, err := e.git.BudgetedDiff(ctx, e.snap.WorktreePath, e.Config.BaseBranch, e.Config.DiffBudget)
	if err != nil {
		return "", err
	}

	prompt := BuildReviewerPrompt(e.snap, e.artifacts, diffStat, budgetedDiff)
	schema := agents.ReviewerSchema()
	if err := e.persist.SavePrompt("reviewer", prompt); err != nil {
		return "", err
	}
	if err := e.persist.SaveSchema("reviewer", schema); err != nil {
		return "", err
	}

	result, err := e.reviewer.Run(ctx, agents.RunParams{
		RunID:       e.snap.RunID,
		WorktreeDir: e.snap.WorktreePath,
		Prompt:      prompt,
		Schema:      schema,
		SchemaPath:  e.persist.SchemaPath("reviewer"),
		OutputPath:  e.persist.OutputPath("reviewer"),
		Timeout:     e.Config.ReviewerTimeout,
		Sink:        e.append,
	})
	if err != nil {
		return "", wrapAgentErr("reviewer", err)
	}

	verdict, _ := result["verdict"].(string)
	if verdict == "" {
		verdict = "changes_requested"
	}
	e.snap.LastReviewerVerdict = verdict
	e.snap.LastRequestedChanges = runstore.ChangesFromOutput(result)
	e.saveAgentOutput("reviewer", result)
	if err := e.persist.SaveSnapshot(e.snap); err != nil {
		return "", err
	}

	if err := e.updateCoordinationComment(ctx, true); err != nil {
		return "", err
	}
	return verdict, nil
}

// coordCommentBody fixes the key order of the fenced JSON block.
type coordCommentBody struct {
	RunID              string                     `json:"run_id"`
	Iteration          int                        `json:"iteration"`
	State              string                     `json:"state"`
	ImplementerSummary string                     `json:"implementer_summary"`
	ReviewerVerdict    string                     `json:"reviewer_verdict"`
	RequestedChanges   []runstore.RequestedChange `json:"requested_changes"`
}

// updateCoordinationComment maintains the run's single coordination
// comment. The first reviewer round creates it (createIfMissing); every
// other caller only refreshes an already-known id, which stays stable for
// the run's lifetime.
func (e *Engine) updateCoordinationComment(ctx context.Context, createIfMissing bool) error {
	if e.artifacts.PRNumber == 0 {
		return nil
	}

	payload := coordCommentBody{
		RunID:              e.snap.RunID,
		Iteration:          e.snap.Iteration,
		State:              string(e.snap.State),
		ImplementerSummary: e.snap.LastImplementerSummary,
		ReviewerVerdict:    e.snap.LastReviewerVerdict,
		RequestedChanges:   e.snap.LastRequestedChanges,
	}
	if payload.RequestedChanges == nil {
		payload.RequestedChanges = []runstore.RequestedChange{}
	}
	blob, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	body := fmt.Sprintf("[vibe-orch v1][run:%s]\n\n```json\n%s\n```", e.snap.RunID, blob)

	if e.artifacts.CoordCommentID != 0 {
		if err := e.gh.UpdateComment(ctx, e.artifacts.CoordCommentID, body); err != nil {
			return err
		}
		e.emit(events.CommentUpdated, map[string]any{
			"run_id":     e.snap.RunID,
			"comment_id": e.artifacts.CoordCommentID,
		})
		return nil
	}
	if !createIfMissing {
		return nil
	}

	commentID, err := e.gh.CreateComment(ctx, e.artifacts.PRNumber, body)
	if err != nil {
		return err
	}
	e.artifacts.CoordCommentID = commentID
	e.snap.CoordCommentID = commentID
	e.emit(events.CommentCreated, map[string]any{
		"run_id":     e.snap.RunID,
		"comment_id": commentID,
		"pr_number":  e.artifacts.PRNumber,
	})
	if err := e.persist.SaveArtifacts(e.artifacts); err != nil {
		return err
	}
	return e.persist.SaveSnapshot(e.snap)
}

// saveAgentOutput persists the validated output beside the run's other
// artifacts. Best-effort: the event log already carries the payload.
func (e *Engine) saveAgentOutput(role string, result map[string]any) {
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(e.persist.OutputPath(role), b, 0o644)
}

func wrapAgentErr(role string, err error) error {
	var timeoutErr *agents.TimeoutError
	if errors.As(err, &timeoutErr) {
		return fmt.Errorf("%s timed out after %s: %w", role, timeoutErr.Timeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var agentErr *agents.Error
	if errors.As(err, &agentErr) {
		return fmt.Errorf("%s failed: %w", role, err)
	}
	return err
}
