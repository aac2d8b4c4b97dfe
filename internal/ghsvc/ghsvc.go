// Package ghsvc talks to GitHub through the gh CLI: PR lookup/creation and
// the single canonical coordination comment per run.
package ghsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mmacy/vibe-orchestrator/internal/procrun"
)

// DefaultTimeout bounds every gh invocation.
const DefaultTimeout = 120 * time.Second

// CommandError reports a failed gh invocation.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("gh %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// PR identifies a pull request by number and URL.
type PR struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Client shells out to gh in the repository root. The repository's
// owner/name is resolved once and memoised.
type Client struct {
	RepoRoot string
	Timeout  time.Duration

	mu            sync.Mutex
	nameWithOwner string
}

func New(repoRoot string) *Client {
	return &Client{RepoRoot: repoRoot, Timeout: DefaultTimeout}
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{"gh"}, args...)
	res, err := procrun.Command(ctx, c.RepoRoot, c.Timeout, argv...)
	if err != nil {
		return "", &CommandError{Args: args, Err: err}
	}
	if res.TimedOut {
		return "", &CommandError{Args: args, Stderr: res.Stderr,
			Err: fmt.Errorf("timed out after %s", c.Timeout)}
	}
	if res.ExitCode != 0 {
		return "", &CommandError{Args: args, Stderr: res.Stderr,
			Err: fmt.Errorf("exit status %d", res.ExitCode)}
	}
	return res.Stdout, nil
}

// RepoNameWithOwner returns "owner/name" for the repository.
func (c *Client) RepoNameWithOwner(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nameWithOwner != "" {
		return c.nameWithOwner, nil
	}
	out, err := c.run(ctx, "repo", "view", "--json", "nameWithOwner", "--jq", ".nameWithOwner")
	if err != nil {
		return "", err
	}
	c.nameWithOwner = strings.TrimSpace(out)
	return c.nameWithOwner, nil
}

// FindPR returns the first open PR whose head is branch, or nil.
func (c *Client) FindPR(ctx context.Context, branch string) (*PR, error) {
	out, err := c.run(ctx,
		"pr", "list", "--head", branch, "--state", "open",
		"--json", "number,url", "--jq", ".[0]")
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" || out == "null" {
		return nil, nil
	}
	var pr PR
	if err := json.Unmarshal([]byte(out), &pr); err != nil || pr.Number == 0 {
		return nil, nil
	}
	return &pr, nil
}

// CreatePR opens a pull request and parses its number and URL.
func (c *Client) CreatePR(ctx context.Context, branch, baseBranch, title, body string) (*PR, error) {
	out, err := c.run(ctx,
		"pr", "create", "--head", branch, "--base", baseBranch,
		"--title", title, "--body", body, "--json", "number,url")
	if err != nil {
		return nil, err
	}
	var pr PR
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &pr); err != nil {
		return nil, fmt.Errorf("parse pr create response: %w", err)
	}
	return &pr, nil
}

// CreateComment posts an issue comment on the PR and returns its id. The
// Issues Comment API is used because it reports comment ids reliably.
func (c *Client) CreateComment(ctx context.Context, prNumber int, body string) (int64, error) {
	nameWithOwner, err := c.RepoNameWithOwner(ctx)
	if err != nil {
		return 0, err
	}
	out, err := c.run(ctx, "api", "-X", "POST",
		fmt.Sprintf("repos/%s/issues/%d/comments", nameWithOwner, prNumber),
		"-f", "body="+body)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &resp); err != nil || resp.ID == 0 {
		return 0, fmt.Errorf("parse comment create response: %w", err)
	}
	return resp.ID, nil
}

// UpdateComment replaces the body of an existing comment.
func (c *Client) UpdateComment(ctx context.Context, commentID int64, body string) error {
	nameWithOwner, err := c.RepoNameWithOwner(ctx)
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "api", "-X", "PATCH",
		fmt.Sprintf("repos/%s/issues/comments/%d", nameWithOwner, commentID),
		"-f", "body="+body)
	return err
}
