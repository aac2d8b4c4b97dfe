// Package runstore owns the on-disk state of orchestrator runs: the
// append-only event log, the derived run.json snapshot, the artifacts
// record, prompt/schema files, the run registry, and the run lock.
//
// events.jsonl is the source of truth; run.json and artifacts.json are
// caches. run.json is rebuilt by replaying the log when it is missing;
// artifacts.json has no replay path, and LoadArtifacts fails when the file
// is missing.
package runstore

import (
	"fmt"

	"github.com/mmacy/vibe-orchestrator/internal/events"
)

type State string

const (
	StateCreated            State = "CREATED"
	StatePrepareWorkspace   State = "PREPARE_WORKSPACE"
	StateImplementerRunning State = "IMPLEMENTER_RUNNING"
	StateCommitPushPR       State = "COMMIT_PUSH_PR"
	StateReviewerRunning    State = "REVIEWER_RUNNING"
	StateChangesRequested   State = "CHANGES_REQUESTED"
	StateApproved           State = "APPROVED"
	StateFailed             State = "FAILED"
	StateCancelled          State = "CANCELLED"
)

// Terminal reports whether a run in this state never transitions again.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateFailed || s == StateCancelled
}

// RequestedChange is one change the reviewer asked for. Path "*" means
// repository-wide. Order is the reviewer's emission order.
type RequestedChange struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Description string `json:"description"`
	Acceptance  string `json:"acceptance"`
}

// TestResult is one test the implementer reported.
type TestResult struct {
	Command string `json:"command"`
	Result  string `json:"result"` // pass | fail | not_run
	Notes   string `json:"notes"`
}

// Snapshot is the run.json cache of a run's current state.
type Snapshot struct {
	RunID                  string            `json:"run_id"`
	Task                   string            `json:"task"`
	Slug                   string            `json:"slug"`
	Branch                 string            `json:"branch"`
	State                  State             `json:"state"`
	Iteration              int               `json:"iteration"`
	CreatedAt              string            `json:"created_at"`
	UpdatedAt              string            `json:"updated_at"`
	ImplementerAgent       string            `json:"implementer_agent"`
	ReviewerAgent          string            `json:"reviewer_agent"`
	WorktreePath           string            `json:"worktree_path,omitempty"`
	PRNumber               int               `json:"pr_number,omitempty"`
	PRURL                  string            `json:"pr_url,omitempty"`
	CoordCommentID         int64             `json:"coord_comment_id,omitempty"`
	LastImplementerSummary string            `json:"last_implementer_summary,omitempty"`
	LastImplementerTests   []TestResult      `json:"last_implementer_tests"`
	LastReviewerVerdict    string            `json:"last_reviewer_verdict,omitempty"`
	LastRequestedChanges   []RequestedChange `json:"last_requested_changes"`
	FailureReason          string            `json:"failure_reason,omitempty"`
}

// Artifacts is the artifacts.json record of externally visible outputs.
type Artifacts struct {
	Branch         string `json:"branch"`
	WorktreePath   string `json:"worktree_path,omitempty"`
	PRNumber       int    `json:"pr_number,omitempty"`
	PRURL          string `json:"pr_url,omitempty"`
	CoordCommentID int64  `json:"coord_comment_id,omitempty"`
	LastCommitSHA  string `json:"last_commit_sha,omitempty"`
}

// TestsFromOutput extracts the tests array from a validated implementer
// output object.
func TestsFromOutput(out map[string]any) []TestResult {
	raw, _ := out["tests"].([]any)
	tests := []TestResult{}
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tests = append(tests, TestResult{
			Command: str(m["command"]),
			Result:  str(m["result"]),
			Notes:   str(m["notes"]),
		})
	}
	return tests
}

// ChangesFromOutput extracts the requested_changes array from a validated
// reviewer output object.
func ChangesFromOutput(out map[string]any) []RequestedChange {
	raw, _ := out["requested_changes"].([]any)
	changes := []RequestedChange{}
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		changes = append(changes, RequestedChange{
			ID:          str(m["id"]),
			Path:        str(m["path"]),
			Description: str(m["description"]),
			Acceptance:  str(m["acceptance"]),
		})
	}
	return changes
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// Replay folds an event list into the snapshot it implies. Replaying a
// run's full events.jsonl yields the same snapshot as the persisted
// run.json.
func Replay(evs []events.Event) (*Snapshot, error) {
	var s *Snapshot
	for _, ev := range evs {
		switch ev.Type {
		case events.RunCreated:
			s = &Snapshot{
				RunID:                ev.String("run_id"),
				Task:                 ev.String("task"),
				Slug:                 ev.String("slug"),
				Branch:               ev.String("branch"),
				State:                StateCreated,
				CreatedAt:            ev.TS,
				UpdatedAt:            ev.TS,
				ImplementerAgent:     ev.String("implementer_agent"),
				ReviewerAgent:        ev.String("reviewer_agent"),
				LastImplementerTests: []TestResult{},
				LastRequestedChanges: []RequestedChange{},
			}
		case events.StateChanged:
			if s == nil {
				return nil, fmt.Errorf("state_changed before run_created")
			}
			from := State(ev.String("from_state"))
			to := State(ev.String("to_state"))
			if from == StateChangesRequested && to == StateImplementerRunning {
				s.Iteration++
			}
			s.State = to
			s.UpdatedAt = ev.TS
		case events.WorktreeCreated:
			if s != nil {
				s.WorktreePath = ev.String("worktree_path")
			}
		case events.AgentOutputValidated:
			if s == nil {
				continue
			}
			out, _ := ev.Data["parsed_output"].(map[string]any)
			switch ev.String("role") {
			case "implementer":
				s.LastImplementerSummary = str(out["summary"])
				s.LastImplementerTests = TestsFromOutput(out)
			case "reviewer":
				s.LastReviewerVerdict = str(out["verdict"])
				s.LastRequestedChanges = ChangesFromOutput(out)
			}
		case events.PRCreated, events.PRUpdated:
			if s != nil {
				if n := ev.Int("pr_number"); n != 0 {
					s.PRNumber = n
				}
				if u := ev.String("pr_url"); u != "" {
					s.PRURL = u
				}
			}
		case events.CommentCreated:
			if s != nil {
				s.CoordCommentID = int64(ev.Int("comment_id"))
			}
		case events.RunFailed:
			if s != nil {
				s.FailureReason = ev.String("reason")
			}
		}
	}
	if s == nil {
		return nil, fmt.Errorf("no run_created event")
	}
	return s, nil
}
