package runstore

import (
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/mmacy/vibe-orchestrator/internal/events"
)

func testPersistence(t *testing.T) *Persistence {
	t.Helper()
	p := NewPersistence(t.TempDir(), "20260201-143012-a1b2c3d4")
	if err := p.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	return p
}

func testSnapshot() *Snapshot {
	return &Snapshot{
		RunID:            "20260201-143012-a1b2c3d4",
		Task:             "Add user authentication",
		Slug:             "add-user-authentication",
		Branch:           "agent/20260201-143012-a1b2c3d4-add-user-authentication",
		State:            StateReviewerRunning,
		Iteration:        1,
		CreatedAt:        "2026-02-01T14:30:12Z",
		UpdatedAt:        "2026-02-01T14:45:00Z",
		ImplementerAgent: "claude",
		ReviewerAgent:    "codex",
		WorktreePath:     "/tmp/wt",
		PRNumber:         7,
		PRURL:            "https://github.com/test/repo/pull/7",
		CoordCommentID:   101,
		LastImplementerSummary: "Added auth module",
		LastImplementerTests: []TestResult{
			{Command: "go test ./...", Result: "pass", Notes: "all green"},
		},
		LastReviewerVerdict: "changes_requested",
		LastRequestedChanges: []RequestedChange{
			{ID: "C1", Path: "auth/login.go", Description: "handle nil", Acceptance: "add guard"},
		},
	}
}

func TestSnapshotSaveLoadIdentity(t *testing.T) {
	p := testPersistence(t)
	want := testSnapshot()
	if err := p.SaveSnapshot(want); err != nil {
		t.Fatal(err)
	}
	got, err := p.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("snapshot round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestArtifactsSaveLoadIdentity(t *testing.T) {
	p := testPersistence(t)
	want := &Artifacts{
		Branch:         "agent/x-y",
		WorktreePath:   "/tmp/wt",
		PRNumber:       7,
		PRURL:          "https://github.com/test/repo/pull/7",
		CoordCommentID: 101,
		LastCommitSHA:  "abc123",
	}
	if err := p.SaveArtifacts(want); err != nil {
		t.Fatal(err)
	}
	got, err := p.LoadArtifacts()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("artifacts round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestAppendAndReadEvents(t *testing.T) {
	p := testPersistence(t)
	ts := time.Date(2026, 2, 1, 14, 30, 12, 0, time.UTC)
	for i, typ := range []events.Type{events.RunCreated, events.StateChanged, events.RunApproved} {
		ev := events.NewAt(ts.Add(time.Duration(i)*time.Second), typ, map[string]any{"run_id": p.RunID})
		if err := p.AppendEvent(ev); err != nil {
			t.Fatal(err)
		}
	}
	evs, err := p.ReadEvents()
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 {
		t.Fatalf("read %d events, want 3", len(evs))
	}
	if evs[0].Type != events.RunCreated || evs[2].Type != events.RunApproved {
		t.Errorf("event order lost: %v %v", evs[0].Type, evs[2].Type)
	}
}

func TestReadEventsSkipsPartialTrailingLine(t *testing.T) {
	p := testPersistence(t)
	if err := p.AppendEvent(events.New(events.RunCreated, map[string]any{"run_id": p.RunID})); err != nil {
		t.Fatal(err)
	}
	// Simulate a kill mid-append.
	f, err := os.OpenFile(p.EventsPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"type":"state_changed","ts":"2026-`); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	evs, err := p.ReadEvents()
	if err != nil {
		t.Fatalf("partial trailing line should be tolerated: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != events.RunCreated {
		t.Errorf("got %+v, want just run_created", evs)
	}
}

func TestReadEventsRejectsMidFileCorruption(t *testing.T) {
	p := testPersistence(t)
	if err := os.WriteFile(p.EventsPath(), []byte(
		"{\"type\":\"run_created\",\"ts\":\"2026-02-01T00:00:00Z\",\"data\":{}}\n"+
			"not json at all\n"+
			"{\"type\":\"run_approved\",\"ts\":\"2026-02-01T00:01:00Z\",\"data\":{}}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ReadEvents(); err == nil {
		t.Error("mid-file corruption should be an error")
	}
}

func TestReadEventsMissingFile(t *testing.T) {
	p := testPersistence(t)
	evs, err := p.ReadEvents()
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 0 {
		t.Errorf("got %d events from missing file", len(evs))
	}
}

func TestLoadSnapshotFallsBackToReplay(t *testing.T) {
	p := testPersistence(t)
	ts := time.Date(2026, 2, 1, 14, 30, 12, 0, time.UTC)
	appendEvent := func(offset time.Duration, typ events.Type, data map[string]any) {
		t.Helper()
		if err := p.AppendEvent(events.NewAt(ts.Add(offset), typ, data)); err != nil {
			t.Fatal(err)
		}
	}
	appendEvent(0, events.RunCreated, map[string]any{
		"run_id": p.RunID, "task": "Add auth", "slug": "add-auth",
		"branch": "agent/" + p.RunID + "-add-auth",
		"implementer_agent": "claude", "reviewer_agent": "claude",
	})
	appendEvent(time.Second, events.StateChanged, map[string]any{
		"run_id": p.RunID, "from_state": "CREATED", "to_state": "PREPARE_WORKSPACE",
	})

	snap, err := p.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StatePrepareWorkspace {
		t.Errorf("replayed state = %s", snap.State)
	}
	if snap.Task != "Add auth" || snap.Slug != "add-auth" {
		t.Errorf("replayed identity fields: %+v", snap)
	}
}

func TestSaveLoadSchema(t *testing.T) {
	p := testPersistence(t)
	schema := map[string]any{"type": "object", "required": []any{"verdict"}}
	if err := p.SaveSchema("reviewer", schema); err != nil {
		t.Fatal(err)
	}
	got, err := p.LoadSchema("reviewer")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, schema) {
		t.Errorf("schema round trip mismatch: %+v", got)
	}
}

func TestPromptPathsAreRoleScoped(t *testing.T) {
	p := testPersistence(t)
	if err := p.SavePrompt("implementer", "do the thing"); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(p.PromptPath("implementer"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "do the thing" {
		t.Errorf("prompt content = %q", b)
	}
}
