package agents

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mmacy/vibe-orchestrator/internal/events"
)

// scriptDriver runs a shell snippet per invocation; the snippet sees the
// attempt marker file so tests can script first-try vs repair behaviour.
type scriptDriver struct {
	script string
}

func (d *scriptDriver) DefaultExecutable() string { return "sh" }
func (d *scriptDriver) Name() string              { return "Script" }

func (d *scriptDriver) BuildCommand(p CommandParams) (Command, error) {
	return Command{Argv: []string{"sh", "-c", d.script}}, nil
}

func (d *scriptDriver) ExtractOutput(stdout, stderr, outputPath string) string {
	return stdout
}

func collectSink(types *[]events.Type) func(events.Event) {
	return func(ev events.Event) { *types = append(*types, ev.Type) }
}

func containsInOrder(haystack []events.Type, needles ...events.Type) bool {
	i := 0
	for _, t := range haystack {
		if i < len(needles) && t == needles[i] {
			i++
		}
	}
	return i == len(needles)
}

const validJSONEcho = `echo '{"type":"implementer_result","summary":"ok","commit_message":"msg","tests":[],"notes":[]}'`

func TestRunValidFirstAttempt(t *testing.T) {
	r := &Runner{Driver: &scriptDriver{script: validJSONEcho}, Role: RoleImplementer}
	var seen []events.Type
	out, err := r.Run(context.Background(), RunParams{
		RunID:       "r1",
		WorktreeDir: t.TempDir(),
		Prompt:      "do it",
		Schema:      ImplementerSchema(),
		Timeout:     30 * time.Second,
		Sink:        collectSink(&seen),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out["summary"] != "ok" {
		t.Errorf("out = %+v", out)
	}
	if !containsInOrder(seen,
		events.ProcessStarted, events.ProcessExited,
		events.AgentOutputReceived, events.AgentOutputValidated) {
		t.Errorf("event order = %v", seen)
	}
	for _, typ := range seen {
		if typ == events.AgentRepairRequested {
			t.Error("repair requested on a valid first attempt")
		}
	}
}

func TestRunRepairSucceeds(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "attempted")
	script := fmt.Sprintf(
		`if [ -f %q ]; then %s; else touch %q; echo 'complete garbage'; fi`,
		marker, validJSONEcho, marker)

	r := &Runner{Driver: &scriptDriver{script: script}, Role: RoleImplementer}
	var seen []events.Type
	out, err := r.Run(context.Background(), RunParams{
		RunID:       "r2",
		WorktreeDir: dir,
		Prompt:      "do it",
		Schema:      ImplementerSchema(),
		Timeout:     30 * time.Second,
		Sink:        collectSink(&seen),
	})
	if err != nil {
		t.Fatalf("repair should have recovered: %v", err)
	}
	if out["summary"] != "ok" {
		t.Errorf("out = %+v", out)
	}
	if !containsInOrder(seen,
		events.AgentOutputInvalid, events.AgentRepairRequested, events.AgentOutputValidated) {
		t.Errorf("event order = %v", seen)
	}
}

func TestRunDoubleInvalidFails(t *testing.T) {
	r := &Runner{Driver: &scriptDriver{script: `echo 'still garbage'`}, Role: RoleImplementer}
	var seen []events.Type
	_, err := r.Run(context.Background(), RunParams{
		RunID:       "r3",
		WorktreeDir: t.TempDir(),
		Prompt:      "do it",
		Schema:      ImplementerSchema(),
		Timeout:     30 * time.Second,
		Sink:        collectSink(&seen),
	})
	var agentErr *Error
	if !errors.As(err, &agentErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if !containsInOrder(seen,
		events.AgentOutputInvalid, events.AgentRepairRequested, events.AgentOutputInvalid) {
		t.Errorf("event order = %v", seen)
	}
	if agentErr.RawOutput == "" {
		t.Error("latest raw output not carried on the error")
	}
	if want := "invalid after repair"; !errors.As(err, &agentErr) || !strings.Contains(agentErr.Message, want) {
		t.Errorf("message %q missing %q", agentErr.Message, want)
	}
	// Exactly one repair attempt: two invocations total.
	count := 0
	for _, typ := range seen {
		if typ == events.ProcessStarted {
			count++
		}
	}
	if count != 2 {
		t.Errorf("ran %d times, want exactly 2", count)
	}
}

func TestRunNonZeroExitIsAgentError(t *testing.T) {
	r := &Runner{Driver: &scriptDriver{script: `echo 'boom' >&2; exit 7`}, Role: RoleReviewer}
	_, err := r.Run(context.Background(), RunParams{
		RunID:       "r4",
		WorktreeDir: t.TempDir(),
		Prompt:      "review",
		Schema:      ReviewerSchema(),
		Timeout:     30 * time.Second,
	})
	var agentErr *Error
	if !errors.As(err, &agentErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if !strings.Contains(agentErr.Message, "code 7") || !strings.Contains(agentErr.Message, "boom") {
		t.Errorf("message = %q", agentErr.Message)
	}
}

func TestRunTimeout(t *testing.T) {
	r := &Runner{Driver: &scriptDriver{script: `sleep 30`}, Role: RoleImplementer}
	var seen []events.Type
	_, err := r.Run(context.Background(), RunParams{
		RunID:       "r5",
		WorktreeDir: t.TempDir(),
		Prompt:      "do it",
		Schema:      ImplementerSchema(),
		Timeout:     200 * time.Millisecond,
		Sink:        collectSink(&seen),
	})
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if !containsInOrder(seen, events.ProcessStarted, events.ProcessExited, events.TimeoutOccurred) {
		t.Errorf("event order = %v", seen)
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	r := &Runner{Driver: &scriptDriver{script: `sleep 30`}, Role: RoleImplementer}
	_, err := r.Run(ctx, RunParams{
		RunID:       "r6",
		WorktreeDir: t.TempDir(),
		Prompt:      "do it",
		Schema:      ImplementerSchema(),
		Timeout:     time.Minute,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRunForwardsLines(t *testing.T) {
	r := &Runner{Driver: &scriptDriver{script: `echo progress >&2; ` + validJSONEcho}, Role: RoleImplementer}
	var lines []string
	_, err := r.Run(context.Background(), RunParams{
		RunID:       "r7",
		WorktreeDir: t.TempDir(),
		Prompt:      "do it",
		Schema:      ImplementerSchema(),
		Timeout:     30 * time.Second,
		OnLine: func(stream, line string) {
			lines = append(lines, stream+":"+line)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	foundStderr := false
	for _, l := range lines {
		if l == "stderr:progress" {
			foundStderr = true
		}
	}
	if !foundStderr {
		t.Errorf("lines = %v, missing stderr:progress", lines)
	}
}
