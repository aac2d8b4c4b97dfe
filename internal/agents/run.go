package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmacy/vibe-orchestrator/internal/events"
	"github.com/mmacy/vibe-orchestrator/internal/procrun"
)

// RunParams describes one agent step.
type RunParams struct {
	RunID       string
	WorktreeDir string
	Prompt      string
	Schema      map[string]any
	SchemaPath  string
	OutputPath  string
	Timeout     time.Duration

	// OnLine receives every output line as ("stdout"|"stderr", line).
	OnLine func(stream, line string)
	// Sink receives every protocol event for the audit log.
	Sink func(ev events.Event)
}

// Runner binds a driver to a role and executes the run protocol: invoke,
// extract, validate, then at most one repair attempt.
type Runner struct {
	Driver Driver
	Role   Role
	Kind   string
}

// NewRunner resolves a driver by kind.
func NewRunner(kind, executable string, role Role) (*Runner, error) {
	drv, err := ForKind(kind, executable)
	if err != nil {
		return nil, err
	}
	return &Runner{Driver: drv, Role: role, Kind: kind}, nil
}

// Run executes the agent and returns its validated output object.
//
// Failure contract: timeout => *TimeoutError; non-zero exit or persistent
// schema invalidity => *Error; context cancellation propagates ctx.Err().
func (r *Runner) Run(ctx context.Context, p RunParams) (map[string]any, error) {
	raw, err := r.invoke(ctx, p, p.Prompt)
	if err != nil {
		return nil, err
	}

	res := ValidateForRole(r.Role, raw, p.Schema)
	if res.Valid {
		r.emit(p, events.AgentOutputValidated, map[string]any{
			"run_id":        p.RunID,
			"role":          string(r.Role),
			"parsed_output": res.Data,
		})
		return res.Data, nil
	}

	r.emit(p, events.AgentOutputInvalid, map[string]any{
		"run_id":     p.RunID,
		"role":       string(r.Role),
		"raw_output": raw,
		"error":      res.Err,
	})
	r.emit(p, events.AgentRepairRequested, map[string]any{
		"run_id":  p.RunID,
		"role":    string(r.Role),
		"attempt": 2,
	})

	repairPrompt := BuildRepairPrompt(p.Schema, raw, res.Err)
	raw, err = r.invoke(ctx, p, repairPrompt)
	if err != nil {
		return nil, err
	}

	res = ValidateForRole(r.Role, raw, p.Schema)
	if res.Valid {
		r.emit(p, events.AgentOutputValidated, map[string]any{
			"run_id":        p.RunID,
			"role":          string(r.Role),
			"parsed_output": res.Data,
		})
		return res.Data, nil
	}
	r.emit(p, events.AgentOutputInvalid, map[string]any{
		"run_id":     p.RunID,
		"role":       string(r.Role),
		"raw_output": raw,
		"error":      res.Err,
	})
	return nil, &Error{
		Message:   fmt.Sprintf("%s output invalid after repair: %s", r.Role, res.Err),
		RawOutput: raw,
	}
}

// invoke runs the CLI once and extracts the raw output string.
func (r *Runner) invoke(ctx context.Context, p RunParams, prompt string) (string, error) {
	cmd, err := r.Driver.BuildCommand(CommandParams{
		Prompt:     prompt,
		Schema:     p.Schema,
		SchemaPath: p.SchemaPath,
		OutputPath: p.OutputPath,
	})
	if err != nil {
		return "", err
	}

	schemaJSON, _ := json.Marshal(p.Schema)
	runner := &procrun.Runner{
		OnStart: func(pid int) {
			r.emit(p, events.ProcessStarted, map[string]any{
				"run_id":        p.RunID,
				"role":          string(r.Role),
				"command":       commandForLog(cmd.Argv),
				"pid":           pid,
				"prompt_digest": digest([]byte(prompt)),
				"schema_digest": digest(schemaJSON),
			})
		},
		OnStdoutLine: func(line string) { r.line(p, "stdout", line) },
		OnStderrLine: func(line string) { r.line(p, "stderr", line) },
	}

	started := time.Now()
	res, err := runner.Run(ctx, procrun.Spec{
		Argv:    cmd.Argv,
		Dir:     p.WorktreeDir,
		Stdin:   cmd.Stdin,
		Timeout: p.Timeout,
	})
	if err != nil {
		// Cancellation (and runner-internal failures) propagate as-is.
		return "", err
	}

	r.emit(p, events.ProcessExited, map[string]any{
		"run_id":           p.RunID,
		"role":             string(r.Role),
		"exit_code":        res.ExitCode,
		"duration_seconds": time.Since(started).Seconds(),
	})

	if res.TimedOut {
		r.emit(p, events.TimeoutOccurred, map[string]any{
			"run_id":          p.RunID,
			"operation":       string(r.Role),
			"timeout_seconds": int(p.Timeout.Seconds()),
		})
		return "", &TimeoutError{Role: r.Role, Timeout: p.Timeout}
	}
	if res.ExitCode != 0 {
		return "", &Error{
			Message:   fmt.Sprintf("%s exited with code %d: %s", r.Role, res.ExitCode, tail(res.Stderr, 2000)),
			RawOutput: res.Stdout,
		}
	}

	raw := r.Driver.ExtractOutput(res.Stdout, res.Stderr, p.OutputPath)
	r.emit(p, events.AgentOutputReceived, map[string]any{
		"run_id":     p.RunID,
		"role":       string(r.Role),
		"raw_output": raw,
	})
	return raw, nil
}

func (r *Runner) line(p RunParams, stream, line string) {
	if p.OnLine != nil {
		p.OnLine(stream, line)
	}
	r.emit(p, events.ProcessLine, map[string]any{
		"run_id": p.RunID,
		"role":   string(r.Role),
		"stream": stream,
		"line":   line,
	})
}

func (r *Runner) emit(p RunParams, t events.Type, data map[string]any) {
	if p.Sink != nil {
		p.Sink(events.New(t, data))
	}
}

// commandForLog elides inline prompt payloads so events stay one line.
func commandForLog(argv []string) []string {
	out := make([]string, len(argv))
	prev := ""
	for i, a := range argv {
		if (prev == "-p" || prev == "--json-schema") && len(a) > 200 {
			out[i] = a[:200] + "…"
		} else {
			out[i] = a
		}
		prev = a
	}
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
