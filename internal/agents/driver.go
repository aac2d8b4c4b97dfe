// Package agents drives the headless coding-agent CLIs. A Driver knows how
// to invoke one CLI family and extract its structured output; the shared
// run protocol validates that output against a JSON schema and performs at
// most one repair attempt.
package agents

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

type Role string

const (
	RoleImplementer Role = "implementer"
	RoleReviewer    Role = "reviewer"
)

// Error is a non-timeout agent failure. RawOutput carries the most recent
// raw output for the audit trail.
type Error struct {
	Message   string
	RawOutput string
}

func (e *Error) Error() string { return e.Message }

// TimeoutError marks an agent invocation that exceeded its step timeout.
type TimeoutError struct {
	Role    Role
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Role, e.Timeout)
}

// Command is one ready-to-run agent invocation.
type Command struct {
	Argv  []string
	Stdin string
}

// CommandParams feeds a Driver's command builder. SchemaPath and OutputPath
// point into the run directory; drivers that take the schema inline ignore
// them.
type CommandParams struct {
	Prompt     string
	Schema     map[string]any
	SchemaPath string
	OutputPath string
}

// Driver is one CLI agent family.
type Driver interface {
	// DefaultExecutable is the executable name used when no override is set.
	DefaultExecutable() string
	// Name is the human-readable agent name.
	Name() string
	// BuildCommand assembles the invocation for a prompt.
	BuildCommand(p CommandParams) (Command, error)
	// ExtractOutput recovers the raw structured-output string from a
	// finished invocation.
	ExtractOutput(stdout, stderr, outputPath string) string
}

// ForKind resolves an agent kind ("claude" or "codex") to its driver.
// An empty executable selects the driver's default.
func ForKind(kind, executable string) (Driver, error) {
	switch kind {
	case "claude":
		return &ClaudeDriver{Executable: executable}, nil
	case "codex":
		return &CodexDriver{Executable: executable}, nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q", kind)
	}
}

// digest fingerprints prompts and schemas for event payloads.
func digest(b []byte) string {
	h := blake3.New()
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil)[:8])
}
